package e2e

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/somnia/internal/capture"
	"github.com/nidhogg/somnia/internal/dream"
	"github.com/nidhogg/somnia/internal/embedding"
	"github.com/nidhogg/somnia/internal/pattern"
	"github.com/nidhogg/somnia/internal/sleep"
	"github.com/nidhogg/somnia/internal/store"
	"github.com/nidhogg/somnia/internal/transfer"
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres unavailable, skipping e2e: %v\n", err)
		os.Exit(m.Run())
	}
	defer pgCleanup()

	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer redisCleanup()
	testRedisURL = redisURL

	embedder := embedding.NewHashProvider(0)
	testStore, err = store.New(ctx, pgDSN, embedder, nil, store.Options{}, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store: %v\n", err)
		os.Exit(1)
	}
	defer testStore.Close()

	if err := testStore.Migrate(ctx, "../../migrations"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func seedDomains(t *testing.T, ctx context.Context) {
	t.Helper()
	domains := []*pattern.AgentDomain{
		{AgentType: "coder", Capabilities: []string{"code", "test"}, Frameworks: []string{"jest"}, TaskTypes: []string{"refactor", "bugfix"}},
		{AgentType: "reviewer", Capabilities: []string{"code", "review"}, Frameworks: []string{"jest"}, TaskTypes: []string{"review", "refactor"}},
	}
	for _, d := range domains {
		if err := testStore.UpsertAgentDomain(ctx, d); err != nil {
			t.Fatalf("upsert domain: %v", err)
		}
	}
}

func reportExperiences(t *testing.T, buf *capture.Buffer, n int, success bool) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := buf.Submit(&pattern.Experience{
			AgentID:       fmt.Sprintf("agent-%d", i%3),
			AgentType:     "coder",
			TaskType:      "refactor",
			InputSummary:  "split oversized handler",
			OutputSummary: "extracted helper and added tests",
			Success:       success,
			Quality:       0.85,
		})
		if err != nil {
			t.Fatalf("submit experience %d: %v", i, err)
		}
	}
}

// TestFullSleepCycle drives the whole pipeline end to end: experiences go
// in through the capture buffer, a manually triggered cycle flushes them,
// synthesizes patterns, broadcasts across domains, and dreams.
func TestFullSleepCycle(t *testing.T) {
	skipIfNoStack(t)
	ctx := context.Background()
	seedDomains(t, ctx)

	buf := capture.NewBuffer(capture.Config{FlushSize: 100, FlushInterval: time.Hour}, testStore, testLogger)
	defer buf.Close(ctx)

	dreamer := dream.New(dream.DefaultConfig(), testStore, testLogger)
	proto := transfer.New(transfer.DefaultConfig(), testStore, testLogger)

	opts, err := redis.ParseURL(testRedisURL)
	if err != nil {
		t.Fatalf("redis url: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	cfg := sleep.DefaultConfig()
	cfg.PollInterval = 50 * time.Millisecond
	cfg.MaxCycleDuration = 2 * time.Minute
	cfg.Budgets = sleep.Budgets{
		Capture:     30 * time.Second,
		Process:     30 * time.Second,
		Consolidate: 30 * time.Second,
		Dream:       5 * time.Second,
	}

	lock := sleep.NewCycleLock(rdb, time.Minute, testLogger)
	notifier := sleep.NewNotifier(rdb, testLogger)
	scheduler := sleep.New(cfg, testStore, buf, dreamer, proto,
		nil, lock, notifier, testLogger)

	// Listen for cycle events before triggering.
	evCtx, evCancel := context.WithCancel(ctx)
	defer evCancel()
	events := notifier.Subscribe(evCtx)
	time.Sleep(200 * time.Millisecond)

	reportExperiences(t, buf, 10, true)

	if err := scheduler.TriggerNow(); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	var rec *store.SleepCycleRecord
	deadline := time.Now().Add(2 * time.Minute)
	for rec == nil {
		if time.Now().After(deadline) {
			t.Fatal("cycle never finished")
		}
		time.Sleep(100 * time.Millisecond)
		rec = scheduler.LastCycle()
	}

	if rec.Status != store.SleepCycleCompleted {
		t.Fatalf("cycle did not complete: %s (%s)", rec.Status, rec.Error)
	}
	if rec.ExperiencesProcessed != 10 {
		t.Fatalf("expected 10 experiences processed, got %d", rec.ExperiencesProcessed)
	}
	if rec.PatternsCreated == 0 {
		t.Fatal("expected at least one synthesized pattern")
	}

	// The synthesized pattern is findable through the ranked lookup.
	matches, err := testStore.Find(ctx, pattern.FindCriteria{AgentType: "coder"}, 10)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("synthesized pattern not findable")
	}

	// All experiences are consumed.
	unprocessed, err := testStore.UnprocessedExperiences(ctx, 100)
	if err != nil {
		t.Fatalf("unprocessed: %v", err)
	}
	if len(unprocessed) != 0 {
		t.Fatalf("expected no unprocessed experiences, got %d", len(unprocessed))
	}

	// The cycle is visible in history.
	cycles, err := testStore.SleepCycles(ctx, 10)
	if err != nil {
		t.Fatalf("cycles: %v", err)
	}
	if len(cycles) == 0 {
		t.Fatal("cycle missing from history")
	}

	// At least the start event made it onto the stream.
	select {
	case ev := <-events:
		if ev.CycleID == "" {
			t.Fatal("event missing cycle id")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no cycle event published")
	}
}

// TestPatternLifecycle exercises store, versioning, dedup, and usage
// tracking against real PostgreSQL.
func TestPatternLifecycle(t *testing.T) {
	skipIfNoStack(t)
	ctx := context.Background()

	p := &pattern.Pattern{
		Category:    pattern.CategorySuccessStrategy,
		Description: "cache template render results",
		Conditions:  []string{"template rendered repeatedly"},
		Actions:     []string{"memoize by template hash"},
		Confidence:  0.6,
		AgentType:   "renderer",
		Framework:   "jinja",
	}
	stored, err := testStore.StorePattern(ctx, p)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if stored.Version != 1 || stored.Signature == "" {
		t.Fatalf("bad stored pattern: v%d sig=%q", stored.Version, stored.Signature)
	}

	// An equivalent pattern merges instead of duplicating.
	dup := &pattern.Pattern{
		Category:    pattern.CategorySuccessStrategy,
		Description: "cache rendered templates",
		Conditions:  []string{"Template rendered repeatedly"},
		Actions:     []string{"memoize by template hash"},
		Confidence:  0.7,
		AgentType:   "renderer",
		Framework:   "jinja",
	}
	merged, err := testStore.StorePattern(ctx, dup)
	if err != nil {
		t.Fatalf("store dup: %v", err)
	}
	if merged.ID != stored.ID {
		t.Fatal("expected signature collision to merge")
	}
	if merged.Version != 2 {
		t.Fatalf("expected version bump on merge, got %d", merged.Version)
	}

	// Usage tracking bumps version and snapshots the old state.
	used, err := testStore.RecordUsage(ctx, stored.ID, pattern.UsageOutcome{Success: true, Quality: 0.9})
	if err != nil {
		t.Fatalf("record usage: %v", err)
	}
	if used.UsageCount != 1 || used.Version != 3 {
		t.Fatalf("unexpected usage state: count=%d v=%d", used.UsageCount, used.Version)
	}

	history, err := testStore.VersionHistory(ctx, stored.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(history))
	}
}

// TestTransferAcrossDomains moves a pattern between agent namespaces and
// checks registry supersede behavior against real PostgreSQL.
func TestTransferAcrossDomains(t *testing.T) {
	skipIfNoStack(t)
	ctx := context.Background()
	seedDomains(t, ctx)

	p := &pattern.Pattern{
		Category:    pattern.CategorySuccessStrategy,
		Description: "run focused tests before the full suite",
		Conditions:  []string{"large test suite"},
		Actions:     []string{"run changed-file tests first"},
		Confidence:  0.8,
		AgentType:   "coder",
		TaskTypes:   []string{"refactor"},
		Framework:   "jest",
	}
	stored, err := testStore.StorePattern(ctx, p)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	proto := transfer.New(transfer.DefaultConfig(), testStore, testLogger)
	send := func() []transfer.Result {
		results, err := proto.Send(ctx, &transfer.Request{
			Source: "coder", Target: "reviewer", PatternIDs: []string{stored.ID},
		})
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		return results
	}

	results := send()
	if !results[0].Accepted || !results[0].Validated {
		t.Fatalf("transfer rejected: %+v", results[0])
	}

	cp, err := testStore.FindTransferredCopy(ctx, stored.ID, "reviewer")
	if err != nil {
		t.Fatalf("find copy: %v", err)
	}
	if cp.SourceAgent != "coder" || cp.AgentType != "reviewer" {
		t.Fatalf("bad copy provenance: %+v", cp)
	}

	// Re-transfer supersedes the active registry entry.
	send()
	entries, err := testStore.RegistryEntriesForTarget(ctx, "reviewer", 50)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	var active int
	for _, e := range entries {
		if e.PatternID == stored.ID && e.Status == transfer.EntryActive {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one active entry, got %d", active)
	}
}
