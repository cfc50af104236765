package transfer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/somnia/internal/pattern"
)

type fakeStore struct {
	patterns map[string]*pattern.Pattern
	domains  map[string]*pattern.AgentDomain

	requests map[string]*Request
	statuses map[string]RequestStatus
	entries  map[string]*RegistryEntry

	nextID    int
	failStore bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		patterns: make(map[string]*pattern.Pattern),
		domains:  make(map[string]*pattern.AgentDomain),
		requests: make(map[string]*Request),
		statuses: make(map[string]RequestStatus),
		entries:  make(map[string]*RegistryEntry),
	}
}

func (f *fakeStore) GetPattern(_ context.Context, id string) (*pattern.Pattern, error) {
	p, ok := f.patterns[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return p.Clone(), nil
}

func (f *fakeStore) StorePattern(_ context.Context, p *pattern.Pattern) (*pattern.Pattern, error) {
	if f.failStore {
		return nil, errors.New("store refused")
	}
	stored := p.Clone()
	if stored.ID == "" {
		f.nextID++
		stored.ID = fmt.Sprintf("copy-%d", f.nextID)
	}
	if stored.Version == 0 {
		stored.Version = 1
	}
	f.patterns[stored.ID] = stored
	return stored.Clone(), nil
}

func (f *fakeStore) ListPatterns(_ context.Context, agentType string, _ pattern.Category, minConfidence float64, limit int) ([]*pattern.Pattern, error) {
	var out []*pattern.Pattern
	for _, p := range f.patterns {
		if p.AgentType == agentType && p.Confidence >= minConfidence {
			out = append(out, p.Clone())
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) FindTransferredCopy(_ context.Context, originID, target string) (*pattern.Pattern, error) {
	var ids []string
	for id, p := range f.patterns {
		if p.OriginPatternID == originID && p.AgentType == target && !p.Deprecated {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, errors.New("not found")
	}
	// Oldest copy wins, like the real store; ids encode insertion order.
	sort.Strings(ids)
	return f.patterns[ids[0]].Clone(), nil
}

func (f *fakeStore) AgentDomain(_ context.Context, agentType string) (*pattern.AgentDomain, error) {
	d, ok := f.domains[agentType]
	if !ok {
		return nil, errors.New("not found")
	}
	return d, nil
}

func (f *fakeStore) ListAgentTypes(_ context.Context) ([]string, error) {
	var out []string
	for t := range f.domains {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeStore) CreateTransferRequest(_ context.Context, req *Request) error {
	f.requests[req.ID] = req
	return nil
}

func (f *fakeStore) UpdateTransferRequestStatus(_ context.Context, id string, status RequestStatus) error {
	f.statuses[id] = status
	return nil
}

func (f *fakeStore) ActivateRegistryEntry(_ context.Context, entry *RegistryEntry) error {
	for _, e := range f.entries {
		if e.PatternID == entry.PatternID && e.Target == entry.Target && e.Status == EntryActive {
			e.Status = EntryDeprecated
		}
	}
	f.entries[entry.ID] = entry
	return nil
}

func (f *fakeStore) MarkRegistryEntryInactive(_ context.Context, id string) error {
	e, ok := f.entries[id]
	if !ok {
		return errors.New("not found")
	}
	e.Status = EntryInactive
	return nil
}

func (f *fakeStore) SetRegistryEntryValidated(_ context.Context, id string) error {
	e, ok := f.entries[id]
	if !ok {
		return errors.New("not found")
	}
	e.Validated = true
	return nil
}

func (f *fakeStore) activeEntries() []*RegistryEntry {
	var out []*RegistryEntry
	for _, e := range f.entries {
		if e.Status == EntryActive {
			out = append(out, e)
		}
	}
	return out
}

func seedDomains(f *fakeStore) {
	f.domains["coder"] = &pattern.AgentDomain{
		AgentType:    "coder",
		Capabilities: []string{"code", "test", "review"},
		Frameworks:   []string{"jest", "pytest"},
		TaskTypes:    []string{"refactor", "bugfix"},
	}
	f.domains["reviewer"] = &pattern.AgentDomain{
		AgentType:    "reviewer",
		Capabilities: []string{"code", "review", "lint"},
		Frameworks:   []string{"jest"},
		TaskTypes:    []string{"review", "refactor"},
	}
	f.domains["planner"] = &pattern.AgentDomain{
		AgentType:    "planner",
		Capabilities: []string{"plan"},
		Frameworks:   []string{},
		TaskTypes:    []string{"planning"},
	}
}

func seedPattern(f *fakeStore, id string, confidence float64) *pattern.Pattern {
	p := &pattern.Pattern{
		ID:          id,
		Category:    pattern.CategorySuccessStrategy,
		Description: "run focused tests before full suite",
		Conditions:  []string{"large test suite"},
		Actions:     []string{"run changed-file tests first"},
		Confidence:  confidence,
		AgentType:   "coder",
		TaskTypes:   []string{"refactor"},
		Framework:   "jest",
		Version:     1,
	}
	f.patterns[id] = p
	return p
}

func testProtocol(store Store, mutate func(*Config)) *Protocol {
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, store, zap.NewNop())
}

func TestSendCopiesCompatiblePattern(t *testing.T) {
	store := newFakeStore()
	seedDomains(store)
	seedPattern(store, "p1", 0.8)
	proto := testProtocol(store, nil)

	results, err := proto.Send(context.Background(), &Request{
		Source: "coder", Target: "reviewer", PatternIDs: []string{"p1"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(results) != 1 || !results[0].Accepted {
		t.Fatalf("expected accepted result, got %+v", results)
	}
	if !results[0].Validated {
		t.Fatal("expected validated copy")
	}

	cp := store.patterns[results[0].CopyID]
	if cp == nil {
		t.Fatal("copy not stored")
	}
	if cp.AgentType != "reviewer" {
		t.Fatalf("copy in wrong namespace: %s", cp.AgentType)
	}
	if cp.SourceAgent != "coder" || cp.OriginPatternID != "p1" {
		t.Fatalf("provenance not set: %+v", cp)
	}
	if cp.Confidence >= 0.8 {
		t.Fatalf("copy confidence not discounted: %f", cp.Confidence)
	}
	if cp.UsageCount != 0 || cp.SuccessCount != 0 {
		t.Fatal("usage stats should reset on transfer")
	}
}

func TestSendRejectsIncompatibleTarget(t *testing.T) {
	store := newFakeStore()
	seedDomains(store)
	seedPattern(store, "p1", 0.8)
	proto := testProtocol(store, nil)

	results, err := proto.Send(context.Background(), &Request{
		Source: "coder", Target: "planner", PatternIDs: []string{"p1"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if results[0].Accepted {
		t.Fatalf("planner shares nothing with coder, expected rejection: %+v", results[0])
	}
	if results[0].CopyID != "" {
		t.Fatal("rejected transfer must not store a copy")
	}
	if store.statuses[store.requestID(t)] != RequestPartial {
		t.Fatalf("expected partial status, got %s", store.statuses[store.requestID(t)])
	}
}

func (f *fakeStore) requestID(t *testing.T) string {
	t.Helper()
	if len(f.requests) != 1 {
		t.Fatalf("expected exactly one request, got %d", len(f.requests))
	}
	for id := range f.requests {
		return id
	}
	return ""
}

func TestSendRejectsOversizedBatch(t *testing.T) {
	store := newFakeStore()
	seedDomains(store)
	proto := testProtocol(store, func(c *Config) { c.MaxBatch = 2 })

	_, err := proto.Send(context.Background(), &Request{
		Source: "coder", Target: "reviewer", PatternIDs: []string{"a", "b", "c"},
	})
	if !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("expected ErrBatchTooLarge, got %v", err)
	}
	if len(store.requests) != 0 {
		t.Fatal("oversized batch must be rejected before recording anything")
	}
}

func TestSendUnknownDomain(t *testing.T) {
	store := newFakeStore()
	seedDomains(store)
	seedPattern(store, "p1", 0.8)
	proto := testProtocol(store, nil)

	_, err := proto.Send(context.Background(), &Request{
		Source: "coder", Target: "ghost", PatternIDs: []string{"p1"},
	})
	if !errors.Is(err, ErrUnknownDomain) {
		t.Fatalf("expected ErrUnknownDomain, got %v", err)
	}
}

func TestSendSkipsDeprecatedPattern(t *testing.T) {
	store := newFakeStore()
	seedDomains(store)
	p := seedPattern(store, "p1", 0.8)
	p.Deprecated = true
	proto := testProtocol(store, nil)

	results, err := proto.Send(context.Background(), &Request{
		Source: "coder", Target: "reviewer", PatternIDs: []string{"p1"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if results[0].Accepted {
		t.Fatal("deprecated pattern must not transfer")
	}
}

func TestRetransferSupersedesRegistryEntry(t *testing.T) {
	store := newFakeStore()
	seedDomains(store)
	seedPattern(store, "p1", 0.8)
	proto := testProtocol(store, nil)

	req := func() *Request {
		return &Request{Source: "coder", Target: "reviewer", PatternIDs: []string{"p1"}}
	}
	if _, err := proto.Send(context.Background(), req()); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if _, err := proto.Send(context.Background(), req()); err != nil {
		t.Fatalf("second send: %v", err)
	}

	active := store.activeEntries()
	if len(active) != 1 {
		t.Fatalf("expected exactly one active entry after re-transfer, got %d", len(active))
	}
	if len(store.entries) != 2 {
		t.Fatalf("expected superseded entry retained, got %d total", len(store.entries))
	}
}

func TestSendLowConfidenceCopyFailsValidation(t *testing.T) {
	store := newFakeStore()
	seedDomains(store)
	// Compatible, but 0.55 * 0.8 discount leaves the copy at 0.44.
	seedPattern(store, "p1", 0.55)
	proto := testProtocol(store, nil)

	results, err := proto.Send(context.Background(), &Request{
		Source: "coder", Target: "reviewer", PatternIDs: []string{"p1"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	res := results[0]
	if !res.Accepted {
		t.Fatalf("transfer itself should be applied: %+v", res)
	}
	if res.Validated {
		t.Fatalf("copy below the confidence floor must not validate: %+v", res)
	}
	if !strings.Contains(res.Reason, "confidence") {
		t.Fatalf("reason should name the confidence failure, got %q", res.Reason)
	}
	if cp := store.patterns[res.CopyID]; cp == nil {
		t.Fatal("failed validation must not roll back the copy")
	}
	if len(store.activeEntries()) != 0 {
		t.Fatal("registry entry should be inactive after failed validation")
	}
	var inactive int
	for _, e := range store.entries {
		if e.Status == EntryInactive {
			inactive++
		}
	}
	if inactive != 1 {
		t.Fatalf("expected one inactive entry, got %d", inactive)
	}
}

func TestSendRejectsDuplicateFromOtherSource(t *testing.T) {
	store := newFakeStore()
	seedDomains(store)
	seedPattern(store, "p1", 0.8)
	// The reviewer already holds p1, transferred earlier by a different
	// agent. Its id sorts before generated copy ids, like an older row.
	store.patterns["copy-0"] = &pattern.Pattern{
		ID:              "copy-0",
		Category:        pattern.CategorySuccessStrategy,
		Description:     "run focused tests before full suite",
		Conditions:      []string{"large test suite"},
		Actions:         []string{"run changed-file tests first"},
		Confidence:      0.7,
		AgentType:       "reviewer",
		SourceAgent:     "mentor",
		OriginPatternID: "p1",
		Version:         1,
	}
	proto := testProtocol(store, nil)

	results, err := proto.Send(context.Background(), &Request{
		Source: "coder", Target: "reviewer", PatternIDs: []string{"p1"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	res := results[0]
	if res.Validated {
		t.Fatalf("duplicate from another source must fail validation: %+v", res)
	}
	if !strings.Contains(res.Reason, "mentor") {
		t.Fatalf("reason should name the prior source, got %q", res.Reason)
	}
	if len(store.activeEntries()) != 0 {
		t.Fatal("registry entry should be inactive for the duplicate")
	}
}

func TestBroadcastSkipsSourceAndLowConfidence(t *testing.T) {
	store := newFakeStore()
	seedDomains(store)
	seedPattern(store, "p1", 0.9)
	seedPattern(store, "p2", 0.4) // below broadcast floor
	proto := testProtocol(store, nil)

	out, err := proto.Broadcast(context.Background(), "coder", nil)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if _, ok := out["coder"]; ok {
		t.Fatal("broadcast must not target its own source")
	}
	results, ok := out["reviewer"]
	if !ok {
		t.Fatal("expected reviewer targeted")
	}
	for _, r := range results {
		if r.PatternID == "p2" {
			t.Fatal("low-confidence pattern leaked into broadcast")
		}
	}
}

func TestCompatibilityComponents(t *testing.T) {
	coder := &pattern.AgentDomain{
		AgentType:    "coder",
		Capabilities: []string{"code", "test"},
		Frameworks:   []string{"jest"},
		TaskTypes:    []string{"refactor"},
	}
	twin := &pattern.AgentDomain{
		AgentType:    "twin",
		Capabilities: []string{"code", "test"},
		Frameworks:   []string{"jest"},
		TaskTypes:    []string{"refactor"},
	}
	stranger := &pattern.AgentDomain{
		AgentType:    "stranger",
		Capabilities: []string{"paint"},
		Frameworks:   []string{"brush"},
		TaskTypes:    []string{"art"},
	}
	p := &pattern.Pattern{
		Category:   pattern.CategorySuccessStrategy,
		Confidence: 0.9,
		Framework:  "jest",
		TaskTypes:  []string{"refactor"},
	}

	w := DefaultWeights()
	same := Compatibility(p, coder, twin, w)
	far := Compatibility(p, coder, stranger, w)
	if same <= far {
		t.Fatalf("identical domain should outscore disjoint one: %f vs %f", same, far)
	}
	if same < 0.8 {
		t.Fatalf("perfect match scored too low: %f", same)
	}
	if far > 0.3 {
		t.Fatalf("disjoint domains scored too high: %f", far)
	}
}

func TestSetOverlap(t *testing.T) {
	cases := []struct {
		a, b []string
		want float64
	}{
		{[]string{"x", "y"}, []string{"x", "y"}, 1},
		{[]string{"x"}, []string{"y"}, 0},
		{[]string{"X", "y"}, []string{"x"}, 0.5},
		{nil, nil, 0.5},
		{[]string{"x"}, nil, 0},
	}
	for _, c := range cases {
		if got := setOverlap(c.a, c.b); got != c.want {
			t.Errorf("setOverlap(%v, %v) = %f, want %f", c.a, c.b, got, c.want)
		}
	}
}
