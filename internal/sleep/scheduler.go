package sleep

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/somnia/internal/dream"
	"github.com/nidhogg/somnia/internal/pattern"
	"github.com/nidhogg/somnia/internal/store"
	"github.com/nidhogg/somnia/internal/transfer"
)

// ErrCycleActive means a cycle is already running, locally or elsewhere in
// the fleet.
var ErrCycleActive = errors.New("sleep cycle already active")

// ErrTooSoon means the minimum interval since the previous cycle has not
// elapsed.
var ErrTooSoon = errors.New("previous sleep cycle too recent")

// Store is the slice of the pattern store the scheduler drives.
type Store interface {
	UnprocessedExperiences(ctx context.Context, limit int) ([]*pattern.Experience, error)
	MarkExperiencesProcessed(ctx context.Context, ids []string) error
	StorePattern(ctx context.Context, p *pattern.Pattern) (*pattern.Pattern, error)
	ListAgentTypes(ctx context.Context) ([]string, error)
	CreateSleepCycle(ctx context.Context, rec *store.SleepCycleRecord) error
	FinishSleepCycle(ctx context.Context, rec *store.SleepCycleRecord) error
}

// Flusher drains the capture buffer, phase one of a cycle.
type Flusher interface {
	FlushNow(ctx context.Context) error
}

// Dreamer runs the associative phase of a cycle.
type Dreamer interface {
	Initialize(ctx context.Context) error
	Dream(ctx context.Context, budget time.Duration) ([]*dream.Insight, *dream.CycleRecord, error)
}

// Broadcaster propagates patterns across agent namespaces.
type Broadcaster interface {
	Broadcast(ctx context.Context, source string, patternIDs []string) (map[string][]transfer.Result, error)
}

// Budgets caps each phase's wall-clock time.
type Budgets struct {
	Capture     time.Duration
	Process     time.Duration
	Consolidate time.Duration
	Dream       time.Duration
}

// Config bounds the scheduler.
type Config struct {
	Trigger          TriggerConfig
	PollInterval     time.Duration
	MinCycleInterval time.Duration
	MaxCycleDuration time.Duration
	Budgets          Budgets
	MaxPatterns      int // per-cycle synthesis cap
	MaxAgents        int // per-cycle broadcast cap
	ExperienceLimit  int // per-cycle processing cap
}

// DefaultConfig returns the reference defaults.
func DefaultConfig() Config {
	return Config{
		Trigger: TriggerConfig{
			Mode:            "hybrid",
			CPUThreshold:    0.20,
			MemoryThreshold: 0.70,
			MinIdle:         time.Minute,
		},
		PollInterval:     10 * time.Second,
		MinCycleInterval: time.Hour,
		MaxCycleDuration: 50 * time.Minute,
		Budgets: Budgets{
			Capture:     5 * time.Minute,
			Process:     10 * time.Minute,
			Consolidate: 15 * time.Minute,
			Dream:       20 * time.Minute,
		},
		MaxPatterns:     25,
		MaxAgents:       10,
		ExperienceLimit: 500,
	}
}

// Scheduler watches for quiet windows and runs the four-phase background
// learning cycle when one opens.
type Scheduler struct {
	cfg         Config
	store       Store
	flusher     Flusher
	dreamer     Dreamer
	broadcaster Broadcaster
	sampler     ResourceSampler
	lock        *CycleLock
	notifier    *Notifier
	logger      *zap.Logger

	idle idleTracker

	mu        sync.Mutex
	running   bool
	phase     Phase
	lastStart time.Time
	lastCycle *store.SleepCycleRecord

	wg sync.WaitGroup
}

// New creates a scheduler. sampler and notifier may be nil; without a
// sampler the idle trigger never fires.
func New(cfg Config, st Store, flusher Flusher, dreamer Dreamer, broadcaster Broadcaster,
	sampler ResourceSampler, lock *CycleLock, notifier *Notifier, logger *zap.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		cfg:         cfg,
		store:       st,
		flusher:     flusher,
		dreamer:     dreamer,
		broadcaster: broadcaster,
		sampler:     sampler,
		lock:        lock,
		notifier:    notifier,
		logger:      logger,
		idle:        idleTracker{cfg: cfg.Trigger},
		phase:       PhaseIdle,
	}
}

// Run polls triggers until the context is canceled. A running cycle is
// allowed to finish before Run returns.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.logger.Info("sleep scheduler started",
		zap.String("mode", s.cfg.Trigger.Mode),
		zap.Duration("poll", s.cfg.PollInterval))

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("sleep scheduler stopped")
			return
		case <-ticker.C:
			if trig, ok := s.evaluate(ctx); ok {
				if err := s.start(trig); err != nil {
					s.logger.Debug("cycle not started", zap.Error(err))
				}
			}
		}
	}
}

// evaluate checks both trigger modes against the current moment.
func (s *Scheduler) evaluate(ctx context.Context) (Trigger, bool) {
	if s.active() {
		return "", false
	}
	now := time.Now()
	if s.cfg.Trigger.idleEnabled() && s.sampler != nil {
		usage, err := s.sampler.Sample(ctx)
		if err != nil {
			s.logger.Warn("resource sample failed", zap.Error(err))
		} else if s.idle.observe(usage, now) {
			return TriggerIdle, true
		}
	}
	if s.cfg.Trigger.timeEnabled() && inTimeWindow(s.cfg.Trigger, now) {
		return TriggerTime, true
	}
	return "", false
}

// TriggerNow starts a cycle immediately, bypassing trigger evaluation but
// not the single-cycle and min-interval guards.
func (s *Scheduler) TriggerNow() error {
	return s.start(TriggerManual)
}

// start claims the run slot and launches the cycle in the background.
func (s *Scheduler) start(trig Trigger) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrCycleActive
	}
	if !s.lastStart.IsZero() && time.Since(s.lastStart) < s.cfg.MinCycleInterval {
		s.mu.Unlock()
		return fmt.Errorf("%w: last cycle started %s ago", ErrTooSoon, time.Since(s.lastStart).Round(time.Second))
	}
	s.running = true
	s.mu.Unlock()

	ctx := context.Background()
	if s.lock != nil {
		ok, err := s.lock.TryAcquire(ctx)
		if err != nil || !ok {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: fleet lock held", ErrCycleActive)
		}
	}

	s.mu.Lock()
	s.lastStart = time.Now()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if s.lock != nil {
				s.lock.Release(context.Background())
			}
			s.mu.Lock()
			s.running = false
			s.phase = PhaseIdle
			s.idle.reset()
			s.mu.Unlock()
		}()
		s.runCycle(ctx, trig)
	}()
	return nil
}

func (s *Scheduler) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ActivePhase reports the phase of the cycle in flight, or PhaseIdle.
func (s *Scheduler) ActivePhase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// LastCycle returns the record of the most recently finished cycle.
func (s *Scheduler) LastCycle() *store.SleepCycleRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCycle
}

func (s *Scheduler) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// runCycle walks the phase machine from idle back to idle. A failing phase
// is logged and skipped; the remaining phases still run so one bad
// subsystem cannot starve the others.
func (s *Scheduler) runCycle(ctx context.Context, trig Trigger) {
	rec := &store.SleepCycleRecord{Trigger: string(trig)}
	if err := s.store.CreateSleepCycle(ctx, rec); err != nil {
		s.logger.Error("failed to open sleep cycle", zap.Error(err))
		return
	}

	cycleCtx, cancel := context.WithTimeout(ctx, s.cfg.MaxCycleDuration)
	defer cancel()

	s.logger.Info("sleep cycle started",
		zap.String("cycle", rec.ID), zap.String("trigger", string(trig)))
	s.notifier.Publish(ctx, CycleEvent{CycleID: rec.ID, Phase: PhaseCapture, Trigger: trig, Detail: "cycle started"})

	var phaseErrs []string
	run := func(p Phase, budget time.Duration, fn func(context.Context) error) {
		if cycleCtx.Err() != nil {
			phaseErrs = append(phaseErrs, fmt.Sprintf("%s: cycle budget exhausted", p))
			return
		}
		s.setPhase(p)
		s.notifier.Publish(ctx, CycleEvent{CycleID: rec.ID, Phase: p})

		phaseCtx, cancel := context.WithTimeout(cycleCtx, budget)
		start := time.Now()
		err := fn(phaseCtx)
		cancel()
		if err != nil {
			phaseErrs = append(phaseErrs, fmt.Sprintf("%s: %v", p, err))
			s.logger.Warn("sleep phase failed",
				zap.String("cycle", rec.ID),
				zap.String("phase", string(p)),
				zap.Error(err))
			return
		}
		s.logger.Info("sleep phase complete",
			zap.String("cycle", rec.ID),
			zap.String("phase", string(p)),
			zap.Duration("took", time.Since(start)))
	}

	budgets := map[Phase]time.Duration{
		PhaseCapture:     s.cfg.Budgets.Capture,
		PhaseProcess:     s.cfg.Budgets.Process,
		PhaseConsolidate: s.cfg.Budgets.Consolidate,
		PhaseDream:       s.cfg.Budgets.Dream,
	}
	steps := map[Phase]func(context.Context) error{
		PhaseCapture:     s.capturePhase,
		PhaseProcess:     func(ctx context.Context) error { return s.processPhase(ctx, rec) },
		PhaseConsolidate: func(ctx context.Context) error { return s.consolidatePhase(ctx, rec) },
		PhaseDream:       func(ctx context.Context) error { return s.dreamPhase(ctx, rec) },
	}

	var ran int
	for p := next(PhaseIdle); p != PhaseIdle; p = next(p) {
		run(p, budgets[p], steps[p])
		ran++
	}

	rec.Status = store.SleepCycleCompleted
	if len(phaseErrs) > 0 {
		rec.Error = strings.Join(phaseErrs, "; ")
		if len(phaseErrs) == ran {
			rec.Status = store.SleepCycleFailed
		}
	}
	if err := s.store.FinishSleepCycle(ctx, rec); err != nil {
		s.logger.Error("failed to finalize sleep cycle",
			zap.String("cycle", rec.ID), zap.Error(err))
	}

	s.mu.Lock()
	s.lastCycle = rec
	s.mu.Unlock()

	s.notifier.Publish(ctx, CycleEvent{CycleID: rec.ID, Phase: PhaseIdle, Detail: "cycle finished"})
	s.logger.Info("sleep cycle finished",
		zap.String("cycle", rec.ID),
		zap.String("status", string(rec.Status)),
		zap.Int("experiences", rec.ExperiencesProcessed),
		zap.Int("patterns", rec.PatternsCreated),
		zap.Int("transfers", rec.TransfersCompleted),
		zap.Int("insights", rec.InsightsGenerated))
}

// capturePhase drains the experience buffer so the processing phase sees
// everything reported before the cycle began.
func (s *Scheduler) capturePhase(ctx context.Context) error {
	if s.flusher == nil {
		return nil
	}
	return s.flusher.FlushNow(ctx)
}

// processPhase synthesizes patterns from unprocessed experiences and marks
// them consumed. Experiences are only marked processed after every derived
// pattern landed, so a mid-phase crash reprocesses rather than loses them.
func (s *Scheduler) processPhase(ctx context.Context, rec *store.SleepCycleRecord) error {
	limit := s.cfg.ExperienceLimit
	if limit <= 0 {
		limit = 500
	}
	experiences, err := s.store.UnprocessedExperiences(ctx, limit)
	if err != nil {
		return fmt.Errorf("load experiences: %w", err)
	}
	if len(experiences) == 0 {
		return nil
	}

	candidates := pattern.Synthesize(experiences, pattern.SynthesisConfig{
		MinSupport:  3,
		MaxPatterns: s.cfg.MaxPatterns,
	})
	for _, p := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.store.StorePattern(ctx, p); err != nil {
			s.logger.Warn("failed to store synthesized pattern",
				zap.String("category", string(p.Category)), zap.Error(err))
			continue
		}
		rec.PatternsCreated++
	}

	ids := make([]string, len(experiences))
	for i, e := range experiences {
		ids[i] = e.ID
	}
	if err := s.store.MarkExperiencesProcessed(ctx, ids); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	rec.ExperiencesProcessed = len(experiences)
	return nil
}

// consolidatePhase broadcasts each agent type's proven patterns to the
// rest of the fleet, up to the per-cycle agent cap.
func (s *Scheduler) consolidatePhase(ctx context.Context, rec *store.SleepCycleRecord) error {
	if s.broadcaster == nil {
		return nil
	}
	agents, err := s.store.ListAgentTypes(ctx)
	if err != nil {
		return fmt.Errorf("list agent types: %w", err)
	}
	if s.cfg.MaxAgents > 0 && len(agents) > s.cfg.MaxAgents {
		agents = agents[:s.cfg.MaxAgents]
	}
	for _, agent := range agents {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		results, err := s.broadcaster.Broadcast(ctx, agent, nil)
		if err != nil {
			s.logger.Warn("broadcast failed",
				zap.String("source", agent), zap.Error(err))
			continue
		}
		for _, batch := range results {
			for _, r := range batch {
				if r.Accepted {
					rec.TransfersCompleted++
				}
			}
		}
	}
	return nil
}

// dreamPhase rebuilds the concept graph from the freshly consolidated
// state and runs one associative session inside the remaining budget.
func (s *Scheduler) dreamPhase(ctx context.Context, rec *store.SleepCycleRecord) error {
	if s.dreamer == nil {
		return nil
	}
	if err := s.dreamer.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize dream graph: %w", err)
	}
	budget := s.cfg.Budgets.Dream
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < budget {
			budget = remaining
		}
	}
	insights, _, err := s.dreamer.Dream(ctx, budget)
	if err != nil {
		return err
	}
	rec.InsightsGenerated = len(insights)
	return nil
}
