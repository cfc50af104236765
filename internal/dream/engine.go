package dream

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/somnia/internal/pattern"
)

// Storage is the slice of the pattern store the engine needs. All graph and
// insight persistence goes through it; the engine never touches the
// database directly.
type Storage interface {
	RecentPatterns(ctx context.Context, limit int) ([]*pattern.Pattern, error)
	RecentExperiences(ctx context.Context, limit int) ([]*pattern.Experience, error)
	SaveConceptNode(ctx context.Context, n *ConceptNode) error
	SaveConceptEdge(ctx context.Context, e *ConceptEdge) error
	ConceptEdgesBetween(ctx context.Context, nodeIDs []string) ([]*ConceptEdge, error)
	SaveInsight(ctx context.Context, in *Insight) error
	CreateDreamCycle(ctx context.Context, rec *CycleRecord) error
	FinishDreamCycle(ctx context.Context, rec *CycleRecord) error
}

// Config bounds a dream session.
type Config struct {
	SeedLimit           int     // patterns/experiences loaded as seeds
	SimilarityThreshold float64 // min embedding similarity for auto edges
	MaxOutDegree        int     // per-node outgoing edge cap
	NoiseFactor         float64 // fraction of nodes receiving random noise
	SpreadFactor        float64 // fraction of activation propagated per step
	DecayRate           float64 // per-iteration activation decay
	MaxIterations       int
	CoActivation        float64 // both-above threshold for association capture
	StrongEdge          float64 // min weight for a node to count as established
	NoveltyThreshold    float64
	MinConfidence       float64
	MaxInsights         int
}

// DefaultConfig returns the reference defaults.
func DefaultConfig() Config {
	return Config{
		SeedLimit:           100,
		SimilarityThreshold: 0.7,
		MaxOutDegree:        20,
		NoiseFactor:         0.2,
		SpreadFactor:        0.5,
		DecayRate:           0.9,
		MaxIterations:       10,
		CoActivation:        0.6,
		StrongEdge:          0.5,
		NoveltyThreshold:    0.5,
		MinConfidence:       0.5,
		MaxInsights:         5,
	}
}

// Engine runs spreading-activation dream sessions over the concept graph.
type Engine struct {
	cfg     Config
	storage Storage
	rng     *rand.Rand
	graph   *Graph
	logger  *zap.Logger
}

// New creates a dream engine.
func New(cfg Config, storage Storage, logger *zap.Logger) *Engine {
	if cfg.MaxIterations == 0 {
		cfg = DefaultConfig()
	}
	return &Engine{
		cfg:     cfg,
		storage: storage,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		graph:   NewGraph(),
		logger:  logger,
	}
}

// Seed replaces the engine's rng, for deterministic tests.
func (e *Engine) Seed(seed int64) {
	e.rng = rand.New(rand.NewSource(seed))
}

// Graph exposes the concept graph, read-only by convention.
func (e *Engine) Graph() *Graph { return e.graph }

// conceptNodeID derives a node's identity from what it wraps, so the same
// pattern or experience maps to the same node across sessions and persisted
// structure accumulates instead of duplicating.
func conceptNodeID(kind NodeKind, refID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(string(kind)+"/"+refID)).String()
}

// Initialize loads recent patterns and experiences as graph seeds, folds in
// edges persisted by earlier sessions, and auto-discovers new edges.
func (e *Engine) Initialize(ctx context.Context) error {
	e.graph = NewGraph()

	patterns, err := e.storage.RecentPatterns(ctx, e.cfg.SeedLimit)
	if err != nil {
		return fmt.Errorf("load pattern seeds: %w", err)
	}
	experiences, err := e.storage.RecentExperiences(ctx, e.cfg.SeedLimit)
	if err != nil {
		return fmt.Errorf("load experience seeds: %w", err)
	}

	patternNodes := make(map[string]int) // pattern id -> arena index
	for _, p := range patterns {
		n := &ConceptNode{
			ID:        conceptNodeID(NodePattern, p.ID),
			Kind:      NodePattern,
			RefID:     p.ID,
			Label:     string(p.Category),
			Content:   p.Description,
			embedding: p.Embedding,
			errorish:  p.Category == pattern.CategoryFailureAvoidance,
		}
		patternNodes[p.ID] = e.graph.AddNode(n)
	}
	var expNodes []int
	for _, exp := range experiences {
		n := &ConceptNode{
			ID:        conceptNodeID(NodeExperience, exp.ID),
			Kind:      NodeExperience,
			RefID:     exp.ID,
			Label:     exp.TaskType,
			Content:   exp.InputSummary + " " + exp.OutputSummary,
			embedding: exp.Embedding,
			errorish:  !exp.Success,
		}
		expNodes = append(expNodes, e.graph.AddNode(n))
	}

	// Prior sessions' structure first, so this session reinforces it and
	// novelty scoring sees what is already known.
	if err := e.foldPriorEdges(ctx); err != nil {
		return err
	}

	for k, exp := range experiences {
		// Co-occurrence: an experience that used a pattern links to it.
		for _, pid := range exp.PatternsUsed {
			if pi, ok := patternNodes[pid]; ok {
				e.graph.UpsertEdge(expNodes[k], pi, RelationCooccurrence, 0.6)
				e.graph.UpsertEdge(pi, expNodes[k], RelationCooccurrence, 0.6)
			}
		}
	}

	e.discoverSimilarityEdges()
	e.graph.CapOutDegree(e.cfg.MaxOutDegree)

	// Persist the seeded structure so a failed session cannot lose it.
	for i := 0; i < e.graph.Len(); i++ {
		if err := e.storage.SaveConceptNode(ctx, e.graph.Node(i)); err != nil {
			return fmt.Errorf("persist concept node: %w", err)
		}
	}
	for _, edge := range e.graph.Edges() {
		if err := e.storage.SaveConceptEdge(ctx, edge); err != nil {
			return fmt.Errorf("persist concept edge: %w", err)
		}
	}

	e.logger.Info("dream graph initialized",
		zap.Int("nodes", e.graph.Len()),
		zap.Int("edges", len(e.graph.Edges())))
	return nil
}

// foldPriorEdges loads edges persisted by earlier sessions among the seeded
// nodes and restores their weight and evidence into the graph.
func (e *Engine) foldPriorEdges(ctx context.Context) error {
	ids := make([]string, e.graph.Len())
	for i := range ids {
		ids[i] = e.graph.Node(i).ID
	}
	prior, err := e.storage.ConceptEdgesBetween(ctx, ids)
	if err != nil {
		return fmt.Errorf("load prior edges: %w", err)
	}
	for _, pe := range prior {
		si, ok := e.graph.index[pe.SourceID]
		ti, ok2 := e.graph.index[pe.TargetID]
		if !ok || !ok2 {
			continue
		}
		e.graph.RestoreEdge(si, ti, pe.Relation, pe.Weight, pe.Evidence)
	}
	return nil
}

// discoverSimilarityEdges links node pairs whose embeddings exceed the
// similarity threshold, in both directions.
func (e *Engine) discoverSimilarityEdges() {
	n := e.graph.Len()
	for i := 0; i < n; i++ {
		a := e.graph.Node(i)
		if len(a.embedding) == 0 {
			continue
		}
		for j := i + 1; j < n; j++ {
			b := e.graph.Node(j)
			if len(b.embedding) == 0 {
				continue
			}
			sim := pattern.CosineSimilarity(a.embedding, b.embedding)
			if sim >= e.cfg.SimilarityThreshold {
				e.graph.UpsertEdge(i, j, RelationSimilarity, sim)
				e.graph.UpsertEdge(j, i, RelationSimilarity, sim)
			}
		}
	}
}

// association is a co-activated node pair observed during a session.
type association struct {
	a, b       int
	activation float64 // min of the two activations at capture time
	novelty    float64
}

// Dream runs one bounded spreading-activation session and returns the
// retained insights. The session always terminates: it stops at
// MaxIterations, at the duration budget, or on context cancellation,
// whichever comes first. Graph writes happen incrementally, so a late
// failure cannot corrupt already-committed structure.
func (e *Engine) Dream(ctx context.Context, duration time.Duration) ([]*Insight, *CycleRecord, error) {
	rec := &CycleRecord{ID: uuid.New().String(), StartedAt: time.Now(), Status: CycleRunning}
	if err := e.storage.CreateDreamCycle(ctx, rec); err != nil {
		return nil, nil, fmt.Errorf("open dream cycle: %w", err)
	}

	deadline := time.Now().Add(duration)
	sessionCtx := ctx
	if duration > 0 {
		var cancel context.CancelFunc
		sessionCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	candidates := make(map[[2]int]association)
	iterations := 0
	for iterations < e.cfg.MaxIterations {
		// Time budget checked every iteration: the loop is CPU-bound and
		// must not rely on the iteration count alone.
		if sessionCtx.Err() != nil || !time.Now().Before(deadline) {
			break
		}
		e.injectNoise()
		e.spread()
		e.decay()
		e.captureCoActivations(candidates)
		iterations++
	}

	rec.ConceptsProcessed = e.graph.Len()
	rec.AssociationsFound = len(candidates)

	insights := e.generateInsights(candidates)
	rec.InsightsGenerated = len(insights)

	// Persist session results incrementally; a storage failure marks the
	// cycle failed but keeps everything committed so far.
	if err := e.persistSession(ctx, rec, insights); err != nil {
		rec.Status = CycleFailed
		rec.Error = err.Error()
		if ferr := e.storage.FinishDreamCycle(ctx, rec); ferr != nil {
			e.logger.Error("failed to finalize failed dream cycle", zap.Error(ferr))
		}
		return nil, rec, err
	}

	rec.Status = CycleCompleted
	if err := e.storage.FinishDreamCycle(ctx, rec); err != nil {
		return insights, rec, fmt.Errorf("finalize dream cycle: %w", err)
	}

	e.logger.Info("dream session complete",
		zap.Int("iterations", iterations),
		zap.Int("associations", len(candidates)),
		zap.Int("insights", len(insights)))
	return insights, rec, nil
}

func (e *Engine) persistSession(ctx context.Context, rec *CycleRecord, insights []*Insight) error {
	for i := 0; i < e.graph.Len(); i++ {
		if err := e.storage.SaveConceptNode(ctx, e.graph.Node(i)); err != nil {
			return fmt.Errorf("persist activations: %w", err)
		}
	}
	for _, in := range insights {
		in.CycleID = rec.ID
		if err := e.storage.SaveInsight(ctx, in); err != nil {
			return fmt.Errorf("persist insight: %w", err)
		}
	}
	return nil
}

// injectNoise sets random activation on a small random subset of nodes,
// the non-deterministic exploration part of dreaming.
func (e *Engine) injectNoise() {
	n := e.graph.Len()
	if n == 0 {
		return
	}
	count := int(float64(n) * e.cfg.NoiseFactor)
	if count < 1 {
		count = 1
	}
	now := time.Now()
	for k := 0; k < count; k++ {
		node := e.graph.Node(e.rng.Intn(n))
		node.Activation = clamp01(node.Activation + e.rng.Float64()*0.5)
		node.LastActivated = now
	}
}

// spread propagates a fraction of each node's activation to its neighbors,
// weighted by edge weight, computed against a snapshot so ordering within
// an iteration doesn't matter.
func (e *Engine) spread() {
	n := e.graph.Len()
	snapshot := make([]float64, n)
	for i := 0; i < n; i++ {
		snapshot[i] = e.graph.Node(i).Activation
	}
	now := time.Now()
	for i := 0; i < n; i++ {
		out := e.graph.Outgoing(i)
		if len(out) == 0 || snapshot[i] == 0 {
			continue
		}
		var totalWeight float64
		for _, edge := range out {
			totalWeight += edge.Weight
		}
		if totalWeight == 0 {
			continue
		}
		portion := snapshot[i] * e.cfg.SpreadFactor
		for _, edge := range out {
			target, ok := e.graph.NodeByID(edge.TargetID)
			if !ok {
				continue
			}
			target.Activation = clamp01(target.Activation + portion*(edge.Weight/totalWeight))
			target.LastActivated = now
		}
	}
}

// decay multiplies every node's activation by the decay rate.
func (e *Engine) decay() {
	for i := 0; i < e.graph.Len(); i++ {
		node := e.graph.Node(i)
		node.Activation = clamp01(node.Activation * e.cfg.DecayRate)
	}
}

// captureCoActivations records node pairs whose activations are both above
// the co-activation threshold, scoring novelty as the inverse of their
// existing connection strength.
func (e *Engine) captureCoActivations(candidates map[[2]int]association) {
	n := e.graph.Len()
	var hot []int
	for i := 0; i < n; i++ {
		if e.graph.Node(i).Activation >= e.cfg.CoActivation {
			hot = append(hot, i)
		}
	}
	for x := 0; x < len(hot); x++ {
		for y := x + 1; y < len(hot); y++ {
			a, b := hot[x], hot[y]
			key := [2]int{a, b}
			weight, evidence := e.graph.strongestConnection(a, b)
			novelty := noveltyScore(weight, evidence)
			act := min64(e.graph.Node(a).Activation, e.graph.Node(b).Activation)
			if prev, ok := candidates[key]; !ok || act > prev.activation {
				candidates[key] = association{a: a, b: b, activation: act, novelty: novelty}
			}
		}
	}
}

// noveltyScore inverts existing connection strength: a weak or unseen link
// between two co-activated concepts is what makes the association novel.
func noveltyScore(weight float64, evidence int) float64 {
	if evidence == 0 {
		return 1
	}
	return clamp01(1 - weight)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func min64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func trimContent(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
