package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/somnia/internal/pattern"
)

// ErrBatchTooLarge rejects oversized transfer requests before any work
// happens.
var ErrBatchTooLarge = errors.New("transfer batch exceeds limit")

// ErrUnknownDomain means an agent type has no registered domain profile.
var ErrUnknownDomain = errors.New("unknown agent domain")

// Store is the slice of the pattern store the protocol needs.
type Store interface {
	GetPattern(ctx context.Context, id string) (*pattern.Pattern, error)
	StorePattern(ctx context.Context, p *pattern.Pattern) (*pattern.Pattern, error)
	ListPatterns(ctx context.Context, agentType string, category pattern.Category, minConfidence float64, limit int) ([]*pattern.Pattern, error)
	FindTransferredCopy(ctx context.Context, originPatternID, targetAgentType string) (*pattern.Pattern, error)

	AgentDomain(ctx context.Context, agentType string) (*pattern.AgentDomain, error)
	ListAgentTypes(ctx context.Context) ([]string, error)

	CreateTransferRequest(ctx context.Context, req *Request) error
	UpdateTransferRequestStatus(ctx context.Context, id string, status RequestStatus) error
	ActivateRegistryEntry(ctx context.Context, entry *RegistryEntry) error
	MarkRegistryEntryInactive(ctx context.Context, id string) error
	SetRegistryEntryValidated(ctx context.Context, id string) error
}

// Config bounds the protocol.
type Config struct {
	Threshold         float64 // min compatibility to accept
	MaxBatch          int     // max patterns per request
	MinConfidence     float64 // broadcast floor
	MinCopyConfidence float64 // validation floor for the discounted copy
	Validate          bool
	Weights           Weights
}

// DefaultConfig returns the reference defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:         0.5,
		MaxBatch:          50,
		MinConfidence:     0.7,
		MinCopyConfidence: 0.5,
		Validate:          true,
		Weights:           DefaultWeights(),
	}
}

// Protocol moves patterns between agent namespaces through the store,
// recording every applied transfer in the registry.
type Protocol struct {
	cfg    Config
	store  Store
	logger *zap.Logger
}

func New(cfg Config, store Store, logger *zap.Logger) *Protocol {
	if cfg.MaxBatch == 0 {
		cfg = DefaultConfig()
	}
	return &Protocol{cfg: cfg, store: store, logger: logger}
}

// Send executes one transfer request. The batch is rejected wholesale when
// it exceeds the limit; otherwise each pattern is scored and either copied
// into the target namespace or reported as rejected. A per-pattern failure
// never aborts the rest of the batch.
func (p *Protocol) Send(ctx context.Context, req *Request) ([]Result, error) {
	if len(req.PatternIDs) == 0 {
		return nil, fmt.Errorf("transfer request has no patterns")
	}
	if len(req.PatternIDs) > p.cfg.MaxBatch {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(req.PatternIDs), p.cfg.MaxBatch)
	}

	source, err := p.store.AgentDomain(ctx, req.Source)
	if err != nil {
		return nil, fmt.Errorf("%w: source %q", ErrUnknownDomain, req.Source)
	}
	target, err := p.store.AgentDomain(ctx, req.Target)
	if err != nil {
		return nil, fmt.Errorf("%w: target %q", ErrUnknownDomain, req.Target)
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	req.Status = RequestExecuting
	req.CreatedAt = time.Now()
	if err := p.store.CreateTransferRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("record transfer request: %w", err)
	}

	results := make([]Result, 0, len(req.PatternIDs))
	accepted := 0
	for _, id := range req.PatternIDs {
		res := p.transferOne(ctx, req, id, source, target)
		if res.Accepted {
			accepted++
		}
		results = append(results, res)
	}

	status := RequestCompleted
	if accepted < len(results) {
		status = RequestPartial
	}
	if err := p.store.UpdateTransferRequestStatus(ctx, req.ID, status); err != nil {
		p.logger.Error("failed to finalize transfer request",
			zap.String("request", req.ID), zap.Error(err))
	}

	p.logger.Info("transfer executed",
		zap.String("source", req.Source),
		zap.String("target", req.Target),
		zap.Int("accepted", accepted),
		zap.Int("total", len(results)))
	return results, nil
}

func (p *Protocol) transferOne(ctx context.Context, req *Request, id string, source, target *pattern.AgentDomain) Result {
	res := Result{PatternID: id, Target: req.Target, Threshold: p.cfg.Threshold}

	orig, err := p.store.GetPattern(ctx, id)
	if err != nil {
		res.Reason = fmt.Sprintf("load pattern: %v", err)
		return res
	}
	if orig.Deprecated {
		res.Reason = "pattern is deprecated"
		return res
	}

	res.Compatibility = Compatibility(orig, source, target, p.cfg.Weights)
	if res.Compatibility < p.cfg.Threshold {
		res.Reason = "compatibility below threshold"
		return res
	}

	cp := p.adaptForTarget(orig, req)
	stored, err := p.store.StorePattern(ctx, cp)
	if err != nil {
		res.Reason = fmt.Sprintf("store copy: %v", err)
		return res
	}
	res.CopyID = stored.ID

	entry := &RegistryEntry{
		ID:            uuid.New().String(),
		PatternID:     orig.ID,
		CopyID:        stored.ID,
		Source:        req.Source,
		Target:        req.Target,
		Compatibility: res.Compatibility,
		Status:        EntryActive,
		CreatedAt:     time.Now(),
	}
	if err := p.store.ActivateRegistryEntry(ctx, entry); err != nil {
		res.Reason = fmt.Sprintf("register transfer: %v", err)
		return res
	}
	res.Accepted = true

	if p.cfg.Validate {
		if err := p.validateCopy(ctx, stored); err != nil {
			// The copy stays stored but inert until a future transfer
			// supersedes the entry.
			if merr := p.store.MarkRegistryEntryInactive(ctx, entry.ID); merr != nil {
				p.logger.Error("failed to deactivate registry entry",
					zap.String("entry", entry.ID), zap.Error(merr))
			}
			res.Validated = false
			res.Reason = fmt.Sprintf("validation failed: %v", err)
			return res
		}
		if err := p.store.SetRegistryEntryValidated(ctx, entry.ID); err != nil {
			p.logger.Error("failed to mark entry validated",
				zap.String("entry", entry.ID), zap.Error(err))
		}
		res.Validated = true
	}
	return res
}

// adaptForTarget clones a pattern into the target namespace with provenance
// fields set. The copy starts with discounted confidence since it is
// unproven in the new domain.
func (p *Protocol) adaptForTarget(orig *pattern.Pattern, req *Request) *pattern.Pattern {
	cp := orig.Clone()
	cp.ID = ""
	cp.AgentType = req.Target
	cp.SourceAgent = req.Source
	cp.OriginPatternID = orig.ID
	cp.Confidence = orig.Confidence * 0.8
	cp.UsageCount = 0
	cp.SuccessCount = 0
	cp.Version = 0
	cp.Signature = ""
	return cp
}

// validateCopy checks the transferred copy after it lands: it must
// round-trip from the store with its provenance intact, its discounted
// confidence must still clear the floor, and the target must not already
// hold the same origin pattern from a different source.
func (p *Protocol) validateCopy(ctx context.Context, cp *pattern.Pattern) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	fetched, err := p.store.GetPattern(ctx, cp.ID)
	if err != nil {
		return fmt.Errorf("reload copy: %w", err)
	}
	if fetched.AgentType != cp.AgentType || fetched.OriginPatternID != cp.OriginPatternID {
		return fmt.Errorf("copy provenance mismatch")
	}
	if fetched.Confidence < p.cfg.MinCopyConfidence {
		return fmt.Errorf("copy confidence %.3f below floor %.2f",
			fetched.Confidence, p.cfg.MinCopyConfidence)
	}
	existing, err := p.store.FindTransferredCopy(ctx, cp.OriginPatternID, cp.AgentType)
	if err == nil && existing.ID != cp.ID && existing.SourceAgent != cp.SourceAgent {
		return fmt.Errorf("target already holds %s via %s", cp.OriginPatternID, existing.SourceAgent)
	}
	return nil
}

// Broadcast sends the source agent's high-confidence patterns to every
// other registered agent type. Per-target failures are reported, not
// fatal.
func (p *Protocol) Broadcast(ctx context.Context, source string, patternIDs []string) (map[string][]Result, error) {
	ids := patternIDs
	if len(ids) == 0 {
		candidates, err := p.store.ListPatterns(ctx, source, "", p.cfg.MinConfidence, p.cfg.MaxBatch)
		if err != nil {
			return nil, fmt.Errorf("select broadcast patterns: %w", err)
		}
		for _, c := range candidates {
			if !c.Deprecated && c.OriginPatternID == "" {
				ids = append(ids, c.ID)
			}
		}
	}
	if len(ids) == 0 {
		return map[string][]Result{}, nil
	}

	targets, err := p.store.ListAgentTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agent types: %w", err)
	}

	out := make(map[string][]Result, len(targets))
	for _, target := range targets {
		if target == source {
			continue
		}
		req := &Request{
			Source:     source,
			Target:     target,
			PatternIDs: ids,
			Reason:     "broadcast",
		}
		results, err := p.Send(ctx, req)
		if err != nil {
			p.logger.Warn("broadcast to target failed",
				zap.String("target", target), zap.Error(err))
			continue
		}
		out[target] = results
	}
	return out, nil
}
