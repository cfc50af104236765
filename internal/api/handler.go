package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/somnia/internal/capture"
	"github.com/nidhogg/somnia/internal/dream"
	"github.com/nidhogg/somnia/internal/pattern"
	"github.com/nidhogg/somnia/internal/sleep"
	"github.com/nidhogg/somnia/internal/store"
	"github.com/nidhogg/somnia/internal/transfer"
)

// Store is the read/write surface the HTTP layer exposes.
type Store interface {
	GetPattern(ctx context.Context, id string) (*pattern.Pattern, error)
	Find(ctx context.Context, criteria pattern.FindCriteria, limit int) ([]pattern.Match, error)
	ListPatterns(ctx context.Context, agentType string, category pattern.Category, minConfidence float64, limit int) ([]*pattern.Pattern, error)
	VersionHistory(ctx context.Context, id string) ([]*pattern.Pattern, error)
	RecordUsage(ctx context.Context, id string, outcome pattern.UsageOutcome) (*pattern.Pattern, error)
	DeprecatePattern(ctx context.Context, id string) error

	ListInsights(ctx context.Context, status dream.InsightStatus, limit int) ([]*dream.Insight, error)
	UpdateInsightStatus(ctx context.Context, id string, status dream.InsightStatus) error
	DreamCycles(ctx context.Context, limit int) ([]*dream.CycleRecord, error)

	SleepCycles(ctx context.Context, limit int) ([]*store.SleepCycleRecord, error)

	RegistryEntriesForTarget(ctx context.Context, target string, limit int) ([]*transfer.RegistryEntry, error)
	FindTransferredCopy(ctx context.Context, originPatternID, targetAgentType string) (*pattern.Pattern, error)

	UpsertAgentDomain(ctx context.Context, d *pattern.AgentDomain) error
	AgentDomain(ctx context.Context, agentType string) (*pattern.AgentDomain, error)
	ListAgentTypes(ctx context.Context) ([]string, error)
}

// Scheduler is the cycle control surface.
type Scheduler interface {
	TriggerNow() error
	ActivePhase() sleep.Phase
	LastCycle() *store.SleepCycleRecord
}

// Transferrer moves patterns between agents on demand.
type Transferrer interface {
	Send(ctx context.Context, req *transfer.Request) ([]transfer.Result, error)
	Broadcast(ctx context.Context, source string, patternIDs []string) (map[string][]transfer.Result, error)
}

// Submitter accepts experience reports.
type Submitter interface {
	Submit(e *pattern.Experience) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	store     Store
	scheduler Scheduler
	transfers Transferrer
	intake    Submitter
	logger    *zap.Logger
}

// NewHandler creates the API handler.
func NewHandler(st Store, scheduler Scheduler, transfers Transferrer, intake Submitter, logger *zap.Logger) *Handler {
	return &Handler{
		store:     st,
		scheduler: scheduler,
		transfers: transfers,
		intake:    intake,
		logger:    logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/experiences", h.submitExperience)

		r.Get("/patterns", h.listPatterns)
		r.Post("/patterns/find", h.findPatterns)
		r.Get("/patterns/{id}", h.getPattern)
		r.Get("/patterns/{id}/versions", h.patternVersions)
		r.Post("/patterns/{id}/usage", h.recordUsage)
		r.Delete("/patterns/{id}", h.deprecatePattern)

		r.Get("/insights", h.listInsights)
		r.Post("/insights/{id}/apply", h.applyInsight)
		r.Post("/insights/{id}/reject", h.rejectInsight)
		r.Get("/dreams", h.listDreamCycles)

		r.Get("/cycles", h.listCycles)
		r.Get("/cycles/active", h.activeCycle)
		r.Post("/cycles/trigger", h.triggerCycle)

		r.Post("/transfers/send", h.sendTransfer)
		r.Post("/transfers/broadcast", h.broadcastTransfer)
		r.Get("/transfers/{target}", h.transfersForTarget)
		r.Get("/transfers/{target}/copy/{origin}", h.transferredCopy)

		r.Get("/domains", h.listDomains)
		r.Get("/domains/{agentType}", h.getDomain)
		r.Put("/domains", h.upsertDomain)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"phase":  h.scheduler.ActivePhase(),
	})
}

func (h *Handler) submitExperience(w http.ResponseWriter, r *http.Request) {
	var e pattern.Experience
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.intake.Submit(&e); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, pattern.ErrValidation):
			status = http.StatusBadRequest
		case errors.Is(err, capture.ErrBufferFull):
			status = http.StatusServiceUnavailable
		case errors.Is(err, capture.ErrClosed):
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": e.ID})
}

func (h *Handler) listPatterns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	minConf, _ := strconv.ParseFloat(q.Get("min_confidence"), 64)
	patterns, err := h.store.ListPatterns(r.Context(),
		q.Get("agent_type"), pattern.Category(q.Get("category")), minConf, queryLimit(r))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, patterns)
}

func (h *Handler) findPatterns(w http.ResponseWriter, r *http.Request) {
	var criteria pattern.FindCriteria
	if err := json.NewDecoder(r.Body).Decode(&criteria); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	matches, err := h.store.Find(r.Context(), criteria, queryLimit(r))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

func (h *Handler) getPattern(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetPattern(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, errStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) patternVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.store.VersionHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, errStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (h *Handler) recordUsage(w http.ResponseWriter, r *http.Request) {
	var outcome pattern.UsageOutcome
	if err := json.NewDecoder(r.Body).Decode(&outcome); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	p, err := h.store.RecordUsage(r.Context(), chi.URLParam(r, "id"), outcome)
	if err != nil {
		status := errStatus(err)
		if errors.Is(err, pattern.ErrValidation) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) deprecatePattern(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeprecatePattern(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeJSON(w, errStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deprecated"})
}

func (h *Handler) listInsights(w http.ResponseWriter, r *http.Request) {
	status := dream.InsightStatus(r.URL.Query().Get("status"))
	insights, err := h.store.ListInsights(r.Context(), status, queryLimit(r))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, insights)
}

func (h *Handler) applyInsight(w http.ResponseWriter, r *http.Request) {
	h.decideInsight(w, r, dream.InsightApplied)
}

func (h *Handler) rejectInsight(w http.ResponseWriter, r *http.Request) {
	h.decideInsight(w, r, dream.InsightRejected)
}

func (h *Handler) decideInsight(w http.ResponseWriter, r *http.Request, status dream.InsightStatus) {
	id := chi.URLParam(r, "id")
	if err := h.store.UpdateInsightStatus(r.Context(), id, status); err != nil {
		writeJSON(w, errStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(status)})
}

func (h *Handler) listDreamCycles(w http.ResponseWriter, r *http.Request) {
	cycles, err := h.store.DreamCycles(r.Context(), queryLimit(r))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, cycles)
}

func (h *Handler) listCycles(w http.ResponseWriter, r *http.Request) {
	cycles, err := h.store.SleepCycles(r.Context(), queryLimit(r))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, cycles)
}

func (h *Handler) activeCycle(w http.ResponseWriter, r *http.Request) {
	phase := h.scheduler.ActivePhase()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"phase":  phase,
		"active": phase != sleep.PhaseIdle,
		"last":   h.scheduler.LastCycle(),
	})
}

func (h *Handler) triggerCycle(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.TriggerNow(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, sleep.ErrCycleActive) || errors.Is(err, sleep.ErrTooSoon) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (h *Handler) sendTransfer(w http.ResponseWriter, r *http.Request) {
	var req transfer.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	results, err := h.transfers.Send(r.Context(), &req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, transfer.ErrBatchTooLarge) || errors.Is(err, transfer.ErrUnknownDomain) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, results)
}

type broadcastRequest struct {
	Source     string   `json:"source"`
	PatternIDs []string `json:"pattern_ids,omitempty"`
}

func (h *Handler) broadcastTransfer(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Source == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "source is required"})
		return
	}
	results, err := h.transfers.Broadcast(r.Context(), req.Source, req.PatternIDs)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *Handler) transfersForTarget(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.RegistryEntriesForTarget(r.Context(), chi.URLParam(r, "target"), queryLimit(r))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) transferredCopy(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.FindTransferredCopy(r.Context(), chi.URLParam(r, "origin"), chi.URLParam(r, "target"))
	if err != nil {
		writeJSON(w, errStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) listDomains(w http.ResponseWriter, r *http.Request) {
	types, err := h.store.ListAgentTypes(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, types)
}

func (h *Handler) getDomain(w http.ResponseWriter, r *http.Request) {
	d, err := h.store.AgentDomain(r.Context(), chi.URLParam(r, "agentType"))
	if err != nil {
		writeJSON(w, errStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) upsertDomain(w http.ResponseWriter, r *http.Request) {
	var d pattern.AgentDomain
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if d.AgentType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent_type is required"})
		return
	}
	if err := h.store.UpsertAgentDomain(r.Context(), &d); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func errStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func queryLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 50
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
