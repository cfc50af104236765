package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/somnia/internal/dream"
)

// SaveInsight persists one dream output.
func (s *Store) SaveInsight(ctx context.Context, in *dream.Insight) error {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if in.Status == "" {
		in.Status = dream.InsightPending
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	concepts, _ := json.Marshal(in.ConceptIDs)
	var cycleID any
	if in.CycleID != "" {
		cycleID = in.CycleID
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO insights (id, type, description, concept_ids, novelty, confidence,
			actionable, suggested_action, status, cycle_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		in.ID, string(in.Type), in.Description, concepts, in.Novelty, in.Confidence,
		in.Actionable, in.SuggestedAction, string(in.Status), cycleID, in.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert insight %s: %w", in.ID, err)
	}
	return nil
}

// ListInsights returns insights filtered by status (empty = all), newest first.
func (s *Store) ListInsights(ctx context.Context, status dream.InsightStatus, limit int) ([]*dream.Insight, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, type, description, concept_ids, novelty, confidence, actionable,
		suggested_action, status, COALESCE(cycle_id::text, ''), created_at FROM insights`
	var args []any
	if status != "" {
		args = append(args, string(status))
		query += " WHERE status = $1"
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}
	defer rows.Close()

	var out []*dream.Insight
	for rows.Next() {
		var in dream.Insight
		var typ, st string
		var concepts []byte
		if err := rows.Scan(&in.ID, &typ, &in.Description, &concepts, &in.Novelty,
			&in.Confidence, &in.Actionable, &in.SuggestedAction, &st, &in.CycleID,
			&in.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		in.Type = dream.InsightType(typ)
		in.Status = dream.InsightStatus(st)
		_ = json.Unmarshal(concepts, &in.ConceptIDs)
		out = append(out, &in)
	}
	return out, rows.Err()
}

// UpdateInsightStatus applies the external apply/reject decision. Only
// pending insights may transition.
func (s *Store) UpdateInsightStatus(ctx context.Context, id string, status dream.InsightStatus) error {
	if status != dream.InsightApplied && status != dream.InsightRejected {
		return fmt.Errorf("insight status %q not settable externally", status)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE insights SET status = $2 WHERE id = $1 AND status = 'pending'`, id, string(status))
	if err != nil {
		return fmt.Errorf("update insight %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Either missing or already decided.
		var exists bool
		if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM insights WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check insight %s: %w", id, err)
		}
		if !exists {
			return fmt.Errorf("insight %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("insight %s already decided: %w", id, ErrConflict)
	}
	return nil
}

// SaveConceptNode upserts a concept node. Activation is persisted as the
// dream engine writes incrementally during a session.
func (s *Store) SaveConceptNode(ctx context.Context, n *dream.ConceptNode) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	metadata, _ := json.Marshal(n.Metadata)
	var lastActivated any
	if !n.LastActivated.IsZero() {
		lastActivated = n.LastActivated
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO concept_nodes (id, kind, ref_id, label, content, activation, last_activated, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			activation = EXCLUDED.activation,
			last_activated = EXCLUDED.last_activated,
			metadata = EXCLUDED.metadata`,
		n.ID, string(n.Kind), n.RefID, n.Label, n.Content, n.Activation, lastActivated, metadata)
	if err != nil {
		return fmt.Errorf("save concept node %s: %w", n.ID, err)
	}
	return nil
}

// SaveConceptEdge upserts an edge: an existing (source, target, relation)
// row is reinforced, never duplicated, and evidence only grows.
func (s *Store) SaveConceptEdge(ctx context.Context, e *dream.ConceptEdge) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO concept_edges (source_id, target_id, relation, weight, evidence)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (source_id, target_id, relation) DO UPDATE SET
			weight = LEAST(1.0, GREATEST(concept_edges.weight, EXCLUDED.weight)),
			evidence = concept_edges.evidence + 1,
			updated_at = NOW()`,
		e.SourceID, e.TargetID, string(e.Relation), e.Weight, e.Evidence)
	if err != nil {
		return fmt.Errorf("save concept edge %s->%s: %w", e.SourceID, e.TargetID, err)
	}
	return nil
}

// ConceptEdgesBetween loads the existing edges among a node set, used to
// compute novelty against prior structure.
func (s *Store) ConceptEdgesBetween(ctx context.Context, nodeIDs []string) ([]*dream.ConceptEdge, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT source_id, target_id, relation, weight, evidence FROM concept_edges
		WHERE source_id = ANY($1) AND target_id = ANY($1)`, nodeIDs)
	if err != nil {
		return nil, fmt.Errorf("query concept edges: %w", err)
	}
	defer rows.Close()

	var out []*dream.ConceptEdge
	for rows.Next() {
		var e dream.ConceptEdge
		var rel string
		if err := rows.Scan(&e.SourceID, &e.TargetID, &rel, &e.Weight, &e.Evidence); err != nil {
			return nil, fmt.Errorf("scan concept edge: %w", err)
		}
		e.Relation = dream.Relation(rel)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CreateDreamCycle opens a new dream cycle record in running state.
func (s *Store) CreateDreamCycle(ctx context.Context, rec *dream.CycleRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	rec.Status = dream.CycleRunning
	_, err := s.db.Exec(ctx,
		`INSERT INTO dream_cycles (id, started_at, status) VALUES ($1, $2, $3)`,
		rec.ID, rec.StartedAt, string(rec.Status))
	if err != nil {
		return fmt.Errorf("create dream cycle: %w", err)
	}
	return nil
}

// FinishDreamCycle finalizes a dream cycle record.
func (s *Store) FinishDreamCycle(ctx context.Context, rec *dream.CycleRecord) error {
	now := time.Now()
	rec.EndedAt = &now
	_, err := s.db.Exec(ctx, `
		UPDATE dream_cycles SET ended_at=$2, concepts_processed=$3, associations_found=$4,
			insights_generated=$5, status=$6, error=$7
		WHERE id = $1`,
		rec.ID, rec.EndedAt, rec.ConceptsProcessed, rec.AssociationsFound,
		rec.InsightsGenerated, string(rec.Status), rec.Error)
	if err != nil {
		return fmt.Errorf("finish dream cycle %s: %w", rec.ID, err)
	}
	return nil
}

// DreamCycles returns dream cycle history, newest first.
func (s *Store) DreamCycles(ctx context.Context, limit int) ([]*dream.CycleRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, started_at, ended_at, concepts_processed, associations_found,
			insights_generated, status, error
		FROM dream_cycles ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dream cycles: %w", err)
	}
	defer rows.Close()

	var out []*dream.CycleRecord
	for rows.Next() {
		var rec dream.CycleRecord
		var status string
		if err := rows.Scan(&rec.ID, &rec.StartedAt, &rec.EndedAt, &rec.ConceptsProcessed,
			&rec.AssociationsFound, &rec.InsightsGenerated, &status, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan dream cycle: %w", err)
		}
		rec.Status = dream.CycleStatus(status)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// GetDreamCycle loads one dream cycle record.
func (s *Store) GetDreamCycle(ctx context.Context, id string) (*dream.CycleRecord, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, started_at, ended_at, concepts_processed, associations_found,
			insights_generated, status, error
		FROM dream_cycles WHERE id = $1`, id)
	var rec dream.CycleRecord
	var status string
	err := row.Scan(&rec.ID, &rec.StartedAt, &rec.EndedAt, &rec.ConceptsProcessed,
		&rec.AssociationsFound, &rec.InsightsGenerated, &status, &rec.Error)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("dream cycle %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get dream cycle %s: %w", id, err)
	}
	rec.Status = dream.CycleStatus(status)
	return &rec, nil
}
