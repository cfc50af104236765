package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/nidhogg/somnia/internal/pattern"
	"github.com/nidhogg/somnia/internal/vectorstore"
)

const experienceColumns = `id, agent_id, agent_type, task_type, input_summary, output_summary,
	success, quality, patterns_used, error_tags, embedding, processed, created_at`

// StoreExperience validates and persists a single experience record.
func (s *Store) StoreExperience(ctx context.Context, e *pattern.Experience) error {
	return s.StoreExperiences(ctx, []*pattern.Experience{e})
}

// StoreExperiences persists a batch in one transaction: either every row
// lands or none do. Invalid records are rejected up front.
func (s *Store) StoreExperiences(ctx context.Context, batch []*pattern.Experience) error {
	if len(batch) == 0 {
		return nil
	}
	for _, e := range batch {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	s.embedExperiences(ctx, batch)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range batch {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}
		used, _ := json.Marshal(e.PatternsUsed)
		tags, _ := json.Marshal(e.ErrorTags)
		_, err := tx.Exec(ctx, `
			INSERT INTO experiences (id, agent_id, agent_type, task_type, input_summary,
				output_summary, success, quality, patterns_used, error_tags, embedding,
				processed, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			e.ID, e.AgentID, e.AgentType, e.TaskType, e.InputSummary,
			e.OutputSummary, e.Success, e.Quality, used, tags, e.Embedding,
			e.Processed, e.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert experience %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit experiences: %w", err)
	}
	for _, e := range batch {
		s.indexExperience(ctx, e)
	}
	s.logger.Debug("experiences stored", zap.Int("count", len(batch)))
	return nil
}

// embedExperiences fills in missing embeddings with one batched provider
// call. Embeddings are best-effort here: a provider failure is logged and
// the rows persist without vectors.
func (s *Store) embedExperiences(ctx context.Context, batch []*pattern.Experience) {
	if s.embedder == nil {
		return
	}
	var missing []int
	var texts []string
	for i, e := range batch {
		if len(e.Embedding) == 0 {
			missing = append(missing, i)
			texts = append(texts, e.SearchText())
		}
	}
	if len(missing) == 0 {
		return
	}
	vecs, err := s.embedder.Embed(ctx, texts)
	if err != nil || len(vecs) != len(missing) {
		s.logger.Warn("experience embedding failed",
			zap.Int("count", len(missing)), zap.Error(err))
		return
	}
	for k, i := range missing {
		batch[i].Embedding = vecs[k]
	}
}

// indexExperience mirrors an experience's embedding into qdrant, best-effort.
func (s *Store) indexExperience(ctx context.Context, e *pattern.Experience) {
	if s.vectors == nil || len(e.Embedding) == 0 {
		return
	}
	payload := map[string]string{
		"agent_type": e.AgentType,
		"task_type":  e.TaskType,
		"success":    strconv.FormatBool(e.Success),
	}
	if err := s.vectors.Upsert(ctx, vectorstore.ExperienceCollection, e.ID, e.Embedding, payload); err != nil {
		s.logger.Warn("vector index upsert failed", zap.String("experience", e.ID), zap.Error(err))
	}
}

// UnprocessedExperiences returns experiences not yet consumed by synthesis,
// oldest first.
func (s *Store) UnprocessedExperiences(ctx context.Context, limit int) ([]*pattern.Experience, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+experienceColumns+` FROM experiences
		 WHERE NOT processed ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed experiences: %w", err)
	}
	defer rows.Close()
	return scanExperiences(rows)
}

// RecentExperiences returns the newest experiences, used to seed dreaming.
func (s *Store) RecentExperiences(ctx context.Context, limit int) ([]*pattern.Experience, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+experienceColumns+` FROM experiences ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent experiences: %w", err)
	}
	defer rows.Close()
	return scanExperiences(rows)
}

// MarkExperiencesProcessed flags a set of experiences as consumed by
// synthesis. The records themselves stay immutable.
func (s *Store) MarkExperiencesProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx,
		`UPDATE experiences SET processed = TRUE WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("mark experiences processed: %w", err)
	}
	return nil
}

// CountExperiences returns the total number of stored experiences.
func (s *Store) CountExperiences(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM experiences`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count experiences: %w", err)
	}
	return n, nil
}

func scanExperiences(rows pgx.Rows) ([]*pattern.Experience, error) {
	var out []*pattern.Experience
	for rows.Next() {
		var e pattern.Experience
		var used, tags []byte
		err := rows.Scan(&e.ID, &e.AgentID, &e.AgentType, &e.TaskType, &e.InputSummary,
			&e.OutputSummary, &e.Success, &e.Quality, &used, &tags, &e.Embedding,
			&e.Processed, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan experience: %w", err)
		}
		_ = json.Unmarshal(used, &e.PatternsUsed)
		_ = json.Unmarshal(tags, &e.ErrorTags)
		out = append(out, &e)
	}
	return out, rows.Err()
}
