package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/nidhogg/somnia/internal/embedding"
	"github.com/nidhogg/somnia/internal/pattern"
	"github.com/nidhogg/somnia/internal/vectorstore"
)

const patternColumns = `id, category, description, conditions, actions, confidence, effectiveness,
	agent_type, task_types, framework, source_experiences, usage_count, success_count,
	version, deprecated, signature, embedding, metadata, source_agent, origin_pattern_id,
	created_at, updated_at`

// StorePattern validates and persists a pattern. A signature collision with
// an existing active pattern merges into a versioned update of that row
// instead of creating a duplicate. Returns the stored pattern (with id and
// version populated).
func (s *Store) StorePattern(ctx context.Context, p *pattern.Pattern) (*pattern.Pattern, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.Signature == "" {
		p.Signature = pattern.ComputeSignature(p)
	}
	if len(p.Embedding) == 0 && s.embedder != nil {
		vec, err := embedding.EmbedOne(ctx, s.embedder, p.SearchText())
		if err != nil {
			s.logger.Warn("pattern embedding failed", zap.Error(err))
		} else {
			p.Embedding = vec
		}
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := s.lockBySignature(ctx, tx, p.Signature, p.Framework)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	var stored *pattern.Pattern
	if existing != nil {
		// Snapshot the current row, then merge the new content into it.
		if err := insertVersionSnapshot(ctx, tx, existing); err != nil {
			return nil, err
		}
		stored = mergePatterns(existing, p)
		stored.Version = existing.Version + 1
		stored.UpdatedAt = now
		if err := updatePatternRow(ctx, tx, stored); err != nil {
			return nil, err
		}
	} else {
		stored = p.Clone()
		if stored.ID == "" {
			stored.ID = uuid.New().String()
		}
		if stored.Version == 0 {
			stored.Version = 1
		}
		stored.CreatedAt = now
		stored.UpdatedAt = now
		if err := insertPatternRow(ctx, tx, stored); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit pattern %s: %w", stored.ID, err)
	}

	// Cache updates strictly after the write commits.
	s.patterns.Put(stored)
	s.queries.Invalidate(stored)
	s.indexPattern(ctx, stored)

	s.logger.Debug("pattern stored",
		zap.String("id", stored.ID),
		zap.String("category", string(stored.Category)),
		zap.Int("version", stored.Version),
		zap.Bool("merged", existing != nil))
	return stored, nil
}

// GetPattern loads a pattern by id, via the LRU cache when possible.
func (s *Store) GetPattern(ctx context.Context, id string) (*pattern.Pattern, error) {
	if p, ok := s.patterns.Get(id); ok {
		return p, nil
	}
	row := s.db.QueryRow(ctx, `SELECT `+patternColumns+` FROM patterns WHERE id = $1`, id)
	p, err := scanPattern(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("pattern %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get pattern %s: %w", id, err)
	}
	s.patterns.Put(p)
	return p, nil
}

// Find runs the hybrid ranked lookup: indexed narrowing, blended
// vector/rule scoring, quality floor, descending sort, truncation.
func (s *Store) Find(ctx context.Context, criteria pattern.FindCriteria, limit int) ([]pattern.Match, error) {
	if limit <= 0 {
		limit = 10
	}
	key := querySignature(criteria, limit)
	if matches, ok := s.queries.Get(key); ok {
		return matches, nil
	}

	candidates, err := s.narrow(ctx, criteria)
	if err != nil {
		return nil, err
	}

	var queryVec []float32
	if criteria.Query != "" && s.embedder != nil {
		queryVec, err = embedding.EmbedOne(ctx, s.embedder, criteria.Query)
		if err != nil {
			s.logger.Warn("query embedding failed, ranking rule-only", zap.Error(err))
		}
	}
	vectorScores := s.vectorScores(ctx, queryVec, candidates)

	minQuality := criteria.MinQuality
	if minQuality == 0 {
		minQuality = s.minQuality
	}

	matches := make([]pattern.Match, 0, len(candidates))
	for _, p := range candidates {
		if pattern.QualityScore(p) < minQuality {
			continue
		}
		vectorSim := 0.5 // neutral when the lookup has no query text
		if queryVec != nil {
			if score, ok := vectorScores[p.ID]; ok {
				vectorSim = score
			} else {
				vectorSim = pattern.CosineSimilarity(queryVec, p.Embedding)
			}
		}
		rule := pattern.RuleScore(criteria, p)
		matches = append(matches, pattern.Match{
			Pattern: p,
			Score:   pattern.BlendedScore(s.weights, vectorSim, rule),
		})
	}
	pattern.SortMatches(matches)
	if len(matches) > limit {
		matches = matches[:limit]
	}

	s.queries.Put(key, criteria, matches)
	return matches, nil
}

// RecordUsage folds one usage outcome into a pattern's metrics. The update
// is incremental, serialized per pattern id by a row lock, and snapshots the
// prior version in the same transaction.
func (s *Store) RecordUsage(ctx context.Context, id string, outcome pattern.UsageOutcome) (*pattern.Pattern, error) {
	if outcome.Quality < 0 || outcome.Quality > 1 {
		return nil, fmt.Errorf("usage quality %.3f outside [0,1]: %w", outcome.Quality, pattern.ErrValidation)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+patternColumns+` FROM patterns WHERE id = $1 FOR UPDATE`, id)
	p, err := scanPattern(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("pattern %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("lock pattern %s: %w", id, err)
	}

	if err := insertVersionSnapshot(ctx, tx, p); err != nil {
		return nil, err
	}

	pattern.ApplyUsage(p, outcome)
	p.Version++
	p.UpdatedAt = time.Now()
	if err := updatePatternRow(ctx, tx, p); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit usage for %s: %w", id, err)
	}

	s.patterns.Put(p)
	s.queries.Invalidate(p)
	return p, nil
}

// VersionHistory returns a pattern's snapshots, oldest first.
func (s *Store) VersionHistory(ctx context.Context, id string) ([]*pattern.Pattern, error) {
	rows, err := s.db.Query(ctx,
		`SELECT snapshot FROM pattern_versions WHERE pattern_id = $1 ORDER BY version`, id)
	if err != nil {
		return nil, fmt.Errorf("query versions for %s: %w", id, err)
	}
	defer rows.Close()

	var history []*pattern.Pattern
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		var snap pattern.Pattern
		if err := json.Unmarshal(raw, &snap); err != nil {
			return nil, fmt.Errorf("decode version snapshot: %w", err)
		}
		history = append(history, &snap)
	}
	return history, rows.Err()
}

// DeprecatePattern soft-retires a pattern; rows are never hard-deleted.
func (s *Store) DeprecatePattern(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE patterns SET deprecated = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deprecate pattern %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pattern %s: %w", id, ErrNotFound)
	}
	s.patterns.Remove(id)
	if p, err := s.GetPattern(ctx, id); err == nil {
		s.queries.Invalidate(p)
	}
	return nil
}

// ListPatterns returns active patterns matching the given filters.
func (s *Store) ListPatterns(ctx context.Context, agentType string, category pattern.Category, minConfidence float64, limit int) ([]*pattern.Pattern, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + patternColumns + ` FROM patterns WHERE NOT deprecated AND confidence >= $1`
	args := []any{minConfidence}
	if agentType != "" {
		args = append(args, agentType)
		query += fmt.Sprintf(" AND agent_type = $%d", len(args))
	}
	if category != "" {
		args = append(args, string(category))
		query += fmt.Sprintf(" AND category = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY confidence DESC LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()
	return scanPatterns(rows)
}

// RecentPatterns returns the newest active patterns, used to seed dreaming.
func (s *Store) RecentPatterns(ctx context.Context, limit int) ([]*pattern.Pattern, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+patternColumns+` FROM patterns WHERE NOT deprecated ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent patterns: %w", err)
	}
	defer rows.Close()
	return scanPatterns(rows)
}

// narrow fetches candidates via the structured indexes, never a full scan
// over every row in a populated store.
func (s *Store) narrow(ctx context.Context, c pattern.FindCriteria) ([]*pattern.Pattern, error) {
	query := `SELECT ` + patternColumns + ` FROM patterns WHERE NOT deprecated`
	var args []any
	if c.AgentType != "" {
		args = append(args, c.AgentType)
		query += fmt.Sprintf(" AND agent_type = $%d", len(args))
	}
	if c.Category != "" {
		args = append(args, string(c.Category))
		query += fmt.Sprintf(" AND category = $%d", len(args))
	}
	if c.Framework != "" {
		args = append(args, c.Framework)
		query += fmt.Sprintf(" AND framework = $%d", len(args))
	}
	args = append(args, 500)
	query += fmt.Sprintf(" ORDER BY confidence DESC LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("narrow candidates: %w", err)
	}
	defer rows.Close()
	return scanPatterns(rows)
}

// vectorScores asks the vector index for similarity scores of the
// candidates; missing entries fall back to in-process cosine.
func (s *Store) vectorScores(ctx context.Context, queryVec []float32, candidates []*pattern.Pattern) map[string]float64 {
	scores := make(map[string]float64)
	if s.vectors == nil || queryVec == nil || len(candidates) == 0 {
		return scores
	}
	hits, err := s.vectors.Search(ctx, vectorstore.PatternCollection, queryVec, uint64(len(candidates)))
	if err != nil {
		s.logger.Warn("vector search failed, falling back to local cosine", zap.Error(err))
		return scores
	}
	for _, h := range hits {
		scores[h.ID] = normalizeCosine(h.Score)
	}
	return scores
}

// normalizeCosine maps qdrant's raw cosine score onto the [0,1] scale the
// in-process ranker uses, so remote and local scores stay comparable.
func normalizeCosine(score float32) float64 {
	v := (float64(score) + 1) / 2
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// indexPattern mirrors a pattern's embedding into qdrant, best-effort.
func (s *Store) indexPattern(ctx context.Context, p *pattern.Pattern) {
	if s.vectors == nil || len(p.Embedding) == 0 {
		return
	}
	payload := map[string]string{
		"agent_type": p.AgentType,
		"category":   string(p.Category),
		"framework":  p.Framework,
	}
	if err := s.vectors.Upsert(ctx, vectorstore.PatternCollection, p.ID, p.Embedding, payload); err != nil {
		s.logger.Warn("vector index upsert failed", zap.String("pattern", p.ID), zap.Error(err))
	}
}

func mergePatterns(existing, incoming *pattern.Pattern) *pattern.Pattern {
	merged := existing.Clone()
	merged.Description = incoming.Description
	merged.Confidence = incoming.Confidence
	merged.Effectiveness = incoming.Effectiveness
	merged.TaskTypes = unionStrings(existing.TaskTypes, incoming.TaskTypes)
	merged.SourceExperiences = unionStrings(existing.SourceExperiences, incoming.SourceExperiences)
	if len(incoming.Embedding) > 0 {
		merged.Embedding = append([]float32(nil), incoming.Embedding...)
	}
	for k, v := range incoming.Metadata {
		if merged.Metadata == nil {
			merged.Metadata = make(map[string]string)
		}
		merged.Metadata[k] = v
	}
	merged.Clamp()
	return merged
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func (s *Store) lockBySignature(ctx context.Context, tx pgx.Tx, signature, framework string) (*pattern.Pattern, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+patternColumns+` FROM patterns
		 WHERE signature = $1 AND framework = $2 AND NOT deprecated FOR UPDATE`,
		signature, framework)
	p, err := scanPattern(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock by signature: %w", err)
	}
	return p, nil
}

func insertVersionSnapshot(ctx context.Context, tx pgx.Tx, p *pattern.Pattern) error {
	snap, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode version snapshot: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO pattern_versions (pattern_id, version, snapshot) VALUES ($1, $2, $3)`,
		p.ID, p.Version, snap)
	if err != nil {
		return fmt.Errorf("insert version snapshot for %s: %w", p.ID, err)
	}
	return nil
}

func insertPatternRow(ctx context.Context, tx pgx.Tx, p *pattern.Pattern) error {
	conditions, _ := json.Marshal(p.Conditions)
	actions, _ := json.Marshal(p.Actions)
	taskTypes, _ := json.Marshal(p.TaskTypes)
	sources, _ := json.Marshal(p.SourceExperiences)
	metadata, _ := json.Marshal(p.Metadata)

	_, err := tx.Exec(ctx, `
		INSERT INTO patterns (id, category, description, conditions, actions, confidence,
			effectiveness, agent_type, task_types, framework, source_experiences,
			usage_count, success_count, version, deprecated, signature, embedding,
			metadata, source_agent, origin_pattern_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		p.ID, string(p.Category), p.Description, conditions, actions, p.Confidence,
		p.Effectiveness, p.AgentType, taskTypes, p.Framework, sources,
		p.UsageCount, p.SuccessCount, p.Version, p.Deprecated, p.Signature, p.Embedding,
		metadata, p.SourceAgent, p.OriginPatternID, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert pattern %s: %w", p.ID, err)
	}
	return nil
}

func updatePatternRow(ctx context.Context, tx pgx.Tx, p *pattern.Pattern) error {
	conditions, _ := json.Marshal(p.Conditions)
	actions, _ := json.Marshal(p.Actions)
	taskTypes, _ := json.Marshal(p.TaskTypes)
	sources, _ := json.Marshal(p.SourceExperiences)
	metadata, _ := json.Marshal(p.Metadata)

	_, err := tx.Exec(ctx, `
		UPDATE patterns SET category=$2, description=$3, conditions=$4, actions=$5,
			confidence=$6, effectiveness=$7, agent_type=$8, task_types=$9, framework=$10,
			source_experiences=$11, usage_count=$12, success_count=$13, version=$14,
			deprecated=$15, signature=$16, embedding=$17, metadata=$18, source_agent=$19,
			origin_pattern_id=$20, updated_at=$21
		WHERE id = $1`,
		p.ID, string(p.Category), p.Description, conditions, actions,
		p.Confidence, p.Effectiveness, p.AgentType, taskTypes, p.Framework,
		sources, p.UsageCount, p.SuccessCount, p.Version,
		p.Deprecated, p.Signature, p.Embedding, metadata, p.SourceAgent,
		p.OriginPatternID, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update pattern %s: %w", p.ID, err)
	}
	return nil
}

func scanPattern(row pgx.Row) (*pattern.Pattern, error) {
	var p pattern.Pattern
	var category string
	var conditions, actions, taskTypes, sources, metadata []byte
	err := row.Scan(&p.ID, &category, &p.Description, &conditions, &actions,
		&p.Confidence, &p.Effectiveness, &p.AgentType, &taskTypes, &p.Framework,
		&sources, &p.UsageCount, &p.SuccessCount, &p.Version, &p.Deprecated,
		&p.Signature, &p.Embedding, &metadata, &p.SourceAgent, &p.OriginPatternID,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Category = pattern.Category(category)
	_ = json.Unmarshal(conditions, &p.Conditions)
	_ = json.Unmarshal(actions, &p.Actions)
	_ = json.Unmarshal(taskTypes, &p.TaskTypes)
	_ = json.Unmarshal(sources, &p.SourceExperiences)
	_ = json.Unmarshal(metadata, &p.Metadata)
	return &p, nil
}

func scanPatterns(rows pgx.Rows) ([]*pattern.Pattern, error) {
	var out []*pattern.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
