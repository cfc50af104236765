package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/somnia/internal/pattern"
	"github.com/nidhogg/somnia/internal/transfer"
)

// CreateTransferRequest persists a new request in pending state.
func (s *Store) CreateTransferRequest(ctx context.Context, req *transfer.Request) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Status == "" {
		req.Status = transfer.RequestPending
	}
	now := time.Now()
	req.CreatedAt = now
	req.UpdatedAt = now
	ids, _ := json.Marshal(req.PatternIDs)
	_, err := s.db.Exec(ctx, `
		INSERT INTO transfer_requests (id, source, target, pattern_ids, priority, reason, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)`,
		req.ID, req.Source, req.Target, ids, req.Priority, req.Reason, string(req.Status), now)
	if err != nil {
		return fmt.Errorf("insert transfer request: %w", err)
	}
	return nil
}

// UpdateTransferRequestStatus advances a request through its lifecycle.
func (s *Store) UpdateTransferRequestStatus(ctx context.Context, id string, status transfer.RequestStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE transfer_requests SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return fmt.Errorf("update transfer request %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transfer request %s: %w", id, ErrNotFound)
	}
	return nil
}

// ActivateRegistryEntry records a successfully applied transfer. Any prior
// active entry for the same (pattern, target) is deprecated in the same
// transaction, preserving the at-most-one-active invariant atomically.
func (s *Store) ActivateRegistryEntry(ctx context.Context, entry *transfer.RegistryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.Status = transfer.EntryActive

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE transfer_registry SET status = 'deprecated', updated_at = NOW()
		WHERE pattern_id = $1 AND target = $2 AND status = 'active'`,
		entry.PatternID, entry.Target)
	if err != nil {
		return fmt.Errorf("deprecate prior registry entry: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO transfer_registry (id, pattern_id, copy_id, source, target, compatibility, validated, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'active')`,
		entry.ID, entry.PatternID, entry.CopyID, entry.Source, entry.Target,
		entry.Compatibility, entry.Validated)
	if err != nil {
		return fmt.Errorf("insert registry entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit registry entry: %w", err)
	}
	return nil
}

// MarkRegistryEntryInactive flags a registry entry whose post-transfer
// validation failed. The pattern copy stays in place, inert, for audit.
func (s *Store) MarkRegistryEntryInactive(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE transfer_registry SET status = 'inactive', validated = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark registry entry inactive %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("registry entry %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetRegistryEntryValidated records a successful post-transfer validation.
func (s *Store) SetRegistryEntryValidated(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE transfer_registry SET validated = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark registry entry validated %s: %w", id, err)
	}
	return nil
}

// ActiveRegistryEntry returns the active entry for a (pattern, target), if any.
func (s *Store) ActiveRegistryEntry(ctx context.Context, patternID, target string) (*transfer.RegistryEntry, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, pattern_id, copy_id, source, target, compatibility, validated, status, created_at, updated_at
		FROM transfer_registry WHERE pattern_id = $1 AND target = $2 AND status = 'active'`,
		patternID, target)
	entry, err := scanRegistryEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get active registry entry: %w", err)
	}
	return entry, nil
}

// RegistryEntriesForTarget lists a target agent's registry entries.
func (s *Store) RegistryEntriesForTarget(ctx context.Context, target string, limit int) ([]*transfer.RegistryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, pattern_id, copy_id, source, target, compatibility, validated, status, created_at, updated_at
		FROM transfer_registry WHERE target = $1 ORDER BY created_at DESC LIMIT $2`, target, limit)
	if err != nil {
		return nil, fmt.Errorf("list registry entries: %w", err)
	}
	defer rows.Close()

	var out []*transfer.RegistryEntry
	for rows.Next() {
		entry, err := scanRegistryEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan registry entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// FindTransferredCopy looks among a target's active patterns for one whose
// origin is the given pattern, regardless of which source sent it.
func (s *Store) FindTransferredCopy(ctx context.Context, originPatternID, targetAgentType string) (*pattern.Pattern, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+patternColumns+` FROM patterns
		 WHERE origin_pattern_id = $1 AND agent_type = $2 AND NOT deprecated
		 ORDER BY created_at LIMIT 1`,
		originPatternID, targetAgentType)
	p, err := scanPattern(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find transferred copy: %w", err)
	}
	return p, nil
}

func scanRegistryEntry(row pgx.Row) (*transfer.RegistryEntry, error) {
	var e transfer.RegistryEntry
	var status string
	err := row.Scan(&e.ID, &e.PatternID, &e.CopyID, &e.Source, &e.Target,
		&e.Compatibility, &e.Validated, &status, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = transfer.EntryStatus(status)
	return &e, nil
}
