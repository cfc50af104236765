package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SleepCycleStatus is the terminal state of one full sleep cycle.
type SleepCycleStatus string

const (
	SleepCycleRunning   SleepCycleStatus = "running"
	SleepCycleCompleted SleepCycleStatus = "completed"
	SleepCycleFailed    SleepCycleStatus = "failed"
)

// SleepCycleRecord is the durable log row for one scheduler cycle, the
// history surfaced to operational tooling.
type SleepCycleRecord struct {
	ID                    string           `json:"id"`
	Trigger               string           `json:"trigger"` // "idle", "time", "manual"
	StartedAt             time.Time        `json:"started_at"`
	EndedAt               *time.Time       `json:"ended_at,omitempty"`
	Status                SleepCycleStatus `json:"status"`
	Error                 string           `json:"error,omitempty"`
	ExperiencesProcessed  int              `json:"experiences_processed"`
	PatternsCreated       int              `json:"patterns_created"`
	TransfersCompleted    int              `json:"transfers_completed"`
	InsightsGenerated     int              `json:"insights_generated"`
}

// CreateSleepCycle opens a new sleep cycle record.
func (s *Store) CreateSleepCycle(ctx context.Context, rec *SleepCycleRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	rec.Status = SleepCycleRunning
	_, err := s.db.Exec(ctx,
		`INSERT INTO sleep_cycles (id, trigger, started_at, status) VALUES ($1,$2,$3,$4)`,
		rec.ID, rec.Trigger, rec.StartedAt, string(rec.Status))
	if err != nil {
		return fmt.Errorf("create sleep cycle: %w", err)
	}
	return nil
}

// FinishSleepCycle finalizes a sleep cycle record.
func (s *Store) FinishSleepCycle(ctx context.Context, rec *SleepCycleRecord) error {
	now := time.Now()
	rec.EndedAt = &now
	_, err := s.db.Exec(ctx, `
		UPDATE sleep_cycles SET ended_at=$2, status=$3, error=$4, experiences_processed=$5,
			patterns_created=$6, transfers_completed=$7, insights_generated=$8
		WHERE id = $1`,
		rec.ID, rec.EndedAt, string(rec.Status), rec.Error, rec.ExperiencesProcessed,
		rec.PatternsCreated, rec.TransfersCompleted, rec.InsightsGenerated)
	if err != nil {
		return fmt.Errorf("finish sleep cycle %s: %w", rec.ID, err)
	}
	return nil
}

// SleepCycles returns sleep cycle history, newest first.
func (s *Store) SleepCycles(ctx context.Context, limit int) ([]*SleepCycleRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, trigger, started_at, ended_at, status, error, experiences_processed,
			patterns_created, transfers_completed, insights_generated
		FROM sleep_cycles ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sleep cycles: %w", err)
	}
	defer rows.Close()

	var out []*SleepCycleRecord
	for rows.Next() {
		var rec SleepCycleRecord
		var status string
		if err := rows.Scan(&rec.ID, &rec.Trigger, &rec.StartedAt, &rec.EndedAt, &status,
			&rec.Error, &rec.ExperiencesProcessed, &rec.PatternsCreated,
			&rec.TransfersCompleted, &rec.InsightsGenerated); err != nil {
			return nil, fmt.Errorf("scan sleep cycle: %w", err)
		}
		rec.Status = SleepCycleStatus(status)
		out = append(out, &rec)
	}
	return out, rows.Err()
}
