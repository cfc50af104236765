package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/somnia/internal/pattern"
)

// UpsertAgentDomain registers or refreshes an agent type's descriptor.
func (s *Store) UpsertAgentDomain(ctx context.Context, d *pattern.AgentDomain) error {
	if d.AgentType == "" {
		return fmt.Errorf("agent_type required: %w", pattern.ErrValidation)
	}
	caps, _ := json.Marshal(d.Capabilities)
	fws, _ := json.Marshal(d.Frameworks)
	tasks, _ := json.Marshal(d.TaskTypes)
	_, err := s.db.Exec(ctx, `
		INSERT INTO agent_domains (agent_type, capabilities, frameworks, task_types)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (agent_type) DO UPDATE SET
			capabilities = EXCLUDED.capabilities,
			frameworks = EXCLUDED.frameworks,
			task_types = EXCLUDED.task_types,
			updated_at = NOW()`,
		d.AgentType, caps, fws, tasks)
	if err != nil {
		return fmt.Errorf("upsert agent domain %s: %w", d.AgentType, err)
	}
	return nil
}

// AgentDomain returns the descriptor for one agent type.
func (s *Store) AgentDomain(ctx context.Context, agentType string) (*pattern.AgentDomain, error) {
	row := s.db.QueryRow(ctx,
		`SELECT agent_type, capabilities, frameworks, task_types FROM agent_domains WHERE agent_type = $1`,
		agentType)
	var d pattern.AgentDomain
	var caps, fws, tasks []byte
	if err := row.Scan(&d.AgentType, &caps, &fws, &tasks); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("agent domain %s: %w", agentType, ErrNotFound)
		}
		return nil, fmt.Errorf("get agent domain %s: %w", agentType, err)
	}
	_ = json.Unmarshal(caps, &d.Capabilities)
	_ = json.Unmarshal(fws, &d.Frameworks)
	_ = json.Unmarshal(tasks, &d.TaskTypes)
	return &d, nil
}

// ListAgentTypes returns every registered agent type.
func (s *Store) ListAgentTypes(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT agent_type FROM agent_domains ORDER BY agent_type`)
	if err != nil {
		return nil, fmt.Errorf("list agent types: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan agent type: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
