package transfer

import (
	"time"
)

// RequestStatus tracks a transfer request's lifecycle.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestExecuting RequestStatus = "executing"
	RequestCompleted RequestStatus = "completed"
	RequestPartial   RequestStatus = "partial"
)

// Request names a source, a target, and the patterns to move.
type Request struct {
	ID         string        `json:"id"`
	Source     string        `json:"source"`
	Target     string        `json:"target"`
	PatternIDs []string      `json:"pattern_ids"`
	Priority   int           `json:"priority"`
	Reason     string        `json:"reason,omitempty"`
	Status     RequestStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// EntryStatus is the state of a registry entry.
type EntryStatus string

const (
	EntryActive     EntryStatus = "active"
	EntryDeprecated EntryStatus = "deprecated"
	EntryInactive   EntryStatus = "inactive"
)

// RegistryEntry records one applied transfer. At most one entry per
// (pattern, target) is active at any time; a re-transfer supersedes.
type RegistryEntry struct {
	ID            string      `json:"id"`
	PatternID     string      `json:"pattern_id"`
	CopyID        string      `json:"copy_id"`
	Source        string      `json:"source"`
	Target        string      `json:"target"`
	Compatibility float64     `json:"compatibility"`
	Validated     bool        `json:"validated"`
	Status        EntryStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Result reports the outcome for one (pattern, target) pair.
type Result struct {
	PatternID     string  `json:"pattern_id"`
	Target        string  `json:"target"`
	Accepted      bool    `json:"accepted"`
	Compatibility float64 `json:"compatibility"`
	Threshold     float64 `json:"threshold"`
	CopyID        string  `json:"copy_id,omitempty"`
	Validated     bool    `json:"validated"`
	Reason        string  `json:"reason,omitempty"`
}
