package dream

import (
	"time"
)

// NodeKind tags what a concept node wraps.
type NodeKind string

const (
	NodePattern     NodeKind = "pattern"
	NodeExperience  NodeKind = "experience"
	NodeAbstraction NodeKind = "abstraction"
)

// Relation tags the kind of association an edge carries.
type Relation string

const (
	RelationSimilarity   Relation = "similarity"
	RelationCausation    Relation = "causation"
	RelationCooccurrence Relation = "co-occurrence"
	RelationSequence     Relation = "sequence"
)

// ConceptNode is a graph vertex wrapping a pattern, an experience, or a
// derived abstraction. Activation lives in [0,1] and is only mutated inside
// a dream session.
type ConceptNode struct {
	ID            string            `json:"id"`
	Kind          NodeKind          `json:"kind"`
	RefID         string            `json:"ref_id"` // id of the wrapped pattern/experience
	Label         string            `json:"label"`
	Content       string            `json:"content"`
	Activation    float64           `json:"activation"`
	LastActivated time.Time         `json:"last_activated"`
	Metadata      map[string]string `json:"metadata,omitempty"`

	embedding []float32
	errorish  bool // wraps a failure/error concept
}

// ConceptEdge is a directed weighted relation between two nodes. Weight is
// bounded to [0,1]; evidence only grows.
type ConceptEdge struct {
	SourceID string   `json:"source_id"`
	TargetID string   `json:"target_id"`
	Relation Relation `json:"relation"`
	Weight   float64  `json:"weight"`
	Evidence int      `json:"evidence"`
}

// InsightType classifies what a dream surfaced.
type InsightType string

const (
	InsightNewPattern   InsightType = "new-pattern"
	InsightOptimization InsightType = "optimization"
	InsightWarning      InsightType = "warning"
	InsightConnection   InsightType = "connection"
)

// InsightStatus tracks the external apply/reject decision.
type InsightStatus string

const (
	InsightPending  InsightStatus = "pending"
	InsightApplied  InsightStatus = "applied"
	InsightRejected InsightStatus = "rejected"
)

// Insight is a structured, scored output of a dream session.
type Insight struct {
	ID              string        `json:"id"`
	Type            InsightType   `json:"type"`
	Description     string        `json:"description"`
	ConceptIDs      []string      `json:"concept_ids"`
	Novelty         float64       `json:"novelty"`    // 0..1
	Confidence      float64       `json:"confidence"` // 0..1
	Actionable      bool          `json:"actionable"`
	SuggestedAction string        `json:"suggested_action,omitempty"`
	Status          InsightStatus `json:"status"`
	CycleID         string        `json:"cycle_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// CycleStatus is the terminal state of one dream run.
type CycleStatus string

const (
	CycleRunning   CycleStatus = "running"
	CycleCompleted CycleStatus = "completed"
	CycleFailed    CycleStatus = "failed"
)

// CycleRecord is the append-only bookkeeping row for one dream run.
type CycleRecord struct {
	ID                string      `json:"id"`
	StartedAt         time.Time   `json:"started_at"`
	EndedAt           *time.Time  `json:"ended_at,omitempty"`
	ConceptsProcessed int         `json:"concepts_processed"`
	AssociationsFound int         `json:"associations_found"`
	InsightsGenerated int         `json:"insights_generated"`
	Status            CycleStatus `json:"status"`
	Error             string      `json:"error,omitempty"`
}
