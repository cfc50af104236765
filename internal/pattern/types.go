package pattern

import (
	"time"
)

// Category classifies what kind of behavior a pattern captures.
type Category string

const (
	CategorySuccessStrategy  Category = "success-strategy"
	CategoryFailureAvoidance Category = "failure-avoidance"
	CategoryEfficiency       Category = "efficiency"
)

// EffectivenessMin and EffectivenessMax bound a pattern's effectiveness score.
const (
	EffectivenessMin = -1.0
	EffectivenessMax = 1.0
)

// Experience is one recorded agent task execution. Immutable once stored;
// synthesis marks it processed but never rewrites it.
type Experience struct {
	ID            string    `json:"id"`
	AgentID       string    `json:"agent_id"`
	AgentType     string    `json:"agent_type"`
	TaskType      string    `json:"task_type"`
	InputSummary  string    `json:"input_summary"`
	OutputSummary string    `json:"output_summary"`
	Success       bool      `json:"success"`
	Quality       float64   `json:"quality"` // 0..1
	PatternsUsed  []string  `json:"patterns_used,omitempty"`
	ErrorTags     []string  `json:"error_tags,omitempty"`
	Embedding     []float32 `json:"embedding,omitempty"`
	Processed     bool      `json:"processed"`
	CreatedAt     time.Time `json:"created_at"`
}

// Pattern is a synthesized, reusable condition→action rule.
type Pattern struct {
	ID            string   `json:"id"`
	Category      Category `json:"category"`
	Description   string   `json:"description"`
	Conditions    []string `json:"conditions"`
	Actions       []string `json:"actions"`
	Confidence    float64  `json:"confidence"`    // 0..1
	Effectiveness float64  `json:"effectiveness"` // -1..1
	AgentType     string   `json:"agent_type"`
	TaskTypes     []string `json:"task_types,omitempty"`
	Framework     string   `json:"framework,omitempty"`

	SourceExperiences []string `json:"source_experiences,omitempty"`
	UsageCount        int      `json:"usage_count"`
	SuccessCount      int      `json:"success_count"`

	Version    int    `json:"version"`
	Deprecated bool   `json:"deprecated"`
	Signature  string `json:"signature"`

	Embedding []float32         `json:"embedding,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// Populated on transfer copies only.
	SourceAgent     string `json:"source_agent,omitempty"`
	OriginPatternID string `json:"origin_pattern_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SuccessRate returns the observed success ratio from usage records.
func (p *Pattern) SuccessRate() float64 {
	if p.UsageCount == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(p.UsageCount)
}

// Clone returns a deep copy of the pattern.
func (p *Pattern) Clone() *Pattern {
	cp := *p
	cp.Conditions = append([]string(nil), p.Conditions...)
	cp.Actions = append([]string(nil), p.Actions...)
	cp.TaskTypes = append([]string(nil), p.TaskTypes...)
	cp.SourceExperiences = append([]string(nil), p.SourceExperiences...)
	cp.Embedding = append([]float32(nil), p.Embedding...)
	if p.Metadata != nil {
		cp.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// AgentDomain describes an agent type's capabilities for compatibility scoring.
type AgentDomain struct {
	AgentType    string   `json:"agent_type"`
	Capabilities []string `json:"capabilities"`
	Frameworks   []string `json:"frameworks"`
	TaskTypes    []string `json:"task_types"`
}

// FindCriteria narrows and ranks a pattern lookup.
type FindCriteria struct {
	AgentType  string   `json:"agent_type,omitempty"`
	Category   Category `json:"category,omitempty"`
	Framework  string   `json:"framework,omitempty"`
	TaskTypes  []string `json:"task_types,omitempty"`
	Query      string   `json:"query,omitempty"`
	MinQuality float64  `json:"min_quality,omitempty"`
}

// Match is one ranked result from a pattern lookup.
type Match struct {
	Pattern *Pattern `json:"pattern"`
	Score   float64  `json:"score"`
}

// UsageOutcome reports how one application of a pattern went.
type UsageOutcome struct {
	Success bool    `json:"success"`
	Quality float64 `json:"quality"` // 0..1
}
