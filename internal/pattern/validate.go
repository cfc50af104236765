package pattern

import (
	"errors"
	"fmt"
)

// ErrValidation marks malformed or out-of-range input. Nothing is persisted
// when a validation error is returned.
var ErrValidation = errors.New("validation failed")

// ValidationError carries the offending field for user-facing reporting.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Validate checks required fields and score ranges before persistence.
func (p *Pattern) Validate() error {
	switch p.Category {
	case CategorySuccessStrategy, CategoryFailureAvoidance, CategoryEfficiency:
	case "":
		return invalid("category", "required")
	default:
		return invalid("category", fmt.Sprintf("unknown category %q", p.Category))
	}
	if p.Description == "" {
		return invalid("description", "required")
	}
	if p.AgentType == "" {
		return invalid("agent_type", "required")
	}
	if len(p.Conditions) == 0 {
		return invalid("conditions", "at least one condition required")
	}
	if len(p.Actions) == 0 {
		return invalid("actions", "at least one action required")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return invalid("confidence", fmt.Sprintf("%.3f outside [0,1]", p.Confidence))
	}
	if p.Effectiveness < EffectivenessMin || p.Effectiveness > EffectivenessMax {
		return invalid("effectiveness", fmt.Sprintf("%.3f outside [%.0f,%.0f]", p.Effectiveness, EffectivenessMin, EffectivenessMax))
	}
	return nil
}

// Validate checks an experience before it enters the capture path.
func (e *Experience) Validate() error {
	if e.AgentID == "" {
		return invalid("agent_id", "required")
	}
	if e.TaskType == "" {
		return invalid("task_type", "required")
	}
	if e.Quality < 0 || e.Quality > 1 {
		return invalid("quality", fmt.Sprintf("%.3f outside [0,1]", e.Quality))
	}
	return nil
}

// Clamp forces confidence and effectiveness back into their declared ranges.
// Used on computed updates; external input goes through Validate instead.
func (p *Pattern) Clamp() {
	p.Confidence = clamp01(p.Confidence)
	if p.Effectiveness < EffectivenessMin {
		p.Effectiveness = EffectivenessMin
	}
	if p.Effectiveness > EffectivenessMax {
		p.Effectiveness = EffectivenessMax
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
