package pattern

import (
	"errors"
	"testing"
)

func validPattern() *Pattern {
	return &Pattern{
		Category:    CategorySuccessStrategy,
		Description: "retry flaky network calls with backoff",
		Conditions:  []string{"task type is api-call", "previous attempt timed out"},
		Actions:     []string{"retry with exponential backoff"},
		Confidence:  0.8,
		AgentType:   "builder",
		Framework:   "jest",
	}
}

func TestPatternValidate_OK(t *testing.T) {
	if err := validPattern().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPatternValidate_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Pattern)
		field  string
	}{
		{"missing category", func(p *Pattern) { p.Category = "" }, "category"},
		{"unknown category", func(p *Pattern) { p.Category = "wishful" }, "category"},
		{"missing description", func(p *Pattern) { p.Description = "" }, "description"},
		{"missing agent type", func(p *Pattern) { p.AgentType = "" }, "agent_type"},
		{"no conditions", func(p *Pattern) { p.Conditions = nil }, "conditions"},
		{"no actions", func(p *Pattern) { p.Actions = nil }, "actions"},
		{"confidence too high", func(p *Pattern) { p.Confidence = 1.2 }, "confidence"},
		{"confidence negative", func(p *Pattern) { p.Confidence = -0.1 }, "confidence"},
		{"effectiveness out of range", func(p *Pattern) { p.Effectiveness = 1.5 }, "effectiveness"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validPattern()
			tc.mutate(p)
			err := p.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !errors.Is(err, ErrValidation) {
				t.Errorf("error not wrapped in ErrValidation: %v", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if ve.Field != tc.field {
				t.Errorf("got field %q, want %q", ve.Field, tc.field)
			}
		})
	}
}

func TestExperienceValidate(t *testing.T) {
	e := &Experience{AgentID: "agent-1", TaskType: "build", Quality: 0.9}
	if err := e.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e.Quality = 1.5
	if err := e.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for out-of-range quality, got %v", err)
	}

	e = &Experience{TaskType: "build", Quality: 0.5}
	if err := e.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for missing agent id, got %v", err)
	}
}

func TestClamp(t *testing.T) {
	p := validPattern()
	p.Confidence = 1.7
	p.Effectiveness = -3
	p.Clamp()
	if p.Confidence != 1 {
		t.Errorf("confidence not clamped: %v", p.Confidence)
	}
	if p.Effectiveness != EffectivenessMin {
		t.Errorf("effectiveness not clamped: %v", p.Effectiveness)
	}
}
