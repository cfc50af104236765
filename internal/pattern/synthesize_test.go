package pattern

import (
	"fmt"
	"testing"
)

func makeExperiences(n int, agentType, taskType string, success bool, errTag string) []*Experience {
	out := make([]*Experience, 0, n)
	for i := 0; i < n; i++ {
		e := &Experience{
			ID:            fmt.Sprintf("exp-%s-%d", taskType, i),
			AgentID:       "agent-1",
			AgentType:     agentType,
			TaskType:      taskType,
			Success:       success,
			Quality:       0.8,
			OutputSummary: "ran the task with cached deps",
		}
		if errTag != "" {
			e.ErrorTags = []string{errTag}
		}
		out = append(out, e)
	}
	return out
}

func TestSynthesize_SuccessCluster(t *testing.T) {
	exps := makeExperiences(5, "builder", "compile", true, "")
	patterns := Synthesize(exps, DefaultSynthesisConfig())
	if len(patterns) != 1 {
		t.Fatalf("got %d patterns, want 1", len(patterns))
	}
	p := patterns[0]
	if p.Category != CategorySuccessStrategy {
		t.Errorf("got category %q, want success-strategy", p.Category)
	}
	if p.AgentType != "builder" {
		t.Errorf("got agent type %q", p.AgentType)
	}
	if len(p.SourceExperiences) != 5 {
		t.Errorf("got %d supporting experiences, want 5", len(p.SourceExperiences))
	}
	if p.Signature == "" {
		t.Error("signature not computed")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		t.Errorf("confidence out of range: %v", p.Confidence)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("synthesized pattern fails validation: %v", err)
	}
}

func TestSynthesize_FailureClusterNeedsSharedTag(t *testing.T) {
	shared := makeExperiences(4, "builder", "deploy", false, "timeout")
	patterns := Synthesize(shared, DefaultSynthesisConfig())
	if len(patterns) != 1 {
		t.Fatalf("got %d patterns, want 1", len(patterns))
	}
	if patterns[0].Category != CategoryFailureAvoidance {
		t.Errorf("got category %q, want failure-avoidance", patterns[0].Category)
	}

	// Failures with no common error tag yield nothing reusable.
	scattered := []*Experience{
		{ID: "a", AgentID: "x", AgentType: "builder", TaskType: "deploy", ErrorTags: []string{"oom"}},
		{ID: "b", AgentID: "x", AgentType: "builder", TaskType: "deploy", ErrorTags: []string{"dns"}},
		{ID: "c", AgentID: "x", AgentType: "builder", TaskType: "deploy", ErrorTags: []string{"quota"}},
	}
	if got := Synthesize(scattered, DefaultSynthesisConfig()); len(got) != 0 {
		t.Errorf("expected no pattern from scattered failures, got %d", len(got))
	}
}

func TestSynthesize_MinSupportAndCap(t *testing.T) {
	var exps []*Experience
	exps = append(exps, makeExperiences(2, "builder", "tiny", true, "")...) // below support
	for i := 0; i < 10; i++ {
		exps = append(exps, makeExperiences(3, "builder", fmt.Sprintf("task-%d", i), true, "")...)
	}

	cfg := SynthesisConfig{MinSupport: 3, MaxPatterns: 4}
	patterns := Synthesize(exps, cfg)
	if len(patterns) != 4 {
		t.Fatalf("got %d patterns, want cap of 4", len(patterns))
	}
	for _, p := range patterns {
		if p.TaskTypes[0] == "tiny" {
			t.Error("under-supported group produced a pattern")
		}
	}
}
