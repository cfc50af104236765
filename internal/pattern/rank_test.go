package pattern

import (
	"math"
	"testing"
)

func TestComputeSignature_Deterministic(t *testing.T) {
	a := validPattern()
	b := validPattern()
	// Cosmetic whitespace and casing differences must not change identity.
	b.Conditions = []string{"Task  Type IS   api-call", "previous ATTEMPT timed out"}
	b.Description = "entirely different wording"

	if ComputeSignature(a) != ComputeSignature(b) {
		t.Error("normalized signatures differ for the same logical pattern")
	}

	c := validPattern()
	c.Actions = []string{"give up immediately"}
	if ComputeSignature(a) == ComputeSignature(c) {
		t.Error("different actions produced the same signature")
	}

	d := validPattern()
	d.AgentType = "reviewer"
	if ComputeSignature(a) == ComputeSignature(d) {
		t.Error("different agent types produced the same signature")
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	if got := CosineSimilarity(a, a); math.Abs(got-1) > 1e-9 {
		t.Errorf("identical vectors: got %v, want 1", got)
	}
	opposite := []float32{-1, 0, 0}
	if got := CosineSimilarity(a, opposite); math.Abs(got) > 1e-9 {
		t.Errorf("opposite vectors: got %v, want 0", got)
	}
	orthogonal := []float32{0, 1, 0}
	if got := CosineSimilarity(a, orthogonal); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("orthogonal vectors: got %v, want 0.5", got)
	}
	if got := CosineSimilarity(a, []float32{1, 2}); got != 0 {
		t.Errorf("mismatched dimensions: got %v, want 0", got)
	}
}

func TestRuleScore(t *testing.T) {
	p := validPattern()
	p.TaskTypes = []string{"api-call", "integration"}

	full := RuleScore(FindCriteria{
		Framework: "jest",
		Category:  CategorySuccessStrategy,
		TaskTypes: []string{"api-call", "integration"},
	}, p)
	if math.Abs(full-1) > 1e-9 {
		t.Errorf("exact match: got %v, want 1", full)
	}

	miss := RuleScore(FindCriteria{
		Framework: "pytest",
		Category:  CategoryEfficiency,
		TaskTypes: []string{"deploy"},
	}, p)
	if miss != 0 {
		t.Errorf("total miss: got %v, want 0", miss)
	}

	// Unconstrained criteria should land between the two.
	neutral := RuleScore(FindCriteria{}, p)
	if neutral <= miss || neutral >= full {
		t.Errorf("neutral score %v not between %v and %v", neutral, miss, full)
	}
}

func TestBlendedScore(t *testing.T) {
	w := DefaultRankWeights()
	got := BlendedScore(w, 1.0, 0.0)
	if math.Abs(got-0.6) > 1e-9 {
		t.Errorf("pure vector: got %v, want 0.6", got)
	}
	got = BlendedScore(w, 0.0, 1.0)
	if math.Abs(got-0.4) > 1e-9 {
		t.Errorf("pure rule: got %v, want 0.4", got)
	}
	// Degenerate weights fall back to the rule score.
	if got := BlendedScore(RankWeights{}, 0.9, 0.3); got != 0.3 {
		t.Errorf("zero weights: got %v, want 0.3", got)
	}
}

func TestSortMatches(t *testing.T) {
	matches := []Match{
		{Score: 0.2}, {Score: 0.9}, {Score: 0.5},
	}
	SortMatches(matches)
	for i := 1; i < len(matches); i++ {
		if matches[i].Score > matches[i-1].Score {
			t.Fatalf("matches not sorted descending: %v", matches)
		}
	}
}

func TestQualityScore_FreshVsUsed(t *testing.T) {
	fresh := validPattern()
	q := QualityScore(fresh)
	if q <= 0 || q > 1 {
		t.Fatalf("quality out of range: %v", q)
	}

	used := validPattern()
	used.UsageCount = 10
	used.SuccessCount = 10
	if QualityScore(used) <= q {
		t.Error("fully successful usage history should raise quality")
	}

	failing := validPattern()
	failing.UsageCount = 10
	failing.SuccessCount = 0
	if QualityScore(failing) >= q {
		t.Error("fully failing usage history should lower quality")
	}
}

func TestApplyUsage(t *testing.T) {
	p := validPattern()
	p.Confidence = 0.5

	ApplyUsage(p, UsageOutcome{Success: true, Quality: 0.9})
	if p.UsageCount != 1 || p.SuccessCount != 1 {
		t.Fatalf("counts not updated: usage=%d success=%d", p.UsageCount, p.SuccessCount)
	}
	if p.Confidence <= 0.5 {
		t.Errorf("success should boost confidence, got %v", p.Confidence)
	}
	if p.Effectiveness <= 0 {
		t.Errorf("high-quality success should push effectiveness positive, got %v", p.Effectiveness)
	}

	before := p.Confidence
	ApplyUsage(p, UsageOutcome{Success: false, Quality: 0.2})
	if p.Confidence >= before {
		t.Errorf("failure should decay confidence, got %v", p.Confidence)
	}

	// Many updates must keep scores inside their ranges.
	for i := 0; i < 200; i++ {
		ApplyUsage(p, UsageOutcome{Success: true, Quality: 1})
	}
	if p.Confidence > 1 || p.Effectiveness > EffectivenessMax {
		t.Errorf("scores escaped range: conf=%v eff=%v", p.Confidence, p.Effectiveness)
	}
}
