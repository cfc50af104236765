package pattern

import (
	"math"
	"sort"
	"strings"
)

// RankWeights controls the hybrid find blend: vector-embedding similarity
// versus rule-based matching. The split is a tunable, not a constant.
type RankWeights struct {
	Vector float64 // default 0.6
	Rule   float64 // default 0.4
}

// DefaultRankWeights returns the reference 60/40 blend.
func DefaultRankWeights() RankWeights {
	return RankWeights{Vector: 0.6, Rule: 0.4}
}

// Rule-based component weights.
const (
	ruleFrameworkWeight = 0.4
	ruleCategoryWeight  = 0.3
	ruleTagWeight       = 0.3
)

// RuleScore computes the non-vector match component for a candidate.
func RuleScore(c FindCriteria, p *Pattern) float64 {
	var score float64
	if c.Framework != "" && strings.EqualFold(c.Framework, p.Framework) {
		score += ruleFrameworkWeight
	} else if c.Framework == "" {
		// No framework constraint: don't penalize.
		score += ruleFrameworkWeight * 0.5
	}
	if c.Category != "" && c.Category == p.Category {
		score += ruleCategoryWeight
	} else if c.Category == "" {
		score += ruleCategoryWeight * 0.5
	}
	score += ruleTagWeight * tagOverlap(c.TaskTypes, p.TaskTypes)
	return clamp01(score)
}

// BlendedScore combines vector similarity and rule score per the weights.
func BlendedScore(w RankWeights, vectorSim, ruleScore float64) float64 {
	total := w.Vector + w.Rule
	if total <= 0 {
		return ruleScore
	}
	return (w.Vector*clamp01(vectorSim) + w.Rule*clamp01(ruleScore)) / total
}

// tagOverlap is a Jaccard overlap over lowercased tags. An empty query tag
// set scores a neutral 0.5 so untagged lookups still rank candidates.
func tagOverlap(query, target []string) float64 {
	if len(query) == 0 {
		return 0.5
	}
	if len(target) == 0 {
		return 0
	}
	set := make(map[string]bool, len(target))
	for _, t := range target {
		set[strings.ToLower(t)] = true
	}
	var matched int
	for _, q := range query {
		if set[strings.ToLower(q)] {
			matched++
		}
	}
	union := len(query) + len(set) - matched
	if union == 0 {
		return 0
	}
	return float64(matched) / float64(union)
}

// CosineSimilarity computes cosine similarity between two vectors,
// mapped into [0,1]. Mismatched or empty vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return clamp01((cos + 1) / 2)
}

// SortMatches sorts descending by blended score.
func SortMatches(matches []Match) {
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
}

// SearchText returns the text a pattern is embedded under.
func (p *Pattern) SearchText() string {
	parts := []string{p.Description}
	parts = append(parts, p.Conditions...)
	parts = append(parts, p.Actions...)
	parts = append(parts, p.TaskTypes...)
	return strings.Join(parts, " ")
}

// SearchText returns the text an experience is embedded under.
func (e *Experience) SearchText() string {
	parts := []string{e.TaskType, e.InputSummary, e.OutputSummary}
	parts = append(parts, e.ErrorTags...)
	return strings.Join(parts, " ")
}
