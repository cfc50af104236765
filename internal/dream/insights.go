package dream

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// generateInsights turns captured associations into ranked insights. Only
// sufficiently novel and confident associations survive, and at most
// MaxInsights are retained, best first by novelty weighted by confidence.
func (e *Engine) generateInsights(candidates map[[2]int]association) []*Insight {
	var out []*Insight
	for _, assoc := range candidates {
		if assoc.novelty < e.cfg.NoveltyThreshold {
			continue
		}
		in := e.buildInsight(assoc)
		if in.Confidence < e.cfg.MinConfidence {
			continue
		}
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Novelty*out[i].Confidence > out[j].Novelty*out[j].Confidence
	})
	if len(out) > e.cfg.MaxInsights {
		out = out[:e.cfg.MaxInsights]
	}
	return out
}

// buildInsight classifies an association by how established each concept
// already is: two unanchored concepts firing together suggest a pattern
// that does not exist yet, two well-connected ones a missed link between
// known structure, and anything touching a failure concept a warning.
func (e *Engine) buildInsight(assoc association) *Insight {
	a := e.graph.Node(assoc.a)
	b := e.graph.Node(assoc.b)

	aEstablished := e.graph.strongestEdge(assoc.a) >= e.cfg.StrongEdge
	bEstablished := e.graph.strongestEdge(assoc.b) >= e.cfg.StrongEdge

	kind := InsightOptimization
	switch {
	case a.errorish || b.errorish:
		kind = InsightWarning
	case !aEstablished && !bEstablished:
		kind = InsightNewPattern
	case aEstablished && bEstablished:
		kind = InsightConnection
	}

	// Confidence grows with how strongly both concepts fired together.
	confidence := clamp01(0.3 + 0.7*assoc.activation)

	in := &Insight{
		ID:          uuid.New().String(),
		Type:        kind,
		Description: describeInsight(kind, a, b),
		ConceptIDs:  []string{a.ID, b.ID},
		Novelty:     assoc.novelty,
		Confidence:  confidence,
		Status:      InsightPending,
		CreatedAt:   time.Now(),
	}
	switch kind {
	case InsightWarning:
		in.Actionable = true
		in.SuggestedAction = "review the linked failure before reusing the associated approach"
	case InsightNewPattern:
		in.Actionable = true
		in.SuggestedAction = "synthesize a combined pattern from the linked sources"
	}
	return in
}

func describeInsight(kind InsightType, a, b *ConceptNode) string {
	la := nodeLabel(a)
	lb := nodeLabel(b)
	switch kind {
	case InsightWarning:
		return fmt.Sprintf("failure signal linking %s and %s", la, lb)
	case InsightNewPattern:
		return fmt.Sprintf("candidate pattern combining %s and %s", la, lb)
	case InsightOptimization:
		return fmt.Sprintf("recurring outcome across %s and %s", la, lb)
	default:
		return fmt.Sprintf("unexpected association between %s and %s", la, lb)
	}
}

func nodeLabel(n *ConceptNode) string {
	label := n.Label
	if label == "" {
		label = string(n.Kind)
	}
	if n.Content != "" {
		return fmt.Sprintf("%s (%s)", label, trimContent(n.Content, 60))
	}
	return label
}
