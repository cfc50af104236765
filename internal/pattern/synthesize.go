package pattern

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SynthesisConfig bounds one synthesis pass.
type SynthesisConfig struct {
	MinSupport  int // experiences needed before a group yields a pattern
	MaxPatterns int // volume cap per pass
}

// DefaultSynthesisConfig returns the reference defaults.
func DefaultSynthesisConfig() SynthesisConfig {
	return SynthesisConfig{MinSupport: 3, MaxPatterns: 25}
}

// Synthesize clusters unprocessed experiences by (agent type, task type,
// outcome) and distills each sufficiently supported cluster into a pattern.
// Successful clusters become success strategies; failing clusters with a
// dominant error tag become failure-avoidance patterns.
func Synthesize(experiences []*Experience, cfg SynthesisConfig) []*Pattern {
	if cfg.MinSupport <= 0 {
		cfg = DefaultSynthesisConfig()
	}

	type key struct {
		agentType string
		taskType  string
		success   bool
	}
	groups := make(map[key][]*Experience)
	var order []key
	for _, e := range experiences {
		k := key{agentType: e.AgentType, taskType: e.TaskType, success: e.Success}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], e)
	}

	var patterns []*Pattern
	for _, k := range order {
		group := groups[k]
		if len(group) < cfg.MinSupport {
			continue
		}
		var p *Pattern
		if k.success {
			p = synthesizeSuccess(k.agentType, k.taskType, group)
		} else {
			p = synthesizeFailure(k.agentType, k.taskType, group)
		}
		if p == nil {
			continue
		}
		p.Signature = ComputeSignature(p)
		patterns = append(patterns, p)
		if cfg.MaxPatterns > 0 && len(patterns) >= cfg.MaxPatterns {
			break
		}
	}
	return patterns
}

func synthesizeSuccess(agentType, taskType string, group []*Experience) *Pattern {
	var qualitySum float64
	var supporting []string
	for _, e := range group {
		qualitySum += e.Quality
		supporting = append(supporting, e.ID)
	}
	avgQuality := qualitySum / float64(len(group))

	p := &Pattern{
		Category:    CategorySuccessStrategy,
		Description: fmt.Sprintf("Repeated success on %s tasks for %s agents", taskType, agentType),
		Conditions:  []string{fmt.Sprintf("task type is %s", taskType)},
		Actions:     []string{dominantAction(group)},
		// Confidence grows with support, capped well below certainty for a
		// freshly synthesized pattern.
		Confidence:        clamp01(0.4 + 0.05*float64(len(group))),
		Effectiveness:     2*avgQuality - 1,
		AgentType:         agentType,
		TaskTypes:         []string{taskType},
		SourceExperiences: supporting,
		Version:           1,
		CreatedAt:         time.Now(),
	}
	p.Clamp()
	return p
}

func synthesizeFailure(agentType, taskType string, group []*Experience) *Pattern {
	tag, count := dominantErrorTag(group)
	if tag == "" || count*2 < len(group) {
		// No shared failure mode, nothing reusable to distill.
		return nil
	}
	var supporting []string
	for _, e := range group {
		supporting = append(supporting, e.ID)
	}
	p := &Pattern{
		Category:    CategoryFailureAvoidance,
		Description: fmt.Sprintf("Recurring %q failures on %s tasks for %s agents", tag, taskType, agentType),
		Conditions: []string{
			fmt.Sprintf("task type is %s", taskType),
			fmt.Sprintf("risk of %s", tag),
		},
		Actions:           []string{fmt.Sprintf("guard against %s before executing", tag)},
		Confidence:        clamp01(0.3 + 0.05*float64(count)),
		Effectiveness:     0,
		AgentType:         agentType,
		TaskTypes:         []string{taskType},
		SourceExperiences: supporting,
		Version:           1,
		CreatedAt:         time.Now(),
	}
	p.Clamp()
	return p
}

// dominantAction picks the most common output summary as the distilled
// action, falling back to a generic phrasing.
func dominantAction(group []*Experience) string {
	counts := make(map[string]int)
	for _, e := range group {
		s := strings.TrimSpace(e.OutputSummary)
		if s != "" {
			counts[s]++
		}
	}
	best, bestN := "", 0
	for s, n := range counts {
		if n > bestN {
			best, bestN = s, n
		}
	}
	if best == "" {
		return "repeat the approach that succeeded previously"
	}
	return best
}

func dominantErrorTag(group []*Experience) (string, int) {
	counts := make(map[string]int)
	for _, e := range group {
		for _, t := range e.ErrorTags {
			counts[strings.ToLower(t)]++
		}
	}
	var tags []string
	for t := range counts {
		tags = append(tags, t)
	}
	sort.Strings(tags) // deterministic tie-break
	best, bestN := "", 0
	for _, t := range tags {
		if counts[t] > bestN {
			best, bestN = t, counts[t]
		}
	}
	return best, bestN
}
