package transfer

import (
	"strings"

	"github.com/nidhogg/somnia/internal/pattern"
)

// Weights splits a compatibility score across its four components. They
// must sum to 1.
type Weights struct {
	Capability float64
	Framework  float64
	Task       float64
	Quality    float64
}

// DefaultWeights favors capability overlap over everything else.
func DefaultWeights() Weights {
	return Weights{Capability: 0.35, Framework: 0.25, Task: 0.25, Quality: 0.15}
}

// Compatibility scores how well a pattern from the source domain fits the
// target domain, in [0,1]. Components the pattern doesn't constrain score
// a neutral 0.5 rather than penalizing the transfer.
func Compatibility(p *pattern.Pattern, source, target *pattern.AgentDomain, w Weights) float64 {
	capability := setOverlap(source.Capabilities, target.Capabilities)
	framework := 0.5
	if p.Framework != "" {
		framework = 0.0
		if containsFold(target.Frameworks, p.Framework) {
			framework = 1.0
		}
	}
	task := 0.5
	if len(p.TaskTypes) > 0 {
		task = setOverlap(p.TaskTypes, target.TaskTypes)
	}
	quality := pattern.QualityScore(p)

	return w.Capability*capability + w.Framework*framework + w.Task*task + w.Quality*quality
}

// setOverlap is the Jaccard index of two string sets, case-insensitive.
// Two empty sets are treated as neutral rather than identical.
func setOverlap(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0.5
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	as := make(map[string]struct{}, len(a))
	for _, v := range a {
		as[strings.ToLower(v)] = struct{}{}
	}
	bs := make(map[string]struct{}, len(b))
	for _, v := range b {
		bs[strings.ToLower(v)] = struct{}{}
	}
	var inter int
	for k := range bs {
		if _, ok := as[k]; ok {
			inter++
		}
	}
	union := len(as) + len(bs) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
