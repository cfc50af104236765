package pattern

// Quality score blend weights. Completeness rewards populated structure,
// success rate is the historical signal, confidence is the cross-validated
// prior carried on the pattern itself.
const (
	qualityCompletenessWeight = 0.3
	qualitySuccessWeight      = 0.5
	qualityConfidenceWeight   = 0.2
)

// QualityScore computes the blended quality of a pattern in [0,1].
func QualityScore(p *Pattern) float64 {
	return qualityCompletenessWeight*completeness(p) +
		qualitySuccessWeight*successComponent(p) +
		qualityConfidenceWeight*p.Confidence
}

func completeness(p *Pattern) float64 {
	var score float64
	if len(p.Conditions) > 0 {
		score += 0.35
	}
	if len(p.Actions) > 0 {
		score += 0.35
	}
	if p.Description != "" {
		score += 0.15
	}
	if len(p.TaskTypes) > 0 {
		score += 0.15
	}
	return score
}

// successComponent falls back to confidence until usage data exists, so a
// fresh pattern isn't scored as if it always failed.
func successComponent(p *Pattern) float64 {
	if p.UsageCount == 0 {
		return p.Confidence
	}
	return p.SuccessRate()
}

// ApplyUsage folds one usage outcome into the pattern's metrics
// incrementally. Confidence is reinforced toward 1 on success and decayed
// on failure; effectiveness tracks a running signed quality signal.
func ApplyUsage(p *Pattern, outcome UsageOutcome) {
	p.UsageCount++
	if outcome.Success {
		p.SuccessCount++
		p.Confidence += (1 - p.Confidence) * 0.05
	} else {
		p.Confidence *= 0.95
	}

	// Signed contribution: quality 0.5 is neutral, below drags effectiveness
	// down even on success.
	signal := 2*outcome.Quality - 1
	if !outcome.Success && signal > 0 {
		signal = -signal
	}
	n := float64(p.UsageCount)
	p.Effectiveness += (signal - p.Effectiveness) / n

	p.Clamp()
}
