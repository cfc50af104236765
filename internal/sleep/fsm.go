package sleep

// Phase is one stage of a sleep cycle, named after the sleep stages the
// pipeline mimics.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseCapture     Phase = "n1-capture"
	PhaseProcess     Phase = "n2-process"
	PhaseConsolidate Phase = "n3-consolidate"
	PhaseDream       Phase = "rem-dream"
	PhaseFailed      Phase = "failed"
)

// next returns the phase following p in a healthy cycle. The cycle ends
// back at idle after the dream phase.
func next(p Phase) Phase {
	switch p {
	case PhaseIdle:
		return PhaseCapture
	case PhaseCapture:
		return PhaseProcess
	case PhaseProcess:
		return PhaseConsolidate
	case PhaseConsolidate:
		return PhaseDream
	default:
		return PhaseIdle
	}
}