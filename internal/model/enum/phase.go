package enum

// Phase is the strategy lifecycle phase.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseWatching    Phase = "watching"
	PhaseSignalReady Phase = "signal_ready"
	PhaseInTrade     Phase = "in_trade"
)

func (p Phase) IsAvailable() bool {
	switch p {
	case PhaseIdle, PhaseWatching, PhaseSignalReady, PhaseInTrade:
		return true
	default:
		return false
	}
}
