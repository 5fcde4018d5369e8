package mixer

// cueState is the mixer-side lifecycle state for one cue's output (spec.md
// §4.3 cue state machine). Transitions are single-direction; removed is
// terminal.
type cueState int

const (
	statePending cueState = iota // created, awaiting first decoded chunk
	statePlaying                 // producing audio, possibly mid-fade
	stateDraining                // eof received, buffer still draining
	stateRemoved                 // terminal
)

func (s cueState) String() string {
	switch s {
	case statePending:
		return "pending"
	case statePlaying:
		return "playing"
	case stateDraining:
		return "draining"
	case stateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// canTransition reports whether the state machine allows moving from s to
// next. Loop wraps never call this — they stay internal to statePlaying.
func canTransition(s, next cueState) bool {
	switch s {
	case statePending:
		return next == statePlaying || next == stateRemoved
	case statePlaying:
		return next == stateDraining || next == stateRemoved
	case stateDraining:
		return next == stateRemoved
	case stateRemoved:
		return false
	default:
		return false
	}
}
