package relay

import (
	"errors"
	"fmt"
)

// State is a relay lifecycle position.
type State int32

const (
	StateConnecting State = iota
	StateRelaying
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrInvalidTransition is returned when an operation does not apply to the
// relay's current state.
var ErrInvalidTransition = errors.New("invalid relay state transition")

// transitions is the complete transition table.
var transitions = map[State][]State{
	StateConnecting: {StateRelaying, StateClosed},
	StateRelaying:   {StateClosing},
	StateClosing:    {StateClosed},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transitionError(from, to State) error {
	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}
