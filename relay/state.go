package relay

import "fmt"

type State int32

const (
	StateIdle State = iota
	StateResolving
	StateAccepting
	StateConnecting
	StateHandshaking
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateAccepting:
		return "accepting"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("unknown(%d)", int32(s))
}

// CanTransition reports whether from -> to is allowed.
// Any state except Closed may go to Closing, Closed is reached only from Closing.
func (from State) CanTransition(to State) bool {
	switch to {
	case StateClosing:
		return from != StateClosing && from != StateClosed
	case StateClosed:
		return from == StateClosing
	}
	switch from {
	case StateIdle:
		return to == StateResolving || to == StateAccepting
	case StateResolving:
		return to == StateConnecting
	case StateAccepting, StateConnecting:
		return to == StateHandshaking
	case StateHandshaking:
		return to == StateActive
	}
	return false
}
