package transport

import "fmt"

// State is the connector lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateDegraded is connected over the polling fallback.
	StateDegraded
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// IsConnected is true for Connected and Degraded.
func (s State) IsConnected() bool {
	return s == StateConnected || s == StateDegraded
}

// Signal is an input to the connector state machine.
type Signal int

const (
	SignalDial Signal = iota
	SignalOpen
	SignalOpenDegraded
	SignalFail
	SignalExhaust
	SignalDrop
	SignalClose
)

func (s Signal) String() string {
	switch s {
	case SignalDial:
		return "dial"
	case SignalOpen:
		return "open"
	case SignalOpenDegraded:
		return "open_degraded"
	case SignalFail:
		return "fail"
	case SignalExhaust:
		return "exhaust"
	case SignalDrop:
		return "drop"
	case SignalClose:
		return "close"
	}
	return fmt.Sprintf("signal(%d)", int(s))
}

var transitions = map[State]map[Signal]State{
	StateIdle: {
		SignalDial:  StateConnecting,
		SignalClose: StateClosed,
	},
	StateConnecting: {
		SignalOpen:         StateConnected,
		SignalOpenDegraded: StateDegraded,
		SignalFail:         StateReconnecting,
		SignalExhaust:      StateFailed,
		SignalClose:        StateClosed,
	},
	StateConnected: {
		SignalDrop:  StateReconnecting,
		SignalClose: StateClosed,
	},
	StateDegraded: {
		SignalDrop:  StateReconnecting,
		SignalClose: StateClosed,
	},
	StateReconnecting: {
		SignalDial:  StateConnecting,
		SignalClose: StateClosed,
	},
	StateFailed: {
		SignalDial:  StateConnecting,
		SignalClose: StateClosed,
	},
	StateClosed: {},
}

// Next returns the state reached from s on sig, and false if the
// transition is not allowed.
func Next(s State, sig Signal) (State, bool) {
	next, ok := transitions[s][sig]
	return next, ok
}
