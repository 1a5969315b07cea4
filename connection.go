package mqttclient

import "sync/atomic"

// ConnectionState is the lifecycle state of a client connection.
type ConnectionState int32

// Connection states. A connection moves Disconnected, Connecting, Connected,
// Disconnecting and back to Disconnected. A failed connect returns from
// Connecting straight to Disconnected.
const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

// String returns the string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// transitional reports whether s is a CONNECT or DISCONNECT in progress.
func (s ConnectionState) transitional() bool {
	return s == StateConnecting || s == StateDisconnecting
}

// stateMachine holds a ConnectionState with atomic transitions.
type stateMachine struct {
	v        atomic.Int32
	onChange func(from, to ConnectionState)
}

func (m *stateMachine) load() ConnectionState {
	return ConnectionState(m.v.Load())
}

// transition moves from to to if the current state is from.
func (m *stateMachine) transition(from, to ConnectionState) bool {
	if !m.v.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if m.onChange != nil {
		m.onChange(from, to)
	}
	return true
}

// set forces the state and returns the previous one.
func (m *stateMachine) set(to ConnectionState) ConnectionState {
	from := ConnectionState(m.v.Swap(int32(to)))
	if from != to && m.onChange != nil {
		m.onChange(from, to)
	}
	return from
}

// checkOperational returns nil when new operations may be issued.
func (m *stateMachine) checkOperational() error {
	switch s := m.load(); {
	case s == StateConnected:
		return nil
	case s.transitional():
		return ErrTransitionInProgress
	default:
		return ErrNotConnected
	}
}
