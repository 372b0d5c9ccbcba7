// Package server defines the session state machine type and shared helpers
// used by the acceptor and sessions.
package server

import "strings"

// State is a session's position in its lifecycle.
type State int32

const (
	// StateConnected is the only state in which frames are relayed.
	StateConnected State = iota
	// StateClosing means the session is tearing down; nothing more is written.
	StateClosing
	// StateClosed is terminal: connection closed and subscription released.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
