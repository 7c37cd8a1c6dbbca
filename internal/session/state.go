package session

import (
	"errors"
	"fmt"
)

// Session errors.
var (
	ErrNotReady       = errors.New("session: not ready")
	ErrConnectTimeout = errors.New("session: connect timed out")
)

// Identity is the accessory address. It is fixed for the life of a session.
type Identity string

// State is the connection state of a session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateDiscovering
	StateReady
	StateDisconnecting
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateDiscovering:
		return "DISCOVERING"
	case StateReady:
		return "READY"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// StateChange is delivered to observers on every transition. Err is set
// when the session ended because of a failure.
type StateChange struct {
	From State
	To   State
	Err  error
}

// Ended reports whether the change terminates a session.
func (c StateChange) Ended() bool {
	return c.To == StateDisconnected && (c.From != StateDisconnected || c.Err != nil)
}
