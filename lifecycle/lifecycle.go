// Package lifecycle defines the connection state and lifecycle events shared by
// the chat and EventSub managers.
package lifecycle

import (
	"time"
)

// State is the connection state of one manager.
type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Reconnecting
	Closed // terminal; only an explicit Connect leaves it
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Kind identifies a lifecycle event.
type Kind int

const (
	StateChanged Kind = iota
	Ready
	Disconnect
	Reconnect
	MaxReconnect
	AuthFailed
	CapabilityRejected
	SubscriptionsReady
	Revoked
)

func (k Kind) String() string {
	switch k {
	case StateChanged:
		return "state_changed"
	case Ready:
		return "ready"
	case Disconnect:
		return "disconnect"
	case Reconnect:
		return "reconnect"
	case MaxReconnect:
		return "max_reconnect"
	case AuthFailed:
		return "auth_failed"
	case CapabilityRejected:
		return "capability_rejected"
	case SubscriptionsReady:
		return "subscriptions_ready"
	case Revoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Event is published by a manager whenever its lifecycle changes.
type Event struct {
	Kind    Kind
	State   State
	Err     error
	Attempt int           // reconnect attempt number, Reconnect only
	Delay   time.Duration // wait before the attempt, Reconnect only
	Detail  string
	At      time.Time
}
