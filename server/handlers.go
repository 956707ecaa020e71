// Package server exposes the HTTP status surface of the daemon.
package server

import (
	"context"
	"database/sql"
	"time"

	"github.com/onnwee/tmilink/eventsub"
	"github.com/onnwee/tmilink/lifecycle"
)

// ChatConn is the part of chat.Manager the handlers use.
type ChatConn interface {
	State() lifecycle.State
	Ready() bool
	Latency() time.Duration
	Channels() []string
	Reconnect() error
}

// EventSubConn is the part of eventsub.Manager the handlers use.
type EventSubConn interface {
	State() lifecycle.State
	Ready() bool
	Session() (eventsub.Session, bool)
	Subscriptions() map[string]eventsub.Subscription
	Reconnect() error
	Subscribe(ctx context.Context, typ string) (map[string]eventsub.Subscription, error)
	Unsubscribe(ctx context.Context, typ string) error
}

// Deps are the handler dependencies. Nil members are reported as disabled.
type Deps struct {
	DB       *sql.DB
	Chat     ChatConn
	EventSub EventSubConn
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db       *sql.DB
	chat     ChatConn
	eventsub EventSubConn
	started  time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{db: deps.DB, chat: deps.Chat, eventsub: deps.EventSub, started: time.Now()}
}
