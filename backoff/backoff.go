// Package backoff implements the reconnect delay policy shared by the chat and
// EventSub connections. A Policy is a pure state machine: it never sleeps or
// starts timers itself, the owning connection manager does that and reports
// the outcome back through RecordFailure, RecordSuccess and TimerFired.
//
// A Policy is not safe for concurrent use; each connection manager guards its
// own instance with the manager mutex.
package backoff

import (
	"errors"
	"fmt"
	"time"
)

// Unlimited disables the attempt limit.
const Unlimited = -1

// Config bounds the retry delay.
type Config struct {
	Min         time.Duration // first delay and lower clamp
	Max         time.Duration // upper clamp
	Decay       float64       // multiplicative growth per failure
	MaxAttempts int           // 0 disables reconnection, Unlimited never exhausts
}

// DefaultConfig returns the reconnect defaults used by both connections.
func DefaultConfig() Config {
	return Config{
		Min:         time.Second,
		Max:         30 * time.Second,
		Decay:       1.5,
		MaxAttempts: Unlimited,
	}
}

// Validate reports configuration values the policy cannot honour.
func (c Config) Validate() error {
	if c.Min <= 0 {
		return errors.New("backoff: min interval must be positive")
	}
	if c.Max < c.Min {
		return fmt.Errorf("backoff: max interval %s below min interval %s", c.Max, c.Min)
	}
	if c.Decay < 1 {
		return fmt.Errorf("backoff: decay %.2f must be >= 1", c.Decay)
	}
	return nil
}

// Enabled reports whether reconnection is allowed at all.
func (c Config) Enabled() bool { return c.MaxAttempts != 0 }

// State is the retry state of a connection.
type State int

const (
	// StateIdle means no retry is in progress (initial or after a successful handshake).
	StateIdle State = iota
	// StateAttempting means a connect attempt is in flight.
	StateAttempting
	// StateWaiting means a retry delay is running.
	StateWaiting
	// StateExhausted means MaxAttempts failures were recorded.
	StateExhausted
	// StateTerminal means a fatal protocol error ended the connection for good.
	StateTerminal
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttempting:
		return "attempting"
	case StateWaiting:
		return "waiting"
	case StateExhausted:
		return "exhausted"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Policy tracks attempts and the current delay for one connection.
type Policy struct {
	cfg      Config
	attempts int
	delay    time.Duration
	state    State
}

// New returns a policy in StateIdle with the delay at cfg.Min.
func New(cfg Config) *Policy {
	return &Policy{cfg: cfg, delay: cfg.Min}
}

// Config returns the configuration the policy was built with.
func (p *Policy) Config() Config { return p.cfg }

// Attempts returns the number of failures since the last success.
func (p *Policy) Attempts() int { return p.attempts }

// Delay returns the current delay without changing it.
func (p *Policy) Delay() time.Duration { return p.delay }

// State returns the retry state.
func (p *Policy) State() State { return p.state }

// RecordFailure grows the delay, clamps it to [Min, Max], counts the attempt
// and returns the delay to wait before the next attempt. Once the policy is
// exhausted or terminal it only returns the current delay.
func (p *Policy) RecordFailure() time.Duration {
	if p.state == StateTerminal || p.state == StateExhausted {
		return p.delay
	}
	p.attempts++
	p.delay = p.clamp(time.Duration(float64(p.delay) * p.cfg.Decay))
	if p.Exhausted() {
		p.state = StateExhausted
	} else {
		p.state = StateWaiting
	}
	return p.delay
}

// Hold enters StateWaiting at the current delay without counting a failure.
// Used for requested reconnects, which retry once at the current delay.
func (p *Policy) Hold() time.Duration {
	if p.state == StateTerminal || p.state == StateExhausted {
		return p.delay
	}
	p.state = StateWaiting
	return p.delay
}

// RecordSuccess resets attempts and delay after a completed handshake.
func (p *Policy) RecordSuccess() {
	if p.state == StateTerminal {
		return
	}
	p.attempts = 0
	p.delay = p.cfg.Min
	p.state = StateIdle
}

// Exhausted reports whether the attempt limit has been reached.
func (p *Policy) Exhausted() bool {
	return p.cfg.MaxAttempts > 0 && p.attempts >= p.cfg.MaxAttempts
}

// Begin marks a connect attempt as in flight. It returns false when another
// attempt is already running or when the policy no longer allows attempts.
func (p *Policy) Begin() bool {
	switch p.state {
	case StateIdle, StateWaiting:
		p.state = StateAttempting
		return true
	default:
		return false
	}
}

// TimerFired moves a waiting policy into StateAttempting. It returns false
// when the wait was superseded (success, terminal error or a concurrent attempt).
func (p *Policy) TimerFired() bool {
	if p.state != StateWaiting {
		return false
	}
	p.state = StateAttempting
	return true
}

// Pending reports whether a retry is waiting or in flight.
func (p *Policy) Pending() bool {
	return p.state == StateWaiting || p.state == StateAttempting
}

// Terminate moves the policy into StateTerminal; no further attempts are allowed.
func (p *Policy) Terminate() { p.state = StateTerminal }

// Reset returns the policy to its initial state, clearing a terminal or
// exhausted state. Used when the caller explicitly connects again.
func (p *Policy) Reset() {
	p.attempts = 0
	p.delay = p.cfg.Min
	p.state = StateIdle
}

func (p *Policy) clamp(d time.Duration) time.Duration {
	if d < p.cfg.Min {
		return p.cfg.Min
	}
	if d > p.cfg.Max {
		return p.cfg.Max
	}
	return d
}
