// Package correlate implements the "await the next matching inbound message"
// primitive used by both connections.
//
// Every inbound message is offered to all pending entries; an entry is
// resolved by its own predicate, rejected or resolved by the engine's
// classifier, or expires at its deadline. Removal from the pending set and
// delivery of the outcome happen together under the engine mutex, so an entry
// resolves exactly once no matter how those signals race.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Timeout bounds.
const (
	MinTimeout     = 600 * time.Millisecond
	latencyPadding = 100 * time.Millisecond
)

var (
	// ErrTimeout is returned when nothing matched before the deadline.
	ErrTimeout = errors.New("correlate: no matching response before deadline")
	// ErrCanceled is returned (possibly wrapped) when the entry was canceled,
	// for example by a local disconnect.
	ErrCanceled = errors.New("correlate: canceled")
)

// RejectedError is returned when the classifier marked a message as a failure
// for the pending request.
type RejectedError struct {
	ID     string // message identifier, e.g. an IRC msg-id
	Reason string // server-provided text
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return "correlate: rejected: " + e.ID
	}
	return fmt.Sprintf("correlate: rejected: %s: %s", e.ID, e.Reason)
}

// DefaultTimeout derives a deadline from the most recent round-trip latency:
// latency plus 100ms, never below 600ms. Zero latency means unmeasured.
func DefaultTimeout(latency time.Duration) time.Duration {
	if latency <= 0 {
		return MinTimeout
	}
	return max(MinTimeout, latency+latencyPadding)
}

// Verdict is the classifier's opinion about a message that did not satisfy
// a pending predicate.
type Verdict int

const (
	// Pass leaves the entry pending.
	Pass Verdict = iota
	// Deny rejects the entry.
	Deny
	// Allow resolves the entry as a benign acknowledgement.
	Allow
)

// Classification is returned by a Classifier.
type Classification struct {
	Verdict Verdict
	ID      string
	Reason  string
}

// Classifier maps an unmatched message to a verdict. A nil classifier passes everything.
type Classifier[M any] func(M) Classification

// Outcome is how an entry was resolved.
type Outcome int

const (
	OutcomeResolved Outcome = iota
	OutcomeRejected
	OutcomeTimedOut
	OutcomeCanceled
)

// String returns the metric label for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeResolved:
		return "resolved"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTimedOut:
		return "timeout"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Option configures an Engine.
type Option[M any] func(*Engine[M])

// WithOutcomeHook registers fn to be called once per resolved entry.
func WithOutcomeHook[M any](fn func(Outcome)) Option[M] {
	return func(e *Engine[M]) { e.onOutcome = fn }
}

// Engine holds the pending entries of one connection.
type Engine[M any] struct {
	classify  Classifier[M]
	onOutcome func(Outcome)

	mu      sync.Mutex
	pending []*Pending[M] // creation order
	nextID  uint64
}

// New returns an engine using classify for unmatched messages.
func New[M any](classify Classifier[M], opts ...Option[M]) *Engine[M] {
	e := &Engine[M]{classify: classify}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type result[M any] struct {
	msg M
	err error
}

// Pending is one outstanding request.
type Pending[M any] struct {
	id        uint64
	engine    *Engine[M]
	match     func(M) bool
	createdAt time.Time
	deadline  time.Time
	timer     *time.Timer
	done      chan result[M]
}

// CreatedAt returns when the entry was registered.
func (p *Pending[M]) CreatedAt() time.Time { return p.createdAt }

// Deadline returns when the entry times out.
func (p *Pending[M]) Deadline() time.Time { return p.deadline }

// Register adds an entry without waiting on it. Register before writing the
// request so a fast response cannot slip past. A non-positive timeout uses MinTimeout.
func (e *Engine[M]) Register(match func(M) bool, timeout time.Duration) *Pending[M] {
	if match == nil {
		match = func(M) bool { return false }
	}
	if timeout <= 0 {
		timeout = MinTimeout
	}
	now := time.Now()
	p := &Pending[M]{
		engine:    e,
		match:     match,
		createdAt: now,
		deadline:  now.Add(timeout),
		done:      make(chan result[M], 1),
	}

	e.mu.Lock()
	e.nextID++
	p.id = e.nextID
	e.pending = append(e.pending, p)
	p.timer = time.AfterFunc(timeout, func() {
		e.resolve(p, result[M]{err: ErrTimeout}, OutcomeTimedOut)
	})
	e.mu.Unlock()
	return p
}

// Wait blocks until the entry resolves or ctx is done.
func (p *Pending[M]) Wait(ctx context.Context) (M, error) {
	select {
	case r := <-p.done:
		return r.msg, r.err
	case <-ctx.Done():
		p.engine.resolve(p, result[M]{err: ctx.Err()}, OutcomeCanceled)
		r := <-p.done
		return r.msg, r.err
	}
}

// Cancel resolves the entry with ErrCanceled if it is still pending.
func (p *Pending[M]) Cancel() {
	p.engine.resolve(p, result[M]{err: ErrCanceled}, OutcomeCanceled)
}

// Await registers an entry and waits for it.
func (e *Engine[M]) Await(ctx context.Context, match func(M) bool, timeout time.Duration) (M, error) {
	return e.Register(match, timeout).Wait(ctx)
}

// Dispatch offers msg to every pending entry. Entries are evaluated in
// registration order: predicate, then deny, then allow. Predicates run
// outside the engine lock and must not block.
func (e *Engine[M]) Dispatch(msg M) {
	e.mu.Lock()
	if len(e.pending) == 0 {
		e.mu.Unlock()
		return
	}
	snapshot := make([]*Pending[M], len(e.pending))
	copy(snapshot, e.pending)
	e.mu.Unlock()

	var cls *Classification
	for _, p := range snapshot {
		if p.match(msg) {
			e.resolve(p, result[M]{msg: msg}, OutcomeResolved)
			continue
		}
		if e.classify == nil {
			continue
		}
		if cls == nil {
			c := e.classify(msg)
			cls = &c
		}
		switch cls.Verdict {
		case Deny:
			e.resolve(p, result[M]{msg: msg, err: &RejectedError{ID: cls.ID, Reason: cls.Reason}}, OutcomeRejected)
		case Allow:
			e.resolve(p, result[M]{msg: msg}, OutcomeResolved)
		}
	}
}

// CancelAll resolves every pending entry with ErrCanceled, wrapping cause
// when given, and returns how many entries were canceled.
func (e *Engine[M]) CancelAll(cause error) int {
	err := ErrCanceled
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrCanceled, cause)
	}
	e.mu.Lock()
	snapshot := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, p := range snapshot {
		p.timer.Stop()
		p.done <- result[M]{err: err}
		e.observe(OutcomeCanceled)
	}
	return len(snapshot)
}

// Len returns the number of pending entries.
func (e *Engine[M]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// resolve removes p and delivers r. Only the first caller for a given entry
// wins; later calls return false.
func (e *Engine[M]) resolve(p *Pending[M], r result[M], outcome Outcome) bool {
	e.mu.Lock()
	idx := -1
	for i, q := range e.pending {
		if q == p {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return false
	}
	e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
	e.mu.Unlock()

	p.timer.Stop()
	p.done <- r
	e.observe(outcome)
	return true
}

func (e *Engine[M]) observe(o Outcome) {
	if e.onOutcome != nil {
		e.onOutcome(o)
	}
}
