// Package fanout provides a typed publish/subscribe hub used by the
// connection managers to hand inbound traffic and lifecycle events to any
// number of observers.
//
// Each subscriber owns a buffered channel; Publish delivers to every
// subscriber in call order and never blocks the publisher. When a
// subscriber's buffer is full the value is dropped for that subscriber only
// and the drop is counted.
package fanout

import (
	"sync"
	"sync/atomic"
)

// Hub fans values of type T out to subscribers.
type Hub[T any] struct {
	mu      sync.RWMutex
	subs    map[uint64]chan T
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
	onDrop  func()
}

// Option configures a Hub.
type Option[T any] func(*Hub[T])

// WithDropHook calls fn once per dropped delivery. fn runs with the hub
// read-locked and must not subscribe or close.
func WithDropHook[T any](fn func()) Option[T] {
	return func(h *Hub[T]) { h.onDrop = fn }
}

// New returns an empty hub.
func New[T any](opts ...Option[T]) *Hub[T] {
	h := &Hub[T]{subs: make(map[uint64]chan T)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func unregisters it and closes the channel; it is safe to call more
// than once. Subscribing to a closed hub returns an already closed channel.
func (h *Hub[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan T, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers v to every subscriber without blocking and returns the
// number of subscribers that received it.
func (h *Hub[T]) Publish(v T) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0
	}
	delivered := 0
	for _, ch := range h.subs {
		select {
		case ch <- v:
			delivered++
		default:
			h.dropped.Add(1)
			if h.onDrop != nil {
				h.onDrop()
			}
		}
	}
	return delivered
}

// Len returns the number of active subscribers.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (h *Hub[T]) Dropped() uint64 { return h.dropped.Load() }

// Close closes every subscriber channel. Later publishes are ignored.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
