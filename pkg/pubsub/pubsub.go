// Package pubsub provides the bounded multi-producer single-consumer buffer
// shared between a peer's state machine and application-held handles. The
// live-producer count doubles as the liveness signal used for channel-router
// entries and steady-state teardown.
package pubsub

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Subscriber owns the consuming side of a bounded buffer.
type Subscriber[T any] struct {
	ch     chan T
	pubs   atomic.Int64
	closed atomic.Bool
}

// NewSubscriber creates a buffer with the given capacity (minimum 1).
func NewSubscriber[T any](capacity int) *Subscriber[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Subscriber[T]{ch: make(chan T, capacity)}
}

// TryRecv pops the oldest buffered value without blocking.
func (s *Subscriber[T]) TryRecv() (T, bool) {
	select {
	case v := <-s.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// PubCount returns the number of live producer handles.
func (s *Subscriber[T]) PubCount() int {
	return int(s.pubs.Load())
}

// Close abandons the consuming side. Producers observe it through failed
// pushes and ConsumerClosed; no resources are retained.
func (s *Subscriber[T]) Close() { s.closed.Store(true) }

// Closed reports whether the consuming side has been abandoned.
func (s *Subscriber[T]) Closed() bool { return s.closed.Load() }

// CreateSubscription returns a new producer handle and increments the
// live-producer count. The handle must be closed when the producer is done.
func (s *Subscriber[T]) CreateSubscription() *Subscription[T] {
	s.pubs.Add(1)
	return &Subscription[T]{sub: s}
}

// Subscription is a producer handle onto a Subscriber's buffer.
type Subscription[T any] struct {
	sub    *Subscriber[T]
	name   string
	lag    int
	once   sync.Once
	closed atomic.Bool
}

// SetName enables lag logging for this producer. When the buffer is full and
// an old value has to be evicted, the eviction is logged as a warning.
func (p *Subscription[T]) SetName(name string) *Subscription[T] {
	p.name = name
	return p
}

// Push appends a value. When the buffer is full the oldest value is evicted
// so the newest data always lands. Returns false once the handle is closed.
func (p *Subscription[T]) Push(v T) bool {
	if p.sub == nil || p.closed.Load() || p.sub.closed.Load() {
		return false
	}
	for {
		select {
		case p.sub.ch <- v:
			p.lag = 0
			return true
		default:
		}
		// full: drop the oldest entry and retry
		select {
		case <-p.sub.ch:
			p.lag++
			if p.name != "" {
				zap.L().Warn("subscription lagging",
					zap.String("name", p.name), zap.Int("dropped", p.lag))
			}
		default:
			// consumer raced us to it; retry the send
		}
	}
}

// ConsumerClosed reports whether the consuming side has been abandoned;
// pushes are futile once it returns true.
func (p *Subscription[T]) ConsumerClosed() bool {
	return p.sub == nil || p.sub.closed.Load()
}

// Close releases the producer handle, decrementing the live-producer count.
// Idempotent.
func (p *Subscription[T]) Close() {
	p.once.Do(func() {
		p.closed.Store(true)
		if p.sub != nil {
			p.sub.pubs.Add(-1)
		}
	})
}
