// Package oneshot implements a single-value asynchronous handoff between two
// halves of a connected pair. Exactly one successful take is possible, and
// closing either half is the cancellation signal observed by the other.
package oneshot

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrEmpty means no value has arrived yet.
	ErrEmpty = errors.New("oneshot: no value yet")
	// ErrClosed means the counterpart gave up: the sender was closed without
	// a value, the receiver was closed, or the value was already taken.
	ErrClosed = errors.New("oneshot: channel closed")
)

type cell[T any] struct {
	mu           sync.Mutex
	val          T
	filled       bool
	taken        bool
	senderGone   bool
	receiverGone bool
	done         chan struct{} // closed on send or sender close
}

// Sender is the producing half of the pair.
type Sender[T any] struct{ c *cell[T] }

// Receiver is the consuming half of the pair.
type Receiver[T any] struct{ c *cell[T] }

// New returns a connected sender/receiver pair.
func New[T any]() (*Sender[T], *Receiver[T]) {
	c := &cell[T]{done: make(chan struct{})}
	return &Sender[T]{c: c}, &Receiver[T]{c: c}
}

// Send hands the value over. It fails with ErrClosed if the receiver is gone
// or a value was already sent or the sender was closed.
func (s *Sender[T]) Send(v T) error {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.receiverGone || c.filled || c.senderGone {
		return ErrClosed
	}
	c.val = v
	c.filled = true
	close(c.done)
	return nil
}

// Close abandons the sending side without a value. Safe to call repeatedly;
// a no-op after a successful Send.
func (s *Sender[T]) Close() {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.filled || c.senderGone {
		return
	}
	c.senderGone = true
	close(c.done)
}

// Closed reports whether the counterpart is unreachable: the receiver was
// closed, or it already consumed the value.
func (s *Sender[T]) Closed() bool {
	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receiverGone || c.taken
}

// TryRecv is a non-blocking poll. It returns the value exactly once,
// ErrEmpty while the sender has not decided yet, and ErrClosed when the
// sender was abandoned without a value (or the value was already taken).
func (r *Receiver[T]) TryRecv() (T, error) {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	if c.filled && !c.taken {
		c.taken = true
		return c.val, nil
	}
	if c.senderGone || c.taken || c.receiverGone {
		return zero, ErrClosed
	}
	return zero, ErrEmpty
}

// Recv blocks until a value arrives, the sender is abandoned, or ctx is done.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	select {
	case <-r.c.done:
		return r.TryRecv()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Close abandons the receiving side; the sender observes it via Closed.
func (r *Receiver[T]) Close() {
	c := r.c
	c.mu.Lock()
	c.receiverGone = true
	c.mu.Unlock()
}
