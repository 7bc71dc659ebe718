// Package latest implements a single-slot, latest-value-wins message
// holder. Publishing overwrites the slot, so a slow consumer only ever
// observes the freshest value and superseded messages are dropped rather
// than queued.
package latest

import (
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned once the holder has been closed.
var ErrClosed = errors.New("latest: holder is closed")

// ErrTimeout is returned by Take when no new value arrived in the window.
var ErrTimeout = errors.New("latest: no new value within timeout")

// Holder is a coalescing slot for values of type T. Any number of
// producers may Set; Take is intended for a single consuming loop.
type Holder[T any] struct {
	mu     sync.Mutex
	value  T
	seq    uint64 // bumped on every Set
	taken  uint64 // seq of the last value handed out by Take
	closed bool

	notify chan struct{} // capacity 1, signalled on Set and Close
}

// NewHolder creates an empty holder.
func NewHolder[T any]() *Holder[T] {
	return &Holder[T]{
		notify: make(chan struct{}, 1),
	}
}

// Set overwrites the slot with v. Never blocks.
func (h *Holder[T]) Set(v T) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.value = v
	h.seq++
	h.mu.Unlock()

	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// Take returns the latest value not yet handed out, blocking up to
// timeout. Each published value is returned at most once; values
// overwritten before the consumer gets to them are never seen at all.
// Returns ErrTimeout when the window elapses with no new value.
func (h *Holder[T]) Take(timeout time.Duration) (T, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			var zero T
			return zero, ErrClosed
		}
		if h.seq > h.taken {
			h.taken = h.seq
			v := h.value
			h.mu.Unlock()
			return v, nil
		}
		h.mu.Unlock()

		select {
		case <-h.notify:
			// Re-check under the lock; the notify channel is lossy.
		case <-deadline.C:
			var zero T
			return zero, ErrTimeout
		}
	}
}

// TryTake returns the latest unconsumed value without blocking.
func (h *Holder[T]) TryTake() (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || h.seq == h.taken {
		var zero T
		return zero, false
	}
	h.taken = h.seq
	return h.value, true
}

// Peek returns the latest value, consumed or not, without affecting Take.
func (h *Holder[T]) Peek() (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.seq == 0 {
		var zero T
		return zero, false
	}
	return h.value, true
}

// Seq returns the number of values published so far.
func (h *Holder[T]) Seq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

// Close wakes any blocked Take with ErrClosed. Set becomes a no-op.
func (h *Holder[T]) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	select {
	case h.notify <- struct{}{}:
	default:
	}
}
