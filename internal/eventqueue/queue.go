// internal/eventqueue/queue.go

// Package eventqueue provides unbounded FIFO channels.
package eventqueue

import (
	"context"
	"sync"

	"github.com/smallnest/chanx"
)

const (
	inCapacity     = 64
	bufferCapacity = 64
)

// Queue is an unbounded FIFO on top of chanx. Push never waits for the
// consumer; items pile up in the ring buffer until Out is read.
type Queue[T any] struct {
	mu        sync.RWMutex
	ch        *chanx.UnboundedChan[T]
	cancel    context.CancelFunc
	closed    bool
	discarded bool
}

// New creates an open queue
func New[T any]() *Queue[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue[T]{
		// Out is unbuffered so Discard drops everything not yet received
		ch:     chanx.NewUnboundedChanSize[T](ctx, inCapacity, 0, bufferCapacity),
		cancel: cancel,
	}
}

// Push appends v. It returns false once the queue is closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	q.ch.In <- v
	return true
}

// Out is the consumer side. It is closed after Close once every pending item
// has been received.
func (q *Queue[T]) Out() <-chan T {
	return q.ch.Out
}

// Close stops accepting items. Calling it more than once is a no-op.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch.In)
}

// Discard closes the queue and drops what the consumer has not taken yet.
// Out closes without delivering the rest.
func (q *Queue[T]) Discard() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.discarded {
		return
	}
	q.discarded = true
	q.closed = true
	q.cancel()
}

// Len returns the number of items not yet handed to the consumer
func (q *Queue[T]) Len() int {
	return q.ch.Len()
}
