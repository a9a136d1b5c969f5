// internal/eventqueue/hub.go
package eventqueue

import "sync"

// Hub fans every published item out to each live subscription
type Hub[T any] struct {
	mu     sync.Mutex
	subs   []*Queue[T]
	closed bool
}

// NewHub creates an empty hub
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{}
}

// Subscribe returns a new unbounded channel receiving every later item.
// After Close it returns an already closed channel.
func (h *Hub[T]) Subscribe() <-chan T {
	q := New[T]()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		q.Close()
		return q.Out()
	}
	h.subs = append(h.subs, q)
	return q.Out()
}

// Publish hands v to every subscription and reports how many received it
func (h *Hub[T]) Publish(v T) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, q := range h.subs {
		if q.Push(v) {
			n++
		}
	}
	return n
}

// Unsubscribe drops the subscription behind ch. Items not yet received are lost.
func (h *Hub[T]) Unsubscribe(ch <-chan T) {
	h.mu.Lock()
	var found *Queue[T]
	for i, q := range h.subs {
		if q.Out() == ch {
			found = q
			h.subs = append(h.subs[:i], h.subs[i+1:]...)
			break
		}
	}
	h.mu.Unlock()

	if found != nil {
		found.Discard()
	}
}

// Reset closes the current subscriptions. The hub accepts new ones afterwards.
func (h *Hub[T]) Reset() {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	h.mu.Unlock()

	for _, q := range subs {
		q.Close()
	}
}

// Close discards the current subscriptions and refuses new ones. Items not
// yet received are dropped, so consumers that already left do not keep a
// queue alive.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	h.closed = true
	subs := h.subs
	h.subs = nil
	h.mu.Unlock()

	for _, q := range subs {
		q.Discard()
	}
}

// Subscribers returns the number of live subscriptions
func (h *Hub[T]) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
