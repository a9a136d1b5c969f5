package eventqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain[T any](t *testing.T, ch <-chan T) []T {
	t.Helper()
	var out []T
	timeout := time.After(2 * time.Second)
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		case <-timeout:
			t.Fatalf("channel not closed, received %d items", len(out))
		}
	}
}

func TestQueue_PushNeverBlocksAndKeepsOrder(t *testing.T) {
	q := New[int]()
	for i := 0; i < 10000; i++ {
		require.True(t, q.Push(i))
	}
	q.Close()

	got := drain(t, q.Out())
	require.Len(t, got, 10000)
	for i, v := range got {
		if v != i {
			t.Fatalf("item %d out of order: %d", i, v)
		}
	}
}

func TestQueue_PushAfterClose(t *testing.T) {
	q := New[string]()
	q.Push("a")
	q.Close()
	q.Close()

	assert.False(t, q.Push("b"))
	assert.Equal(t, []string{"a"}, drain(t, q.Out()))
}

func TestQueue_Len(t *testing.T) {
	q := New[int]()
	defer q.Close()
	q.Push(1)
	q.Push(2)
	q.Push(3)

	assert.Eventually(t, func() bool { return q.Len() == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, <-q.Out())
	assert.Eventually(t, func() bool { return q.Len() == 2 }, time.Second, time.Millisecond)
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := New[int]()
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				q.Push(i)
			}
		}()
	}
	wg.Wait()
	q.Close()

	assert.Len(t, drain(t, q.Out()), 4000)
}

func TestHub_FanOut(t *testing.T) {
	h := NewHub[int]()
	a := h.Subscribe()
	b := h.Subscribe()

	assert.Equal(t, 2, h.Publish(7))
	h.Reset()

	assert.Equal(t, []int{7}, drain(t, a))
	assert.Equal(t, []int{7}, drain(t, b))
	assert.Equal(t, 0, h.Subscribers())

	c := h.Subscribe()
	h.Publish(8)
	assert.Equal(t, 8, <-c)
	h.Close()
	assert.Empty(t, drain(t, c))
}

func TestHub_SubscribeAfterClose(t *testing.T) {
	h := NewHub[int]()
	h.Close()

	ch := h.Subscribe()
	assert.Empty(t, drain(t, ch))
	assert.Equal(t, 0, h.Publish(1))
}

func TestQueue_DiscardDropsPending(t *testing.T) {
	q := New[int]()
	for i := 0; i < 100; i++ {
		q.Push(i)
	}
	q.Discard()
	q.Discard()

	assert.Less(t, len(drain(t, q.Out())), 100)
	assert.False(t, q.Push(100))
}

func TestQueue_DiscardAfterClose(t *testing.T) {
	q := New[int]()
	for i := 0; i < 100; i++ {
		q.Push(i)
	}
	q.Close()
	q.Discard()

	assert.Less(t, len(drain(t, q.Out())), 100)
}

func TestHub_CloseDropsUnreadItems(t *testing.T) {
	h := NewHub[int]()
	ch := h.Subscribe()
	for i := 0; i < 100; i++ {
		h.Publish(i)
	}

	h.Close()
	assert.Less(t, len(drain(t, ch)), 100)
	assert.Equal(t, 0, h.Subscribers())
}

func TestHub_Unsubscribe(t *testing.T) {
	h := NewHub[int]()
	a := h.Subscribe()
	b := h.Subscribe()

	h.Unsubscribe(a)
	assert.Equal(t, 1, h.Subscribers())
	assert.Equal(t, 1, h.Publish(5))
	drain(t, a)

	h.Close()
	assert.Equal(t, []int{5}, drain(t, b))
}
