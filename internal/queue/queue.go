// Package queue provides an unbounded FIFO for handing events between
// the collectors, the engine and the runtime. Put never blocks; Get
// waits up to a timeout so the consumer loop can interleave other work.
package queue

import (
	"sync"
	"time"
)

// Queue is safe for any number of producers and consumers.
type Queue[T any] struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []T
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put appends v and wakes one waiting consumer.
func (q *Queue[T]) Put(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.cond.Signal()
}

// Get removes and returns the oldest element, waiting up to timeout
// for one to arrive. The second return value is false on timeout.
func (q *Queue[T]) Get(timeout time.Duration) (T, bool) {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			var zero T
			return zero, false
		}
		// sync.Cond has no timed wait; wake ourselves at the deadline.
		t := time.AfterFunc(remaining, q.cond.Broadcast)
		q.cond.Wait()
		t.Stop()
	}

	v := q.items[0]
	q.items = q.items[1:]
	return v, true
}

// TryGet removes and returns the oldest element without waiting.
func (q *Queue[T]) TryGet() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	v := q.items[0]
	q.items = q.items[1:]
	return v, true
}

// Len reports the number of queued elements.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
