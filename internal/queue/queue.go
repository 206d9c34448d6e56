// Package queue provides the bounded, thread-safe FIFO used to hand frames
// and returned buffers between producer, coordinator and encoder goroutines.
// Inserts never block: a full queue rejects the item and the caller decides
// what to drop.
package queue

import (
	"errors"
	"sync"
	"time"
)

// ErrFull is returned by Push when the queue is at capacity.
var ErrFull = errors.New("queue: full")

// Queue is a fixed-capacity ring buffer. Any number of goroutines may push;
// extraction is intended for a single consumer.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
	n     int

	notify chan struct{}
}

// New creates a queue holding at most capacity items.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{
		items:  make([]T, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends v, or returns ErrFull.
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	if q.n == len(q.items) {
		q.mu.Unlock()
		return ErrFull
	}
	q.items[(q.head+q.n)%len(q.items)] = v
	q.n++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes and returns the oldest item.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.n == 0 {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.n--
	return v, true
}

// PopWait is Pop, waiting up to timeout for an item to arrive.
func (q *Queue[T]) PopWait(timeout time.Duration) (T, bool) {
	if v, ok := q.Pop(); ok {
		return v, true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.notify:
			if v, ok := q.Pop(); ok {
				return v, true
			}
		case <-timer.C:
			return q.Pop()
		}
	}
}

// Peek returns the oldest item without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.n == 0 {
		var zero T
		return zero, false
	}
	return q.items[q.head], true
}

// Flush removes and returns every queued item, oldest first.
func (q *Queue[T]) Flush() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, 0, q.n)
	var zero T
	for q.n > 0 {
		out = append(out, q.items[q.head])
		q.items[q.head] = zero
		q.head = (q.head + 1) % len(q.items)
		q.n--
	}
	q.head = 0
	return out
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// NonEmpty reports whether at least one item is queued.
func (q *Queue[T]) NonEmpty() bool { return q.Len() > 0 }

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return len(q.items) }
