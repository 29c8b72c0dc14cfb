// Package queue provides the unbounded FIFO between the feed and the
// storage consumers.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueClosed is returned by Push once Close has been called.
var ErrQueueClosed = errors.New("queue closed")

// Queue is an unbounded, goroutine-safe FIFO. Push never blocks; Pop waits
// up to a timeout for an item.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	closed bool
	// notify is closed and replaced on every push so all waiting
	// consumers wake and race for the new item.
	notify chan struct{}
}

func New[T any]() *Queue[T] {
	return &Queue[T]{notify: make(chan struct{})}
}

// Push appends item. It fails only after Close.
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.items = append(q.items, item)
	close(q.notify)
	q.notify = make(chan struct{})
	return nil
}

// PushAll appends items in order under a single lock.
func (q *Queue[T]) PushAll(items []T) error {
	if len(items) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.items = append(q.items, items...)
	close(q.notify)
	q.notify = make(chan struct{})
	return nil
}

// Pop removes the oldest item, waiting up to timeout for one to arrive.
// ok is false on timeout, on ctx cancellation, or when the queue is closed
// and empty.
func (q *Queue[T]) Pop(ctx context.Context, timeout time.Duration) (item T, ok bool) {
	var timer *time.Timer
	for {
		q.mu.Lock()
		if q.lenLocked() > 0 {
			item = q.popLocked()
			q.mu.Unlock()
			return item, true
		}
		if q.closed || timeout <= 0 {
			q.mu.Unlock()
			return item, false
		}
		wait := q.notify
		q.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}

		select {
		case <-wait:
		case <-timer.C:
			return item, false
		case <-ctx.Done():
			return item, false
		}
	}
}

// DrainUpTo removes at most n items without waiting.
func (q *Queue[T]) DrainUpTo(n int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := q.lenLocked()
	if n < count {
		count = n
	}
	if count <= 0 {
		return nil
	}

	out := make([]T, count)
	for i := range out {
		out[i] = q.popLocked()
	}
	return out
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Close rejects further pushes and wakes every waiting consumer. Items
// already queued remain poppable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
	q.notify = make(chan struct{})
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue[T]) lenLocked() int {
	return len(q.items) - q.head
}

func (q *Queue[T]) popLocked() T {
	var zero T
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++

	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head >= 1024 && q.head*2 >= len(q.items):
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return item
}
