package queue

import (
	"context"
	"sync"
	"time"
)

// TimeoutFunc is invoked when a Dequeue wait expires before its minimum
// count is reached. It receives the number of items about to be delivered.
type TimeoutFunc func(count int)

// waiter is a suspended consumer awaiting a minimum item count or timeout.
type waiter[T any] struct {
	min   int
	ready chan []T
}

// Queue is a thread-safe hand-off buffer between a producer and consumers.
// A consumer asks for "at least min items or whatever is present after
// timeout"; when satisfied it drains the entire queue, not just its minimum.
// Capacity is unbounded; backpressure comes from the consumer pacing its
// pulls, not from rejecting producers.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	waiters []*waiter[T]

	// One-shot gate shared by all consumers blocked on an empty queue.
	// Closed on the first enqueue, recreated lazily next time it is needed.
	firstItem chan struct{}
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Enqueue appends one or more items and wakes any waiter whose minimum
// count is now met. The first satisfied waiter (in registration order)
// drains the whole queue.
func (q *Queue[T]) Enqueue(items ...T) {
	if len(items) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, items...)

	// Open the became-non-empty gate for consumers parked on an empty queue
	if q.firstItem != nil {
		close(q.firstItem)
		q.firstItem = nil
	}

	q.wakeWaitersLocked()
}

// wakeWaitersLocked delivers the queue snapshot to every waiter whose
// minimum is met, in registration order. Delivery flushes the queue, so
// in practice the first satisfied waiter consumes the batch.
func (q *Queue[T]) wakeWaitersLocked() {
	remaining := q.waiters[:0]
	for _, w := range q.waiters {
		if len(q.items) >= w.min {
			w.ready <- q.flushLocked()
		} else {
			remaining = append(remaining, w)
		}
	}
	q.waiters = remaining
}

// flushLocked returns everything buffered and empties the queue.
func (q *Queue[T]) flushLocked() []T {
	snapshot := q.items
	q.items = nil
	return snapshot
}

// Dequeue blocks until at least min items are buffered, then drains and
// returns all of them. If timeout is positive and elapses first, onTimeout
// (if non-nil) is called with the current count and whatever is buffered
// (possibly nothing) is returned. A timeout <= 0 waits indefinitely.
// Cancelling ctx aborts the wait with ctx.Err().
func (q *Queue[T]) Dequeue(ctx context.Context, min int, timeout time.Duration, onTimeout TimeoutFunc) ([]T, error) {
	if min < 1 {
		min = 1
	}

	q.mu.Lock()

	// Park on the shared gate until the first item ever arrives
	for len(q.items) == 0 {
		if q.firstItem == nil {
			q.firstItem = make(chan struct{})
		}
		gate := q.firstItem
		q.mu.Unlock()

		if timeout > 0 {
			timer := time.NewTimer(timeout)
			select {
			case <-gate:
				timer.Stop()
			case <-timer.C:
				q.mu.Lock()
				if onTimeout != nil {
					onTimeout(len(q.items))
				}
				out := q.flushLocked()
				q.mu.Unlock()
				return out, nil
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		q.mu.Lock()
	}

	// Satisfied immediately: flush semantics, drain everything available
	if len(q.items) >= min {
		out := q.flushLocked()
		q.mu.Unlock()
		return out, nil
	}

	// Register a waiter and suspend
	w := &waiter[T]{min: min, ready: make(chan []T, 1)}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	var timerC <-chan time.Time
	var timer *time.Timer
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timerC = timer.C
		defer timer.Stop()
	}

	select {
	case out := <-w.ready:
		return out, nil
	case <-timerC:
		q.mu.Lock()
		q.removeWaiterLocked(w)
		// Enqueue may have satisfied the waiter while the timer fired
		select {
		case out := <-w.ready:
			q.mu.Unlock()
			return out, nil
		default:
		}
		if onTimeout != nil {
			onTimeout(len(q.items))
		}
		out := q.flushLocked()
		q.mu.Unlock()
		return out, nil
	case <-ctx.Done():
		q.mu.Lock()
		q.removeWaiterLocked(w)
		select {
		case out := <-w.ready:
			q.mu.Unlock()
			return out, nil
		default:
		}
		q.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (q *Queue[T]) removeWaiterLocked(target *waiter[T]) {
	for i, w := range q.waiters {
		if w == target {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// Clear empties the backing storage. Registered waiters keep waiting for
// new data and external references to the queue remain valid.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

// Len returns the current buffered count, excluding anything already
// delivered to a satisfied waiter.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
