package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// slot is a single element of the queue's linked list
type slot[T any] struct {
	value T
	next  atomic.Pointer[slot[T]]
}

// EventQueue is an unbounded multi-producer single-consumer queue.
//
// Producers append with a CAS on the tail node and never block. A single
// internal goroutine moves the values onto the channel returned by Recv, so the
// consumer can select on it together with timers.
//
// Ordering: values pushed by one goroutine are delivered in push order. Values
// pushed concurrently by different goroutines are delivered in the order their
// CAS succeeded.
type EventQueue[T any] struct {
	head    atomic.Pointer[slot[T]]
	tail    atomic.Pointer[slot[T]]
	out     chan T
	pending atomic.Int64
	closed  atomic.Bool

	mu   sync.Mutex
	cond *sync.Cond
	done chan struct{}
}

// NewEventQueue creates a queue and starts its forwarding goroutine.
func NewEventQueue[T any]() *EventQueue[T] {
	sentinel := &slot[T]{}
	q := &EventQueue[T]{
		out:  make(chan T),
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	go q.forward()
	return q
}

// Push appends a value. It returns false if the queue is closed.
//
// Thread-safety: This method is thread-safe and lock-free.
func (q *EventQueue[T]) Push(value T) bool {
	if q.closed.Load() {
		return false
	}

	n := &slot[T]{value: value}
	for spins := 0; ; spins++ {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next != nil {
			// another producer linked a node but has not moved the tail yet
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			q.pending.Add(1)

			q.mu.Lock()
			q.cond.Signal()
			q.mu.Unlock()
			return true
		}
		if spins > 4 {
			runtime.Gosched()
		}
	}
}

// forward drains the linked list into the output channel until the queue is
// closed and empty.
func (q *EventQueue[T]) forward() {
	defer close(q.done)
	defer close(q.out)

	for {
		head := q.head.Load()
		next := head.next.Load()

		if next == nil {
			q.mu.Lock()
			for q.head.Load().next.Load() == nil && !q.closed.Load() {
				q.cond.Wait()
			}
			empty := q.head.Load().next.Load() == nil
			q.mu.Unlock()
			if empty {
				return
			}
			continue
		}

		value := next.value
		q.head.Store(next)

		var zero T
		next.value = zero

		q.out <- value
		q.pending.Add(-1)
	}
}

// Recv returns the channel values are delivered on. The channel is closed
// after Close once all pending values were delivered.
func (q *EventQueue[T]) Recv() <-chan T {
	return q.out
}

// Close stops accepting new values. Values already queued are still delivered.
func (q *EventQueue[T]) Close() {
	q.closed.Store(true)

	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Done is closed once the forwarding goroutine exited.
func (q *EventQueue[T]) Done() <-chan struct{} {
	return q.done
}

// IsClosed reports whether Close was called.
func (q *EventQueue[T]) IsClosed() bool {
	return q.closed.Load()
}

// Pending returns the number of values pushed but not yet received.
func (q *EventQueue[T]) Pending() int {
	return int(q.pending.Load())
}
