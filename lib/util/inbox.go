package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// inboxNode is a single element of the linked list behind an Inbox.
type inboxNode[T any] struct {
	value T
	next  atomic.Pointer[inboxNode[T]]
}

// Inbox is an unbounded, lock-free multi-producer single-consumer queue.
//
// Producers append to a linked list with compare-and-swap; a pump goroutine
// moves values from the list to the channel returned by Recv, so the consumer
// can select on it together with timers and contexts. Values pushed by the
// same producer are received in push order. Values from different producers
// are received in the order their pushes completed.
//
// After Close, Push fails and the values already queued are still delivered
// before the Recv channel is closed.
type Inbox[T any] struct {
	head   atomic.Pointer[inboxNode[T]]
	tail   atomic.Pointer[inboxNode[T]]
	out    chan T
	size   atomic.Int64
	closed atomic.Bool
	pumped sync.WaitGroup

	mu   sync.Mutex
	cond *sync.Cond
	done bool // pump exited, guarded by mu
}

// NewInbox creates an inbox and starts its pump goroutine.
func NewInbox[T any]() *Inbox[T] {
	sentinel := &inboxNode[T]{}
	q := &Inbox[T]{out: make(chan T)}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.pumped.Add(1)
	go q.pump()
	return q
}

// Push appends v. It returns false if the inbox is closed. A value for which
// Push returned true is always delivered.
func (q *Inbox[T]) Push(v T) bool {
	if q.closed.Load() {
		return false
	}

	n := &inboxNode[T]{value: v}
	var spins uint8
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				q.tail.CompareAndSwap(tail, n)
				q.size.Add(1)

				q.mu.Lock()
				done := q.done
				q.cond.Signal()
				q.mu.Unlock()
				if done {
					// linked after the pump drained the list, never delivered
					q.size.Add(-1)
					return false
				}
				return true
			}
		} else {
			// another producer linked a node but has not moved the tail yet
			q.tail.CompareAndSwap(tail, next)
		}

		// exponential backoff under contention
		if spins < 10 {
			spins++
			for i := 0; i < 1<<spins; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// pump moves values from the list to the out channel until the inbox is closed and drained.
func (q *Inbox[T]) pump() {
	defer q.pumped.Done()
	defer close(q.out)

	var zero T
	for {
		head := q.head.Load()
		next := head.next.Load()
		if next != nil {
			v := next.value
			q.head.Store(next)
			q.out <- v
			next.value = zero
			q.size.Add(-1)
			continue
		}

		q.mu.Lock()
		if head.next.Load() == nil {
			if q.closed.Load() {
				q.done = true
				q.mu.Unlock()
				return
			}
			q.cond.Wait()
		}
		q.mu.Unlock()
	}
}

// Recv returns the channel the single consumer reads from.
func (q *Inbox[T]) Recv() <-chan T {
	return q.out
}

// Close stops accepting values. Queued values are still delivered.
func (q *Inbox[T]) Close() {
	q.closed.Store(true)
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// IsClosed returns true once Close was called.
func (q *Inbox[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns the number of queued values not yet received.
func (q *Inbox[T]) Len() int {
	return int(q.size.Load())
}
