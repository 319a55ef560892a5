package ringchan

import (
	"sync"
	"sync/atomic"

	list "github.com/bahlo/generic-list-go"
)

// Queue is an unbounded FIFO with the same producer/consumer surface as
// RingChannel. Send never blocks and never drops; Receive blocks until a
// value is queued or the queue is closed and drained.
type Queue[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   *list.List[T]
	closed  bool
	metrics Metrics
}

// NewQueue creates an empty Queue.
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{items: list.New[T]()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Send appends v. It always returns false; nothing is ever dropped.
// Sends after Close are ignored and counted in Metrics.Errors.
func (q *Queue[T]) Send(v T) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		atomic.AddInt64(&q.metrics.Errors, 1)
		return false
	}
	q.items.PushBack(v)
	atomic.AddInt64(&q.metrics.Written, 1)
	q.cond.Signal()
	return false
}

// Receive blocks until a value is available. ok is false once the queue is
// closed and every queued value has been received.
func (q *Queue[T]) Receive() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	front := q.items.Front()
	if front == nil {
		return v, false
	}
	atomic.AddInt64(&q.metrics.Processed, 1)
	return q.items.Remove(front), true
}

// Len returns the number of queued values.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close stops accepting values and wakes blocked receivers. Queued values
// remain receivable. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// GetMetrics returns a snapshot of current metrics values. Overwritten is always zero.
func (q *Queue[T]) GetMetrics() Metrics {
	return Metrics{
		Processed: atomic.LoadInt64(&q.metrics.Processed),
		Written:   atomic.LoadInt64(&q.metrics.Written),
		Errors:    atomic.LoadInt64(&q.metrics.Errors),
	}
}
