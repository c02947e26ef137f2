// Package dispatch provides the ordered, unbounded hand-off used to deliver
// stream notifications off the caller's goroutine.
package dispatch

import (
	"sync"
)

// growThreshold is the fill percentage at which the queue doubles.
const growThreshold = 70

// Queue is a thread-safe FIFO ring that doubles its capacity when it reaches
// 70% full. Send never blocks, so producers holding their own locks can
// enqueue without waiting on consumers.
type Queue[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	closed   bool

	totalReceived int64
	totalSent     int64
	resizeCount   int
}

// NewQueue creates a queue with the given initial capacity.
func NewQueue[T any](initialCapacity int) *Queue[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	q := &Queue[T]{
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Send appends an item. Returns false if the queue is closed.
func (q *Queue[T]) Send(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	threshold := (q.capacity * growThreshold) / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.count+1 >= threshold {
		q.grow()
	}

	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.totalReceived++

	q.cond.Signal()
	return true
}

// Receive blocks until an item is available or the queue is closed and
// drained, in which case it returns false.
func (q *Queue[T]) Receive() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

// TryReceive returns the next item without blocking.
func (q *Queue[T]) TryReceive() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

// DrainTo removes up to max items (all if max <= 0).
func (q *Queue[T]) DrainTo(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}
	n := q.count
	if max > 0 && max < n {
		n = max
	}
	out := make([]T, n)
	for i := range out {
		out[i] = q.popLocked()
	}
	return out
}

// Close stops accepting items. Pending items can still be received.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Count:         q.count,
		Capacity:      q.capacity,
		TotalReceived: q.totalReceived,
		TotalSent:     q.totalSent,
		ResizeCount:   q.resizeCount,
	}
}

// Stats contains queue statistics.
type Stats struct {
	Count         int
	Capacity      int
	TotalReceived int64
	TotalSent     int64
	ResizeCount   int
}

func (q *Queue[T]) popLocked() T {
	item := q.buf[q.head]
	var zero T
	q.buf[q.head] = zero
	q.head = (q.head + 1) % q.capacity
	q.count--
	q.totalSent++
	return item
}

// grow doubles capacity. Must be called with lock held.
func (q *Queue[T]) grow() {
	newCapacity := q.capacity * 2
	newBuf := make([]T, newCapacity)

	if q.count > 0 {
		if q.head < q.tail {
			copy(newBuf, q.buf[q.head:q.tail])
		} else {
			n := copy(newBuf, q.buf[q.head:])
			copy(newBuf[n:], q.buf[:q.tail])
		}
	}

	q.buf = newBuf
	q.head = 0
	q.tail = q.count
	q.capacity = newCapacity
	q.resizeCount++
}
