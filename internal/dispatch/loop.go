package dispatch

import (
	"sync"
)

// Loop drains a Queue on a single goroutine, calling handle for every item in
// FIFO order.
type Loop[T any] struct {
	queue  *Queue[T]
	handle func(T)

	once sync.Once
	done chan struct{}
}

// NewLoop creates a loop with its own queue. Call Start to begin draining.
func NewLoop[T any](initialCapacity int, handle func(T)) *Loop[T] {
	return &Loop[T]{
		queue:  NewQueue[T](initialCapacity),
		handle: handle,
		done:   make(chan struct{}),
	}
}

// Start launches the draining goroutine. Subsequent calls are no-ops.
func (l *Loop[T]) Start() {
	l.once.Do(func() {
		go l.run()
	})
}

// Post enqueues an item. Returns false after Close.
func (l *Loop[T]) Post(item T) bool {
	return l.queue.Send(item)
}

// Close stops accepting items; queued items are still handled.
func (l *Loop[T]) Close() {
	l.queue.Close()
}

// Done is closed once the loop has handled every item posted before Close.
func (l *Loop[T]) Done() <-chan struct{} {
	return l.done
}

// Pending returns the number of items waiting to be handled.
func (l *Loop[T]) Pending() int {
	return l.queue.Len()
}

func (l *Loop[T]) run() {
	defer close(l.done)
	for {
		item, ok := l.queue.Receive()
		if !ok {
			return
		}
		l.handle(item)
	}
}
