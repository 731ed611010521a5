package consumer

import (
	"context"
	"sync"
)

// A Future resolves exactly once with the terminal result of a deferred
// operation. All methods are safe for concurrent use.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// ReadFuture resolves with the records of a read task.
type ReadFuture = Future[[]Record]

// CommitFuture resolves with the offsets of a commit task.
type CommitFuture = Future[[]TopicPartitionOffset]

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// resolve sets the result and reports whether this call was the first.
// Calls after the first are ignored.
func (f *Future[T]) resolve(val T, err error) bool {
	first := false
	f.once.Do(func() {
		first = true
		f.val = val
		f.err = err
		close(f.done)
	})
	return first
}

// Done is closed once the future has resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx is done. Cancelling ctx
// abandons the wait only: the underlying task keeps running on its own
// time budget.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
