package messaging

import (
	"context"
	"sync"
)

// Future is a single-assignment result. Publishing returns one per record,
// pub/sub processors return one per event, and RPC senders return one per
// request.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// NewFuture returns an incomplete future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// CompletedFuture returns a future that is already resolved.
func CompletedFuture[T any](value T, err error) *Future[T] {
	f := NewFuture[T]()
	if err != nil {
		f.Fail(err)
	} else {
		f.Complete(value)
	}
	return f
}

// Complete resolves the future with a value. Later calls are ignored.
func (f *Future[T]) Complete(value T) bool {
	completed := false
	f.once.Do(func() {
		f.value = value
		close(f.done)
		completed = true
	})
	return completed
}

// Fail resolves the future with an error. Later calls are ignored.
func (f *Future[T]) Fail(err error) bool {
	completed := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		completed = true
	})
	return completed
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome of a resolved future. ok is false while the
// future is still pending.
func (f *Future[T]) Result() (value T, err error, ok bool) {
	select {
	case <-f.done:
		return f.value, f.err, true
	default:
		var zero T
		return zero, nil, false
	}
}

// WaitAll waits for every future and returns the first error seen.
func WaitAll[T any](ctx context.Context, futures []*Future[T]) error {
	var first error
	for _, f := range futures {
		if _, err := f.Wait(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
