// Package bridge turns one-shot asynchronous completions into values a
// caller can wait on.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimedOut is returned by Wait when the bound elapses before Resolve.
var ErrTimedOut = errors.New("timed out waiting for result")

// Future holds a value that is resolved exactly once.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
}

// NewFuture returns an unresolved future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve sets the value. Only the first call has effect; later calls
// return false and their value is dropped.
func (f *Future[T]) Resolve(v T) bool {
	resolved := false
	f.once.Do(func() {
		f.val = v
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Resolved reports whether Resolve has been called.
func (f *Future[T]) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future is resolved, the timeout elapses or ctx is
// done. A timeout <= 0 waits on ctx alone.
func (f *Future[T]) Wait(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-f.done:
		return f.val, nil
	case <-expired:
		return zero, ErrTimedOut
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
