// Package future provides the single-result completion type returned
// by every collection operation, along with the legacy callback
// convention.
package future

import (
	"context"

	"github.com/mongodb/grip/recovery"
	"github.com/pkg/errors"
)

// Callback is the legacy completion handler. It receives either a
// non-nil error or the result, never both.
type Callback func(err error, result any)

// Future holds the outcome of an asynchronous operation. It settles
// exactly once.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Go runs fn in a new goroutine and returns a future for its result.
// A panic in fn rejects the future. When cb is non-nil it is invoked
// once, after the future has settled, with the same outcome. A panic
// in the callback is logged and does not affect the future.
//
// The future rejects on error whether or not a callback was given.
func Go[T any](ctx context.Context, fn func(context.Context) (T, error), cb Callback) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}

	go func() {
		f.settle(run(ctx, fn))
		if cb != nil {
			notify(cb, f.value, f.err)
		}
	}()

	return f
}

// Resolved returns a future that has already settled with the given
// outcome. The callback, if any, still runs asynchronously.
func Resolved[T any](value T, err error, cb Callback) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	f.value, f.err = value, err
	close(f.done)
	if cb != nil {
		go notify(cb, value, err)
	}
	return f
}

func run[T any](ctx context.Context, fn func(context.Context) (T, error)) (val T, err error) {
	defer func() {
		err = recovery.HandlePanicWithError(recover(), err, "operation panicked")
	}()

	return fn(ctx)
}

func notify[T any](cb Callback, value T, err error) {
	defer recovery.LogStackTraceAndContinue("operation callback")

	if err != nil {
		cb(err, nil)
		return
	}
	cb(nil, value)
}

func (f *Future[T]) settle(value T, err error) {
	f.value, f.err = value, err
	close(f.done)
}

// Done is closed once the future has settled.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the future settles or the context is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, errors.Wrap(ctx.Err(), "waiting for operation")
	}
}

// Get blocks until the future settles.
func (f *Future[T]) Get() (T, error) {
	<-f.done
	return f.value, f.err
}

// Err blocks until the future settles and returns only its error.
func (f *Future[T]) Err() error {
	_, err := f.Get()
	return err
}
