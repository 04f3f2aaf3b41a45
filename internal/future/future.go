// Package future provides the channel-backed completion type used by the
// drive endpoint and the block data service to model "futures with
// continuation chaining" (§5 "Scheduling"). It generalizes the
// goroutine-plus-channel pattern the teacher's pkg/storage/file.go used for
// its background writer into a reusable, typed completion primitive.
package future

import (
	"context"
	"errors"
)

// ErrCancelled is returned by Get when the future's context is cancelled
// before the underlying operation completes. Per §5 "Cancellation/timeouts",
// cancellation only suppresses delivery of the result — it never stops the
// operation that is already in flight.
var ErrCancelled = errors.New("homestore: future cancelled")

type result[T any] struct {
	val T
	err error
}

// Future is a one-shot, single-value completion. It is created already
// "in flight" via New, and Resolve is called exactly once, typically from a
// Scheduler worker or directly from the drive endpoint's completion
// callback.
type Future[T any] struct {
	ch chan result[T]
}

// New returns a Future and the resolve function that completes it. The
// resolve function must be called exactly once.
func New[T any]() (*Future[T], func(T, error)) {
	f := &Future[T]{ch: make(chan result[T], 1)}
	resolved := false
	return f, func(v T, err error) {
		if resolved {
			return
		}
		resolved = true
		f.ch <- result[T]{val: v, err: err}
	}
}

// Done returns an already-resolved Future, useful for synchronous fast
// paths that still need to satisfy an async interface.
func Done[T any](v T, err error) *Future[T] {
	f, resolve := New[T]()
	resolve(v, err)
	return f
}

// Get blocks until the future resolves or ctx is cancelled. The underlying
// operation that will eventually resolve the future is never interrupted by
// ctx; only the delivery of its result is skipped.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case r := <-f.ch:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ErrCancelled
	}
}

// Then schedules fn to run with the resolved value of f once it completes,
// returning a new Future for fn's result. fn runs on a Scheduler worker, not
// inline, so a slow continuation never blocks the goroutine that resolved f.
func Then[T, U any](f *Future[T], sched *Scheduler, fn func(T, error) (U, error)) *Future[U] {
	out, resolve := New[U]()
	sched.Submit(func() {
		v, err := f.Get(context.Background())
		u, err2 := fn(v, err)
		resolve(u, err2)
	})
	return out
}
