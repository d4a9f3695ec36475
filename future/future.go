// Package future implements the single-assignment Promise/Future pair that
// every asynchronous operation in this module returns: connects, RPC calls,
// and the scheduling glue between them. A promise completes exactly once;
// continuations registered before completion run, in registration order, in
// the completing goroutine unless Via posts them to an Executor instead.
package future

import (
	"sync"

	"github.com/evloop/evrpc/rpcerr"
)

// Executor runs a func() asynchronously relative to the caller. reactor.Loop
// satisfies this via its Execute method; Via takes this interface rather
// than a *reactor.Loop, so any executor (a test stub included) can be used.
type Executor interface {
	Execute(func())
}

// Result carries either a value or an error, never both.
type Result[T any] struct {
	Value T
	Err   error
}

func (r Result[T]) Ok() bool { return r.Err == nil }

type state int

const (
	statePending state = iota
	stateValue
	stateError
)

// Future is the read side of a Promise. The zero value is not usable; use
// NewPromise or MakeReadyFuture.
type Future[T any] struct {
	p *promiseCore[T]
}

// Promise is the write side of a Future. Exactly one of SetValue/
// SetException may succeed; a second attempt is a programming error.
type Promise[T any] struct {
	p *promiseCore[T]
}

type continuation[T any] struct {
	fn  func(Result[T])
	via Executor
}

type promiseCore[T any] struct {
	mu      sync.Mutex
	st      state
	value   T
	err     error
	waiters []continuation[T]
}

// NewPromise creates a fresh Promise/Future pair.
func NewPromise[T any]() Promise[T] {
	return Promise[T]{p: &promiseCore[T]{}}
}

// GetFuture returns the Future associated with this Promise. May be called
// any number of times.
func (pr Promise[T]) GetFuture() Future[T] {
	return Future[T]{p: pr.p}
}

// SetValue completes the promise with a value. Panics (ProgrammingError) if
// the promise was already completed.
func (pr Promise[T]) SetValue(v T) {
	pr.complete(Result[T]{Value: v})
}

// SetException completes the promise with an error.
func (pr Promise[T]) SetException(err error) {
	pr.complete(Result[T]{Err: err})
}

func (pr Promise[T]) complete(r Result[T]) {
	pr.p.mu.Lock()
	if pr.p.st != statePending {
		pr.p.mu.Unlock()
		rpcerr.Fatalf("promise already completed")
	}
	if r.Err != nil {
		pr.p.st = stateError
		pr.p.err = r.Err
	} else {
		pr.p.st = stateValue
		pr.p.value = r.Value
	}
	waiters := pr.p.waiters
	pr.p.waiters = nil
	pr.p.mu.Unlock()

	for _, w := range waiters {
		dispatch(w, r)
	}
}

func dispatch[T any](c continuation[T], r Result[T]) {
	if c.via != nil {
		c.via.Execute(func() { c.fn(r) })
		return
	}
	c.fn(r)
}

// MakeReadyFuture returns a Future that is already completed with v.
func MakeReadyFuture[T any](v T) Future[T] {
	p := NewPromise[T]()
	p.SetValue(v)
	return p.GetFuture()
}

// MakeFailedFuture returns a Future that is already completed with err.
func MakeFailedFuture[T any](err error) Future[T] {
	p := NewPromise[T]()
	p.SetException(err)
	return p.GetFuture()
}

// OnComplete registers fn to observe the eventual Result. If the future is
// already complete, fn runs synchronously in the caller's goroutine;
// otherwise it is queued and runs in the goroutine that completes the
// promise. Registration order is preserved: callbacks registered c1, c2,
// ... observe completion in that order.
func (f Future[T]) OnComplete(fn func(Result[T])) {
	f.onComplete(fn, nil)
}

// Via registers fn to run as a task posted to ex instead of inline in the
// completing goroutine.
func (f Future[T]) Via(ex Executor, fn func(Result[T])) {
	f.onComplete(fn, ex)
}

func (f Future[T]) onComplete(fn func(Result[T]), via Executor) {
	f.p.mu.Lock()
	if f.p.st == statePending {
		f.p.waiters = append(f.p.waiters, continuation[T]{fn: fn, via: via})
		f.p.mu.Unlock()
		return
	}
	st, v, err := f.p.st, f.p.value, f.p.err
	f.p.mu.Unlock()

	r := Result[T]{Value: v, Err: err}
	if st == stateValue {
		r = Result[T]{Value: v}
	}
	dispatch(continuation[T]{fn: fn, via: via}, r)
}

// Then registers a continuation that maps a completed Result[T] into a new
// Future[R], monadic-bind style. If f is already complete, next runs
// immediately in the caller's goroutine.
func Then[T, R any](f Future[T], next func(Result[T]) Future[R]) Future[R] {
	out := NewPromise[R]()
	f.OnComplete(func(r Result[T]) {
		inner := next(r)
		inner.OnComplete(func(rr Result[R]) {
			if rr.Err != nil {
				out.SetException(rr.Err)
			} else {
				out.SetValue(rr.Value)
			}
		})
	})
	return out.GetFuture()
}

// Wait blocks the calling goroutine until the future completes and returns
// its Result. Intended for tests and synchronous CLI tools; never call from
// a Loop goroutine.
func (f Future[T]) Wait() Result[T] {
	done := make(chan Result[T], 1)
	f.OnComplete(func(r Result[T]) { done <- r })
	return <-done
}
