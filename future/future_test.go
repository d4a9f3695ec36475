package future

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetValueThenCompletesSynchronously(t *testing.T) {
	p := NewPromise[int]()
	f := p.GetFuture()
	p.SetValue(42)

	var got Result[int]
	f.OnComplete(func(r Result[int]) { got = r })
	require.True(t, got.Ok())
	assert.Equal(t, 42, got.Value)
}

func TestSetExceptionCompletesWithError(t *testing.T) {
	p := NewPromise[string]()
	f := p.GetFuture()
	boom := assert.AnError
	p.SetException(boom)

	r := f.Wait()
	require.False(t, r.Ok())
	assert.ErrorIs(t, r.Err, boom)
}

func TestDoubleCompletePanics(t *testing.T) {
	p := NewPromise[int]()
	p.SetValue(1)
	assert.Panics(t, func() { p.SetValue(2) })
	assert.Panics(t, func() { p.SetException(assert.AnError) })
}

func TestContinuationsFireInRegistrationOrder(t *testing.T) {
	p := NewPromise[int]()
	f := p.GetFuture()

	var mu sync.Mutex
	var order []int
	record := func(i int) func(Result[int]) {
		return func(Result[int]) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}
	}
	f.OnComplete(record(1))
	f.OnComplete(record(2))
	f.OnComplete(record(3))

	p.SetValue(0)

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestThenChainsOntoInnerFuture(t *testing.T) {
	p := NewPromise[int]()
	f := p.GetFuture()

	chained := Then(f, func(r Result[int]) Future[string] {
		require.True(t, r.Ok())
		return MakeReadyFuture(strconv.Itoa(r.Value * 2))
	})

	p.SetValue(21)
	r := chained.Wait()
	require.True(t, r.Ok())
	assert.Equal(t, "42", r.Value)
}

func TestThenPropagatesOuterError(t *testing.T) {
	p := NewPromise[int]()
	f := p.GetFuture()

	chained := Then(f, func(r Result[int]) Future[string] {
		if r.Err != nil {
			return MakeFailedFuture[string](r.Err)
		}
		return MakeReadyFuture("unreachable")
	})

	p.SetException(assert.AnError)
	r := chained.Wait()
	assert.ErrorIs(t, r.Err, assert.AnError)
}

type stubExecutor struct {
	ran chan func()
}

func (e *stubExecutor) Execute(f func()) {
	e.ran <- f
}

func TestViaPostsToExecutorInsteadOfRunningInline(t *testing.T) {
	p := NewPromise[int]()
	f := p.GetFuture()
	ex := &stubExecutor{ran: make(chan func(), 1)}

	called := false
	f.Via(ex, func(Result[int]) { called = true })
	p.SetValue(1)

	assert.False(t, called, "continuation must not run inline when Via is used")
	task := <-ex.ran
	task()
	assert.True(t, called)
}

