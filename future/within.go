package future

import (
	"sync/atomic"
	"time"

	"github.com/evloop/evrpc/reactor"
	"github.com/evloop/evrpc/rpcerr"
)

// Within races f against a one-shot timer on loop: the returned future
// completes with f's result if it arrives before d elapses, or with
// ErrCallTimeout otherwise. Whichever side loses the race has no observable
// effect — a late result is discarded, and the timer is cancelled on an
// early result. Callers that also need the losing side's bookkeeping undone
// (e.g. an outstanding RPC call) should use the layer that owns that
// bookkeeping instead, like ClientChannel.InvokeWithin.
func Within[T any](f Future[T], d time.Duration, loop *reactor.Loop) Future[T] {
	out := NewPromise[T]()
	var won atomic.Bool

	tok := loop.ScheduleAfter(d, func() {
		if won.CompareAndSwap(false, true) {
			out.SetException(rpcerr.ErrCallTimeout)
		}
	})

	f.OnComplete(func(r Result[T]) {
		if !won.CompareAndSwap(false, true) {
			return
		}
		tok.Cancel()
		if r.Err != nil {
			out.SetException(r.Err)
		} else {
			out.SetValue(r.Value)
		}
	})

	return out.GetFuture()
}
