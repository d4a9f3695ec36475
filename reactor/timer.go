package reactor

import (
	"container/heap"
	"time"
)

// infiniteRepeats marks a timer entry that reschedules forever.
const infiniteRepeats = -1

// timerEntry is one scheduled callback. Periodic entries reschedule from
// their own previous expiry, not from actual fire time, so drift never
// accumulates across ticks.
type timerEntry struct {
	expiry    time.Time
	period    time.Duration // zero means one-shot
	remaining int           // infiniteRepeats for unbounded
	cb        func()
	canceled  bool
	index     int // heap index, maintained by container/heap
}

// Token cancels a scheduled timer. Canceling before the timer fires removes
// it from the heap; canceling after it already fired is a no-op.
type Token struct {
	entry *timerEntry
}

// Cancel marks the referenced timer entry canceled. The loop skips canceled
// entries when it pops them, and fresh lookups don't need the heap index
// afterward. Idempotent.
func (t Token) Cancel() {
	if t.entry != nil {
		t.entry.canceled = true
	}
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].expiry.Before(h[j].expiry) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x interface{}) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// nextWakeup returns the time the loop should next wake to service timers,
// and false if the heap is empty.
func (h *timerHeap) nextWakeup() (time.Time, bool) {
	for h.Len() > 0 {
		top := (*h)[0]
		if top.canceled {
			heap.Pop(h)
			continue
		}
		return top.expiry, true
	}
	return time.Time{}, false
}

// drainExpired pops every entry whose expiry is <= now, in non-decreasing
// expiry order, and collects its callback, re-inserting periodic entries
// that still have remaining fires. It returns the callbacks to run rather
// than running them directly so the caller (Loop) can run them outside of any lock it
// might hold over the heap.
func drainExpired(h *timerHeap, now time.Time) []func() {
	var due []func()
	for h.Len() > 0 {
		top := (*h)[0]
		if top.canceled {
			heap.Pop(h)
			continue
		}
		if top.expiry.After(now) {
			break
		}
		heap.Pop(h)
		due = append(due, top.cb)

		if top.period > 0 {
			if top.remaining == infiniteRepeats {
				top.expiry = top.expiry.Add(top.period)
				heap.Push(h, top)
			} else if top.remaining > 1 {
				top.remaining--
				top.expiry = top.expiry.Add(top.period)
				heap.Push(h, top)
			}
		}
	}
	return due
}
