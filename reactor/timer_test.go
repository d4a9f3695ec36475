package reactor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestScheduleAfterWithRepeatBoundsDrift runs a 100ms period for 50 ticks,
// with the loop kept busy for up to 30ms between some firings (by sleeping
// inside the callback itself, the simplest way to stall this
// single-threaded loop from within its own goroutine), and asserts the
// 50th firing lands within 100ms of start+50*100ms — scheduling from the
// previous firing's scheduled time, not actual execution time, never lets
// drift accumulate across ticks.
func TestScheduleAfterWithRepeatBoundsDrift(t *testing.T) {
	l, err := NewLoop(0, nil)
	require.NoError(t, err)
	go l.Run()
	defer l.Stop()

	const period = 100 * time.Millisecond
	const ticks = 50

	var count atomic.Int64
	done := make(chan time.Time, 1)
	start := time.Now()

	l.Execute(func() {
		l.ScheduleAfterWithRepeat(period, ticks, func() {
			n := count.Add(1)
			if n%7 == 0 {
				time.Sleep(30 * time.Millisecond) // intermittent busy loop
			}
			if n == ticks {
				done <- time.Now()
			}
		})
	})

	select {
	case fired := <-done:
		expected := start.Add(ticks * period)
		drift := fired.Sub(expected)
		if drift < 0 {
			drift = -drift
		}
		require.Lessf(t, drift, period, "50th firing drifted %v from expected schedule", drift)
	case <-time.After(ticks*period + 5*time.Second):
		t.Fatal("timed out waiting for 50th firing")
	}
}

func TestScheduleAfterCancelBeforeFireIsNoop(t *testing.T) {
	l, err := NewLoop(0, nil)
	require.NoError(t, err)
	go l.Run()
	defer l.Stop()

	fired := make(chan struct{}, 1)
	l.Execute(func() {
		tok := l.ScheduleAfter(50*time.Millisecond, func() { fired <- struct{}{} })
		tok.Cancel()
	})

	select {
	case <-fired:
		t.Fatal("canceled timer fired")
	case <-time.After(200 * time.Millisecond):
	}
}
