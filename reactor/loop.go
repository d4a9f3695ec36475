// Package reactor implements the single-threaded event-loop runtime —
// Loop, LoopGroup, Connection, and the Application process lifecycle — that
// the rpc package's client/server layers run on top of.
package reactor

import (
	"container/heap"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evloop/evrpc/log"
	"github.com/evloop/evrpc/metrics"
)

// Loop is a single-threaded event dispatcher over I/O readiness, timers and
// a task queue. It is pinned to exactly one goroutine from the moment Run
// starts. Each iteration is one blocking poll.wait() call whose timeout
// folds in the next timer expiry, followed by expired timers, a snapshot
// of the task queue, then ready I/O events.
type Loop struct {
	idx   int
	group *LoopGroup // nil for a standalone/base loop

	poll poller

	taskMu sync.Mutex
	tasks  []func()

	timers timerHeap

	conns      map[int]*Connection
	listeners  map[int]*tcpListener
	connecting map[int]*pendingConnect
	udpSocks   map[int]*udpSocket

	acceptAssign func() *Loop

	goroutineID atomic.Int64
	running     atomic.Bool
	stopping    atomic.Bool
	stopped     chan struct{}

	recorder *metrics.Recorder

	nowMu sync.RWMutex
	now   time.Time
}

// NewLoop constructs a Loop. Call Run (typically from its own goroutine) to
// start dispatching.
func NewLoop(idx int, recorder *metrics.Recorder) (*Loop, error) {
	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("reactor: create poller: %w", err)
	}
	l := &Loop{
		idx:        idx,
		poll:       p,
		conns:      make(map[int]*Connection),
		listeners:  make(map[int]*tcpListener),
		connecting: make(map[int]*pendingConnect),
		udpSocks:   make(map[int]*udpSocket),
		stopped:    make(chan struct{}),
		recorder:   recorder,
	}
	l.goroutineID.Store(-1)
	return l, nil
}

func (l *Loop) label() string { return fmt.Sprintf("loop-%d", l.idx) }

// IsInSameLoop reports whether the calling goroutine is this Loop's own
// dispatch goroutine.
func (l *Loop) IsInSameLoop() bool {
	return l.running.Load() && l.goroutineID.Load() == currentGoroutineID()
}

func (l *Loop) assertOwningLoop() {
	if !l.IsInSameLoop() {
		panic(fmt.Sprintf("reactor: %s: operation requires the loop's own goroutine", l.label()))
	}
}

// Now returns a cached "current time" updated once per iteration, cheaper
// than time.Now() for code that just wants an approximate timestamp (e.g.
// logging) from inside a callback.
func (l *Loop) Now() time.Time {
	l.nowMu.RLock()
	defer l.nowMu.RUnlock()
	return l.now
}

func (l *Loop) setNow(t time.Time) {
	l.nowMu.Lock()
	l.now = t
	l.nowMu.Unlock()
}

// Execute enqueues task to run on the Loop's goroutine. Safe from any
// goroutine; wakes the loop if it's blocked in poll. Tasks run in FIFO
// order, and tasks enqueued by an already-running task still run within the
// same iteration provided they were enqueued before that iteration's queue
// was snapshotted.
func (l *Loop) Execute(task func()) {
	l.taskMu.Lock()
	l.tasks = append(l.tasks, task)
	l.taskMu.Unlock()
	l.poll.wake()
}

func (l *Loop) drainTasks() []func() {
	l.taskMu.Lock()
	drained := l.tasks
	l.tasks = nil
	l.taskMu.Unlock()
	return drained
}

// ScheduleAfter runs cb once after delay elapses, measured from this call.
func (l *Loop) ScheduleAfter(delay time.Duration, cb func()) Token {
	return l.scheduleWithRepeat(delay, 0, 1, cb)
}

// ScheduleAfterWithRepeat fires cb up to repeats times (repeats <= 0 means
// forever), re-scheduling each firing from the previous firing's scheduled
// time rather than actual execution time, bounding drift.
func (l *Loop) ScheduleAfterWithRepeat(period time.Duration, repeats int, cb func()) Token {
	r := repeats
	if r <= 0 {
		r = infiniteRepeats
	}
	return l.scheduleWithRepeat(period, period, r, cb)
}

func (l *Loop) scheduleWithRepeat(delay, period time.Duration, repeats int, cb func()) Token {
	entry := &timerEntry{
		expiry:    time.Now().Add(delay),
		period:    period,
		remaining: repeats,
		cb:        cb,
	}
	push := func() { heap.Push(&l.timers, entry) }
	if l.IsInSameLoop() {
		push()
	} else {
		l.Execute(push)
	}
	return Token{entry: entry}
}

// Run blocks the calling goroutine, dispatching events until Stop is
// called. Intended to be invoked as `go loop.Run()`, one goroutine per
// Loop, never called concurrently with itself.
func (l *Loop) Run() {
	l.goroutineID.Store(currentGoroutineID())
	l.running.Store(true)
	defer func() {
		l.running.Store(false)
		close(l.stopped)
	}()

	events := make([]pollEvent, 0, 128)
	for !l.stopping.Load() {
		l.setNow(time.Now())
		timeout := l.nextTimeout()

		var err error
		events, err = l.poll.wait(events[:0], timeout)
		if err != nil {
			log.L().Errorw("poll wait failed", "loop", l.label(), "err", err)
			continue
		}

		l.setNow(time.Now())

		for _, cb := range drainExpired(&l.timers, l.now) {
			cb()
		}

		for _, task := range l.drainTasks() {
			task()
		}

		l.dispatchEvents(events)
	}
}

func (l *Loop) nextTimeout() time.Duration {
	l.taskMu.Lock()
	hasTasks := len(l.tasks) > 0
	l.taskMu.Unlock()
	if hasTasks {
		return 0
	}
	if next, ok := l.timers.nextWakeup(); ok {
		d := time.Until(next)
		if d < 0 {
			d = 0
		}
		return d
	}
	return -1 // block indefinitely
}

func (l *Loop) dispatchEvents(events []pollEvent) {
	for _, ev := range events {
		if ln, ok := l.listeners[ev.fd]; ok {
			l.acceptAll(ln)
			continue
		}
		if pc, ok := l.connecting[ev.fd]; ok {
			l.handleConnectWritable(pc)
			continue
		}
		if u, ok := l.udpSocks[ev.fd]; ok {
			l.handleUDPReadable(u)
			continue
		}
		if c, ok := l.conns[ev.fd]; ok {
			if ev.writable {
				c.handleWritable()
			}
			// A connection can be closed by handleWritable above (drain
			// then ActiveClose); re-check before touching it for read.
			if ev.readable {
				if _, stillOpen := l.conns[ev.fd]; stillOpen {
					c.handleReadable()
				}
			}
		}
	}
}

// closeConnection is the single teardown path for a Connection: it removes
// the fd from the poller and this Loop's bookkeeping, closes the socket,
// and fires on-disconnect exactly once iff the connection had ever reached
// StateConnected.
func (l *Loop) closeConnection(c *Connection, _ error) {
	if c.State() == StateDisconnected {
		return
	}
	if _, ok := l.conns[c.fd]; ok {
		delete(l.conns, c.fd)
		l.poll.remove(c.fd)
		closeFD(c.fd)
		if l.recorder != nil {
			l.recorder.ConnectionClosed(l.label())
		}
	}
	wasConnected := c.connectedEver
	c.state.Store(int32(StateDisconnected))
	if wasConnected && c.onDisconnect != nil {
		c.onDisconnect(c)
	}
}

// Stop requests the loop to exit after its current iteration and releases
// every listener, connection and timer it owns. Safe to call from any
// goroutine; idempotent.
func (l *Loop) Stop() {
	if !l.stopping.CompareAndSwap(false, true) {
		return
	}
	l.Execute(func() {
		for fd, ln := range l.listeners {
			l.poll.remove(fd)
			closeFD(ln.fd)
		}
		l.listeners = make(map[int]*tcpListener)

		for fd, c := range l.conns {
			l.poll.remove(fd)
			closeFD(fd)
			if c.connectedEver && c.onDisconnect != nil {
				c.onDisconnect(c)
			}
		}
		l.conns = make(map[int]*Connection)

		for fd, u := range l.udpSocks {
			l.poll.remove(fd)
			closeFD(u.fd)
		}
		l.udpSocks = make(map[int]*udpSocket)

		l.timers = nil
	})
}

// Wait blocks until the loop's Run goroutine has returned.
func (l *Loop) Wait() {
	<-l.stopped
}
