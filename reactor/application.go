package reactor

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/evloop/evrpc/metrics"
	"github.com/evloop/evrpc/rpcerr"
)

type appState int32

const (
	appNone appState = iota
	appStarted
	appStopped
)

// Application is the process-level lifecycle owner: one base LoopGroup of
// size 1, plus an optional worker LoopGroup that accepted connections are
// handed off to. Listen/Connect/ListenUDP/CreateClientUDP all post through
// the base loop's Execute so they only ever run on that loop's goroutine.
// SIGINT maps to Exit; Exit cascades Stop to both groups and is idempotent.
//
// Tests build their own *Application via New; Default() lazily constructs
// one process-wide instance for callers that want singleton convenience,
// like the sample CLIs.
type Application struct {
	baseGroup    *LoopGroup
	worker       *LoopGroup
	recorder     *metrics.Recorder
	drainTimeout time.Duration

	state   atomic.Int32
	sigCh   chan os.Signal
	sigOnce sync.Once
}

// New builds an Application with a single base loop and no worker group.
// Call SetWorkerGroup before Run to add one.
func New(recorder *metrics.Recorder) (*Application, error) {
	base, err := NewLoopGroup(1, recorder)
	if err != nil {
		return nil, err
	}
	a := &Application{baseGroup: base, recorder: recorder}
	a.installSignals()
	return a, nil
}

var (
	defaultApp   *Application
	defaultAppMu sync.Mutex
)

// Default lazily builds and caches one process-wide Application the first
// time it's called.
func Default() *Application {
	defaultAppMu.Lock()
	defer defaultAppMu.Unlock()
	if defaultApp == nil {
		app, err := New(nil)
		if err != nil {
			rpcerr.Fatalf("reactor: failed to construct default Application: %v", err)
		}
		defaultApp = app
	}
	return defaultApp
}

// installSignals wires SIGINT to Exit. SIGPIPE needs no handling on a Go
// process: a write to a closed socket surfaces as an EPIPE error value,
// never a signal.
func (a *Application) installSignals() {
	a.sigCh = make(chan os.Signal, 1)
	signal.Notify(a.sigCh, syscall.SIGINT)
	go func() {
		if _, ok := <-a.sigCh; ok {
			a.Exit()
		}
	}()
}

// SetWorkerGroup installs a worker LoopGroup of size n. Must be called
// before Run; calling it twice, or after Run, is a programming error.
func (a *Application) SetWorkerGroup(size int) error {
	if a.state.Load() != int32(appNone) {
		rpcerr.Fatalf("reactor: SetWorkerGroup called after Run started")
	}
	if a.worker != nil {
		rpcerr.Fatalf("reactor: worker group already set")
	}
	g, err := NewLoopGroup(size, a.recorder)
	if err != nil {
		return err
	}
	a.worker = g
	return nil
}

// SetDrainTimeout bounds how long Exit waits before actually tearing down
// the loop groups, giving in-flight work (a scheduled timer callback mid-
// flight, a response still being written) a chance to complete rather than
// being cut off mid-frame. Zero (the default) stops immediately. Must be
// called before Run.
func (a *Application) SetDrainTimeout(d time.Duration) {
	a.drainTimeout = d
}

// BaseLoop returns the single loop in the base group.
func (a *Application) BaseLoop() *Loop {
	return a.baseGroup.loops[0]
}

// Next returns the next worker loop (round robin) or the base loop if no
// worker group was configured.
func (a *Application) Next() *Loop {
	if a.worker != nil {
		if l := a.worker.Next(); l != nil {
			return l
		}
	}
	return a.BaseLoop()
}

// Listen posts a Listen request to the base loop. bindFail, if non-nil,
// receives the bind result once it has run: true on success, false when
// the bind failed.
func (a *Application) Listen(addr SocketAddr, onNewConn func(*Connection), bindFail func(ok bool, addr SocketAddr)) {
	base := a.BaseLoop()
	base.Execute(func() {
		base.SetAcceptAssigner(a.Next)
		ok := base.Listen(addr, onNewConn)
		if bindFail != nil {
			bindFail(ok, addr)
		}
	})
}

// ListenUDP posts a ListenUDP request to the base loop.
func (a *Application) ListenUDP(addr SocketAddr, onMsg func(*UDPPacket, *UDPSocket), onCreated func(*UDPSocket), bindFail func(ok bool, addr SocketAddr)) {
	base := a.BaseLoop()
	base.Execute(func() {
		ok := base.ListenUDP(addr, onMsg, onCreated)
		if bindFail != nil {
			bindFail(ok, addr)
		}
	})
}

// CreateClientUDP posts a CreateClientUDP request to the base loop.
func (a *Application) CreateClientUDP(onMsg func(*UDPPacket, *UDPSocket), onCreated func(*UDPSocket)) {
	base := a.BaseLoop()
	base.Execute(func() {
		base.CreateClientUDP(onMsg, onCreated)
	})
}

// Connect posts a Connect request to the base loop.
func (a *Application) Connect(addr SocketAddr, onNewConn func(*Connection), onFail func(error), timeout time.Duration) {
	base := a.BaseLoop()
	base.Execute(func() {
		base.Connect(addr, onNewConn, onFail, timeout)
	})
}

// Run starts the worker group (if any) and the base loop, then blocks until
// Exit is called and every loop has drained.
func (a *Application) Run() {
	if a.state.Load() == int32(appStopped) {
		return
	}
	a.state.Store(int32(appStarted))

	if a.worker != nil {
		a.worker.Start()
	}

	a.baseGroup.Start()
	a.baseGroup.Wait()

	if a.worker != nil {
		a.worker.Wait()
	}
}

// Exit is idempotent: it transitions state to Stopped and cascades Stop to
// both loop groups, after waiting up to the configured drain timeout.
func (a *Application) Exit() {
	if !a.state.CompareAndSwap(int32(appStarted), int32(appStopped)) {
		// Also accept a direct None->Stopped transition: Exit may race Run.
		if !a.state.CompareAndSwap(int32(appNone), int32(appStopped)) {
			return
		}
	}
	a.sigOnce.Do(func() { close(a.sigCh) })
	if a.drainTimeout <= 0 {
		a.stopGroups()
		return
	}
	time.AfterFunc(a.drainTimeout, a.stopGroups)
}

func (a *Application) stopGroups() {
	a.baseGroup.Stop()
	if a.worker != nil {
		a.worker.Stop()
	}
}

// IsExit reports whether Exit has been called.
func (a *Application) IsExit() bool {
	return a.state.Load() == int32(appStopped)
}
