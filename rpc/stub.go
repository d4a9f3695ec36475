package rpc

import (
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v2"

	"github.com/evloop/evrpc/future"
	"github.com/evloop/evrpc/log"
	"github.com/evloop/evrpc/metrics"
	"github.com/evloop/evrpc/reactor"
	"github.com/evloop/evrpc/rpcerr"
)

// connectTimeout is the fixed timeout every coalesced connect attempt
// passes down to Application.Connect.
const connectTimeout = 3000 * time.Millisecond

// NewClientChannelFunc builds a channel and wires its callbacks once a TCP
// connection to an endpoint succeeds; tests substitute a fake to avoid real
// sockets. Defaults to the binary codec pair.
type NewClientChannelFunc func(conn *reactor.Connection, recorder *metrics.Recorder) *ClientChannel

// connectFunc matches reactor.Application.Connect's signature. Tests inject
// a fake here to drive the coalescing algorithm deterministically, without
// racing a real TCP handshake's completion time.
type connectFunc func(addr reactor.SocketAddr, onNewConn func(*reactor.Connection), onFail func(error), timeout time.Duration)

// ServiceStub is a client-side connection pool for one named service: a
// cache of live ClientChannels keyed by endpoint, plus in-flight-connect
// coalescing so a burst of callers targeting the same endpoint before the
// TCP handshake completes share one Connect and one resulting channel.
type ServiceStub struct {
	app      *reactor.Application
	connect  connectFunc
	newChan  NewClientChannelFunc
	selector Selector
	recorder *metrics.Recorder

	urls []reactor.Endpoint

	// channels maps an endpoint's peer-address string to its live channel.
	// Read-mostly: every Invoke path reads it, only connect-resolution
	// writes it — a lock-striped concurrent map fits better than a single
	// RWMutex-guarded plain map here.
	channels *xsync.MapOf[string, *ClientChannel]

	// pendingMu guards pending, which is write-heavy (append on every
	// GetChannel racing a resolution, drain-to-nil on resolution) so a
	// plain mutex-guarded map is the better fit, matching PendingConnects'
	// "ordered list of promises, drained together" semantics exactly.
	pendingMu sync.Mutex
	pending   map[string][]future.Promise[*ClientChannel]

	onCreateChannel func(*ClientChannel)
}

// NewServiceStub builds a ServiceStub that dials through app using the
// binary codec pair by default. Call SetNewClientChannelFunc to use a
// different codec (e.g. the text-mode pair) or to inject a fake for tests.
func NewServiceStub(app *reactor.Application, recorder *metrics.Recorder) *ServiceStub {
	s := &ServiceStub{
		app:      app,
		connect:  app.Connect,
		selector: RandomSelector{},
		recorder: recorder,
		channels: xsync.NewMapOf[*ClientChannel](),
		pending:  make(map[string][]future.Promise[*ClientChannel]),
	}
	s.newChan = func(conn *reactor.Connection, recorder *metrics.Recorder) *ClientChannel {
		return NewClientChannel(conn, BinaryEncoder{}, BinaryDecoder{}, recorder)
	}
	return s
}

// SetNewClientChannelFunc overrides how a ClientChannel is constructed for a
// freshly connected Connection.
func (s *ServiceStub) SetNewClientChannelFunc(f NewClientChannelFunc) { s.newChan = f }

// SetSelector overrides the endpoint-selection policy used by the
// zero-argument GetChannel. Defaults to RandomSelector.
func (s *ServiceStub) SetSelector(sel Selector) { s.selector = sel }

// SetOnCreateChannel installs a hook fired once per newly established
// channel, after it is inserted into the channel cache.
func (s *ServiceStub) SetOnCreateChannel(f func(*ClientChannel)) { s.onCreateChannel = f }

// SetUrlList parses a ';'-delimited list of endpoint URLs, discarding
// malformed entries.
func (s *ServiceStub) SetUrlList(urls string) {
	s.urls = reactor.ParseEndpointList(urls)
}

// GetChannelAny picks one endpoint uniformly at random (or per the
// installed Selector) from the configured URL list and returns a channel to
// it. Named distinctly from the single-endpoint GetChannel since Go has no
// overloading.
func (s *ServiceStub) GetChannelAny() future.Future[*ClientChannel] {
	if len(s.urls) == 0 {
		return future.MakeFailedFuture[*ClientChannel](rpcerr.ErrConnectFailed)
	}
	ep := s.selector.Choose(s.urls)
	return s.GetChannel(ep)
}

// GetChannel returns a ready future if a channel to ep already exists;
// otherwise it joins (or starts) a coalesced connect to ep's address and
// returns a future that resolves when that connect resolves, for every
// caller racing the same endpoint.
func (s *ServiceStub) GetChannel(ep reactor.Endpoint) future.Future[*ClientChannel] {
	key := ep.Addr.String()
	if ch, ok := s.channels.Load(key); ok {
		return future.MakeReadyFuture(ch)
	}

	pr := future.NewPromise[*ClientChannel]()

	s.pendingMu.Lock()
	list, exists := s.pending[key]
	needConnect := !exists
	s.pending[key] = append(list, pr)
	s.pendingMu.Unlock()

	if needConnect {
		s.connect(ep.Addr,
			func(conn *reactor.Connection) { s.onNewConnection(ep, conn) },
			func(err error) { s.onConnectFail(key, err) },
			connectTimeout,
		)
	}

	return pr.GetFuture()
}

// onNewConnection runs on the Connection's owning loop once the TCP
// handshake completes: build a channel, attach it as the Connection's user
// data, wire callbacks, publish it in the channel cache, then fulfill every
// waiter queued for this address.
func (s *ServiceStub) onNewConnection(ep reactor.Endpoint, conn *reactor.Connection) {
	key := ep.Addr.String()
	ch := s.newChan(conn, s.recorder)
	conn.SetUserData(ch)

	// The Connection has a single disconnect slot and NewClientChannel
	// already claimed it; replacing it here must keep the channel's
	// fail-every-pending-call behavior, then evict on top of it.
	conn.SetOnDisconnect(func(c *reactor.Connection) {
		ch.failAll(rpcerr.WithPeer(rpcerr.ErrPeerClosed, key))
		s.channels.Delete(key)
		log.L().Infow("rpc: channel evicted on disconnect", "peer", key)
	})

	s.channels.Store(key, ch)

	if s.onCreateChannel != nil {
		s.onCreateChannel(ch)
	}

	s.pendingMu.Lock()
	waiters := s.pending[key]
	delete(s.pending, key)
	s.pendingMu.Unlock()

	for _, pr := range waiters {
		pr.SetValue(ch)
	}
}

// onConnectFail drains and fails every waiter queued for addr's key with a
// transport error carrying the peer string, then removes the entry.
func (s *ServiceStub) onConnectFail(key string, err error) {
	s.pendingMu.Lock()
	waiters := s.pending[key]
	delete(s.pending, key)
	s.pendingMu.Unlock()

	wrapped := rpcerr.WithPeer(fmt.Errorf("%w: %v", rpcerr.ErrConnectFailed, err), key)
	for _, pr := range waiters {
		pr.SetException(wrapped)
	}
}

// Close evicts every cached channel and closes its underlying connection.
// Intended for orderly shutdown of a stub a caller is done with.
func (s *ServiceStub) Close() {
	s.channels.Range(func(key string, ch *ClientChannel) bool {
		ch.Conn().ActiveClose()
		s.channels.Delete(key)
		return true
	})
}
