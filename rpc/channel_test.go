package rpc

import (
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evloop/evrpc/future"
	"github.com/evloop/evrpc/reactor"
	"github.com/evloop/evrpc/rpcerr"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// newLoopbackChannelPair builds a real client/server TCP pair over an
// Application, wires a ClientChannel on the client Connection, and installs
// a raw server-side handler that decodes a request frame, upper-cases the
// payload, and echoes it back as a response frame carrying the same id —
// enough of a stand-in RPC server to exercise Invoke/OnMessage end to end
// without standing up the full rpc.Server.
func newLoopbackChannelPair(t *testing.T) (*ClientChannel, func()) {
	t.Helper()
	app, err := reactor.New(nil)
	require.NoError(t, err)
	go app.Run()

	port := freePort(t)
	addr := reactor.MustSocketAddr("127.0.0.1:" + strconv.Itoa(port))

	bound := make(chan bool, 1)
	app.Listen(addr, func(conn *reactor.Connection) {
		conn.SetMinPacketSize(4)
		dec := BinaryDecoder{}
		enc := BinaryEncoder{}
		conn.SetOnMessage(func(c *reactor.Connection, data []byte) int {
			msg, n, err := dec.Decode(data)
			if err != nil || msg == nil {
				return 0
			}
			resp := &RpcMessage{
				ID:                 msg.ID,
				IsRequest:          false,
				SerializedResponse: []byte(strings.ToUpper(string(msg.SerializedRequest))),
			}
			frame, _ := enc.Encode(resp)
			c.Send(frame)
			return n
		})
	}, func(ok bool, _ reactor.SocketAddr) { bound <- ok })
	require.True(t, <-bound)

	connected := make(chan *ClientChannel, 1)
	app.Connect(addr, func(conn *reactor.Connection) {
		ch := NewClientChannel(conn, BinaryEncoder{}, BinaryDecoder{}, nil)
		connected <- ch
	}, func(err error) {
		t.Errorf("connect failed: %v", err)
	}, time.Second)

	ch := <-connected
	cleanup := func() { app.Exit() }
	return ch, cleanup
}

func TestInvokeRoundTrip(t *testing.T) {
	ch, cleanup := newLoopbackChannelPair(t)
	defer cleanup()

	fut := ch.Invoke("svc", "ToUpper", []byte("hello"))
	r := fut.Wait()
	require.NoError(t, r.Err)
	require.Equal(t, "HELLO", string(r.Value.SerializedResponse))
}

func TestInvokeOnDisconnectedChannelFailsSynchronously(t *testing.T) {
	ch, cleanup := newLoopbackChannelPair(t)
	defer cleanup()

	ch.Conn().ActiveClose()
	// Give the loop a moment to process the close.
	time.Sleep(50 * time.Millisecond)

	fut := ch.Invoke("svc", "ToUpper", []byte("hello"))
	r := fut.Wait()
	require.Error(t, r.Err)
}

func TestPeerCloseFailsOutstandingCalls(t *testing.T) {
	app, err := reactor.New(nil)
	require.NoError(t, err)
	go app.Run()
	defer app.Exit()

	port := freePort(t)
	addr := reactor.MustSocketAddr("127.0.0.1:" + strconv.Itoa(port))

	bound := make(chan bool, 1)
	// Server accepts but never replies, then closes immediately.
	app.Listen(addr, func(conn *reactor.Connection) {
		conn.SetMinPacketSize(4)
		conn.SetOnMessage(func(c *reactor.Connection, data []byte) int {
			c.ActiveClose()
			return len(data)
		})
	}, func(ok bool, _ reactor.SocketAddr) { bound <- ok })
	require.True(t, <-bound)

	connected := make(chan *ClientChannel, 1)
	app.Connect(addr, func(conn *reactor.Connection) {
		connected <- NewClientChannel(conn, BinaryEncoder{}, BinaryDecoder{}, nil)
	}, func(err error) {
		t.Errorf("connect failed: %v", err)
	}, time.Second)
	ch := <-connected

	f1 := ch.Invoke("svc", "ToUpper", []byte("a"))
	f2 := ch.Invoke("svc", "ToUpper", []byte("b"))

	r1 := f1.Wait()
	r2 := f2.Wait()
	require.Error(t, r1.Err)
	require.Error(t, r2.Err)

	// A subsequent Invoke on the now-disconnected channel must also fail.
	r3 := ch.Invoke("svc", "ToUpper", []byte("c")).Wait()
	require.ErrorIs(t, unwrapRoot(r3.Err), rpcerr.ErrDisconnected)
}

// unwrapRoot peels github.com/pkg/errors wrapping down to the sentinel, for
// tests that want to assert on the taxonomy error rather than its message.
func unwrapRoot(err error) error {
	type causer interface{ Cause() error }
	for {
		c, ok := err.(causer)
		if !ok {
			return err
		}
		err = c.Cause()
	}
}

func TestOversizedFrameClosesChannelAndFailsPendingCalls(t *testing.T) {
	app, err := reactor.New(nil)
	require.NoError(t, err)
	go app.Run()
	defer app.Exit()

	port := freePort(t)
	addr := reactor.MustSocketAddr("127.0.0.1:" + strconv.Itoa(port))

	bound := make(chan bool, 1)
	// Server answers any request with a header declaring a frame far beyond
	// the length cap.
	app.Listen(addr, func(conn *reactor.Connection) {
		conn.SetMinPacketSize(4)
		conn.SetOnMessage(func(c *reactor.Connection, data []byte) int {
			c.Send([]byte{0x80, 0x00, 0x00, 0x00}) // declares 2^31 bytes
			return len(data)
		})
	}, func(ok bool, _ reactor.SocketAddr) { bound <- ok })
	require.True(t, <-bound)

	connected := make(chan *ClientChannel, 1)
	app.Connect(addr, func(conn *reactor.Connection) {
		connected <- NewClientChannel(conn, BinaryEncoder{}, BinaryDecoder{}, nil)
	}, func(err error) {
		t.Errorf("connect failed: %v", err)
	}, time.Second)
	ch := <-connected

	f1 := ch.Invoke("svc", "A", []byte("1"))
	f2 := ch.Invoke("svc", "B", []byte("2"))

	require.ErrorIs(t, f1.Wait().Err, rpcerr.ErrFrameTooLarge)
	require.ErrorIs(t, f2.Wait().Err, rpcerr.ErrFrameTooLarge)

	// The decode error triggers an active close; the connection must end up
	// fully disconnected shortly after.
	require.Eventually(t, func() bool {
		return ch.Conn().State() == reactor.StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOnMessageOldestPendingFallbackForTextMode(t *testing.T) {
	ch, cleanup := newLoopbackChannelPair(t)
	defer cleanup()

	// Bypass the network: register two outstanding calls directly (Invoke
	// would send them to the loopback server, whose id-carrying replies
	// could complete them first) and exercise OnMessage's no-id fallback
	// path the way a text-mode decoder without a CorrelationID would.
	register := func() future.Future[*RpcMessage] {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		pc := &PendingCall{ID: ch.allocID(), Service: "svc", Method: "m", Promise: future.NewPromise[*RpcMessage]()}
		ch.pending[pc.ID] = pc
		ch.order = append(ch.order, pc)
		return pc.Promise.GetFuture()
	}
	p1 := register()
	p2 := register()

	ch.OnMessage(&RpcMessage{SerializedResponse: []byte("reply-for-oldest")})

	r1 := p1.Wait()
	require.NoError(t, r1.Err)
	require.Equal(t, "reply-for-oldest", string(r1.Value.SerializedResponse))

	// p2 is still outstanding; fail the channel to unblock the test.
	ch.Conn().ActiveClose()
	r2 := p2.Wait()
	require.Error(t, r2.Err)
}

func TestInvokeWithinTimesOutAndDropsLateReply(t *testing.T) {
	app, err := reactor.New(nil)
	require.NoError(t, err)
	go app.Run()
	defer app.Exit()

	port := freePort(t)
	addr := reactor.MustSocketAddr("127.0.0.1:" + strconv.Itoa(port))

	bound := make(chan bool, 1)
	// Server replies to every request, but only after 300ms — long past the
	// client's deadline below.
	app.Listen(addr, func(conn *reactor.Connection) {
		conn.SetMinPacketSize(4)
		dec := BinaryDecoder{}
		enc := BinaryEncoder{}
		conn.SetOnMessage(func(c *reactor.Connection, data []byte) int {
			msg, n, err := dec.Decode(data)
			if err != nil || msg == nil {
				return 0
			}
			resp := &RpcMessage{ID: msg.ID, IsRequest: false, SerializedResponse: msg.SerializedRequest}
			frame, _ := enc.Encode(resp)
			c.Loop().ScheduleAfter(300*time.Millisecond, func() { c.Send(frame) })
			return n
		})
	}, func(ok bool, _ reactor.SocketAddr) { bound <- ok })
	require.True(t, <-bound)

	connected := make(chan *ClientChannel, 1)
	app.Connect(addr, func(conn *reactor.Connection) {
		connected <- NewClientChannel(conn, BinaryEncoder{}, BinaryDecoder{}, nil)
	}, func(err error) {
		t.Errorf("connect failed: %v", err)
	}, time.Second)
	ch := <-connected

	loop := ch.Conn().Loop()
	r := ch.InvokeWithin("svc", "Slow", []byte("x"), 50*time.Millisecond, loop).Wait()
	require.ErrorIs(t, r.Err, rpcerr.ErrCallTimeout)

	// Let the late reply arrive; it matches no outstanding call and must be
	// dropped without disturbing the channel.
	time.Sleep(400 * time.Millisecond)

	r2 := ch.Invoke("svc", "Slow", []byte("y")).Wait()
	require.NoError(t, r2.Err)
	require.Equal(t, "y", string(r2.Value.SerializedResponse))
}

func TestRequestIDWraparoundSkipsOutstandingCollisions(t *testing.T) {
	ch, cleanup := newLoopbackChannelPair(t)
	defer cleanup()

	ch.mu.Lock()
	ch.nextID = ^uint32(0) // max uint32, next alloc wraps to 1
	ch.pending[1] = &PendingCall{ID: 1}
	ch.pending[2] = &PendingCall{ID: 2}
	id := ch.allocID()
	ch.mu.Unlock()

	require.Equal(t, uint32(3), id, "must skip ids already outstanding after wraparound")
}
