package rpc

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evloop/evrpc/future"
	"github.com/evloop/evrpc/reactor"
)

const testServiceName = "echotest.EchoService"

func newEchoTestService() *Service {
	svc := NewService(testServiceName)
	svc.Register("ToUpper", func(_ context.Context, loop *reactor.Loop, req []byte) future.Future[[]byte] {
		pr := future.NewPromise[[]byte]()
		text := string(req)
		loop.ScheduleAfterWithRepeat(200*time.Millisecond, 1, func() {
			pr.SetValue([]byte(strings.ToUpper(text)))
		})
		return pr.GetFuture()
	})
	svc.Register("AppendDots", func(_ context.Context, _ *reactor.Loop, req []byte) future.Future[[]byte] {
		return future.MakeReadyFuture(append(append([]byte(nil), req...), []byte("...")...))
	})
	return svc
}

// newRunningServer builds a real Server bound to a loopback port with
// newEchoTestService registered, and a ClientChannel dialed to it.
func newRunningServer(t *testing.T) (*Server, *ClientChannel, func()) {
	t.Helper()
	app, err := reactor.New(nil)
	require.NoError(t, err)
	go app.Run()

	srv := NewServer(app, nil)
	srv.AddService(newEchoTestService())

	port := freePort(t)
	addr := "127.0.0.1:" + strconv.Itoa(port)
	require.NoError(t, srv.Start(addr))
	// Start only queues the bind; give the base loop a moment to run it
	// before dialing.
	time.Sleep(50 * time.Millisecond)

	connected := make(chan *ClientChannel, 1)
	sa := reactor.MustSocketAddr(addr)
	app.Connect(sa, func(conn *reactor.Connection) {
		connected <- NewClientChannel(conn, BinaryEncoder{}, BinaryDecoder{}, nil)
	}, func(err error) {
		t.Errorf("connect failed: %v", err)
	}, time.Second)

	var ch *ClientChannel
	select {
	case ch = <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}

	return srv, ch, func() { app.Exit() }
}

func TestServerDispatchesDelayedAsyncHandler(t *testing.T) {
	_, ch, cleanup := newRunningServer(t)
	defer cleanup()

	start := time.Now()
	fut := ch.Invoke(testServiceName, "ToUpper", []byte("async reply"))
	r := fut.Wait()
	elapsed := time.Since(start)

	require.NoError(t, r.Err)
	require.Equal(t, "ASYNC REPLY", string(r.Value.SerializedResponse))
	require.GreaterOrEqual(t, elapsed, 190*time.Millisecond, "ToUpper's scheduled reply must not complete before its delay elapses")
	require.Less(t, elapsed, 2*time.Second, "ToUpper's scheduled reply must not block on something unrelated to its delay")
}

func TestServerDispatchesSynchronousHandler(t *testing.T) {
	_, ch, cleanup := newRunningServer(t)
	defer cleanup()

	r := ch.Invoke(testServiceName, "AppendDots", []byte("hi")).Wait()
	require.NoError(t, r.Err)
	require.Equal(t, "hi...", string(r.Value.SerializedResponse))
}

func TestServerRespondsWithErrorForUnknownService(t *testing.T) {
	_, ch, cleanup := newRunningServer(t)
	defer cleanup()

	r := ch.Invoke("no.such.Service", "Whatever", []byte("x")).Wait()
	require.NoError(t, r.Err) // the transport call itself succeeds
	require.NotZero(t, r.Value.ErrorCode)
	require.Contains(t, r.Value.ErrorMsg, "no.such.Service")
}

func TestServerRespondsWithErrorForUnknownMethod(t *testing.T) {
	_, ch, cleanup := newRunningServer(t)
	defer cleanup()

	r := ch.Invoke(testServiceName, "NoSuchMethod", []byte("x")).Wait()
	require.NoError(t, r.Err)
	require.NotZero(t, r.Value.ErrorCode)
	require.Contains(t, r.Value.ErrorMsg, "NoSuchMethod")
}

func TestServerHandlesConcurrentCallsOnOneConnection(t *testing.T) {
	srv, ch1, cleanup := newRunningServer(t)
	defer cleanup()
	_ = srv

	f1 := ch1.Invoke(testServiceName, "AppendDots", []byte("one"))
	f2 := ch1.Invoke(testServiceName, "AppendDots", []byte("two"))

	r1 := f1.Wait()
	r2 := f2.Wait()
	require.NoError(t, r1.Err)
	require.NoError(t, r2.Err)
	require.Equal(t, "one...", string(r1.Value.SerializedResponse))
	require.Equal(t, "two...", string(r2.Value.SerializedResponse))
}
