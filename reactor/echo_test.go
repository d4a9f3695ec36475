package reactor

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// freePort asks the OS for a free TCP port the same way the rest of the Go
// ecosystem's tests do: bind an ephemeral listener, read back its port,
// close it immediately. There is an unavoidable (if tiny) race against
// another process grabbing the same port before this test's real bind.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// TestApplicationEchoRoundTrip drives a real loopback TCP connection
// through Application.Listen/Connect end to end and asserts a byte payload
// sent from the client Connection is observed verbatim by the server's
// on-message callback, then echoed back.
func TestApplicationEchoRoundTrip(t *testing.T) {
	app, err := New(nil)
	require.NoError(t, err)
	go app.Run()
	defer app.Exit()

	port := freePort(t)
	addr := MustSocketAddr("127.0.0.1:" + strconv.Itoa(port))

	serverGotPing := make(chan struct{}, 1)
	bound := make(chan bool, 1)
	app.Listen(addr, func(conn *Connection) {
		conn.SetOnMessage(func(c *Connection, data []byte) int {
			if string(data) == "ping" {
				c.Send([]byte("pong"))
				serverGotPing <- struct{}{}
			}
			return len(data)
		})
	}, func(ok bool, _ SocketAddr) { bound <- ok })

	require.True(t, <-bound)

	clientGotPong := make(chan struct{}, 1)
	app.Connect(addr, func(conn *Connection) {
		conn.SetOnMessage(func(c *Connection, data []byte) int {
			if string(data) == "pong" {
				clientGotPong <- struct{}{}
			}
			return len(data)
		})
		conn.Send([]byte("ping"))
	}, func(err error) {
		t.Errorf("connect failed: %v", err)
	}, time.Second)

	select {
	case <-serverGotPing:
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed ping")
	}
	select {
	case <-clientGotPong:
	case <-time.After(2 * time.Second):
		t.Fatal("client never observed pong")
	}
}

// TestConnectFailureInvokesOnFail dials an address nothing listens on behind
// a firewall-free loopback dead port and expects the connect to either fail
// fast (ECONNREFUSED) or time out — either way onFail must run exactly
// once, never onNewConn.
func TestConnectFailureInvokesOnFail(t *testing.T) {
	app, err := New(nil)
	require.NoError(t, err)
	go app.Run()
	defer app.Exit()

	port := freePort(t) // nothing is listening here anymore
	addr := MustSocketAddr("127.0.0.1:" + strconv.Itoa(port))

	failed := make(chan error, 1)
	app.Connect(addr, func(*Connection) {
		t.Error("onNewConn must not be called for a refused connect")
	}, func(err error) {
		failed <- err
	}, 500*time.Millisecond)

	select {
	case err := <-failed:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("onFail was never called")
	}
}
