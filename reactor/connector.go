package reactor

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/evloop/evrpc/rpcerr"
)

// pendingConnect tracks one in-flight non-blocking connect() registered
// with the owning Loop's poller for writability.
type pendingConnect struct {
	fd        int
	addr      SocketAddr
	onNewConn func(*Connection)
	onFail    func(error)
	timer     Token
	done      bool
}

// Connect initiates a non-blocking connect to addr. On success onNewConn
// receives the new Connection (already in StateConnected, running on this
// Loop); on failure or timeout onFail receives a transport error
// distinguishable as a timeout vs. any other connect failure.
func (l *Loop) Connect(addr SocketAddr, onNewConn func(*Connection), onFail func(error), timeout time.Duration) {
	l.assertOwningLoop()

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		if onFail != nil {
			onFail(rpcerr.WithPeer(rpcerr.ErrConnectFailed, addr.String()))
		}
		return
	}

	var sa unix.SockaddrInet4
	sa.Port = int(addr.Port())
	copy(sa.Addr[:], addr.IP().To4())

	pc := &pendingConnect{fd: fd, addr: addr, onNewConn: onNewConn, onFail: onFail}

	err = unix.Connect(fd, &sa)
	if err == nil {
		// Rare but possible (e.g. localhost): connected synchronously.
		l.finishConnect(pc, nil)
		return
	}
	if err != unix.EINPROGRESS {
		unix.Close(fd)
		if onFail != nil {
			onFail(rpcerr.WithPeer(rpcerr.ErrConnectFailed, addr.String()))
		}
		return
	}

	if pollErr := l.poll.add(fd, true); pollErr != nil {
		unix.Close(fd)
		if onFail != nil {
			onFail(rpcerr.WithPeer(rpcerr.ErrConnectFailed, addr.String()))
		}
		return
	}
	l.connecting[fd] = pc
	pc.timer = l.ScheduleAfter(timeout, func() {
		l.onConnectTimeout(pc)
	})
}

func (l *Loop) onConnectTimeout(pc *pendingConnect) {
	if pc.done {
		return
	}
	pc.done = true
	delete(l.connecting, pc.fd)
	l.poll.remove(pc.fd)
	unix.Close(pc.fd)
	if pc.onFail != nil {
		pc.onFail(rpcerr.WithPeer(rpcerr.ErrConnectTimeout, pc.addr.String()))
	}
}

// handleConnectWritable is invoked from the Loop dispatch step when a
// connecting fd becomes writable — the canonical non-blocking-connect
// completion signal.
func (l *Loop) handleConnectWritable(pc *pendingConnect) {
	if pc.done {
		return
	}
	errno, gerr := unix.GetsockoptInt(pc.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil || errno != 0 {
		pc.done = true
		pc.timer.Cancel()
		delete(l.connecting, pc.fd)
		l.poll.remove(pc.fd)
		unix.Close(pc.fd)
		if pc.onFail != nil {
			pc.onFail(rpcerr.WithPeer(rpcerr.ErrConnectFailed, pc.addr.String()))
		}
		return
	}
	l.finishConnect(pc, nil)
}

func (l *Loop) finishConnect(pc *pendingConnect, _ error) {
	pc.done = true
	pc.timer.Cancel()
	delete(l.connecting, pc.fd)
	// The fd was registered read+write while connecting; drop back to
	// read-only interest before handing it to the Connection.
	l.poll.modify(pc.fd, false)

	local := localAddrOf(pc.fd)
	c := newConnection(l, pc.fd, local, pc.addr)
	l.conns[pc.fd] = c
	c.state.Store(int32(StateConnected))
	c.connectedEver = true
	if l.recorder != nil {
		l.recorder.ConnectionOpened(l.label())
	}
	if pc.onNewConn != nil {
		pc.onNewConn(c)
	}
	if c.onConnect != nil {
		c.onConnect(c)
	}
}

func localAddrOf(fd int) SocketAddr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return SocketAddr{}
	}
	return sockaddrToSocketAddr(sa)
}
