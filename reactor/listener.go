package reactor

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/evloop/evrpc/log"
)

// tcpListener owns a bound, listening, non-blocking socket on one Loop.
// assign picks which Loop an accepted connection is handed off to —
// LoopGroup.Next() when a worker group is configured, or the listener's own
// Loop otherwise.
type tcpListener struct {
	fd        int
	addr      SocketAddr
	onNewConn func(*Connection)
	assign    func() *Loop
}

func bindListenSocket(addr SocketAddr) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	var sa unix.SockaddrInet4
	sa.Port = int(addr.Port())
	copy(sa.Addr[:], addr.IP().To4())
	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	const backlog = 128
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Listen creates a TCP listener bound to addr on this Loop. Must be called
// from the Loop's own goroutine (Application.Listen posts the call through
// Execute to guarantee that).
func (l *Loop) Listen(addr SocketAddr, onNewConn func(*Connection)) bool {
	l.assertOwningLoop()
	fd, err := bindListenSocket(addr)
	if err != nil {
		log.L().Warnw("listen failed", "addr", addr.String(), "err", err)
		return false
	}
	if err := l.poll.add(fd, false); err != nil {
		unix.Close(fd)
		log.L().Warnw("listen: poller add failed", "addr", addr.String(), "err", err)
		return false
	}
	assign := l.acceptAssign
	if assign == nil {
		assign = l.nextLoopForAccept
	}
	l.listeners[fd] = &tcpListener{
		fd:        fd,
		addr:      addr,
		onNewConn: onNewConn,
		assign:    assign,
	}
	return true
}

// SetAcceptAssigner overrides which Loop newly accepted connections are
// handed off to; Application uses this to route accepts on the base loop
// into its worker LoopGroup, since a Loop's own l.group is the group it is
// a member of (size 1 for the base loop), not the worker group.
func (l *Loop) SetAcceptAssigner(assign func() *Loop) {
	l.acceptAssign = assign
}

// nextLoopForAccept is the default assign strategy: round robin over the
// LoopGroup this Loop is a member of, falling back to this same Loop when
// it has no group.
func (l *Loop) nextLoopForAccept() *Loop {
	if l.group != nil {
		if next := l.group.Next(); next != nil {
			return next
		}
	}
	return l
}

func (l *Loop) acceptAll(ln *tcpListener) {
	for {
		nfd, sa, err := unix.Accept4(ln.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				return
			}
			log.L().Warnw("accept failed", "addr", ln.addr.String(), "err", err)
			return
		}
		peer := sockaddrToSocketAddr(sa)
		target := ln.assign()
		onNewConn := ln.onNewConn
		local := ln.addr
		target.Execute(func() {
			target.adoptAcceptedConn(nfd, local, peer, onNewConn)
		})
	}
}

func (l *Loop) adoptAcceptedConn(fd int, local, peer SocketAddr, onNewConn func(*Connection)) {
	if err := l.poll.add(fd, false); err != nil {
		unix.Close(fd)
		return
	}
	c := newConnection(l, fd, local, peer)
	l.conns[fd] = c
	c.state.Store(int32(StateConnected))
	c.connectedEver = true
	if l.recorder != nil {
		l.recorder.ConnectionOpened(l.label())
	}
	if onNewConn != nil {
		onNewConn(c)
	}
	if c.onConnect != nil {
		c.onConnect(c)
	}
}

func sockaddrToSocketAddr(sa unix.Sockaddr) SocketAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return SocketAddrFromIPPort(net.IPv4(v.Addr[0], v.Addr[1], v.Addr[2], v.Addr[3]), uint16(v.Port))
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, v.Addr[:])
		return SocketAddrFromIPPort(ip, uint16(v.Port))
	default:
		return SocketAddr{}
	}
}
