package reactor

import (
	"golang.org/x/sys/unix"

	"github.com/evloop/evrpc/log"
)

// UDPPacket is one datagram delivered to a ListenUDP/CreateClientUDP
// callback.
type UDPPacket struct {
	From SocketAddr
	Data []byte
}

// UDPSocket is a thin handle for sending datagrams back out a UDP socket
// created by ListenUDP or CreateClientUDP.
type UDPSocket struct {
	loop *Loop
	fd   int
}

// SendTo writes a single datagram to dst. Best-effort, like UDP itself:
// errors are logged, not returned.
func (u *UDPSocket) SendTo(dst SocketAddr, data []byte) {
	var sa unix.SockaddrInet4
	sa.Port = int(dst.Port())
	copy(sa.Addr[:], dst.IP().To4())
	if err := unix.Sendto(u.fd, data, 0, &sa); err != nil {
		log.L().Debugw("udp sendto failed", "dst", dst.String(), "err", err)
	}
}

type udpSocket struct {
	fd      int
	addr    SocketAddr
	onMsg   func(*UDPPacket, *UDPSocket)
	handle  *UDPSocket
	readBuf []byte
}

func bindUDPSocket(addr SocketAddr) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	var sa unix.SockaddrInet4
	sa.Port = int(addr.Port())
	copy(sa.Addr[:], addr.IP().To4())
	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// ListenUDP binds a UDP socket at addr. onMsg is invoked for each inbound
// datagram; onCreated (optional) receives the socket handle once bound, for
// sending replies.
func (l *Loop) ListenUDP(addr SocketAddr, onMsg func(*UDPPacket, *UDPSocket), onCreated func(*UDPSocket)) bool {
	l.assertOwningLoop()
	fd, err := bindUDPSocket(addr)
	if err != nil {
		log.L().Warnw("listen udp failed", "addr", addr.String(), "err", err)
		return false
	}
	return l.registerUDP(fd, addr, onMsg, onCreated)
}

// CreateClientUDP creates an unbound (ephemeral local port) UDP socket
// suitable for sending datagrams to arbitrary peers and receiving replies.
func (l *Loop) CreateClientUDP(onMsg func(*UDPPacket, *UDPSocket), onCreated func(*UDPSocket)) bool {
	l.assertOwningLoop()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		log.L().Warnw("create client udp failed", "err", err)
		return false
	}
	return l.registerUDP(fd, SocketAddr{}, onMsg, onCreated)
}

func (l *Loop) registerUDP(fd int, addr SocketAddr, onMsg func(*UDPPacket, *UDPSocket), onCreated func(*UDPSocket)) bool {
	if err := l.poll.add(fd, false); err != nil {
		unix.Close(fd)
		return false
	}
	u := &udpSocket{fd: fd, addr: addr, onMsg: onMsg, readBuf: make([]byte, 64*1024)}
	u.handle = &UDPSocket{loop: l, fd: fd}
	l.udpSocks[fd] = u
	if onCreated != nil {
		onCreated(u.handle)
	}
	return true
}

func (l *Loop) handleUDPReadable(u *udpSocket) {
	for {
		n, from, err := unix.Recvfrom(u.fd, u.readBuf, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				return
			}
			return
		}
		if u.onMsg != nil {
			data := append([]byte(nil), u.readBuf[:n]...)
			u.onMsg(&UDPPacket{From: sockaddrToSocketAddr(from), Data: data}, u.handle)
		}
	}
}
