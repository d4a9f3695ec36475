package reactor

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/evloop/evrpc/log"
	"github.com/evloop/evrpc/rpcerr"
)

// State is a Connection's position in its lifecycle state machine:
// Connecting -> Connected -> {PassiveClose, ActiveClose} -> Disconnected,
// or Connecting straight to Disconnected on a failed connect.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StatePassiveClose
	StateActiveClose
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StatePassiveClose:
		return "passive-close"
	case StateActiveClose:
		return "active-close"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// OnMessageFunc decodes as much of the inbound buffer as it can and returns
// the number of bytes it consumed. Zero means "need more bytes".
type OnMessageFunc func(conn *Connection, data []byte) int

const defaultReadChunk = 64 * 1024

// Connection is a live TCP socket plus its per-socket state machine,
// buffers, and user callbacks. It is mutated only from its owning Loop's
// goroutine — every exported method that can be called off-loop (Send,
// ActiveClose) detects that and posts a task instead of touching fields
// directly.
type Connection struct {
	fd        int
	loop      *Loop
	local     SocketAddr
	peer      SocketAddr
	in        *Buffer
	out       *Buffer
	minPacket int

	state atomic.Int32

	userData   interface{}
	userDataMu sync.RWMutex

	onConnect       func(*Connection)
	onMessage       OnMessageFunc
	onDisconnect    func(*Connection)
	onWriteComplete func(*Connection)
	onError         func(*Connection, error)

	writableArmed bool
	closeOnDrain  bool
	connectedEver bool
}

func newConnection(loop *Loop, fd int, local, peer SocketAddr) *Connection {
	c := &Connection{
		fd:        fd,
		loop:      loop,
		local:     local,
		peer:      peer,
		in:        NewBuffer(4096),
		out:       NewBuffer(0),
		minPacket: 1,
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Connection) LocalAddr() SocketAddr { return c.local }
func (c *Connection) PeerAddr() SocketAddr  { return c.peer }
func (c *Connection) Loop() *Loop           { return c.loop }
func (c *Connection) State() State          { return State(c.state.Load()) }

// SetUserData stores an arbitrary reference alongside the Connection. Its
// lifetime is at least the Connection's: it is never cleared except when
// the Connection itself is discarded.
func (c *Connection) SetUserData(v interface{}) {
	c.userDataMu.Lock()
	c.userData = v
	c.userDataMu.Unlock()
}

func (c *Connection) UserData() interface{} {
	c.userDataMu.RLock()
	defer c.userDataMu.RUnlock()
	return c.userData
}

// SetMinPacketSize sets the minimum number of buffered bytes before
// on-message is invoked again after it returns 0.
func (c *Connection) SetMinPacketSize(n int) {
	if n < 1 {
		n = 1
	}
	c.minPacket = n
}

func (c *Connection) SetOnConnect(cb func(*Connection))       { c.onConnect = cb }
func (c *Connection) SetOnMessage(cb OnMessageFunc)           { c.onMessage = cb }
func (c *Connection) SetOnDisconnect(cb func(*Connection))    { c.onDisconnect = cb }
func (c *Connection) SetOnWriteComplete(cb func(*Connection)) { c.onWriteComplete = cb }
func (c *Connection) SetOnError(cb func(*Connection, error))  { c.onError = cb }

// assertOwningLoop panics with a ProgrammingError if called from a goroutine
// other than the Connection's owning Loop.
func (c *Connection) assertOwningLoop() {
	if !c.loop.IsInSameLoop() {
		rpcerr.Fatalf("connection fd=%d touched off its owning loop", c.fd)
	}
}

// Send writes bytes to the peer. From the owning loop it tries an inline
// write immediately, stashing any remainder in the outbound buffer and
// re-arming writable interest; from any other goroutine it posts a task so
// the actual write still only ever happens on the owning loop.
func (c *Connection) Send(data []byte) {
	if len(data) == 0 {
		return
	}
	if c.loop.IsInSameLoop() {
		c.sendOnLoop(data)
		return
	}
	// Copy: the caller may reuse/mutate data immediately after this call.
	cp := append([]byte(nil), data...)
	c.loop.Execute(func() { c.sendOnLoop(cp) })
}

func (c *Connection) sendOnLoop(data []byte) {
	if c.State() != StateConnected {
		return
	}
	if c.out.Len() > 0 {
		// A write is already pending; preserve order by queuing behind it.
		c.out.PushData(data)
		return
	}
	n, err := unix.Write(c.fd, data)
	if err != nil {
		if err != unix.EAGAIN && err != unix.EINTR {
			c.failAndClose(rpcerr.ErrWriteFailed, err)
			return
		}
		n = 0
	}
	if n < len(data) {
		c.out.PushData(data[n:])
		c.armWritable()
	}
}

func (c *Connection) armWritable() {
	if !c.writableArmed {
		c.writableArmed = true
		c.loop.poll.modify(c.fd, true)
	}
}

func (c *Connection) disarmWritable() {
	if c.writableArmed {
		c.writableArmed = false
		c.loop.poll.modify(c.fd, false)
	}
}

// ActiveClose flushes the outbound buffer then shuts the connection down.
// Safe to call from any goroutine.
func (c *Connection) ActiveClose() {
	if c.loop.IsInSameLoop() {
		c.activeCloseOnLoop()
		return
	}
	c.loop.Execute(c.activeCloseOnLoop)
}

func (c *Connection) activeCloseOnLoop() {
	switch c.State() {
	case StateDisconnected, StateActiveClose, StatePassiveClose:
		return
	}
	if c.out.Len() > 0 {
		c.closeOnDrain = true
		c.state.Store(int32(StateActiveClose))
		return
	}
	c.state.Store(int32(StateActiveClose))
	c.loop.closeConnection(c, nil)
}

// handleReadable is invoked by the Loop's dispatch step on the loop
// goroutine only.
func (c *Connection) handleReadable() {
	for {
		buf := c.in.WriteCap(defaultReadChunk)
		n, err := unix.Read(c.fd, buf)
		if n > 0 {
			c.in.CommitWrite(n)
		}
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			if err == unix.EINTR {
				continue
			}
			c.failAndClose(rpcerr.ErrReadFailed, err)
			return
		}
		if n == 0 {
			c.state.Store(int32(StatePassiveClose))
			c.loop.closeConnection(c, nil)
			return
		}
		if n < len(buf) {
			break // likely drained the socket for this readiness edge
		}
	}
	c.deliverMessages()
}

func (c *Connection) deliverMessages() {
	if c.onMessage == nil {
		return
	}
	for c.in.Len() >= c.minPacket {
		consumed := c.onMessage(c, c.in.PeekAll())
		if consumed <= 0 {
			break
		}
		c.in.Consume(consumed)
	}
}

// handleWritable flushes the outbound buffer; on a full drain it fires
// on-write-complete and, if ActiveClose was requested while data was still
// pending, finally tears the connection down.
func (c *Connection) handleWritable() {
	for c.out.Len() > 0 {
		n, err := unix.Write(c.fd, c.out.PeekAll())
		if n > 0 {
			c.out.Consume(n)
		}
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			if err == unix.EINTR {
				continue
			}
			c.failAndClose(rpcerr.ErrWriteFailed, err)
			return
		}
		if n == 0 {
			return
		}
	}
	c.disarmWritable()
	if c.onWriteComplete != nil {
		c.onWriteComplete(c)
	}
	if c.closeOnDrain {
		c.loop.closeConnection(c, nil)
	}
}

// failAndClose tears the connection down after a fatal syscall error.
// sentinel is ErrReadFailed or ErrWriteFailed depending on which side
// failed; it is what on-error observes, with err kept for the log line.
func (c *Connection) failAndClose(sentinel, err error) {
	log.L().Debugw("connection error", "fd", c.fd, "peer", c.peer.String(), "err", err)
	if c.onError != nil {
		c.onError(c, rpcerr.WithPeer(sentinel, c.peer.String()))
	}
	c.state.Store(int32(StateActiveClose))
	c.loop.closeConnection(c, err)
}
