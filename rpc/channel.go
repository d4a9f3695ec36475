package rpc

import (
	"sync"
	"time"

	"github.com/evloop/evrpc/future"
	"github.com/evloop/evrpc/log"
	"github.com/evloop/evrpc/metrics"
	"github.com/evloop/evrpc/reactor"
	"github.com/evloop/evrpc/rpcerr"
)

// PendingCall is one outstanding Invoke awaiting its correlated reply.
type PendingCall struct {
	ID      uint32
	Service string
	Method  string
	Promise future.Promise[*RpcMessage]
}

// ClientChannel owns one Connection and correlates outgoing requests with
// their replies by request id. The wire format is pluggable through the
// Encoder/Decoder pair rather than hard-wired to the binary framing, so a
// text-mode protocol can reuse the same pending-call bookkeeping.
type ClientChannel struct {
	conn *reactor.Connection
	enc  Encoder
	dec  Decoder

	recorder *metrics.Recorder

	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]*PendingCall
	order   []*PendingCall // FIFO order, for text-mode replies that carry no id
	closed  bool
}

// NewClientChannel wires enc/dec to conn and returns the channel. The
// caller is expected to attach the channel as conn's user data.
func NewClientChannel(conn *reactor.Connection, enc Encoder, dec Decoder, recorder *metrics.Recorder) *ClientChannel {
	c := &ClientChannel{
		conn:     conn,
		enc:      enc,
		dec:      dec,
		recorder: recorder,
		pending:  make(map[uint32]*PendingCall),
	}
	conn.SetOnMessage(c.onData)
	conn.SetOnDisconnect(c.onDisconnect)
	return c
}

// Conn returns the underlying Connection.
func (c *ClientChannel) Conn() *reactor.Connection { return c.conn }

// Invoke assigns a fresh request id, encodes and writes the request, and
// returns a Future completed when the matching reply arrives or the
// connection closes. If the connection is already closed, the future
// completes synchronously with a transport error. The channel layer itself
// carries no deadline; use InvokeWithin to add one.
func (c *ClientChannel) Invoke(serviceName, methodName string, payload []byte) future.Future[*RpcMessage] {
	fut, _ := c.invoke(serviceName, methodName, payload)
	return fut
}

// InvokeWithin is Invoke with a deadline raced on loop's timer: if the
// reply has not arrived after d, the PendingCall is removed and the future
// completes with ErrCallTimeout. A reply arriving after the deadline then
// matches no outstanding call and is dropped.
func (c *ClientChannel) InvokeWithin(serviceName, methodName string, payload []byte, d time.Duration, loop *reactor.Loop) future.Future[*RpcMessage] {
	fut, id := c.invoke(serviceName, methodName, payload)
	if id == 0 {
		return fut
	}
	tok := loop.ScheduleAfter(d, func() {
		c.complete(id, nil, rpcerr.WithMethod(rpcerr.ErrCallTimeout, serviceName, methodName))
	})
	fut.OnComplete(func(future.Result[*RpcMessage]) { tok.Cancel() })
	return fut
}

// invoke is the shared body of Invoke/InvokeWithin. A returned id of 0
// means no PendingCall was inserted (the future already failed).
func (c *ClientChannel) invoke(serviceName, methodName string, payload []byte) (future.Future[*RpcMessage], uint32) {
	if c.conn.State() != reactor.StateConnected {
		return future.MakeFailedFuture[*RpcMessage](rpcerr.WithPeer(rpcerr.ErrDisconnected, c.conn.PeerAddr().String())), 0
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return future.MakeFailedFuture[*RpcMessage](rpcerr.WithPeer(rpcerr.ErrDisconnected, c.conn.PeerAddr().String())), 0
	}
	id := c.allocID()
	pc := &PendingCall{ID: id, Service: serviceName, Method: methodName, Promise: future.NewPromise[*RpcMessage]()}
	c.pending[id] = pc
	c.order = append(c.order, pc)
	n := len(c.pending)
	c.mu.Unlock()
	c.recorder.SetPendingCalls(c.conn.PeerAddr().String(), n)

	msg := &RpcMessage{
		ID:                id,
		IsRequest:         true,
		ServiceName:       serviceName,
		MethodName:        methodName,
		SerializedRequest: payload,
	}
	frame, err := c.enc.Encode(msg)
	if err != nil {
		c.complete(id, nil, rpcerr.WithMethod(rpcerr.ErrMalformedFrame, serviceName, methodName))
		return pc.Promise.GetFuture(), 0
	}

	if c.recorder != nil {
		c.recorder.FrameOut(serviceName)
	}
	c.conn.Send(frame)
	return pc.Promise.GetFuture(), id
}

// allocID returns the next free request id, starting at 1 and wrapping
// past the uint32 range back to 1. Must be called with mu held.
func (c *ClientChannel) allocID() uint32 {
	for {
		c.nextID++
		if c.nextID == 0 {
			c.nextID = 1
		}
		if _, exists := c.pending[c.nextID]; !exists {
			return c.nextID
		}
	}
}

// onData is wired as the Connection's OnMessageFunc: decode one frame at a
// time, route it, and report bytes consumed.
func (c *ClientChannel) onData(conn *reactor.Connection, data []byte) int {
	msg, n, err := c.dec.Decode(data)
	if err != nil {
		log.L().Warnw("rpc: decode failed, closing channel", "peer", conn.PeerAddr().String(), "err", err)
		// Fail the outstanding calls with the protocol error itself; the
		// disconnect that follows then finds nothing left to fail.
		c.failAll(rpcerr.WithPeer(err, conn.PeerAddr().String()))
		conn.ActiveClose()
		return 0
	}
	if msg == nil {
		return 0
	}
	if c.recorder != nil {
		c.recorder.FrameIn(msg.ServiceName)
	}
	c.OnMessage(msg)
	return n
}

// OnMessage routes a decoded reply to its PendingCall. If msg carries an
// explicit correlation id, it must match an outstanding call; otherwise
// (text-mode decoders that never set HasID) the oldest PendingCall is
// completed instead. A frame matching no PendingCall is dropped.
func (c *ClientChannel) OnMessage(msg *RpcMessage) {
	var pc *PendingCall

	c.mu.Lock()
	if id, ok := msg.CorrelationID(); ok {
		pc = c.pending[id]
		if pc != nil {
			c.removeLocked(pc)
		}
	} else if len(c.order) > 0 {
		pc = c.order[0]
		c.removeLocked(pc)
	}
	n := len(c.pending)
	c.mu.Unlock()
	c.recorder.SetPendingCalls(c.conn.PeerAddr().String(), n)

	if pc == nil {
		log.L().Debugw("rpc: dropping frame", "peer", c.conn.PeerAddr().String(), "err", rpcerr.ErrUnsolicitedResponse)
		return
	}
	pc.Promise.SetValue(msg)
}

// removeLocked deletes pc from both pending and order. Caller holds mu.
func (c *ClientChannel) removeLocked(pc *PendingCall) {
	delete(c.pending, pc.ID)
	for i, o := range c.order {
		if o == pc {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *ClientChannel) onDisconnect(*reactor.Connection) {
	c.failAll(rpcerr.WithPeer(rpcerr.ErrPeerClosed, c.conn.PeerAddr().String()))
}

// failAll completes every outstanding PendingCall with err and marks the
// channel closed so future Invoke calls fail synchronously.
func (c *ClientChannel) failAll(err error) {
	c.mu.Lock()
	c.closed = true
	pending := c.order
	c.order = nil
	c.pending = make(map[uint32]*PendingCall)
	c.mu.Unlock()
	c.recorder.SetPendingCalls(c.conn.PeerAddr().String(), 0)

	for _, pc := range pending {
		pc.Promise.SetException(err)
	}
}

// complete fulfills a single PendingCall by id with either msg or err,
// removing it from the bookkeeping. Used for synchronous encode failures
// and InvokeWithin deadline expiry.
func (c *ClientChannel) complete(id uint32, msg *RpcMessage, err error) {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		c.removeLocked(pc)
	}
	n := len(c.pending)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.recorder.SetPendingCalls(c.conn.PeerAddr().String(), n)
	if err != nil {
		pc.Promise.SetException(err)
	} else {
		pc.Promise.SetValue(msg)
	}
}
