package rpc

import (
	"context"

	"github.com/google/uuid"

	"github.com/evloop/evrpc/future"
	"github.com/evloop/evrpc/log"
	"github.com/evloop/evrpc/metrics"
	"github.com/evloop/evrpc/reactor"
	"github.com/evloop/evrpc/rpcerr"
)

// HeaderLen is the binary wire frame's fixed 4-byte length prefix, used as
// the server's SetMinPacketSize hint so the read path never invokes a
// server connection's decoder on fewer bytes than it could possibly need.
const HeaderLen = 4

// MethodHandler invokes one RPC method against its serialized request
// payload and returns a Future of the serialized response. loop is the
// Connection's owning Loop, so a handler that wants to reply later can
// schedule a timer on it instead of blocking the loop goroutine.
type MethodHandler func(ctx context.Context, loop *reactor.Loop, req []byte) future.Future[[]byte]

// Service is a named collection of MethodHandlers, dispatched by method
// name. The registry is a plain map built by RegisterXxxService-style
// helpers, standing in for the dispatch glue an IDL compiler would emit.
type Service struct {
	fullName string
	methods  map[string]MethodHandler
}

// NewService builds an empty Service named fullName (dotted, matching the
// wire frame's service_name field).
func NewService(fullName string) *Service {
	return &Service{fullName: fullName, methods: make(map[string]MethodHandler)}
}

func (s *Service) FullName() string { return s.fullName }

// Register adds method to the service's dispatch table. Call from a
// generated-style RegisterXxxService(server, impl) helper, not directly
// from application code, to keep the method name and handler signature in
// lockstep with the IDL-defined request/response types.
func (s *Service) Register(method string, h MethodHandler) {
	s.methods[method] = h
}

// Call dispatches to the named method's handler, or a Future already
// failed with ErrUnknownMethod if no such method was registered.
func (s *Service) Call(ctx context.Context, loop *reactor.Loop, method string, req []byte) future.Future[[]byte] {
	h, ok := s.methods[method]
	if !ok {
		return future.MakeFailedFuture[[]byte](rpcerr.WithMethod(rpcerr.ErrUnknownMethod, s.fullName, method))
	}
	return h(ctx, loop, req)
}

// Server binds one TCP listener and dispatches decoded request frames to
// registered Services by name, writing the encoded response frame back on
// the same Connection. It layers over reactor.Application the same way
// ClientChannel layers over reactor.Connection.
type Server struct {
	app      *reactor.Application
	recorder *metrics.Recorder
	services map[string]*Service
	enc      Encoder
	dec      Decoder
}

// NewServer builds a Server around app using the binary codec pair by
// default. Call SetCodec to switch to the text-mode pair.
func NewServer(app *reactor.Application, recorder *metrics.Recorder) *Server {
	return &Server{
		app:      app,
		recorder: recorder,
		services: make(map[string]*Service),
		enc:      BinaryEncoder{},
		dec:      BinaryDecoder{},
	}
}

// SetCodec overrides the wire codec pair used for every connection accepted
// after this call.
func (s *Server) SetCodec(enc Encoder, dec Decoder) {
	s.enc, s.dec = enc, dec
}

// SetNumOfWorker installs a worker LoopGroup of size n on the underlying
// Application before Start — must be called before Start, matching
// reactor.Application.SetWorkerGroup's own before-Run requirement.
func (s *Server) SetNumOfWorker(n int) error {
	return s.app.SetWorkerGroup(n)
}

// AddService registers svc so incoming requests naming its FullName() are
// dispatched to it. Call before Start.
func (s *Server) AddService(svc *Service) {
	s.services[svc.FullName()] = svc
}

// Start parses addr and posts a Listen request to the Application's base
// loop; each accepted Connection gets a fresh serverConn wired as its
// message handler. Like every other Application façade, the bind itself
// happens once the base loop starts running inside Run() — Start only
// queues it and reports a parse error eagerly. A bind failure is logged
// from onBindResult since there is no caller left to return it to by then.
func (s *Server) Start(addr string) error {
	sa, err := reactor.NewSocketAddr(addr)
	if err != nil {
		return err
	}
	s.app.Listen(sa, s.onNewConnection, s.onBindResult)
	return nil
}

func (s *Server) onBindResult(ok bool, addr reactor.SocketAddr) {
	if !ok {
		log.L().Errorw("rpc: failed to bind", "addr", addr.String())
	}
}

func (s *Server) onNewConnection(conn *reactor.Connection) {
	conn.SetMinPacketSize(HeaderLen)
	sc := &serverConn{server: s, conn: conn, traceID: uuid.NewString()}
	conn.SetOnMessage(sc.onData)
	log.L().Debugw("rpc: connection accepted", "trace_id", sc.traceID, "peer", conn.PeerAddr().String())
}

// serverConn mirrors ClientChannel's framing on the accept side: decode one
// request, dispatch it to the named Service/method, encode and write back
// the response. It carries no PendingCall bookkeeping — the correlation id
// is simply echoed back to the caller untouched. traceID is a
// connection-scoped id used only to correlate this connection's log lines;
// it never appears on the wire.
type serverConn struct {
	server  *Server
	conn    *reactor.Connection
	traceID string
}

func (sc *serverConn) onData(conn *reactor.Connection, data []byte) int {
	msg, n, err := sc.server.dec.Decode(data)
	if err != nil {
		log.L().Warnw("rpc: server decode failed, closing connection", "trace_id", sc.traceID, "peer", conn.PeerAddr().String(), "err", err)
		conn.ActiveClose()
		return 0
	}
	if msg == nil {
		return 0
	}
	sc.dispatch(msg)
	return n
}

func (sc *serverConn) dispatch(req *RpcMessage) {
	if sc.server.recorder != nil {
		sc.server.recorder.FrameIn(req.ServiceName)
	}

	svc, ok := sc.server.services[req.ServiceName]
	if !ok {
		log.L().Warnw("rpc: unknown service", "trace_id", sc.traceID, "service", req.ServiceName)
		resp := &RpcMessage{ID: req.ID, IsRequest: false, HasID: req.HasID}
		resp.ErrorCode = 1
		resp.ErrorMsg = rpcerr.WithMethod(rpcerr.ErrUnknownService, req.ServiceName, req.MethodName).Error()
		sc.writeResponse(req, resp)
		return
	}

	loop := sc.conn.Loop()
	fut := svc.Call(context.Background(), loop, req.MethodName, req.SerializedRequest)
	fut.OnComplete(func(r future.Result[[]byte]) {
		resp := &RpcMessage{ID: req.ID, IsRequest: false, HasID: req.HasID}
		if r.Err != nil {
			resp.ErrorCode = 1
			resp.ErrorMsg = r.Err.Error()
		} else {
			resp.SerializedResponse = r.Value
		}
		sc.writeResponse(req, resp)
	})
}

func (sc *serverConn) writeResponse(req *RpcMessage, resp *RpcMessage) {
	frame, err := sc.server.enc.Encode(resp)
	if err != nil {
		log.L().Errorw("rpc: failed to encode response", "service", req.ServiceName, "method", req.MethodName, "err", err)
		return
	}
	if sc.server.recorder != nil {
		sc.server.recorder.FrameOut(req.ServiceName)
	}
	sc.conn.Send(frame)
}
