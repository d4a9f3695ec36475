// Package codec provides the two wire-format implementations of
// rpc.Encoder/rpc.Decoder named in the external interfaces: a
// length-prefixed binary frame and a CRLF-delimited text frame.
package codec

import (
	"github.com/evloop/evrpc/rpc"
)

// MaxFrameLen is the wire frame length cap; a length prefix above this
// triggers an immediate protocol error (the caller ActiveCloses).
const MaxFrameLen = rpc.MaxFrameLen

// BinaryEncoder and BinaryDecoder are aliases for the canonical
// implementations in package rpc. They live there (not here) because the
// rpc package itself needs a default codec for Server and ServiceStub
// without importing this package, which would cycle back through rpc —
// every Encoder/Decoder here inherently operates on *rpc.RpcMessage. This
// package re-exports them alongside the text-mode pair so callers who want
// "the binary codec, explicitly" have one import to reach for.
type (
	BinaryEncoder = rpc.BinaryEncoder
	BinaryDecoder = rpc.BinaryDecoder
)
