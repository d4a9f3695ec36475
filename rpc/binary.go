package rpc

import (
	"encoding/binary"

	"github.com/evloop/evrpc/rpcerr"
)

// MaxFrameLen is the wire frame length cap: a declared length above this
// triggers an immediate protocol error and the caller ActiveCloses the
// connection rather than allocating an unbounded buffer.
const MaxFrameLen = 64 * 1024 * 1024

const lenPrefixSize = 4

// BinaryEncoder prepends a 4-byte big-endian length prefix to the
// marshaled RpcMessage — the default Encoder of Server and of the channels
// ServiceStub builds, unless Server.SetCodec or
// ServiceStub.SetNewClientChannelFunc installs another pair.
type BinaryEncoder struct{}

func (BinaryEncoder) Encode(msg *RpcMessage) ([]byte, error) {
	body, err := msg.Marshal()
	if err != nil {
		return nil, err
	}
	frame := make([]byte, lenPrefixSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[lenPrefixSize:], body)
	return frame, nil
}

// BinaryDecoder consumes one length-prefixed frame at a time.
type BinaryDecoder struct{}

func (BinaryDecoder) Decode(buf []byte) (*RpcMessage, int, error) {
	if len(buf) < lenPrefixSize {
		return nil, 0, nil
	}
	n := binary.BigEndian.Uint32(buf)
	if n > MaxFrameLen {
		return nil, 0, rpcerr.ErrFrameTooLarge
	}
	total := lenPrefixSize + int(n)
	if len(buf) < total {
		return nil, 0, nil
	}
	msg := &RpcMessage{}
	if err := msg.Unmarshal(buf[lenPrefixSize:total]); err != nil {
		return nil, 0, rpcerr.ErrMalformedFrame
	}
	msg.HasID = true
	return msg, total, nil
}
