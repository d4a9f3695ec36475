package codec

import (
	"bytes"

	"github.com/evloop/evrpc/rpc"
)

var crlf = []byte("\r\n")

// LineEncoder writes the serialized response/request payload followed by a
// CRLF terminator and nothing else — there is no length prefix and no id,
// matching a line-oriented text protocol like the sample redis-lite
// adapter.
type LineEncoder struct{}

func (LineEncoder) Encode(msg *rpc.RpcMessage) ([]byte, error) {
	payload := msg.SerializedRequest
	if !msg.IsRequest {
		payload = msg.SerializedResponse
	}
	out := make([]byte, 0, len(payload)+len(crlf))
	out = append(out, payload...)
	out = append(out, crlf...)
	return out, nil
}

// LineDecoder splits buf on the first CRLF. The returned RpcMessage carries
// the line's bytes as SerializedResponse with HasID left false, so
// ClientChannel falls back to completing the oldest PendingCall rather
// than matching by id — text-mode protocols have no id field to match on.
type LineDecoder struct{}

func (LineDecoder) Decode(buf []byte) (*rpc.RpcMessage, int, error) {
	idx := bytes.Index(buf, crlf)
	if idx < 0 {
		return nil, 0, nil
	}
	line := append([]byte(nil), buf[:idx]...)
	msg := &rpc.RpcMessage{SerializedResponse: line}
	return msg, idx + len(crlf), nil
}
