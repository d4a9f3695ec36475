// Package rpc implements the client/server RPC layer on top of the reactor
// runtime: ClientChannel, ServiceStub, and the server-side Service/Server
// pair, correlating requests to replies by a per-channel request id.
package rpc

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Message is the serialization boundary the channel/stub layer speaks
// through — the generated IDL message types would implement this in a real
// deployment; RpcMessage below is the concrete wire envelope that carries
// arbitrary opaque request/response payloads produced by such types.
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

// RpcMessage is the wire envelope for one RPC call or reply. Exactly one of
// the request fields (ServiceName/MethodName/SerializedRequest) or response
// fields (SerializedResponse/ErrorCode/ErrorMsg) is populated; IsRequest
// records which. Field numbers below match the tag numbers documented for
// the wire frame.
type RpcMessage struct {
	ID        uint32
	IsRequest bool

	// HasID distinguishes "this message carries an explicit correlation
	// id" (binary mode: BinaryDecoder sets it after Unmarshal, which itself
	// leaves it false) from "this message
	// was recovered from a format with no id field" (line mode leaves it
	// false) so ClientChannel knows when to fall back to completing the
	// oldest PendingCall instead of matching by id.
	HasID bool

	// Request fields.
	ServiceName       string
	MethodName        string
	SerializedRequest []byte

	// Response fields.
	SerializedResponse []byte
	ErrorCode           int32
	ErrorMsg             string
}

const (
	fieldID                 = 1
	fieldIsRequest          = 2
	fieldServiceName        = 3
	fieldMethodName         = 4
	fieldSerializedRequest  = 5
	fieldSerializedResponse = 6
	fieldErrorCode          = 7
	fieldErrorMsg           = 8
)

// Marshal encodes m using protowire's varint/length-delimited primitives —
// the same wire format protoc-generated code would produce for an
// equivalent message, built directly against the field tags above instead
// of through a generated descriptor.
func (m *RpcMessage) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.ID))

	b = protowire.AppendTag(b, fieldIsRequest, protowire.VarintType)
	if m.IsRequest {
		b = protowire.AppendVarint(b, 1)
	} else {
		b = protowire.AppendVarint(b, 0)
	}

	if m.IsRequest {
		if m.ServiceName != "" {
			b = protowire.AppendTag(b, fieldServiceName, protowire.BytesType)
			b = protowire.AppendString(b, m.ServiceName)
		}
		if m.MethodName != "" {
			b = protowire.AppendTag(b, fieldMethodName, protowire.BytesType)
			b = protowire.AppendString(b, m.MethodName)
		}
		if len(m.SerializedRequest) > 0 {
			b = protowire.AppendTag(b, fieldSerializedRequest, protowire.BytesType)
			b = protowire.AppendBytes(b, m.SerializedRequest)
		}
		return b, nil
	}

	if len(m.SerializedResponse) > 0 {
		b = protowire.AppendTag(b, fieldSerializedResponse, protowire.BytesType)
		b = protowire.AppendBytes(b, m.SerializedResponse)
	}
	if m.ErrorCode != 0 {
		b = protowire.AppendTag(b, fieldErrorCode, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(m.ErrorCode)))
	}
	if m.ErrorMsg != "" {
		b = protowire.AppendTag(b, fieldErrorMsg, protowire.BytesType)
		b = protowire.AppendString(b, m.ErrorMsg)
	}
	return b, nil
}

// Unmarshal decodes b into m, replacing its contents. Unknown fields are
// skipped (forward-compatible with additional fields a newer peer might
// send), matching protobuf's own unknown-field tolerance.
func (m *RpcMessage) Unmarshal(b []byte) error {
	*m = RpcMessage{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "rpc: consume tag")
		}
		b = b[n:]

		switch num {
		case fieldID:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "rpc: consume id")
			}
			m.ID = uint32(v)
			b = b[n:]
		case fieldIsRequest:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "rpc: consume is_request")
			}
			m.IsRequest = v != 0
			b = b[n:]
		case fieldServiceName:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "rpc: consume service_name")
			}
			m.ServiceName = string(v)
			b = b[n:]
		case fieldMethodName:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "rpc: consume method_name")
			}
			m.MethodName = string(v)
			b = b[n:]
		case fieldSerializedRequest:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "rpc: consume serialized_request")
			}
			m.SerializedRequest = append([]byte(nil), v...)
			b = b[n:]
		case fieldSerializedResponse:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "rpc: consume serialized_response")
			}
			m.SerializedResponse = append([]byte(nil), v...)
			b = b[n:]
		case fieldErrorCode:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "rpc: consume error_code")
			}
			m.ErrorCode = int32(uint32(v))
			b = b[n:]
		case fieldErrorMsg:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "rpc: consume error_msg")
			}
			m.ErrorMsg = string(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errors.Wrap(protowire.ParseError(n), "rpc: skip unknown field")
			}
			b = b[n:]
		}
	}
	return nil
}

// CorrelationID returns the response id ClientChannel.OnMessage matches
// against its PendingCalls, and whether the message carries one at all:
// messages from a text-mode decoder report false, so the channel completes
// the oldest PendingCall instead.
func (m *RpcMessage) CorrelationID() (uint32, bool) {
	return m.ID, m.HasID
}
