package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evloop/evrpc/rpc"
	"github.com/evloop/evrpc/rpcerr"
)

func TestBinaryEncodeDecodeRoundTrip(t *testing.T) {
	msg := &rpc.RpcMessage{
		ID:                1,
		IsRequest:         true,
		ServiceName:       "svc",
		MethodName:        "m",
		SerializedRequest: []byte("payload"),
	}
	frame, err := BinaryEncoder{}.Encode(msg)
	require.NoError(t, err)

	got, n, err := BinaryDecoder{}.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)
	assert.True(t, got.HasID)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, msg.SerializedRequest, got.SerializedRequest)
}

func TestBinaryDecodeNeedsMoreBytes(t *testing.T) {
	msg, n, err := BinaryDecoder{}.Decode([]byte{0, 0})
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Zero(t, n)
}

func TestBinaryDecodeWaitsForFullFrame(t *testing.T) {
	msg := &rpc.RpcMessage{ID: 1, IsRequest: true, SerializedRequest: []byte("hello world")}
	frame, err := BinaryEncoder{}.Encode(msg)
	require.NoError(t, err)

	got, n, err := BinaryDecoder{}.Decode(frame[:len(frame)-1])
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, n)
}

func TestBinaryDecodeRejectsOversizedFrame(t *testing.T) {
	buf := make([]byte, 4)
	// Declare a length far beyond MaxFrameLen.
	buf[0], buf[1], buf[2], buf[3] = 0xFF, 0xFF, 0xFF, 0xFF
	_, _, err := BinaryDecoder{}.Decode(buf)
	assert.ErrorIs(t, err, rpcerr.ErrFrameTooLarge)
}

func TestLineEncodeDecodeRoundTrip(t *testing.T) {
	msg := &rpc.RpcMessage{IsRequest: true, SerializedRequest: []byte("GET foo")}
	frame, err := LineEncoder{}.Encode(msg)
	require.NoError(t, err)
	assert.Equal(t, "GET foo\r\n", string(frame))

	got, n, err := LineDecoder{}.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)
	assert.False(t, got.HasID)
	assert.Equal(t, "GET foo", string(got.SerializedResponse))
}

func TestLineDecodeNeedsMoreBytes(t *testing.T) {
	msg, n, err := LineDecoder{}.Decode([]byte("no terminator yet"))
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Zero(t, n)
}
