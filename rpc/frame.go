package rpc

// Encoder turns an outgoing RpcMessage into bytes ready to hand to a
// Connection's Send. The binary pair is defined in this package (binary.go);
// the codec subpackage re-exports it and adds the text-mode pair.
type Encoder interface {
	Encode(msg *RpcMessage) ([]byte, error)
}

// Decoder consumes a prefix of buf and returns a decoded message plus the
// number of bytes consumed. Returning (nil, 0, nil) means buf does not yet
// hold a complete message and the caller should wait for more bytes —
// mirroring the Connection.OnMessageFunc "need more data" convention.
type Decoder interface {
	Decode(buf []byte) (*RpcMessage, int, error)
}
