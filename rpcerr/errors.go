// Package rpcerr defines the error taxonomy shared by the reactor and RPC
// layers: Transport, Protocol and Application errors are ordinary values a
// caller can match with errors.Is; Programming errors are fatal assertions
// that panic instead.
package rpcerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Transport errors: failures below the RPC framing layer.
var (
	ErrConnectFailed  = errors.New("transport: connect failed")
	ErrConnectTimeout = errors.New("transport: connect timed out")
	ErrReadFailed     = errors.New("transport: read failed")
	ErrWriteFailed    = errors.New("transport: write failed")
	ErrPeerClosed     = errors.New("transport: peer closed mid-frame")
	ErrDisconnected   = errors.New("transport: connection is disconnected")
)

// Protocol errors: failures in interpreting the framed wire format.
var (
	ErrFrameTooLarge        = errors.New("protocol: frame exceeds maximum size")
	ErrMalformedFrame       = errors.New("protocol: malformed frame")
	ErrUnknownService       = errors.New("protocol: unknown service")
	ErrUnknownMethod        = errors.New("protocol: unknown method")
	ErrUnsolicitedResponse  = errors.New("protocol: response id matches no pending call")
)

// ErrCallTimeout is returned when a future.Within deadline elapses before a
// reply arrives; it is layered on top of the channel, not a wire error.
var ErrCallTimeout = errors.New("rpc: call timed out waiting for reply")

// WithPeer annotates err with the remote peer address, preserving Is/As
// matching against the sentinel via github.com/pkg/errors wrapping.
func WithPeer(err error, peer string) error {
	return errors.Wrapf(err, "peer %s", peer)
}

// WithMethod annotates err with the fully-qualified method name that failed.
func WithMethod(err error, service, method string) error {
	return errors.Wrapf(err, "%s.%s", service, method)
}

// ProgrammingError represents a violated invariant: double-completing a
// promise, or touching a Connection from a goroutine other than its owning
// Loop. These are never returned as values — they panic.
type ProgrammingError struct {
	Msg string
}

func (e *ProgrammingError) Error() string { return "programming error: " + e.Msg }

// Fatalf panics with a *ProgrammingError built from the given message.
func Fatalf(format string, args ...interface{}) {
	panic(&ProgrammingError{Msg: fmt.Sprintf(format, args...)})
}
