package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Call when the channel is not open.
	// Callers must not queue work while disconnected; they are told
	// immediately instead.
	ErrNotConnected = errors.New("connection is not open")

	// ErrConnectionClosed rejects calls that were in flight when the
	// transport dropped. The connection reconnects on its own; the caller
	// decides whether to retry the call.
	ErrConnectionClosed = errors.New("connection closed while call was pending")

	// ErrStopped rejects calls that were in flight when the connection was
	// intentionally torn down.
	ErrStopped = errors.New("connection stopped")
)

// DiscoveryError indicates that no usable debug target could be found for
// this connect attempt. The reconnect loop retries with backoff.
type DiscoveryError struct {
	Reason string
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("target discovery failed: %s", e.Reason)
}

// HandshakeError indicates the post-dial handshake failed or timed out.
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("handshake failed: %s", e.Reason)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// TransportError wraps a socket-level failure. It triggers the reconnect
// path and is never surfaced to Call callers except as the rejection of an
// in-flight request.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteError carries the server-supplied message from an error response.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }
