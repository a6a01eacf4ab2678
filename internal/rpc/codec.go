package rpc

import "encoding/json"

// InboundKind classifies a decoded frame.
type InboundKind int

const (
	// KindResponse is a reply to a previously sent request, matched by id.
	KindResponse InboundKind = iota
	// KindEvent is a fire-and-forget notification with no correlation id.
	KindEvent
)

// Inbound is one decoded frame from the wire.
type Inbound struct {
	Kind InboundKind

	// Response fields.
	ID     string
	Result json.RawMessage
	IsErr  bool
	ErrMsg string

	// Event fields.
	Event   string
	Payload json.RawMessage
}

// Codec translates between the connection's generic call shapes and a
// concrete wire format. The two formats in use are the numeric-id debug
// protocol (target control) and the typed-envelope gateway protocol; both
// are JSON over a persistent socket.
type Codec interface {
	// RequestID produces a fresh correlation id for the given sequence
	// number. The debug protocol uses the number itself; the gateway uses
	// random string tokens.
	RequestID(seq uint64) string

	// EncodeRequest serializes a request frame.
	EncodeRequest(id, method string, params any) ([]byte, error)

	// Decode parses one inbound frame. Returning (nil, nil) drops the frame
	// silently; malformed payloads never interrupt message processing.
	Decode(data []byte) (*Inbound, error)
}
