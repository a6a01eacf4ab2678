package rpc

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Socket is a single live connection to the far end. A Conn owns at most
// one Socket at a time; a replacement is only dialed after the previous one
// reported closed.
type Socket interface {
	// ReadMessage blocks until a full frame arrives or the socket fails.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one frame. Safe for concurrent use.
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a new Socket. Variants embed their own endpoint resolution
// here (the target control connection performs HTTP discovery first, the
// gateway dials a fixed URL).
type Dialer func(ctx context.Context) (Socket, error)

// DefaultHandshakeTimeout bounds the websocket open handshake.
const DefaultHandshakeTimeout = 5 * time.Second

type wsSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// DialWebSocket opens a websocket to url with the fixed handshake timeout.
func DialWebSocket(ctx context.Context, url string, header http.Header) (Socket, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	return &wsSocket{conn: conn}, nil
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

func (s *wsSocket) WriteMessage(data []byte) error {
	// gorilla/websocket allows only one concurrent writer.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) Close() error {
	return s.conn.Close()
}
