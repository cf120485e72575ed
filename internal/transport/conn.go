// Package transport defines the message connection shared by the relay,
// the PTY bridge and the terminal client.
package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Message types, numerically identical to gorilla/websocket's.
const (
	TextMessage   = websocket.TextMessage
	BinaryMessage = websocket.BinaryMessage
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("connection closed")

// Conn is a bidirectional, message-oriented, binary-safe connection.
//
// ReadMessage must only be called from one goroutine at a time and so must
// WriteMessage. Close may be called concurrently with either and more than once.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// closeGrace bounds the time spent sending a close frame.
const closeGrace = time.Second

// WebSocket adapts a gorilla connection to Conn. Close sends a normal-closure
// frame before tearing the socket down.
type WebSocket struct {
	conn *websocket.Conn
	once sync.Once
	err  error
}

// NewWebSocket wraps conn.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	return &WebSocket{conn: conn}
}

// ReadMessage reads the next data message.
func (w *WebSocket) ReadMessage() (int, []byte, error) {
	return w.conn.ReadMessage()
}

// WriteMessage writes one data message.
func (w *WebSocket) WriteMessage(messageType int, data []byte) error {
	return w.conn.WriteMessage(messageType, data)
}

// Close is idempotent.
func (w *WebSocket) Close() error {
	w.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		w.err = w.conn.Close()
	})
	return w.err
}

// RemoteAddr returns the peer address.
func (w *WebSocket) RemoteAddr() net.Addr {
	return w.conn.RemoteAddr()
}

// IsNormalClose reports whether err is an orderly end of a connection rather
// than a transport failure worth surfacing.
func IsNormalClose(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
			return true
		}
	}
	return false
}
