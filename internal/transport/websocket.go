package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket adapts a gorilla connection to Channel.
type WebSocket struct {
	conn       *websocket.Conn
	remoteAddr string
}

// NewWebSocket wraps conn. Messages larger than maxMessageBytes fail the
// read and close the connection. remoteAddr overrides the socket address,
// for example with the client address reported by a trusted proxy.
func NewWebSocket(conn *websocket.Conn, maxMessageBytes int64, remoteAddr string) *WebSocket {
	if maxMessageBytes > 0 {
		conn.SetReadLimit(maxMessageBytes)
	}
	if remoteAddr == "" {
		remoteAddr = conn.RemoteAddr().String()
	}
	return &WebSocket{conn: conn, remoteAddr: remoteAddr}
}

// ReadMessage returns the next text or binary message.
func (w *WebSocket) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
		}
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return data, nil
}

// WriteMessage sends data as a text message.
func (w *WebSocket) WriteMessage(data []byte, deadline time.Time) error {
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// WriteClose sends a close control frame.
func (w *WebSocket) WriteClose(code int, reason string, deadline time.Time) error {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := w.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Close closes the underlying connection.
func (w *WebSocket) Close() error {
	return w.conn.Close()
}

// RemoteAddr returns the client address.
func (w *WebSocket) RemoteAddr() string {
	return w.remoteAddr
}

// Subprotocol returns the negotiated subprotocol.
func (w *WebSocket) Subprotocol() string {
	return w.conn.Subprotocol()
}
