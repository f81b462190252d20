// Package transport abstracts the bidirectional message channel a connection
// runs over. The supervisor only sees whole messages and close codes; frame
// parsing and control frames stay inside the adapter.
package transport

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by operations on a channel that has been closed by
// either side.
var ErrClosed = errors.New("transport: channel closed")

// CloseError reports the close code and reason the peer sent. It matches
// ErrClosed.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("transport: closed by peer with code %d (%s)", e.Code, e.Reason)
}

func (e *CloseError) Is(target error) bool {
	return target == ErrClosed
}

// Channel is one message-oriented connection. ReadMessage may be called from
// one goroutine while another writes; writes must not be concurrent with each
// other, except WriteClose which is safe at any time.
type Channel interface {
	// ReadMessage blocks until the next message arrives or the channel
	// closes.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one message, giving up at deadline.
	WriteMessage(data []byte, deadline time.Time) error

	// WriteClose sends a close notification with code and reason.
	WriteClose(code int, reason string, deadline time.Time) error

	// Close releases the channel. Pending reads return an error.
	Close() error

	// RemoteAddr returns the peer address as "IP:port".
	RemoteAddr() string
}
