package kephasrelay

import "context"

// Server is a signaling and relay server for peer matchmaking.
//
// Clients connect over WebSocket, authenticate, gather in rooms and exchange
// peer-connection handshake messages (offer, answer, ICE candidates) through
// the server. The server never terminates the peer connection itself.
//
// Example usage:
//
//	cfg, _ := ws.LoadConfig("kephasrelay.yaml")
//	server, _ := ws.New(cfg, logger)
//
//	if err := server.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer server.Stop(context.Background())
type Server interface {
	// Start starts listening for connections. The server keeps running until
	// Stop is called or the context is cancelled.
	//
	// Returns an error if the server is already running or if the listener
	// cannot be bound.
	Start(ctx context.Context) error

	// Stop broadcasts the shutdown signal to every connection, which closes
	// with CloseServerShutdown, and then shuts the HTTP listener down. The
	// context bounds how long Stop waits for connections to drain.
	Stop(ctx context.Context) error

	// IsAcceptingNewWork reports whether new sessions and rooms would be
	// admitted right now. Readiness probes use it.
	IsAcceptingNewWork() bool

	// ActiveConnectionCount returns the number of live connections.
	ActiveConnectionCount() int64

	// GetClient returns the live connection of a peer.
	GetClient(peerID string) (Client, bool)
}

// Client represents one authenticated connection.
//
// The ID is the public peer identifier other room members see. It stays the
// same when the client resumes with a reconnect token, while the secret
// session identifier is replaced.
type Client interface {
	// ID returns the public peer identifier.
	ID() string

	// RemoteAddr returns the client's remote network address, typically
	// "IP:port".
	RemoteAddr() string

	// Context returns the connection lifecycle context. It is cancelled when
	// the connection closes.
	Context() context.Context

	// Send queues an encoded protocol frame for delivery. It blocks until the
	// frame is queued, the context is cancelled or the connection closes.
	Send(ctx context.Context, frame []byte) error

	// TrySend queues a frame without blocking. It returns false when the
	// connection is closed or its queue is full.
	TrySend(frame []byte) bool

	// Close closes the connection with CloseNormalClosure.
	Close(ctx context.Context) error

	// CloseWithCode closes the connection with a specific close code and
	// reason.
	//
	// Application codes live in the 4000-4999 range, see CloseAuthFailed and
	// friends.
	CloseWithCode(ctx context.Context, code int, reason string) error

	// IsAlive returns true while the connection is open.
	IsAlive() bool
}
