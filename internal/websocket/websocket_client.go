package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasrelay"
	"github.com/luciancaetano/kephasrelay/internal/config"
	"github.com/luciancaetano/kephasrelay/internal/protocol"
	"github.com/luciancaetano/kephasrelay/internal/session"
	"github.com/luciancaetano/kephasrelay/internal/transport"
)

// Client is one connection. Outbound frames go through a bounded queue
// drained by a single write pump, so a slow peer never blocks the goroutine
// that produced the frame.
type Client struct {
	// connID identifies the connection in logs until it has a peer id.
	connID     string
	ch         transport.Channel
	remoteAddr string
	userAgent  string
	ctx        context.Context
	cancel     context.CancelFunc
	sendCh     chan []byte
	pumpDone   chan struct{}

	writeTimeout time.Duration
	rateLimiter  *rate.Limiter // Rate limiter for incoming messages
	log          zerolog.Logger

	mu          sync.RWMutex
	closed      bool
	closeCode   int
	closeReason string

	// state is written once by the connection goroutine after
	// authentication and read by other goroutines after the client is
	// published in the server's peer table.
	state sync.RWMutex
	sess  *session.Session
	room  string
	// spectating marks room as watched rather than joined.
	spectating bool
}

// NewClient wraps ch and starts its write pump.
func NewClient(ch transport.Channel, userAgent string, cfg *config.Config, log zerolog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if cfg.RateLimit.Enabled {
		limiter = rate.NewLimiter(cfg.RateLimit.MessagesPerSecond, cfg.RateLimit.Burst)
	}
	queue := cfg.Server.SendQueue
	if queue <= 0 {
		queue = 256
	}
	writeTimeout := cfg.Server.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}

	connID := uuid.NewString()
	client := &Client{
		connID:       connID,
		ch:           ch,
		remoteAddr:   ch.RemoteAddr(),
		userAgent:    userAgent,
		ctx:          ctx,
		cancel:       cancel,
		sendCh:       make(chan []byte, queue),
		pumpDone:     make(chan struct{}),
		writeTimeout: writeTimeout,
		rateLimiter:  limiter,
		log:          log.With().Str("conn_id", connID).Str("remote_addr", ch.RemoteAddr()).Logger(),
	}

	// Start the write pump
	go client.writePump()

	return client
}

// ID returns the peer id once the connection is authenticated, and the
// connection id before that.
func (c *Client) ID() string {
	if s := c.Session(); s != nil {
		return s.PeerID()
	}
	return c.connID
}

// RemoteAddr returns the client's remote network address
func (c *Client) RemoteAddr() string {
	return c.remoteAddr
}

// Context returns the client's lifecycle context
func (c *Client) Context() context.Context {
	return c.ctx
}

// Send queues an encoded frame, waiting for room in the queue.
func (c *Client) Send(ctx context.Context, frame []byte) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return fmt.Errorf("websocket: send: %w", transport.ErrClosed)
	}

	// Keep the lock while sending to prevent race with Close()
	select {
	case c.sendCh <- frame:
		c.mu.RUnlock()
		return nil
	case <-ctx.Done():
		c.mu.RUnlock()
		return ctx.Err()
	case <-c.ctx.Done():
		c.mu.RUnlock()
		return fmt.Errorf("websocket: send: %w", transport.ErrClosed)
	}
}

// TrySend queues an encoded frame if there is room.
func (c *Client) TrySend(frame []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.sendCh <- frame:
		return true
	default:
		return false
	}
}

// send encodes msg and queues it without blocking.
func (c *Client) send(msg protocol.Message) bool {
	frame, err := protocol.Encode(msg)
	if err != nil {
		c.log.Error().Err(err).Str("type", string(msg.MessageType())).Msg("encode message")
		return false
	}
	if !c.TrySend(frame) {
		c.log.Warn().Str("type", string(msg.MessageType())).Msg("send queue full, message dropped")
		return false
	}
	return true
}

// Close closes the client connection
func (c *Client) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, kephasrelay.CloseNormalClosure, "")
}

// CloseWithCode stops accepting frames, lets the write pump flush what is
// queued, then sends the close frame and closes the channel. It waits for
// the pump until ctx is done.
func (c *Client) CloseWithCode(ctx context.Context, code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.sendCh)
	c.mu.Unlock()

	select {
	case <-c.pumpDone:
		return nil
	case <-ctx.Done():
		c.cancel()
		_ = c.ch.Close()
		return ctx.Err()
	}
}

// IsAlive returns true if the connection is still active
func (c *Client) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed && c.ctx.Err() == nil
}

// CheckRateLimit checks if the client has exceeded the rate limit
// Returns true if the message is allowed, false if rate limited
func (c *Client) CheckRateLimit() bool {
	if c.rateLimiter == nil {
		// Rate limiting disabled
		return true
	}
	return c.rateLimiter.Allow()
}

// writePump pumps messages from the send channel to the transport. It owns
// the final close of the channel.
func (c *Client) writePump() {
	defer func() {
		c.cancel()
		_ = c.ch.Close()
		close(c.pumpDone)
	}()

	for {
		select {
		case message, ok := <-c.sendCh:
			if !ok {
				// Channel closed by CloseWithCode
				c.mu.RLock()
				code, reason := c.closeCode, c.closeReason
				c.mu.RUnlock()
				_ = c.ch.WriteClose(code, reason, time.Now().Add(c.writeTimeout))
				return
			}
			if err := c.ch.WriteMessage(message, time.Now().Add(c.writeTimeout)); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// Session returns the authenticated session, nil before authentication.
func (c *Client) Session() *session.Session {
	c.state.RLock()
	defer c.state.RUnlock()
	return c.sess
}

func (c *Client) attach(s *session.Session) {
	c.state.Lock()
	c.sess = s
	c.state.Unlock()
}

// Room returns the code of the room the client is in, or "".
func (c *Client) Room() string {
	c.state.RLock()
	defer c.state.RUnlock()
	return c.room
}

func (c *Client) setRoom(code string) {
	c.state.Lock()
	c.room = code
	c.spectating = false
	c.state.Unlock()
}

func (c *Client) setSpectating(code string) {
	c.state.Lock()
	c.room = code
	c.spectating = true
	c.state.Unlock()
}

// Seat returns the room code and whether the client only watches it.
func (c *Client) Seat() (string, bool) {
	c.state.RLock()
	defer c.state.RUnlock()
	return c.room, c.spectating
}

// takeRoom clears and returns the room.
func (c *Client) takeRoom() string {
	code, _ := c.takeSeat()
	return code
}

func (c *Client) takeSeat() (string, bool) {
	c.state.Lock()
	defer c.state.Unlock()
	code, spectating := c.room, c.spectating
	c.room, c.spectating = "", false
	return code, spectating
}

// leaveRoomIf clears the room only if it is still code.
func (c *Client) leaveRoomIf(code string) bool {
	c.state.Lock()
	defer c.state.Unlock()
	if c.room != code {
		return false
	}
	c.room, c.spectating = "", false
	return true
}
