package websocket

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/luciancaetano/kephasrelay"
	"github.com/luciancaetano/kephasrelay/internal/admission"
	"github.com/luciancaetano/kephasrelay/internal/events"
	"github.com/luciancaetano/kephasrelay/internal/identity"
	"github.com/luciancaetano/kephasrelay/internal/logging"
	"github.com/luciancaetano/kephasrelay/internal/protocol"
	"github.com/luciancaetano/kephasrelay/internal/room"
	"github.com/luciancaetano/kephasrelay/internal/session"
	"github.com/luciancaetano/kephasrelay/internal/transport"
)

var (
	_ kephasrelay.Server = (*Server)(nil)
	_ kephasrelay.Client = (*Client)(nil)
	_ protocol.Handler   = (*connection)(nil)
)

// exit describes how a connection ends.
type exit struct {
	code   int
	reason string
	// session is the termination reason recorded on the session.
	session session.Reason
	cause   error
}

func (e *exit) Error() string {
	return fmt.Sprintf("close %d: %s", e.code, e.reason)
}

func exitFor(reason session.Reason) *exit {
	switch reason {
	case session.ReasonSuperseded:
		return &exit{code: kephasrelay.CloseKicked, reason: "superseded by a newer session", session: reason}
	case session.ReasonRevoked:
		return &exit{code: kephasrelay.CloseSessionRevoked, reason: "session revoked", session: reason}
	case session.ReasonExpired:
		return &exit{code: kephasrelay.CloseSessionExpired, reason: "session expired", session: reason}
	case session.ReasonViolation:
		return &exit{code: kephasrelay.CloseProtocolViolation, reason: "too many protocol violations", session: reason}
	case session.ReasonShutdown:
		return &exit{code: kephasrelay.CloseServerShutdown, reason: "server shutting down", session: reason}
	default:
		return &exit{code: kephasrelay.CloseNormalClosure, reason: "", session: session.ReasonClosed}
	}
}

// connection is the state of one supervised connection. Everything but the
// embedded Client is owned by the goroutine running run.
type connection struct {
	srv    *Server
	client *Client
	hs     Handshake
	log    zerolog.Logger

	frames  chan []byte
	readErr chan error
	stop    chan struct{}

	sess       *session.Session
	lastSeen   time.Time
	violations int
}

func newConnection(s *Server, ch transport.Channel, hs Handshake) *connection {
	client := NewClient(ch, hs.UserAgent, s.cfg, s.log)
	return &connection{
		srv:     s,
		client:  client,
		hs:      hs,
		log:     client.log,
		frames:  make(chan []byte),
		readErr: make(chan error, 1),
		stop:    make(chan struct{}),
	}
}

// run drives the connection: authenticate, loop, clean up. Cleanup runs on
// every path, including a panic in a handler.
func (c *connection) run() {
	end := &exit{code: kephasrelay.CloseNormalClosure, session: session.ReasonClosed}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("connection handler panicked")
			end = &exit{code: kephasrelay.CloseInternalError, reason: "internal error", session: session.ReasonClosed}
		}
		c.cleanup(end)
	}()

	go c.readPump()

	if err := c.authenticate(); err != nil {
		if !errors.As(err, &end) {
			end = &exit{code: kephasrelay.CloseAuthFailed, reason: "authentication failed", session: session.ReasonClosed}
		}
		return
	}
	end = c.loop()
}

// readPump forwards inbound frames to the loop. It exits when the channel
// fails, which cleanup forces by closing it.
func (c *connection) readPump() {
	for {
		data, err := c.client.ch.ReadMessage()
		if err != nil {
			c.readErr <- err
			return
		}
		select {
		case c.frames <- data:
		case <-c.stop:
			return
		}
	}
}

// authenticate waits for a credential, from the handshake or the first
// message, and establishes the session.
func (c *connection) authenticate() error {
	if c.hs.Credential != "" {
		return c.login(c.hs.Credential)
	}

	timer := time.NewTimer(c.srv.cfg.Server.AuthTimeout)
	defer timer.Stop()

	select {
	case data := <-c.frames:
		msg, err := protocol.Decode(data)
		if err != nil {
			c.reply(protocol.NewError(kephasrelay.ErrCodeInvalidMessage))
			return c.authFailed("malformed first message", "", err)
		}
		switch m := msg.(type) {
		case *protocol.Authenticate:
			return c.login(m.Token)
		case *protocol.Reconnect:
			return c.resume(m.Token)
		default:
			c.reply(protocol.NewError(kephasrelay.ErrCodeUnauthorized))
			return c.authFailed("first message is not a credential", "", nil)
		}
	case err := <-c.readErr:
		return &exit{code: kephasrelay.CloseNormalClosure, reason: "", session: session.ReasonClosed, cause: err}
	case <-timer.C:
		c.reply(protocol.NewError(kephasrelay.ErrCodeAuthenticationTimeout))
		return c.authFailed("authentication timeout", "", nil)
	case <-c.srv.shutdown:
		return exitFor(session.ReasonShutdown)
	}
}

func (c *connection) authFailed(reason, subject string, err error) error {
	ev := c.log.Info().Str("reason", reason)
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("authentication failed")
	c.srv.sink.Emit(events.New(events.KindAuthFailed, "", "", map[string]string{
		"reason":      reason,
		"subject":     subject,
		"remote_addr": c.client.RemoteAddr(),
	}))
	return &exit{code: kephasrelay.CloseAuthFailed, reason: "authentication failed", session: session.ReasonClosed}
}

func credentialErrorCode(err error) kephasrelay.ErrorCode {
	switch {
	case errors.Is(err, identity.ErrExpired):
		return kephasrelay.ErrCodeCredentialExpired
	case errors.Is(err, identity.ErrRevoked):
		return kephasrelay.ErrCodeCredentialRevoked
	default:
		return kephasrelay.ErrCodeUnauthorized
	}
}

func reconnectErrorCode(err error) kephasrelay.ErrorCode {
	switch {
	case errors.Is(err, identity.ErrTokenExpired):
		return kephasrelay.ErrCodeReconnectExpired
	case errors.Is(err, identity.ErrIPMismatch):
		return kephasrelay.ErrCodeReconnectIPMismatch
	case errors.Is(err, identity.ErrAlreadyUsed):
		return kephasrelay.ErrCodeReconnectUsed
	case errors.Is(err, identity.ErrSessionLifetime):
		return kephasrelay.ErrCodeSessionExpired
	case errors.Is(err, identity.ErrExpired):
		return kephasrelay.ErrCodeCredentialExpired
	default:
		return kephasrelay.ErrCodeReconnectInvalid
	}
}

// unavailable rejects a connection the admission governor turned away.
func (c *connection) unavailable(class admission.Class) error {
	c.reply(protocol.NewError(kephasrelay.ErrCodeServiceUnavailable))
	c.log.Info().Str("class", class.String()).Str("level", c.srv.governor.Level().String()).Msg("admission denied")
	return &exit{code: kephasrelay.CloseGoingAway, reason: "service unavailable", session: session.ReasonClosed}
}

// login verifies a credential and opens a fresh session with a new peer id.
func (c *connection) login(credential string) error {
	principal, err := c.srv.auth.Authenticate(credential)
	if err != nil {
		c.reply(protocol.NewError(credentialErrorCode(err)))
		return c.authFailed(err.Error(), "", err)
	}
	if !c.srv.governor.Admit(admission.Session) {
		return c.unavailable(admission.Session)
	}

	sess := session.New(session.Params{
		ID:                session.NewID(),
		PeerID:            uuid.NewString(),
		Identity:          principal.Subject,
		Device:            principal.Device,
		CredentialID:      principal.CredentialID,
		RemoteAddr:        c.client.RemoteAddr(),
		UserAgent:         c.hs.UserAgent,
		CredentialExpires: principal.ExpiresAt,
	}, c.srv.clk.Now())
	if err := c.establish(sess); err != nil {
		return err
	}

	unlock := c.srv.peers.Lock(sess.PeerID())
	c.srv.clients.Store(sess.PeerID(), c.client)
	unlock()

	token := c.issueToken()
	c.reply(&protocol.Welcome{
		SessionID:           sess.ID(),
		PeerID:              sess.PeerID(),
		HeartbeatIntervalMS: c.srv.cfg.Heartbeat.Interval.Milliseconds(),
		ReconnectToken:      token.Value,
		ReconnectExpiresMS:  c.srv.tokens.TTL().Milliseconds(),
	})
	c.log.Info().Str("subject", principal.Subject).Str("device", principal.Device).Msg("session established")
	return nil
}

// resume redeems a reconnect token. The peer keeps its id and, when it can,
// its room; the session id is new.
func (c *connection) resume(token string) error {
	if !c.srv.governor.Admit(admission.Reconnect) {
		return c.unavailable(admission.Reconnect)
	}
	grant, err := c.srv.tokens.Redeem(token, c.client.RemoteAddr())
	if err != nil {
		c.reply(protocol.NewError(reconnectErrorCode(err)))
		failed := c.authFailed(err.Error(), "", err)
		if errors.Is(err, identity.ErrSessionLifetime) {
			return exitFor(session.ReasonExpired)
		}
		return failed
	}
	if grant.CredentialID != "" && c.srv.auth.IsRevoked(grant.CredentialID) {
		c.reply(protocol.NewError(kephasrelay.ErrCodeCredentialRevoked))
		return c.authFailed(identity.ErrRevoked.Error(), grant.Subject, identity.ErrRevoked)
	}

	// The lineage start and credential expiry carry over, so a chain of
	// resumes stays inside both limits.
	sess := session.New(session.Params{
		ID:                session.NewID(),
		PeerID:            grant.PeerID,
		Identity:          grant.Subject,
		Device:            grant.Device,
		CredentialID:      grant.CredentialID,
		RemoteAddr:        c.client.RemoteAddr(),
		UserAgent:         c.hs.UserAgent,
		CreatedAt:         grant.Started(),
		CredentialExpires: grant.CredentialExpiry(),
	}, c.srv.clk.Now())
	if err := c.establish(sess); err != nil {
		return err
	}

	peer := sess.PeerID()
	var (
		code       string
		spectating bool
		joined     room.JoinResult
		didJoin    bool
		inherited  bool
	)
	unlock := c.srv.peers.Lock(peer)
	prev, hadPrev := c.srv.clients.Load(peer)
	c.srv.clients.Store(peer, c.client)
	if hadPrev && prev != c.client {
		// A half-open connection still holds the peer; take over its seat.
		code, spectating = prev.takeSeat()
		inherited = code != ""
	}
	if code == "" && grant.Room != "" {
		var err error
		spectating = grant.Spectating
		if spectating {
			joined.Room, err = c.srv.rooms.Spectate(grant.Room, peer)
		} else {
			joined, err = c.srv.rooms.Join(grant.Room, peer)
		}
		switch {
		case err == nil:
			code, didJoin = joined.Room.Code, true
		case errors.Is(err, room.ErrAlreadyMember):
			code = room.NormalizeCode(grant.Room)
			inherited = true
		default:
			c.log.Info().Err(err).Str("room", grant.Room).Msg("room not rejoined")
		}
	}
	c.seat(code, spectating)
	unlock()

	reply := &protocol.Reconnected{
		SessionID:           sess.ID(),
		PeerID:              peer,
		HeartbeatIntervalMS: c.srv.cfg.Heartbeat.Interval.Milliseconds(),
	}
	snap := joined.Room
	if code != "" && !didJoin {
		var err error
		if snap, err = c.srv.rooms.Snapshot(code); err != nil || !snap.Includes(peer) {
			// Closed between the leave of the old connection and now.
			c.client.leaveRoomIf(code)
			code, spectating = "", false
		} else if w := snap.Watching(peer); w != spectating {
			spectating = w
			c.seat(code, spectating)
		}
	}
	var missed [][]byte
	if code != "" {
		reply.Room = snap.Code
		reply.Spectating = spectating
		reply.Members = snap.Members
		reply.Spectators = snap.Spectators
		reply.Authority = snap.Authority
		reply.LobbyState = string(snap.Lobby)
		reply.ReadyPlayers = snap.Ready
		switch {
		case !spectating:
			reply.NextSeq = c.srv.relay.Expected(peer, snap.Code)
			c.srv.relay.AnnounceRoom(snap, peer, &protocol.PeerReconnected{PeerID: peer})
			if didJoin && joined.BecameAuthority {
				c.srv.relay.AnnounceAuthority(snap)
			}
			if didJoin && joined.LobbyChanged {
				c.srv.announceLobby(snap)
			}
		case didJoin:
			c.srv.relay.AnnounceRoom(snap, peer, &protocol.NewSpectatorJoined{PeerID: peer})
		}
		missed = c.srv.relay.Missed(peer, snap.Code)
		reply.MissedEvents = len(missed)
	}

	tok := c.issueToken()
	reply.ReconnectToken = tok.Value
	reply.ReconnectExpiresMS = c.srv.tokens.TTL().Milliseconds()
	c.reply(reply)
	for i, frame := range missed {
		if !c.client.TrySend(frame) {
			c.log.Warn().Int("replayed", i).Int("missed", len(missed)).Msg("send queue full, replay cut short")
			break
		}
	}
	c.log.Info().
		Str("subject", grant.Subject).
		Str("room", code).
		Bool("spectating", spectating).
		Bool("inherited", inherited).
		Int("missed", len(missed)).
		Msg("session resumed")
	return nil
}

// seat records the client's room, or clears it when code is empty.
func (c *connection) seat(code string, spectating bool) {
	if code != "" && spectating {
		c.client.setSpectating(code)
		return
	}
	c.client.setRoom(code)
}

// establish registers sess and binds it to this connection.
func (c *connection) establish(sess *session.Session) error {
	superseded, err := c.srv.sessions.Register(sess)
	if err != nil {
		c.reply(protocol.NewError(kephasrelay.ErrCodeInternal))
		return fmt.Errorf("websocket: register session: %w", err)
	}
	if superseded != nil {
		c.log.Info().Str("superseded_peer", superseded.PeerID()).Msg("older session superseded")
	}
	c.sess = sess
	c.client.attach(sess)
	c.log = c.log.With().Str("peer_id", sess.PeerID()).Logger()
	c.lastSeen = c.srv.clk.Now()
	return nil
}

// issueToken mints a reconnect token for the current session id and room.
func (c *connection) issueToken() identity.ReconnectToken {
	return c.srv.issueToken(c.client)
}

func (s *Server) issueToken(client *Client) identity.ReconnectToken {
	sess := client.Session()
	code, spectating := client.Seat()
	tok, err := s.tokens.Issue(identity.Binding{
		SessionID:         sess.ID(),
		Subject:           sess.Identity(),
		Device:            sess.Device(),
		PeerID:            sess.PeerID(),
		Room:              code,
		RemoteAddr:        client.RemoteAddr(),
		Spectating:        spectating,
		CredentialID:      sess.CredentialID(),
		SessionStarted:    sess.CreatedAt(),
		CredentialExpires: sess.CredentialExpires(),
	})
	if err != nil {
		s.log.Warn().Err(err).Str("peer_id", sess.PeerID()).Msg("reconnect token not issued")
	}
	return tok
}

// loop multiplexes inbound frames, the heartbeat, shutdown and session
// termination until one of them ends the connection.
func (c *connection) loop() *exit {
	hb := c.srv.cfg.Heartbeat
	ticker := time.NewTicker(hb.Interval)
	defer ticker.Stop()
	deadAfter := hb.Interval * time.Duration(hb.MissTolerance)

	for {
		select {
		case data := <-c.frames:
			c.lastSeen = c.srv.clk.Now()
			_ = c.srv.sessions.Touch(c.sess.ID())
			if end := c.handle(data); end != nil {
				return end
			}

		case err := <-c.readErr:
			var ce *transport.CloseError
			if errors.As(err, &ce) {
				c.log.Debug().Int("code", ce.Code).Msg("closed by peer")
			} else {
				c.log.Debug().Err(err).Msg("read failed")
			}
			return &exit{code: kephasrelay.CloseNormalClosure, session: session.ReasonClosed, cause: err}

		case <-ticker.C:
			if c.srv.clk.Now().Sub(c.lastSeen) > deadAfter {
				c.log.Info().Dur("silent_for", c.srv.clk.Now().Sub(c.lastSeen)).Msg("heartbeat timeout")
				return &exit{code: kephasrelay.CloseHeartbeatTimeout, reason: "heartbeat timeout", session: session.ReasonClosed}
			}
			if c.srv.sessions.IsExpired(c.sess) {
				return exitFor(session.ReasonExpired)
			}
			c.srv.sendHeartbeat(c.client)

		case <-c.srv.shutdown:
			return exitFor(session.ReasonShutdown)

		case <-c.sess.Done():
			return exitFor(c.sess.Reason())
		}
	}
}

func (s *Server) sendHeartbeat(client *Client) {
	tok := s.issueToken(client)
	client.send(&protocol.Heartbeat{
		ReconnectToken:     tok.Value,
		ReconnectExpiresMS: s.tokens.TTL().Milliseconds(),
	})
}

// handle processes one inbound frame. A non-nil exit ends the connection.
func (c *connection) handle(data []byte) *exit {
	if !c.client.CheckRateLimit() {
		c.log.Warn().Msg("rate limit exceeded")
		c.reply(protocol.NewError(kephasrelay.ErrCodeRateLimited))
		return &exit{code: kephasrelay.CloseRateLimited, reason: "rate limit exceeded", session: session.ReasonClosed}
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		c.log.Debug().Err(err).Msg("invalid message")
		return c.fail(&failure{code: kephasrelay.ErrCodeInvalidMessage, violation: true})
	}

	err = protocol.Dispatch(msg, c)
	if err == nil {
		return nil
	}
	var f *failure
	if errors.As(err, &f) {
		return c.fail(f)
	}
	var end *exit
	if errors.As(err, &end) {
		return end
	}
	c.log.Error().Err(err).Str("type", string(msg.MessageType())).Msg("handler failed")
	c.reply(protocol.NewError(kephasrelay.ErrCodeInternal))
	return nil
}

// fail reports f to the client and counts protocol violations.
func (c *connection) fail(f *failure) *exit {
	e := protocol.NewError(f.code)
	if f.sequence != nil {
		expected, received := f.sequence.Expected, f.sequence.Received
		e.Expected, e.Received = &expected, &received
	}
	c.reply(e)
	if !f.violation {
		return nil
	}
	c.violations++
	if c.violations > c.srv.cfg.Relay.ViolationThreshold {
		c.log.Warn().Int("violations", c.violations).Msg("protocol violation threshold exceeded")
		return exitFor(session.ReasonViolation)
	}
	return nil
}

func (c *connection) reply(msg protocol.Message) {
	c.client.send(msg)
}

// cleanup releases everything the connection holds. It runs exactly once,
// after the loop, on every exit path.
func (c *connection) cleanup(end *exit) {
	close(c.stop)

	closeCtx, cancel := context.WithTimeout(context.Background(), c.srv.cfg.Server.WriteTimeout+time.Second)
	defer cancel()
	if err := c.client.CloseWithCode(closeCtx, end.code, end.reason); err != nil {
		c.log.Debug().Err(err).Msg("close did not flush")
	}

	if c.sess == nil {
		return
	}
	if err := c.srv.sessions.Remove(c.sess.ID(), end.session); err != nil && !errors.Is(err, session.ErrNotFound) {
		c.log.Warn().Err(err).Msg("remove session")
	}

	peer := c.sess.PeerID()
	var (
		code  string
		left  room.LeaveResult
		owned bool
		err   error
	)
	unlock := c.srv.peers.Lock(peer)
	if c.srv.clients.CompareAndDelete(peer, func(cur *Client) bool { return cur == c.client }) {
		owned = true
		if code = c.client.takeRoom(); code != "" {
			c.srv.relay.Depart(peer, code)
			left, err = c.srv.rooms.Leave(code, peer)
		}
	}
	unlock()

	if owned && code != "" {
		if err != nil {
			c.log.Debug().Err(err).Str("room", code).Msg("leave on disconnect")
		} else {
			c.srv.announceLeave(peer, left)
		}
	}

	c.log.Info().
		Int("code", end.code).
		Str("reason", string(end.session)).
		Str("session", logging.ShortID(c.sess.ID())).
		Msg("connection closed")
}
