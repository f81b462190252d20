package websocket

import (
	"errors"
	"fmt"

	"github.com/luciancaetano/kephasrelay"
	"github.com/luciancaetano/kephasrelay/internal/admission"
	"github.com/luciancaetano/kephasrelay/internal/protocol"
	"github.com/luciancaetano/kephasrelay/internal/relay"
	"github.com/luciancaetano/kephasrelay/internal/room"
	"github.com/luciancaetano/kephasrelay/internal/session"
)

// failure is an operation error reported to its originator. Violations
// count toward the connection's protocol violation threshold.
type failure struct {
	code      kephasrelay.ErrorCode
	violation bool
	sequence  *relay.SequenceError
	err       error
}

func (f *failure) Error() string {
	if f.err != nil {
		return fmt.Sprintf("%s: %v", f.code, f.err)
	}
	return string(f.code)
}

func (f *failure) Unwrap() error { return f.err }

func reject(code kephasrelay.ErrorCode) *failure {
	return &failure{code: code}
}

func violation(code kephasrelay.ErrorCode, err error) *failure {
	return &failure{code: code, violation: true, err: err}
}

// roomFailure maps room registry errors to client codes.
func roomFailure(err error) error {
	switch {
	case errors.Is(err, room.ErrCapacityConfigInvalid):
		return &failure{code: kephasrelay.ErrCodeInvalidCapacity, err: err}
	case errors.Is(err, room.ErrDuplicateCode):
		return &failure{code: kephasrelay.ErrCodeRoomExists, err: err}
	case errors.Is(err, room.ErrInvalidCode):
		return &failure{code: kephasrelay.ErrCodeInvalidRoomCode, err: err}
	case errors.Is(err, room.ErrInvalidVisibility):
		return &failure{code: kephasrelay.ErrCodeInvalidMessage, err: err}
	case errors.Is(err, room.ErrNotFound):
		return &failure{code: kephasrelay.ErrCodeRoomNotFound, err: err}
	case errors.Is(err, room.ErrFull):
		return &failure{code: kephasrelay.ErrCodeRoomFull, err: err}
	case errors.Is(err, room.ErrAlreadyMember):
		return &failure{code: kephasrelay.ErrCodeAlreadyInRoom, err: err}
	case errors.Is(err, room.ErrNotMember):
		return &failure{code: kephasrelay.ErrCodeNotInRoom, err: err}
	case errors.Is(err, room.ErrSpectatorsFull):
		return &failure{code: kephasrelay.ErrCodeTooManySpectators, err: err}
	case errors.Is(err, room.ErrNotSpectator):
		return &failure{code: kephasrelay.ErrCodeNotASpectator, err: err}
	case errors.Is(err, room.ErrNotInLobby):
		return &failure{code: kephasrelay.ErrCodeInvalidRoomState, err: err}
	default:
		return err
	}
}

// relayFailure maps relay errors to client codes. Replays count as
// violations, as do forged targets and authority abuse. A sequence gap
// does not.
func relayFailure(err error) error {
	var serr *relay.SequenceError
	switch {
	case errors.As(err, &serr):
		return &failure{code: kephasrelay.ErrCodeInvalidSequence, violation: serr.Replay(), sequence: serr, err: err}
	case errors.Is(err, relay.ErrReplayedNonce):
		return violation(kephasrelay.ErrCodeReplayedNonce, err)
	case errors.Is(err, relay.ErrNotAuthority):
		return violation(kephasrelay.ErrCodeNotAuthority, err)
	case errors.Is(err, relay.ErrTargetUnknown):
		return violation(kephasrelay.ErrCodeTargetUnknown, err)
	case errors.Is(err, relay.ErrPeerNotInRoom):
		return &failure{code: kephasrelay.ErrCodeNotInRoom, err: err}
	case errors.Is(err, relay.ErrNonceSetFull):
		return &failure{code: kephasrelay.ErrCodeServiceUnavailable, err: err}
	case errors.Is(err, relay.ErrSpectator):
		return &failure{code: kephasrelay.ErrCodeSpectatorReadOnly, err: err}
	default:
		return err
	}
}

func (c *connection) peer() string {
	return c.sess.PeerID()
}

// currentRoom returns the client's room. A code left behind by a room that
// another connection is closing right now is dropped.
func (c *connection) currentRoom() string {
	code := c.client.Room()
	if code == "" {
		return ""
	}
	if snap, err := c.srv.rooms.Snapshot(code); err == nil && snap.Includes(c.peer()) {
		return code
	}
	c.client.leaveRoomIf(code)
	return ""
}

func (c *connection) HandleAuthenticate(*protocol.Authenticate) error {
	return violation(kephasrelay.ErrCodeAlreadyAuthenticated, nil)
}

func (c *connection) HandleReconnect(*protocol.Reconnect) error {
	return violation(kephasrelay.ErrCodeAlreadyAuthenticated, nil)
}

func (c *connection) HandleCreateRoom(m *protocol.CreateRoom) error {
	if c.currentRoom() != "" {
		return reject(kephasrelay.ErrCodeAlreadyInRoom)
	}
	if !c.srv.governor.Admit(admission.RoomCreate) {
		return reject(kephasrelay.ErrCodeServiceUnavailable)
	}
	peer := c.peer()
	if err := c.srv.relay.ClaimNonce(peer, m.Nonce); err != nil {
		return relayFailure(err)
	}

	unlock := c.srv.peers.Lock(peer)
	if c.currentRoom() != "" {
		unlock()
		return reject(kephasrelay.ErrCodeAlreadyInRoom)
	}
	snap, err := c.srv.rooms.Create(room.Config{
		Code:       m.Code,
		Capacity:   m.Capacity,
		Visibility: room.Visibility(m.Visibility),
		Persistent: m.Persistent,
	}, peer)
	if err == nil {
		c.client.setRoom(snap.Code)
	}
	unlock()
	if err != nil {
		return roomFailure(err)
	}

	c.srv.relay.Forget(peer, snap.Code)
	c.reply(&protocol.RoomCreated{
		Code:       snap.Code,
		Capacity:   snap.Capacity,
		Visibility: string(snap.Visibility),
		Persistent: snap.Persistent,
		Members:    snap.Members,
		Authority:  snap.Authority,
		LobbyState: string(snap.Lobby),
		NextSeq:    c.srv.relay.Expected(peer, snap.Code),
	})
	c.log.Info().Str("room", snap.Code).Int("capacity", snap.Capacity).Msg("room created")
	c.srv.rotate(c.client)
	return nil
}

func (c *connection) HandleJoinRoom(m *protocol.JoinRoom) error {
	code := room.NormalizeCode(m.Code)
	if !room.ValidCode(code, c.srv.cfg.Rooms.CodeLength) {
		return reject(kephasrelay.ErrCodeInvalidRoomCode)
	}
	if c.currentRoom() != "" {
		return reject(kephasrelay.ErrCodeAlreadyInRoom)
	}
	if !c.srv.governor.Admit(admission.RoomJoin) {
		return reject(kephasrelay.ErrCodeServiceUnavailable)
	}

	peer := c.peer()
	unlock := c.srv.peers.Lock(peer)
	if c.currentRoom() != "" {
		unlock()
		return reject(kephasrelay.ErrCodeAlreadyInRoom)
	}
	res, err := c.srv.rooms.Join(code, peer)
	if err == nil {
		c.client.setRoom(res.Room.Code)
	}
	unlock()
	if err != nil {
		return roomFailure(err)
	}

	snap := res.Room
	c.reply(&protocol.RoomJoined{
		Code:         snap.Code,
		Capacity:     snap.Capacity,
		Visibility:   string(snap.Visibility),
		Persistent:   snap.Persistent,
		Members:      snap.Members,
		Spectators:   snap.Spectators,
		Authority:    snap.Authority,
		LobbyState:   string(snap.Lobby),
		ReadyPlayers: snap.Ready,
		NextSeq:      c.srv.relay.Expected(peer, snap.Code),
	})
	c.srv.relay.AnnounceRoom(snap, peer, &protocol.PeerJoined{PeerID: peer})
	if res.LobbyChanged {
		c.srv.announceLobby(snap)
	}
	c.log.Info().Str("room", snap.Code).Int("members", len(snap.Members)).Msg("room joined")

	if res.BecameAuthority {
		c.srv.relay.AnnounceAuthority(snap)
		c.srv.rotate(c.client)
		return nil
	}
	// The token from the welcome does not name the room yet.
	c.srv.sendHeartbeat(c.client)
	return nil
}

func (c *connection) HandleLeaveRoom(*protocol.LeaveRoom) error {
	peer := c.peer()
	unlock := c.srv.peers.Lock(peer)
	code := c.client.takeRoom()
	if code == "" {
		unlock()
		return reject(kephasrelay.ErrCodeNotInRoom)
	}
	left, err := c.srv.rooms.Leave(code, peer)
	unlock()

	c.srv.relay.Forget(peer, code)
	c.reply(&protocol.RoomLeft{Code: code})
	if err != nil {
		// The room was closed under us; there is nobody to tell.
		c.log.Debug().Err(err).Str("room", code).Msg("leave")
		return nil
	}
	c.log.Info().Str("room", code).Msg("room left")
	c.srv.announceLeave(peer, left)
	return nil
}

func (c *connection) HandleJoinAsSpectator(m *protocol.JoinAsSpectator) error {
	code := room.NormalizeCode(m.Code)
	if !room.ValidCode(code, c.srv.cfg.Rooms.CodeLength) {
		return reject(kephasrelay.ErrCodeInvalidRoomCode)
	}
	if c.currentRoom() != "" {
		return reject(kephasrelay.ErrCodeAlreadyInRoom)
	}
	if !c.srv.governor.Admit(admission.RoomJoin) {
		return reject(kephasrelay.ErrCodeServiceUnavailable)
	}

	peer := c.peer()
	unlock := c.srv.peers.Lock(peer)
	if c.currentRoom() != "" {
		unlock()
		return reject(kephasrelay.ErrCodeAlreadyInRoom)
	}
	snap, err := c.srv.rooms.Spectate(code, peer)
	if err == nil {
		c.client.setSpectating(snap.Code)
	}
	unlock()
	if err != nil {
		return roomFailure(err)
	}

	c.reply(&protocol.SpectatorJoined{
		Code:         snap.Code,
		Members:      snap.Members,
		Spectators:   snap.Spectators,
		Authority:    snap.Authority,
		LobbyState:   string(snap.Lobby),
		ReadyPlayers: snap.Ready,
	})
	c.srv.relay.AnnounceRoom(snap, peer, &protocol.NewSpectatorJoined{PeerID: peer})
	c.log.Info().Str("room", snap.Code).Int("spectators", len(snap.Spectators)).Msg("spectating")
	c.srv.sendHeartbeat(c.client)
	return nil
}

func (c *connection) HandleLeaveSpectator(*protocol.LeaveSpectator) error {
	peer := c.peer()
	unlock := c.srv.peers.Lock(peer)
	code, spectating := c.client.Seat()
	if code == "" || !spectating {
		unlock()
		return reject(kephasrelay.ErrCodeNotASpectator)
	}
	snap, err := c.srv.rooms.Unspectate(code, peer)
	c.client.leaveRoomIf(code)
	unlock()
	if err != nil {
		// The room closed under us.
		c.log.Debug().Err(err).Str("room", code).Msg("stop spectating")
		return reject(kephasrelay.ErrCodeNotASpectator)
	}

	c.reply(&protocol.SpectatorLeft{Code: code, PeerID: peer})
	c.srv.relay.AnnounceRoom(snap, peer, &protocol.SpectatorLeft{Code: code, PeerID: peer})
	return nil
}

func (c *connection) HandlePlayerReady(m *protocol.PlayerReady) error {
	code, spectating := c.client.Seat()
	if code == "" {
		return reject(kephasrelay.ErrCodeNotInRoom)
	}
	if spectating {
		return reject(kephasrelay.ErrCodeSpectatorReadOnly)
	}
	snap, err := c.srv.rooms.SetReady(code, c.peer(), m.Ready)
	if errors.Is(err, room.ErrNotFound) {
		return reject(kephasrelay.ErrCodeNotInRoom)
	}
	if err != nil {
		return roomFailure(err)
	}
	c.srv.announceLobby(snap)
	if snap.Lobby == room.Finalized {
		c.log.Info().Str("room", snap.Code).Msg("all players ready")
	}
	return nil
}

func (c *connection) HandleOffer(m *protocol.Offer) error {
	return c.route(m)
}

func (c *connection) HandleAnswer(m *protocol.Answer) error {
	return c.route(m)
}

func (c *connection) HandleICECandidate(m *protocol.ICECandidate) error {
	return c.route(m)
}

func (c *connection) HandleBroadcast(m *protocol.Broadcast) error {
	return c.route(m)
}

func (c *connection) HandleTransferAuthority(m *protocol.TransferAuthority) error {
	return c.route(m)
}

func (c *connection) HandleCloseRoom(m *protocol.CloseRoom) error {
	return c.route(m)
}

func (c *connection) HandlePing(*protocol.Ping) error {
	c.reply(&protocol.Pong{})
	return nil
}

// HandleHeartbeatAck has nothing to do: every inbound frame already counts
// as liveness.
func (c *connection) HandleHeartbeatAck(*protocol.HeartbeatAck) error {
	return nil
}

// route passes a room message to the relay and applies the side effects
// that reach beyond the room: credential rotation for a new authority and
// cleared room state once a room is closed.
func (c *connection) route(msg protocol.ClientMessage) error {
	if !c.srv.governor.Admit(admission.Signal) {
		return reject(kephasrelay.ErrCodeServiceUnavailable)
	}
	peer := c.peer()
	res, err := c.srv.relay.Route(relay.Sender{PeerID: peer, Room: c.client.Room()}, msg)
	if err != nil {
		return relayFailure(err)
	}
	if res.Dropped > 0 {
		c.log.Debug().
			Str("type", string(msg.MessageType())).
			Int("delivered", res.Delivered).
			Int("dropped", res.Dropped).
			Msg("relayed with drops")
	}

	switch msg.(type) {
	case *protocol.TransferAuthority:
		if to := res.Room.Authority; to != peer {
			c.log.Info().Str("room", res.Room.Code).Str("to", to).Msg("authority transferred")
			if target, ok := c.srv.clients.Load(to); ok {
				c.srv.rotate(target)
			}
		}
	case *protocol.CloseRoom:
		c.log.Info().Str("room", res.Room.Code).Int("members", len(res.Room.Members)).Msg("room closed")
		c.srv.clearSeats(res.Room.Code, res.Room.Audience(""))
	}
	return nil
}

// clearSeats drops the room from every listed peer still pointing at it.
func (s *Server) clearSeats(code string, peers []string) {
	for _, peer := range peers {
		cl, ok := s.clients.Load(peer)
		if !ok {
			continue
		}
		unlock := s.peers.Lock(peer)
		cl.leaveRoomIf(code)
		unlock()
	}
}

// announceLobby tells the whole room, the sender included, its lobby state.
func (s *Server) announceLobby(snap room.Snapshot) {
	ready := snap.Ready
	if ready == nil {
		ready = []string{}
	}
	s.relay.AnnounceRoom(snap, "", &protocol.LobbyStateChanged{
		Code:         snap.Code,
		LobbyState:   string(snap.Lobby),
		ReadyPlayers: ready,
		AllReady:     snap.Lobby == room.Finalized,
	})
}

// announceLeave tells the rest of the room that peer left and, after a
// failover, who holds authority now. Spectators of a room that emptied out
// are told it closed.
func (s *Server) announceLeave(peer string, left room.LeaveResult) {
	if left.Destroyed {
		s.relay.DropRoom(left.Room.Code)
		if len(left.Room.Spectators) > 0 {
			s.relay.Announce(left.Room.Spectators, &protocol.RoomClosed{Code: left.Room.Code})
			s.clearSeats(left.Room.Code, left.Room.Spectators)
		}
		return
	}
	if left.Spectator {
		s.relay.AnnounceRoom(left.Room, peer, &protocol.SpectatorLeft{Code: left.Room.Code, PeerID: peer})
		return
	}
	s.relay.AnnounceRoom(left.Room, peer, &protocol.PeerLeft{PeerID: peer})
	if left.LobbyChanged {
		s.announceLobby(left.Room)
	}
	if !left.AuthorityChanged {
		return
	}
	s.relay.AnnounceAuthority(left.Room)
	if next, ok := s.clients.Load(left.Room.Authority); ok {
		s.rotate(next)
	}
}

// rotate gives a client that was just granted authority a new session id.
// Reconnect tokens issued under the old id stop working, and the client
// receives a fresh one in a heartbeat.
func (s *Server) rotate(client *Client) {
	sess := client.Session()
	if sess == nil {
		return
	}
	old := sess.ID()
	if err := s.sessions.RotateID(old, session.NewID()); err != nil {
		s.log.Warn().Err(err).Str("peer_id", sess.PeerID()).Msg("session id rotation failed")
		return
	}
	s.tokens.Burn(old)
	s.sendHeartbeat(client)
}
