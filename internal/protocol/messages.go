package protocol

import (
	"encoding/json"

	"github.com/luciancaetano/kephasrelay"
)

const (
	TypeAuthenticate      Type = "authenticate"
	TypeReconnect         Type = "reconnect"
	TypeCreateRoom        Type = "create_room"
	TypeJoinRoom          Type = "join_room"
	TypeLeaveRoom         Type = "leave_room"
	TypeJoinAsSpectator   Type = "join_as_spectator"
	TypeLeaveSpectator    Type = "leave_spectator"
	TypePlayerReady       Type = "player_ready"
	TypeOffer             Type = "offer"
	TypeAnswer            Type = "answer"
	TypeICECandidate      Type = "ice_candidate"
	TypeBroadcast         Type = "broadcast"
	TypeTransferAuthority Type = "transfer_authority"
	TypeCloseRoom         Type = "close_room"
	TypePing              Type = "ping"
	TypeHeartbeatAck      Type = "heartbeat_ack"

	TypeWelcome            Type = "welcome"
	TypeReconnected        Type = "reconnected"
	TypeRoomCreated        Type = "room_created"
	TypeRoomJoined         Type = "room_joined"
	TypeRoomLeft           Type = "room_left"
	TypeRoomClosed         Type = "room_closed"
	TypePeerJoined         Type = "peer_joined"
	TypePeerLeft           Type = "peer_left"
	TypePeerReconnected    Type = "peer_reconnected"
	TypeSpectatorJoined    Type = "spectator_joined"
	TypeNewSpectatorJoined Type = "new_spectator_joined"
	TypeSpectatorLeft      Type = "spectator_left"
	TypeLobbyStateChanged  Type = "lobby_state_changed"
	TypeAuthorityChanged   Type = "authority_changed"
	TypeHeartbeat          Type = "heartbeat"
	TypePong               Type = "pong"
	TypeError              Type = "error"
)

// Client messages.

// Authenticate presents a credential as the first application message.
type Authenticate struct {
	Token string `json:"token"`
}

// Reconnect resumes a dropped session with a reconnect token.
type Reconnect struct {
	Token string `json:"token"`
}

// CreateRoom creates a room and makes the sender its authority. An empty
// code asks the server to generate one.
type CreateRoom struct {
	Code       string `json:"code,omitempty"`
	Capacity   int    `json:"capacity,omitempty"`
	Visibility string `json:"visibility,omitempty"`
	Persistent bool   `json:"persistent,omitempty"`
	Nonce      string `json:"nonce"`
}

// JoinRoom joins an existing room.
type JoinRoom struct {
	Code string `json:"code"`
}

// LeaveRoom leaves the current room.
type LeaveRoom struct{}

// JoinAsSpectator watches a room without taking a seat. Spectators receive
// room traffic but cannot send signaling.
type JoinAsSpectator struct {
	Code string `json:"code"`
}

// LeaveSpectator stops watching the current room.
type LeaveSpectator struct{}

// PlayerReady sets the sender's ready mark while its room is in the lobby.
type PlayerReady struct {
	Ready bool `json:"ready"`
}

// Offer carries an SDP offer to one peer. From is set by the server.
type Offer struct {
	From   string `json:"from,omitempty"`
	Target string `json:"target"`
	SDP    string `json:"sdp"`
	Seq    uint64 `json:"seq"`
}

// Answer carries an SDP answer to one peer. From is set by the server.
type Answer struct {
	From   string `json:"from,omitempty"`
	Target string `json:"target"`
	SDP    string `json:"sdp"`
	Seq    uint64 `json:"seq"`
}

// ICECandidate carries an opaque ICE candidate to one peer. From is set by
// the server.
type ICECandidate struct {
	From      string          `json:"from,omitempty"`
	Target    string          `json:"target"`
	Candidate json.RawMessage `json:"candidate"`
	Seq       uint64          `json:"seq"`
}

// Broadcast carries opaque data to every other room member. From is set by
// the server.
type Broadcast struct {
	From string          `json:"from,omitempty"`
	Data json.RawMessage `json:"data"`
	Seq  uint64          `json:"seq"`
}

// TransferAuthority hands the authority role to another member.
type TransferAuthority struct {
	To    string `json:"to"`
	Nonce string `json:"nonce"`
	Seq   uint64 `json:"seq"`
}

// CloseRoom destroys the room. Authority only.
type CloseRoom struct {
	Nonce string `json:"nonce"`
	Seq   uint64 `json:"seq"`
}

// Ping asks the server for a Pong.
type Ping struct{}

// HeartbeatAck acknowledges a server Heartbeat.
type HeartbeatAck struct{}

// Server messages.

// Welcome is sent once a connection authenticates.
type Welcome struct {
	SessionID           string `json:"session_id"`
	PeerID              string `json:"peer_id"`
	HeartbeatIntervalMS int64  `json:"heartbeat_interval_ms"`
	ReconnectToken      string `json:"reconnect_token,omitempty"`
	ReconnectExpiresMS  int64  `json:"reconnect_expires_in_ms,omitempty"`
}

// Reconnected is sent once a reconnect token is redeemed. MissedEvents
// counts the room frames replayed right after it.
type Reconnected struct {
	SessionID           string   `json:"session_id"`
	PeerID              string   `json:"peer_id"`
	HeartbeatIntervalMS int64    `json:"heartbeat_interval_ms"`
	Room                string   `json:"room,omitempty"`
	Spectating          bool     `json:"spectating,omitempty"`
	Members             []string `json:"members,omitempty"`
	Spectators          []string `json:"spectators,omitempty"`
	Authority           string   `json:"authority,omitempty"`
	LobbyState          string   `json:"lobby_state,omitempty"`
	ReadyPlayers        []string `json:"ready_players,omitempty"`
	NextSeq             uint64   `json:"next_seq,omitempty"`
	MissedEvents        int      `json:"missed_events,omitempty"`
	ReconnectToken      string   `json:"reconnect_token,omitempty"`
	ReconnectExpiresMS  int64    `json:"reconnect_expires_in_ms,omitempty"`
}

// RoomCreated confirms a CreateRoom.
type RoomCreated struct {
	Code         string   `json:"code"`
	Capacity     int      `json:"capacity"`
	Visibility   string   `json:"visibility"`
	Persistent   bool     `json:"persistent,omitempty"`
	Members      []string `json:"members"`
	Spectators   []string `json:"spectators,omitempty"`
	Authority    string   `json:"authority"`
	LobbyState   string   `json:"lobby_state,omitempty"`
	ReadyPlayers []string `json:"ready_players,omitempty"`
	NextSeq      uint64   `json:"next_seq"`
}

// RoomJoined confirms a JoinRoom.
type RoomJoined struct {
	Code         string   `json:"code"`
	Capacity     int      `json:"capacity"`
	Visibility   string   `json:"visibility"`
	Persistent   bool     `json:"persistent,omitempty"`
	Members      []string `json:"members"`
	Spectators   []string `json:"spectators,omitempty"`
	Authority    string   `json:"authority"`
	LobbyState   string   `json:"lobby_state,omitempty"`
	ReadyPlayers []string `json:"ready_players,omitempty"`
	NextSeq      uint64   `json:"next_seq"`
}

// RoomLeft confirms a LeaveRoom.
type RoomLeft struct {
	Code string `json:"code"`
}

// RoomClosed tells members the room was destroyed.
type RoomClosed struct {
	Code string `json:"code"`
}

// PeerJoined announces a new member.
type PeerJoined struct {
	PeerID string `json:"peer_id"`
}

// PeerLeft announces a departed member.
type PeerLeft struct {
	PeerID string `json:"peer_id"`
}

// PeerReconnected announces a member that resumed its session.
type PeerReconnected struct {
	PeerID string `json:"peer_id"`
}

// SpectatorJoined confirms a JoinAsSpectator.
type SpectatorJoined struct {
	Code         string   `json:"code"`
	Members      []string `json:"members"`
	Spectators   []string `json:"spectators"`
	Authority    string   `json:"authority"`
	LobbyState   string   `json:"lobby_state,omitempty"`
	ReadyPlayers []string `json:"ready_players,omitempty"`
}

// NewSpectatorJoined announces a new spectator to the rest of the room.
type NewSpectatorJoined struct {
	PeerID string `json:"peer_id"`
}

// SpectatorLeft confirms a LeaveSpectator to the leaver and announces it to
// the room.
type SpectatorLeft struct {
	Code   string `json:"code"`
	PeerID string `json:"peer_id"`
}

// LobbyStateChanged announces the room's lobby state and ready marks.
type LobbyStateChanged struct {
	Code         string   `json:"code"`
	LobbyState   string   `json:"lobby_state"`
	ReadyPlayers []string `json:"ready_players"`
	AllReady     bool     `json:"all_ready"`
}

// AuthorityChanged announces the current authority.
type AuthorityChanged struct {
	Authority       string `json:"authority"`
	YouAreAuthority bool   `json:"you_are_authority"`
}

// Heartbeat is the server liveness probe. It carries a fresh reconnect
// token so a client always holds a valid one.
type Heartbeat struct {
	ReconnectToken     string `json:"reconnect_token,omitempty"`
	ReconnectExpiresMS int64  `json:"reconnect_expires_in_ms,omitempty"`
}

// Pong answers a client Ping.
type Pong struct{}

// Error reports a failed operation to its originator only.
type Error struct {
	Code     kephasrelay.ErrorCode `json:"code"`
	Message  string                `json:"message"`
	Expected *uint64               `json:"expected,omitempty"`
	Received *uint64               `json:"received,omitempty"`
}

// NewError builds an Error carrying the code's fixed description.
func NewError(code kephasrelay.ErrorCode) *Error {
	return &Error{Code: code, Message: code.Description()}
}

func (*Authenticate) MessageType() Type       { return TypeAuthenticate }
func (*Reconnect) MessageType() Type          { return TypeReconnect }
func (*CreateRoom) MessageType() Type         { return TypeCreateRoom }
func (*JoinRoom) MessageType() Type           { return TypeJoinRoom }
func (*LeaveRoom) MessageType() Type          { return TypeLeaveRoom }
func (*JoinAsSpectator) MessageType() Type    { return TypeJoinAsSpectator }
func (*LeaveSpectator) MessageType() Type     { return TypeLeaveSpectator }
func (*PlayerReady) MessageType() Type        { return TypePlayerReady }
func (*Offer) MessageType() Type              { return TypeOffer }
func (*Answer) MessageType() Type             { return TypeAnswer }
func (*ICECandidate) MessageType() Type       { return TypeICECandidate }
func (*Broadcast) MessageType() Type          { return TypeBroadcast }
func (*TransferAuthority) MessageType() Type  { return TypeTransferAuthority }
func (*CloseRoom) MessageType() Type          { return TypeCloseRoom }
func (*Ping) MessageType() Type               { return TypePing }
func (*HeartbeatAck) MessageType() Type       { return TypeHeartbeatAck }
func (*Welcome) MessageType() Type            { return TypeWelcome }
func (*Reconnected) MessageType() Type        { return TypeReconnected }
func (*RoomCreated) MessageType() Type        { return TypeRoomCreated }
func (*RoomJoined) MessageType() Type         { return TypeRoomJoined }
func (*RoomLeft) MessageType() Type           { return TypeRoomLeft }
func (*RoomClosed) MessageType() Type         { return TypeRoomClosed }
func (*PeerJoined) MessageType() Type         { return TypePeerJoined }
func (*PeerLeft) MessageType() Type           { return TypePeerLeft }
func (*PeerReconnected) MessageType() Type    { return TypePeerReconnected }
func (*SpectatorJoined) MessageType() Type    { return TypeSpectatorJoined }
func (*NewSpectatorJoined) MessageType() Type { return TypeNewSpectatorJoined }
func (*SpectatorLeft) MessageType() Type      { return TypeSpectatorLeft }
func (*LobbyStateChanged) MessageType() Type  { return TypeLobbyStateChanged }
func (*AuthorityChanged) MessageType() Type   { return TypeAuthorityChanged }
func (*Heartbeat) MessageType() Type          { return TypeHeartbeat }
func (*Pong) MessageType() Type               { return TypePong }
func (*Error) MessageType() Type              { return TypeError }

func (*Authenticate) isMessage()       {}
func (*Reconnect) isMessage()          {}
func (*CreateRoom) isMessage()         {}
func (*JoinRoom) isMessage()           {}
func (*LeaveRoom) isMessage()          {}
func (*JoinAsSpectator) isMessage()    {}
func (*LeaveSpectator) isMessage()     {}
func (*PlayerReady) isMessage()        {}
func (*Offer) isMessage()              {}
func (*Answer) isMessage()             {}
func (*ICECandidate) isMessage()       {}
func (*Broadcast) isMessage()          {}
func (*TransferAuthority) isMessage()  {}
func (*CloseRoom) isMessage()          {}
func (*Ping) isMessage()               {}
func (*HeartbeatAck) isMessage()       {}
func (*Welcome) isMessage()            {}
func (*Reconnected) isMessage()        {}
func (*RoomCreated) isMessage()        {}
func (*RoomJoined) isMessage()         {}
func (*RoomLeft) isMessage()           {}
func (*RoomClosed) isMessage()         {}
func (*PeerJoined) isMessage()         {}
func (*PeerLeft) isMessage()           {}
func (*PeerReconnected) isMessage()    {}
func (*SpectatorJoined) isMessage()    {}
func (*NewSpectatorJoined) isMessage() {}
func (*SpectatorLeft) isMessage()      {}
func (*LobbyStateChanged) isMessage()  {}
func (*AuthorityChanged) isMessage()   {}
func (*Heartbeat) isMessage()          {}
func (*Pong) isMessage()               {}
func (*Error) isMessage()              {}

func (m *Authenticate) dispatch(h Handler) error      { return h.HandleAuthenticate(m) }
func (m *Reconnect) dispatch(h Handler) error         { return h.HandleReconnect(m) }
func (m *CreateRoom) dispatch(h Handler) error        { return h.HandleCreateRoom(m) }
func (m *JoinRoom) dispatch(h Handler) error          { return h.HandleJoinRoom(m) }
func (m *LeaveRoom) dispatch(h Handler) error         { return h.HandleLeaveRoom(m) }
func (m *JoinAsSpectator) dispatch(h Handler) error   { return h.HandleJoinAsSpectator(m) }
func (m *LeaveSpectator) dispatch(h Handler) error    { return h.HandleLeaveSpectator(m) }
func (m *PlayerReady) dispatch(h Handler) error       { return h.HandlePlayerReady(m) }
func (m *Offer) dispatch(h Handler) error             { return h.HandleOffer(m) }
func (m *Answer) dispatch(h Handler) error            { return h.HandleAnswer(m) }
func (m *ICECandidate) dispatch(h Handler) error      { return h.HandleICECandidate(m) }
func (m *Broadcast) dispatch(h Handler) error         { return h.HandleBroadcast(m) }
func (m *TransferAuthority) dispatch(h Handler) error { return h.HandleTransferAuthority(m) }
func (m *CloseRoom) dispatch(h Handler) error         { return h.HandleCloseRoom(m) }
func (m *Ping) dispatch(h Handler) error              { return h.HandlePing(m) }
func (m *HeartbeatAck) dispatch(h Handler) error      { return h.HandleHeartbeatAck(m) }

func (m *Authenticate) validate() error {
	if m.Token == "" {
		return invalid("token", "is required")
	}
	return nil
}

func (m *Reconnect) validate() error {
	if m.Token == "" {
		return invalid("token", "is required")
	}
	return nil
}

func (m *CreateRoom) validate() error {
	if m.Capacity < 0 {
		return invalid("capacity", "must not be negative")
	}
	switch m.Visibility {
	case "", "public", "private":
	default:
		return invalid("visibility", "must be public or private")
	}
	return validateNonce(m.Nonce)
}

func (m *JoinRoom) validate() error {
	if m.Code == "" {
		return invalid("code", "is required")
	}
	return nil
}

func (*LeaveRoom) validate() error { return nil }

func (m *JoinAsSpectator) validate() error {
	if m.Code == "" {
		return invalid("code", "is required")
	}
	return nil
}

func (*LeaveSpectator) validate() error { return nil }
func (*PlayerReady) validate() error    { return nil }

func (m *Offer) validate() error {
	if m.Target == "" {
		return invalid("target", "is required")
	}
	if m.SDP == "" {
		return invalid("sdp", "is required")
	}
	return validateSeq(m.Seq)
}

func (m *Answer) validate() error {
	if m.Target == "" {
		return invalid("target", "is required")
	}
	if m.SDP == "" {
		return invalid("sdp", "is required")
	}
	return validateSeq(m.Seq)
}

func (m *ICECandidate) validate() error {
	if m.Target == "" {
		return invalid("target", "is required")
	}
	if len(m.Candidate) == 0 {
		return invalid("candidate", "is required")
	}
	return validateSeq(m.Seq)
}

func (m *Broadcast) validate() error {
	if len(m.Data) == 0 {
		return invalid("data", "is required")
	}
	return validateSeq(m.Seq)
}

func (m *TransferAuthority) validate() error {
	if m.To == "" {
		return invalid("to", "is required")
	}
	if err := validateNonce(m.Nonce); err != nil {
		return err
	}
	return validateSeq(m.Seq)
}

func (m *CloseRoom) validate() error {
	if err := validateNonce(m.Nonce); err != nil {
		return err
	}
	return validateSeq(m.Seq)
}

func (*Ping) validate() error         { return nil }
func (*HeartbeatAck) validate() error { return nil }

func (m *Offer) Sequence() uint64             { return m.Seq }
func (m *Answer) Sequence() uint64            { return m.Seq }
func (m *ICECandidate) Sequence() uint64      { return m.Seq }
func (m *Broadcast) Sequence() uint64         { return m.Seq }
func (m *TransferAuthority) Sequence() uint64 { return m.Seq }
func (m *CloseRoom) Sequence() uint64         { return m.Seq }

func (m *CreateRoom) OperationNonce() string        { return m.Nonce }
func (m *TransferAuthority) OperationNonce() string { return m.Nonce }
func (m *CloseRoom) OperationNonce() string         { return m.Nonce }
