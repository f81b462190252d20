package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMissingType is returned for frames without a "type" field.
	ErrMissingType = errors.New("protocol: missing message type")
	// ErrUnknownType is returned for types that are not client messages.
	ErrUnknownType = errors.New("protocol: unknown message type")
	// ErrMalformed is returned when the frame is not valid JSON or a field
	// has the wrong shape.
	ErrMalformed = errors.New("protocol: malformed message")
	// ErrInvalidField is returned when a field fails validation.
	ErrInvalidField = errors.New("protocol: invalid field")
)

const maxNonceLength = 128

// Type discriminates messages on the wire.
type Type string

// Message is implemented by every protocol message, in both directions.
type Message interface {
	MessageType() Type
	isMessage()
}

// Handler receives decoded client messages. It has exactly one method per
// client message type and every client type dispatches to its own method,
// so a new client message cannot be added without every Handler handling it.
type Handler interface {
	HandleAuthenticate(*Authenticate) error
	HandleReconnect(*Reconnect) error
	HandleCreateRoom(*CreateRoom) error
	HandleJoinRoom(*JoinRoom) error
	HandleLeaveRoom(*LeaveRoom) error
	HandleJoinAsSpectator(*JoinAsSpectator) error
	HandleLeaveSpectator(*LeaveSpectator) error
	HandlePlayerReady(*PlayerReady) error
	HandleOffer(*Offer) error
	HandleAnswer(*Answer) error
	HandleICECandidate(*ICECandidate) error
	HandleBroadcast(*Broadcast) error
	HandleTransferAuthority(*TransferAuthority) error
	HandleCloseRoom(*CloseRoom) error
	HandlePing(*Ping) error
	HandleHeartbeatAck(*HeartbeatAck) error
}

// ClientMessage is a message a client may send.
type ClientMessage interface {
	Message
	dispatch(Handler) error
	validate() error
}

// Sequenced is implemented by messages carrying a sender-scoped sequence
// number.
type Sequenced interface {
	Sequence() uint64
}

// Nonced is implemented by critical operations carrying a single-use nonce.
type Nonced interface {
	OperationNonce() string
}

// Dispatch hands m to the matching Handler method.
func Dispatch(m ClientMessage, h Handler) error {
	return m.dispatch(h)
}

var clientTypes = map[Type]func() ClientMessage{
	TypeAuthenticate:      func() ClientMessage { return &Authenticate{} },
	TypeReconnect:         func() ClientMessage { return &Reconnect{} },
	TypeCreateRoom:        func() ClientMessage { return &CreateRoom{} },
	TypeJoinRoom:          func() ClientMessage { return &JoinRoom{} },
	TypeLeaveRoom:         func() ClientMessage { return &LeaveRoom{} },
	TypeJoinAsSpectator:   func() ClientMessage { return &JoinAsSpectator{} },
	TypeLeaveSpectator:    func() ClientMessage { return &LeaveSpectator{} },
	TypePlayerReady:       func() ClientMessage { return &PlayerReady{} },
	TypeOffer:             func() ClientMessage { return &Offer{} },
	TypeAnswer:            func() ClientMessage { return &Answer{} },
	TypeICECandidate:      func() ClientMessage { return &ICECandidate{} },
	TypeBroadcast:         func() ClientMessage { return &Broadcast{} },
	TypeTransferAuthority: func() ClientMessage { return &TransferAuthority{} },
	TypeCloseRoom:         func() ClientMessage { return &CloseRoom{} },
	TypePing:              func() ClientMessage { return &Ping{} },
	TypeHeartbeatAck:      func() ClientMessage { return &HeartbeatAck{} },
}

var serverTypes = map[Type]func() Message{
	TypeWelcome:            func() Message { return &Welcome{} },
	TypeReconnected:        func() Message { return &Reconnected{} },
	TypeRoomCreated:        func() Message { return &RoomCreated{} },
	TypeRoomJoined:         func() Message { return &RoomJoined{} },
	TypeRoomLeft:           func() Message { return &RoomLeft{} },
	TypeRoomClosed:         func() Message { return &RoomClosed{} },
	TypePeerJoined:         func() Message { return &PeerJoined{} },
	TypePeerLeft:           func() Message { return &PeerLeft{} },
	TypePeerReconnected:    func() Message { return &PeerReconnected{} },
	TypeSpectatorJoined:    func() Message { return &SpectatorJoined{} },
	TypeNewSpectatorJoined: func() Message { return &NewSpectatorJoined{} },
	TypeSpectatorLeft:      func() Message { return &SpectatorLeft{} },
	TypeLobbyStateChanged:  func() Message { return &LobbyStateChanged{} },
	TypeAuthorityChanged:   func() Message { return &AuthorityChanged{} },
	TypeHeartbeat:          func() Message { return &Heartbeat{} },
	TypePong:               func() Message { return &Pong{} },
	TypeError:              func() Message { return &Error{} },
	// Relayed signaling flows in both directions.
	TypeOffer:        func() Message { return &Offer{} },
	TypeAnswer:       func() Message { return &Answer{} },
	TypeICECandidate: func() Message { return &ICECandidate{} },
	TypeBroadcast:    func() Message { return &Broadcast{} },
}

type envelope struct {
	Type Type `json:"type"`
}

// Encode serializes m as a JSON object with the "type" discriminator as its
// first field.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.MessageType(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("protocol: encode %s: not an object", m.MessageType())
	}
	typ, err := json.Marshal(string(m.MessageType()))
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(body)+len(typ)+9)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
	}
	out = append(out, body[1:]...)
	return out, nil
}

// MustEncode is Encode for messages whose encoding cannot fail.
func MustEncode(m Message) []byte {
	b, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses and validates a client frame. Fields the message type does
// not define, such as a client-supplied "from", are ignored.
func Decode(data []byte) (ClientMessage, error) {
	typ, err := peekType(data)
	if err != nil {
		return nil, err
	}
	ctor, ok := clientTypes[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	m := ctor()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// DecodeServer parses a server frame. Clients and tests use it.
func DecodeServer(data []byte) (Message, error) {
	typ, err := peekType(data)
	if err != nil {
		return nil, err
	}
	ctor, ok := serverTypes[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	m := ctor()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}

func peekType(data []byte) (Type, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return "", ErrMissingType
	}
	return env.Type, nil
}

func invalid(field, reason string) error {
	return fmt.Errorf("%w: %s %s", ErrInvalidField, field, reason)
}

func validateSeq(seq uint64) error {
	if seq == 0 {
		return invalid("seq", "must be at least 1")
	}
	return nil
}

func validateNonce(nonce string) error {
	if nonce == "" {
		return invalid("nonce", "is required")
	}
	if len(nonce) > maxNonceLength {
		return invalid("nonce", "is too long")
	}
	return nil
}
