package kephasrelay

// WebSocket close codes. Standard codes come first, application codes use
// the private 4000-4999 range.
const (
	CloseNormalClosure     = 1000
	CloseGoingAway         = 1001
	ClosePolicyViolation   = 1008
	CloseInternalError     = 1011
	CloseAuthFailed        = 4001
	CloseRoomFull          = 4002
	CloseKicked            = 4003
	CloseServerShutdown    = 4004
	CloseRateLimited       = 4005
	CloseSessionExpired    = 4006
	CloseSessionRevoked    = 4007
	CloseProtocolViolation = 4008
	CloseHeartbeatTimeout  = 4009
)

// Subprotocol is the WebSocket subprotocol the server speaks. Clients may
// additionally offer "bearer.<credential>" to authenticate during the
// handshake.
const (
	Subprotocol       = "kephasrelay.v1"
	BearerSubprotocol = "bearer."
)

// ErrorCode is a stable, client-facing error identifier.
type ErrorCode string

const (
	// Authentication
	ErrCodeUnauthorized          ErrorCode = "UNAUTHORIZED"
	ErrCodeCredentialExpired     ErrorCode = "CREDENTIAL_EXPIRED"
	ErrCodeCredentialRevoked     ErrorCode = "CREDENTIAL_REVOKED"
	ErrCodeAuthenticationTimeout ErrorCode = "AUTHENTICATION_TIMEOUT"
	ErrCodeAlreadyAuthenticated  ErrorCode = "ALREADY_AUTHENTICATED"

	// Reconnection
	ErrCodeReconnectExpired    ErrorCode = "RECONNECT_EXPIRED"
	ErrCodeReconnectInvalid    ErrorCode = "RECONNECT_INVALID"
	ErrCodeReconnectUsed       ErrorCode = "RECONNECT_USED"
	ErrCodeReconnectIPMismatch ErrorCode = "RECONNECT_IP_MISMATCH"
	ErrCodeSessionExpired      ErrorCode = "SESSION_EXPIRED"

	// Validation
	ErrCodeInvalidMessage  ErrorCode = "INVALID_MESSAGE"
	ErrCodeInvalidRoomCode ErrorCode = "INVALID_ROOM_CODE"
	ErrCodeInvalidCapacity ErrorCode = "INVALID_CAPACITY"

	// Rooms
	ErrCodeRoomNotFound      ErrorCode = "ROOM_NOT_FOUND"
	ErrCodeRoomFull          ErrorCode = "ROOM_FULL"
	ErrCodeRoomExists        ErrorCode = "ROOM_EXISTS"
	ErrCodeAlreadyInRoom     ErrorCode = "ALREADY_IN_ROOM"
	ErrCodeNotInRoom         ErrorCode = "NOT_IN_ROOM"
	ErrCodeTooManySpectators ErrorCode = "TOO_MANY_SPECTATORS"
	ErrCodeNotASpectator     ErrorCode = "NOT_A_SPECTATOR"
	ErrCodeInvalidRoomState  ErrorCode = "INVALID_ROOM_STATE"
	ErrCodeSpectatorReadOnly ErrorCode = "SPECTATOR_READ_ONLY"

	// Signaling
	ErrCodeInvalidSequence ErrorCode = "INVALID_SEQUENCE"
	ErrCodeReplayedNonce   ErrorCode = "REPLAYED_NONCE"
	ErrCodeNotAuthority    ErrorCode = "NOT_AUTHORITY"
	ErrCodeTargetUnknown   ErrorCode = "TARGET_UNKNOWN"

	// Capacity
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeRateLimited        ErrorCode = "RATE_LIMITED"

	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

var errorDescriptions = map[ErrorCode]string{
	ErrCodeUnauthorized:          "Authentication credentials are missing or invalid.",
	ErrCodeCredentialExpired:     "The credential has expired. Obtain a new one and reconnect.",
	ErrCodeCredentialRevoked:     "The credential has been revoked.",
	ErrCodeAuthenticationTimeout: "Authentication took too long to complete.",
	ErrCodeAlreadyAuthenticated:  "This connection is already authenticated.",

	ErrCodeReconnectExpired:    "The reconnect token has expired. Authenticate again.",
	ErrCodeReconnectInvalid:    "The reconnect token is invalid. Authenticate again.",
	ErrCodeReconnectUsed:       "The reconnect token has already been used. Authenticate again.",
	ErrCodeReconnectIPMismatch: "The reconnect token was issued to a different network. Authenticate again.",
	ErrCodeSessionExpired:      "The session has reached its maximum lifetime. Authenticate again.",

	ErrCodeInvalidMessage:  "The message is malformed or of an unknown type.",
	ErrCodeInvalidRoomCode: "The room code is malformed.",
	ErrCodeInvalidCapacity: "The requested room capacity is out of range.",

	ErrCodeRoomNotFound:      "The room does not exist.",
	ErrCodeRoomFull:          "The room is full.",
	ErrCodeRoomExists:        "A room with this code already exists.",
	ErrCodeAlreadyInRoom:     "You are already in a room.",
	ErrCodeNotInRoom:         "You are not in a room.",
	ErrCodeTooManySpectators: "The room has no spectator slots left.",
	ErrCodeNotASpectator:     "You are not spectating a room.",
	ErrCodeInvalidRoomState:  "The room is not in a state that allows this operation.",
	ErrCodeSpectatorReadOnly: "Spectators cannot send signaling.",

	ErrCodeInvalidSequence: "The message sequence number is not the expected one.",
	ErrCodeReplayedNonce:   "The operation nonce has already been used.",
	ErrCodeNotAuthority:    "Only the room authority may perform this operation.",
	ErrCodeTargetUnknown:   "The target peer is not in your room.",

	ErrCodeServiceUnavailable: "The server is under load and cannot accept this operation right now.",
	ErrCodeRateLimited:        "Too many messages. Slow down.",

	ErrCodeInternal: "An internal error occurred.",
}

// Description returns the human-readable message sent with the code.
func (c ErrorCode) Description() string {
	if d, ok := errorDescriptions[c]; ok {
		return d
	}
	return errorDescriptions[ErrCodeInternal]
}
