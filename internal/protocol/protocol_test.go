package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/luciancaetano/kephasrelay"
)

// TestEncodeTypeFirst checks that the discriminator leads every frame.
func TestEncodeTypeFirst(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{
			name: "empty body",
			msg:  &Pong{},
			want: `{"type":"pong"}`,
		},
		{
			name: "with fields",
			msg:  &PeerJoined{PeerID: "p1"},
			want: `{"type":"peer_joined","peer_id":"p1"}`,
		},
		{
			name: "omitted from",
			msg:  &Offer{Target: "p2", SDP: "v=0", Seq: 1},
			want: `{"type":"offer","target":"p2","sdp":"v=0","seq":1}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Encode() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEncodeError(t *testing.T) {
	t.Parallel()

	got, err := Encode(&Error{
		Code:     kephasrelay.ErrCodeInvalidSequence,
		Message:  "bad",
		Expected: ptr(uint64(5)),
		Received: ptr(uint64(3)),
	})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(got, &decoded); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if decoded["type"] != "error" || decoded["code"] != "INVALID_SEQUENCE" {
		t.Errorf("unexpected frame %s", got)
	}
	if decoded["expected"] != float64(5) || decoded["received"] != float64(3) {
		t.Errorf("sequence fields missing in %s", got)
	}
}

func TestNewErrorUsesDescription(t *testing.T) {
	t.Parallel()

	e := NewError(kephasrelay.ErrCodeRoomFull)
	if e.Message != kephasrelay.ErrCodeRoomFull.Description() {
		t.Errorf("Message = %q", e.Message)
	}
	if e.Expected != nil || e.Received != nil {
		t.Error("sequence fields should be unset")
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		frame   string
		want    Type
		wantErr error
	}{
		{name: "authenticate", frame: `{"type":"authenticate","token":"abc"}`, want: TypeAuthenticate},
		{name: "reconnect", frame: `{"type":"reconnect","token":"abc"}`, want: TypeReconnect},
		{name: "create room", frame: `{"type":"create_room","capacity":4,"nonce":"n1"}`, want: TypeCreateRoom},
		{name: "join room", frame: `{"type":"join_room","code":"ABC234"}`, want: TypeJoinRoom},
		{name: "leave room", frame: `{"type":"leave_room"}`, want: TypeLeaveRoom},
		{name: "offer", frame: `{"type":"offer","target":"p2","sdp":"v=0","seq":1}`, want: TypeOffer},
		{name: "answer", frame: `{"type":"answer","target":"p1","sdp":"v=0","seq":1}`, want: TypeAnswer},
		{name: "ice", frame: `{"type":"ice_candidate","target":"p1","candidate":{"candidate":"c"},"seq":2}`, want: TypeICECandidate},
		{name: "broadcast", frame: `{"type":"broadcast","data":{"x":1},"seq":3}`, want: TypeBroadcast},
		{name: "transfer", frame: `{"type":"transfer_authority","to":"p2","nonce":"n","seq":4}`, want: TypeTransferAuthority},
		{name: "close", frame: `{"type":"close_room","nonce":"n","seq":5}`, want: TypeCloseRoom},
		{name: "ping", frame: `{"type":"ping"}`, want: TypePing},
		{name: "heartbeat ack", frame: `{"type":"heartbeat_ack"}`, want: TypeHeartbeatAck},
		{name: "spectate", frame: `{"type":"join_as_spectator","code":"ABC234"}`, want: TypeJoinAsSpectator},
		{name: "stop spectating", frame: `{"type":"leave_spectator"}`, want: TypeLeaveSpectator},
		{name: "ready", frame: `{"type":"player_ready","ready":true}`, want: TypePlayerReady},

		{name: "not json", frame: `{"type":`, wantErr: ErrMalformed},
		{name: "no type", frame: `{"token":"abc"}`, wantErr: ErrMissingType},
		{name: "unknown type", frame: `{"type":"teleport"}`, wantErr: ErrUnknownType},
		{name: "server only type", frame: `{"type":"welcome","peer_id":"x"}`, wantErr: ErrUnknownType},
		{name: "wrong field type", frame: `{"type":"offer","target":"p2","sdp":"v=0","seq":"one"}`, wantErr: ErrMalformed},
		{name: "missing token", frame: `{"type":"authenticate"}`, wantErr: ErrInvalidField},
		{name: "zero seq", frame: `{"type":"offer","target":"p2","sdp":"v=0","seq":0}`, wantErr: ErrInvalidField},
		{name: "missing target", frame: `{"type":"answer","sdp":"v=0","seq":1}`, wantErr: ErrInvalidField},
		{name: "missing nonce", frame: `{"type":"close_room","seq":1}`, wantErr: ErrInvalidField},
		{name: "negative capacity", frame: `{"type":"create_room","capacity":-1,"nonce":"n"}`, wantErr: ErrInvalidField},
		{name: "bad visibility", frame: `{"type":"create_room","visibility":"secret","nonce":"n"}`, wantErr: ErrInvalidField},
		{name: "missing code", frame: `{"type":"join_room"}`, wantErr: ErrInvalidField},
		{name: "missing spectate code", frame: `{"type":"join_as_spectator"}`, wantErr: ErrInvalidField},
		{name: "missing data", frame: `{"type":"broadcast","seq":1}`, wantErr: ErrInvalidField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m, err := Decode([]byte(tt.frame))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if m.MessageType() != tt.want {
				t.Errorf("MessageType() = %s, want %s", m.MessageType(), tt.want)
			}
		})
	}
}

func TestDecodeIgnoresClientFrom(t *testing.T) {
	t.Parallel()

	m, err := Decode([]byte(`{"type":"offer","from":"someone-else","target":"p2","sdp":"v=0","seq":1}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	offer := m.(*Offer)
	// The field exists for outbound frames; the relay overwrites it.
	if offer.Target != "p2" || offer.Seq != 1 {
		t.Errorf("unexpected offer %+v", offer)
	}
}

func TestRelayRoundTripKeepsOpaquePayload(t *testing.T) {
	t.Parallel()

	in := []byte(`{"type":"ice_candidate","target":"p2","candidate":{"candidate":"candidate:1 1 UDP 2122252543 10.0.0.1 50000 typ host","sdpMid":"0"},"seq":7}`)
	m, err := Decode(in)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	ice := m.(*ICECandidate)
	ice.From = "p1"

	out, err := Encode(ice)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	back, err := DecodeServer(out)
	if err != nil {
		t.Fatalf("DecodeServer() error = %v", err)
	}
	got := back.(*ICECandidate)
	if got.From != "p1" {
		t.Errorf("From = %q", got.From)
	}
	if !bytes.Equal(got.Candidate, ice.Candidate) {
		t.Errorf("candidate changed: %s", got.Candidate)
	}
}

func TestDecodeServerRejectsClientOnlyTypes(t *testing.T) {
	t.Parallel()

	if _, err := DecodeServer([]byte(`{"type":"authenticate","token":"x"}`)); !errors.Is(err, ErrUnknownType) {
		t.Errorf("DecodeServer() error = %v, want ErrUnknownType", err)
	}
}

type recordingHandler struct {
	called []Type
}

func (h *recordingHandler) record(m Message) error {
	h.called = append(h.called, m.MessageType())
	return nil
}

func (h *recordingHandler) HandleAuthenticate(m *Authenticate) error       { return h.record(m) }
func (h *recordingHandler) HandleReconnect(m *Reconnect) error             { return h.record(m) }
func (h *recordingHandler) HandleCreateRoom(m *CreateRoom) error           { return h.record(m) }
func (h *recordingHandler) HandleJoinRoom(m *JoinRoom) error               { return h.record(m) }
func (h *recordingHandler) HandleLeaveRoom(m *LeaveRoom) error             { return h.record(m) }
func (h *recordingHandler) HandleJoinAsSpectator(m *JoinAsSpectator) error { return h.record(m) }
func (h *recordingHandler) HandleLeaveSpectator(m *LeaveSpectator) error   { return h.record(m) }
func (h *recordingHandler) HandlePlayerReady(m *PlayerReady) error         { return h.record(m) }
func (h *recordingHandler) HandleOffer(m *Offer) error                     { return h.record(m) }
func (h *recordingHandler) HandleAnswer(m *Answer) error                   { return h.record(m) }
func (h *recordingHandler) HandleICECandidate(m *ICECandidate) error       { return h.record(m) }
func (h *recordingHandler) HandleBroadcast(m *Broadcast) error             { return h.record(m) }
func (h *recordingHandler) HandleCloseRoom(m *CloseRoom) error             { return h.record(m) }
func (h *recordingHandler) HandlePing(m *Ping) error                       { return h.record(m) }
func (h *recordingHandler) HandleHeartbeatAck(m *HeartbeatAck) error       { return h.record(m) }
func (h *recordingHandler) HandleTransferAuthority(m *TransferAuthority) error {
	return h.record(m)
}

func TestDispatchReachesEveryHandler(t *testing.T) {
	t.Parallel()

	h := &recordingHandler{}
	for typ, ctor := range clientTypes {
		if err := Dispatch(ctor(), h); err != nil {
			t.Fatalf("Dispatch(%s) error = %v", typ, err)
		}
		if got := h.called[len(h.called)-1]; got != typ {
			t.Errorf("Dispatch(%s) reached handler for %s", typ, got)
		}
	}
	if len(h.called) != len(clientTypes) {
		t.Errorf("handled %d messages, want %d", len(h.called), len(clientTypes))
	}
}

func TestSequencedAndNonced(t *testing.T) {
	t.Parallel()

	var m ClientMessage = &TransferAuthority{To: "p2", Nonce: "n1", Seq: 9}
	s, ok := m.(Sequenced)
	if !ok || s.Sequence() != 9 {
		t.Errorf("TransferAuthority should be Sequenced with seq 9")
	}
	n, ok := m.(Nonced)
	if !ok || n.OperationNonce() != "n1" {
		t.Errorf("TransferAuthority should be Nonced with nonce n1")
	}
	if _, ok := ClientMessage(&Offer{}).(Nonced); ok {
		t.Error("Offer should not carry a nonce")
	}
}

func ptr[T any](v T) *T { return &v }

func BenchmarkEncode(b *testing.B) {
	msg := &Offer{From: "peer-1", Target: "peer-2", SDP: "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\n", Seq: 42}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = Encode(msg)
	}
}

func BenchmarkDecode(b *testing.B) {
	frame := MustEncode(&Broadcast{Data: json.RawMessage(`{"x":1,"y":[1,2,3]}`), Seq: 7})

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = Decode(frame)
	}
}

func BenchmarkRelayRoundTrip(b *testing.B) {
	frame := MustEncode(&ICECandidate{Target: "peer-2", Candidate: json.RawMessage(`{"candidate":"a=candidate:1 1 udp 2122260223 10.0.0.1 54321 typ host"}`), Seq: 3})

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		m, err := Decode(frame)
		if err != nil {
			b.Fatal(err)
		}
		out := *m.(*ICECandidate)
		out.From = "peer-1"
		_, _ = Encode(&out)
	}
}
