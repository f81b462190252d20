// Package events defines the structured observation points of the relay
// core and the sinks that consume them.
package events

import (
	"time"

	"github.com/rs/zerolog"
)

// Kind names an observation point.
type Kind string

const (
	KindAuthFailed           Kind = "auth_failed"
	KindReplayDetected       Kind = "replay_detected"
	KindSequenceGap          Kind = "sequence_gap"
	KindAuthorityTransferred Kind = "authority_transferred"
	KindServiceLevelChanged  Kind = "service_level_changed"
	KindDeliveryDropped      Kind = "delivery_dropped"
	KindSessionTerminated    Kind = "session_terminated"
)

// Event is one structured observation.
type Event struct {
	Kind   Kind              `json:"kind"`
	Time   time.Time         `json:"time"`
	PeerID string            `json:"peer_id,omitempty"`
	Room   string            `json:"room,omitempty"`
	Attrs  map[string]string `json:"attrs,omitempty"`
}

// Sink consumes events. Emit must not block for long; it is called from
// connection loops and registry operations.
type Sink interface {
	Emit(Event)
}

// New stamps an event with the current time.
func New(kind Kind, peerID, room string, attrs map[string]string) Event {
	return Event{Kind: kind, Time: time.Now().UTC(), PeerID: peerID, Room: room, Attrs: attrs}
}

type nop struct{}

func (nop) Emit(Event) {}

// Nop discards every event.
func Nop() Sink { return nop{} }

// Multi fans an event out to several sinks in order.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// LogSink writes events as zerolog lines. Security-relevant kinds log at
// warn level.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink returns a LogSink writing to log.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "events").Logger()}
}

// Emit implements Sink.
func (s *LogSink) Emit(e Event) {
	var ev *zerolog.Event
	switch e.Kind {
	case KindAuthFailed, KindReplayDetected, KindServiceLevelChanged:
		ev = s.log.Warn()
	default:
		ev = s.log.Info()
	}
	ev = ev.Str("kind", string(e.Kind))
	if e.PeerID != "" {
		ev = ev.Str("peer_id", e.PeerID)
	}
	if e.Room != "" {
		ev = ev.Str("room", e.Room)
	}
	for k, v := range e.Attrs {
		ev = ev.Str(k, v)
	}
	ev.Msg("event")
}
