package session

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/luciancaetano/kephasrelay/internal/clock"
	"github.com/luciancaetano/kephasrelay/internal/config"
	"github.com/luciancaetano/kephasrelay/internal/events"
	"github.com/luciancaetano/kephasrelay/internal/logging"
	"github.com/luciancaetano/kephasrelay/internal/shard"
)

var (
	// ErrNotFound means the session is gone. Callers treat it as "already
	// disconnected".
	ErrNotFound = errors.New("session: not found")
	// ErrDuplicateID is returned when registering or rotating onto an id that
	// is already in use.
	ErrDuplicateID = errors.New("session: duplicate id")
)

// Registry owns every live session. Sessions are keyed by their secret id;
// a second index enforces one live session per (identity, device).
type Registry struct {
	sessions *shard.Map[*Session]
	owners   *shard.Map[string]

	idle     time.Duration
	absolute time.Duration
	clock    clock.Clock
	sink     events.Sink
	log      zerolog.Logger
}

// NewRegistry returns an empty registry enforcing cfg's timeouts.
func NewRegistry(cfg config.SessionConfig, clk clock.Clock, sink events.Sink, log zerolog.Logger) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	if sink == nil {
		sink = events.Nop()
	}
	return &Registry{
		sessions: shard.New[*Session](shard.DefaultShards),
		owners:   shard.New[string](shard.DefaultShards),
		idle:     cfg.IdleTimeout,
		absolute: cfg.AbsoluteTimeout,
		clock:    clk,
		sink:     sink,
		log:      logging.Component(log, "sessions"),
	}
}

func ownerKey(s *Session) string {
	return s.identity + "\x00" + s.device
}

// Register adds s. An older live session for the same identity and device
// is terminated with ReasonSuperseded and returned.
func (r *Registry) Register(s *Session) (*Session, error) {
	id := s.ID()
	if _, loaded := r.sessions.LoadOrStore(id, s); loaded {
		return nil, ErrDuplicateID
	}

	var prevID string
	r.owners.Update(ownerKey(s), func(current string, exists bool) (string, bool) {
		if exists {
			prevID = current
		}
		return id, true
	})
	if prevID == "" || prevID == id {
		return nil, nil
	}

	prev, ok := r.sessions.LoadAndDelete(prevID)
	if !ok {
		return nil, nil
	}
	r.terminate(prev, ReasonSuperseded)
	return prev, nil
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Session, error) {
	s, ok := r.sessions.Load(id)
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Touch records activity on the session.
func (r *Registry) Touch(id string) error {
	s, ok := r.sessions.Load(id)
	if !ok {
		return ErrNotFound
	}
	s.touch(r.clock.Now())
	return nil
}

// IsExpired reports whether s exceeded the idle timeout or the absolute
// timeout. It has no side effects.
func (r *Registry) IsExpired(s *Session) bool {
	now := r.clock.Now()
	if r.idle > 0 && now.Sub(s.LastActivity()) > r.idle {
		return true
	}
	return r.absolute > 0 && now.Sub(s.createdAt) > r.absolute
}

// Remove deletes the session and terminates it with reason.
func (r *Registry) Remove(id string, reason Reason) error {
	s, ok := r.sessions.LoadAndDelete(id)
	if !ok {
		return ErrNotFound
	}
	r.owners.CompareAndDelete(ownerKey(s), func(current string) bool { return current == id })
	r.terminate(s, reason)
	return nil
}

// InvalidateIdentity terminates every session of identity before returning.
// Connections observe the termination through Session.Done and close
// themselves. It returns the number of sessions terminated.
func (r *Registry) InvalidateIdentity(identity, reason string) int {
	var ids []string
	r.sessions.Range(func(id string, s *Session) bool {
		if s.identity == identity {
			ids = append(ids, id)
		}
		return true
	})

	n := 0
	for _, id := range ids {
		if r.Remove(id, Reason(reason)) == nil {
			n++
		}
	}
	return n
}

// RotateID moves the session from oldID to newID. Every index is updated
// before RotateID returns and no lookup sees the session under both ids.
func (r *Registry) RotateID(oldID, newID string) error {
	var moved *Session
	if !r.sessions.Move(oldID, newID, func(s *Session) {
		s.setID(newID)
		moved = s
	}) {
		if _, ok := r.sessions.Load(oldID); !ok {
			return ErrNotFound
		}
		return ErrDuplicateID
	}

	superseded := false
	r.owners.Update(ownerKey(moved), func(current string, exists bool) (string, bool) {
		switch {
		case !exists:
			return newID, true
		case current == oldID:
			return newID, true
		default:
			// A newer session registered while this one was rotating.
			superseded = true
			return current, true
		}
	})
	if superseded {
		r.sessions.CompareAndDelete(newID, func(s *Session) bool { return s == moved })
		r.terminate(moved, ReasonSuperseded)
	}
	return nil
}

// Reap terminates and removes every expired session and returns how many.
func (r *Registry) Reap() int {
	var expired []string
	r.sessions.Range(func(id string, s *Session) bool {
		if r.IsExpired(s) {
			expired = append(expired, id)
		}
		return true
	})

	n := 0
	for _, id := range expired {
		var s *Session
		// Re-check under the shard lock so a session touched since the scan
		// survives.
		if !r.sessions.CompareAndDelete(id, func(cur *Session) bool {
			s = cur
			return r.IsExpired(cur)
		}) {
			continue
		}
		r.owners.CompareAndDelete(ownerKey(s), func(current string) bool { return current == id })
		r.terminate(s, ReasonExpired)
		n++
	}
	if n > 0 {
		r.log.Debug().Int("count", n).Msg("reaped expired sessions")
	}
	return n
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return r.sessions.Len()
}

func (r *Registry) terminate(s *Session, reason Reason) {
	if !s.Terminate(reason) {
		return
	}
	r.log.Debug().
		Str("peer_id", s.peerID).
		Str("session", logging.ShortID(s.ID())).
		Str("reason", string(reason)).
		Msg("session terminated")
	r.sink.Emit(events.New(events.KindSessionTerminated, s.peerID, "", map[string]string{
		"reason":   string(reason),
		"identity": s.identity,
	}))
}
