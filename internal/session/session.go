// Package session holds authenticated sessions and enforces their idle and
// absolute timeouts.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"
)

// Reason explains why a session ended.
type Reason string

const (
	ReasonClosed     Reason = "closed"
	ReasonSuperseded Reason = "superseded"
	ReasonRevoked    Reason = "revoked"
	ReasonExpired    Reason = "expired"
	ReasonViolation  Reason = "protocol_violation"
	ReasonShutdown   Reason = "shutdown"
)

// NewID returns a random 128-bit identifier in hex.
func NewID() string {
	var b [16]byte
	// crypto/rand.Read never fails on supported platforms.
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Params describe a session at creation.
type Params struct {
	// ID is generated when empty.
	ID string
	// PeerID is the public identifier other room members see.
	PeerID       string
	Identity     string
	Device       string
	CredentialID string
	RemoteAddr   string
	UserAgent    string
	// CreatedAt is when the session lineage began. A resumed session keeps
	// the time of the session it resumes, so the absolute timeout spans
	// reconnects. Zero means now.
	CreatedAt time.Time
	// CredentialExpires is the expiry of the credential that opened the
	// lineage. Zero means unknown.
	CredentialExpires time.Time
}

// Session is one authenticated client. Its ID is secret and may be rotated;
// the PeerID is public and never changes, including across reconnects.
type Session struct {
	mu sync.RWMutex
	id string

	peerID       string
	identity     string
	device       string
	credentialID string
	remoteAddr   string
	userAgent    string
	createdAt    time.Time
	credExpires  time.Time
	lastActive   atomic.Int64

	once   sync.Once
	done   chan struct{}
	reason atomic.Value // Reason
}

// New creates a session active at now.
func New(p Params, now time.Time) *Session {
	if p.ID == "" {
		p.ID = NewID()
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	s := &Session{
		id:           p.ID,
		peerID:       p.PeerID,
		identity:     p.Identity,
		device:       p.Device,
		credentialID: p.CredentialID,
		remoteAddr:   p.RemoteAddr,
		userAgent:    p.UserAgent,
		createdAt:    createdAt,
		credExpires:  p.CredentialExpires,
		done:         make(chan struct{}),
	}
	s.lastActive.Store(now.UnixNano())
	return s
}

// ID returns the current secret session id.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

func (s *Session) setID(id string) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

func (s *Session) PeerID() string       { return s.peerID }
func (s *Session) Identity() string     { return s.identity }
func (s *Session) Device() string       { return s.device }
func (s *Session) CredentialID() string { return s.credentialID }
func (s *Session) RemoteAddr() string   { return s.remoteAddr }
func (s *Session) UserAgent() string    { return s.userAgent }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// CredentialExpires returns the expiry of the opening credential, or the
// zero time.
func (s *Session) CredentialExpires() time.Time { return s.credExpires }

// LastActivity returns the time of the last Touch.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastActive.Store(now.UnixNano())
}

// Terminate marks the session ended and closes Done. Only the first call has
// an effect; it reports whether this call was that one.
func (s *Session) Terminate(reason Reason) bool {
	first := false
	s.once.Do(func() {
		s.reason.Store(reason)
		close(s.done)
		first = true
	})
	return first
}

// Done is closed when the session is terminated.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Terminated reports whether Terminate has been called.
func (s *Session) Terminated() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Reason returns the termination reason, or "" while the session is live.
func (s *Session) Reason() Reason {
	r, _ := s.reason.Load().(Reason)
	return r
}
