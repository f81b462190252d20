package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/kephasrelay/internal/clock"
	"github.com/luciancaetano/kephasrelay/internal/config"
	"github.com/luciancaetano/kephasrelay/internal/events"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type sink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *sink) Emit(e events.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func newRegistry(t *testing.T) (*Registry, *clock.FakeClock, *sink) {
	t.Helper()
	clk := clock.Fake(epoch)
	rec := &sink{}
	cfg := config.SessionConfig{IdleTimeout: 5 * time.Minute, AbsoluteTimeout: time.Hour}
	return NewRegistry(cfg, clk, rec, zerolog.Nop()), clk, rec
}

func newSession(identity, device string) *Session {
	return New(Params{
		PeerID:     "peer-" + identity + "-" + device,
		Identity:   identity,
		Device:     device,
		RemoteAddr: "203.0.113.1:4000",
	}, epoch)
}

func TestNewIDIs128BitHex(t *testing.T) {
	t.Parallel()

	a, b := NewID(), NewID()
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestRegisterAndGet(t *testing.T) {
	t.Parallel()

	r, _, _ := newRegistry(t)
	s := newSession("alice", "laptop")

	prev, err := r.Register(s)
	require.NoError(t, err)
	assert.Nil(t, prev)

	got, err := r.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, 1, r.Len())

	_, err = r.Register(s)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestMissingSessionIsNotFound(t *testing.T) {
	t.Parallel()

	r, _, _ := newRegistry(t)
	_, err := r.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Touch("nope"), ErrNotFound)
	assert.ErrorIs(t, r.Remove("nope", ReasonClosed), ErrNotFound)
	assert.ErrorIs(t, r.RotateID("nope", NewID()), ErrNotFound)
}

func TestOneLiveSessionPerIdentityDevice(t *testing.T) {
	t.Parallel()

	r, _, sink := newRegistry(t)
	first := newSession("alice", "laptop")
	phone := newSession("alice", "phone")
	_, err := r.Register(first)
	require.NoError(t, err)
	_, err = r.Register(phone)
	require.NoError(t, err)

	second := newSession("alice", "laptop")
	prev, err := r.Register(second)
	require.NoError(t, err)
	assert.Same(t, first, prev)

	assert.True(t, first.Terminated())
	assert.Equal(t, ReasonSuperseded, first.Reason())
	assert.False(t, phone.Terminated())
	assert.Equal(t, 2, r.Len())

	_, err = r.Get(first.ID())
	assert.ErrorIs(t, err, ErrNotFound)

	require.Len(t, sink.events, 1)
	assert.Equal(t, events.KindSessionTerminated, sink.events[0].Kind)
	assert.Equal(t, "superseded", sink.events[0].Attrs["reason"])
}

func TestIsExpired(t *testing.T) {
	t.Parallel()

	r, clk, _ := newRegistry(t)
	s := newSession("alice", "laptop")
	_, err := r.Register(s)
	require.NoError(t, err)

	assert.False(t, r.IsExpired(s))

	// Idle timeout.
	clk.Advance(5*time.Minute + time.Second)
	assert.True(t, r.IsExpired(s))
	assert.True(t, r.IsExpired(s), "repeated check without activity must agree")

	// Activity clears idleness.
	require.NoError(t, r.Touch(s.ID()))
	assert.False(t, r.IsExpired(s))
	assert.True(t, clk.Now().Equal(s.LastActivity()))

	// Absolute timeout applies even to an active session.
	for i := 0; i < 14; i++ {
		clk.Advance(4 * time.Minute)
		require.NoError(t, r.Touch(s.ID()))
	}
	assert.True(t, r.IsExpired(s))
}

func TestResumedSessionKeepsLineageStart(t *testing.T) {
	t.Parallel()

	r, clk, _ := newRegistry(t)
	clk.Advance(59 * time.Minute)
	s := New(Params{
		PeerID:    "peer-alice",
		Identity:  "alice",
		Device:    "laptop",
		CreatedAt: epoch,
	}, clk.Now())
	_, err := r.Register(s)
	require.NoError(t, err)

	assert.Equal(t, epoch, s.CreatedAt())
	assert.Equal(t, clk.Now(), s.LastActivity())
	assert.False(t, r.IsExpired(s))

	clk.Advance(time.Minute + time.Second)
	require.NoError(t, r.Touch(s.ID()))
	assert.True(t, r.IsExpired(s), "the absolute timeout counts from the lineage start")
}

func TestRemoveTerminates(t *testing.T) {
	t.Parallel()

	r, _, _ := newRegistry(t)
	s := newSession("alice", "laptop")
	_, err := r.Register(s)
	require.NoError(t, err)

	require.NoError(t, r.Remove(s.ID(), ReasonClosed))
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}
	assert.Equal(t, ReasonClosed, s.Reason())
	assert.Zero(t, r.Len())

	// The owner slot is free again.
	prev, err := r.Register(newSession("alice", "laptop"))
	require.NoError(t, err)
	assert.Nil(t, prev)
}

func TestTerminateOnce(t *testing.T) {
	t.Parallel()

	s := newSession("alice", "laptop")
	assert.Empty(t, s.Reason())
	assert.True(t, s.Terminate(ReasonRevoked))
	assert.False(t, s.Terminate(ReasonExpired))
	assert.Equal(t, ReasonRevoked, s.Reason())
}

func TestInvalidateIdentity(t *testing.T) {
	t.Parallel()

	r, _, _ := newRegistry(t)
	laptop := newSession("alice", "laptop")
	phone := newSession("alice", "phone")
	bob := newSession("bob", "laptop")
	for _, s := range []*Session{laptop, phone, bob} {
		_, err := r.Register(s)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, r.InvalidateIdentity("alice", string(ReasonRevoked)))
	assert.True(t, laptop.Terminated())
	assert.True(t, phone.Terminated())
	assert.Equal(t, ReasonRevoked, phone.Reason())
	assert.False(t, bob.Terminated())
	assert.Equal(t, 1, r.Len())

	assert.Zero(t, r.InvalidateIdentity("alice", string(ReasonRevoked)))
}

func TestRotateID(t *testing.T) {
	t.Parallel()

	r, _, _ := newRegistry(t)
	s := newSession("alice", "laptop")
	_, err := r.Register(s)
	require.NoError(t, err)
	oldID := s.ID()
	peer := s.PeerID()

	newID := NewID()
	require.NoError(t, r.RotateID(oldID, newID))
	assert.Equal(t, newID, s.ID())
	assert.Equal(t, peer, s.PeerID())

	_, err = r.Get(oldID)
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := r.Get(newID)
	require.NoError(t, err)
	assert.Same(t, s, got)

	// The owner index follows the rotation: a new login supersedes the
	// rotated session.
	prev, err := r.Register(newSession("alice", "laptop"))
	require.NoError(t, err)
	assert.Same(t, s, prev)
}

func TestRotateOntoTakenID(t *testing.T) {
	t.Parallel()

	r, _, _ := newRegistry(t)
	a, b := newSession("alice", "laptop"), newSession("bob", "laptop")
	_, err := r.Register(a)
	require.NoError(t, err)
	_, err = r.Register(b)
	require.NoError(t, err)

	assert.ErrorIs(t, r.RotateID(a.ID(), b.ID()), ErrDuplicateID)
}

func TestReap(t *testing.T) {
	t.Parallel()

	r, clk, _ := newRegistry(t)
	idle := newSession("alice", "laptop")
	active := newSession("bob", "laptop")
	_, err := r.Register(idle)
	require.NoError(t, err)
	_, err = r.Register(active)
	require.NoError(t, err)

	clk.Advance(4 * time.Minute)
	require.NoError(t, r.Touch(active.ID()))
	clk.Advance(2 * time.Minute)

	assert.Equal(t, 1, r.Reap())
	assert.True(t, idle.Terminated())
	assert.Equal(t, ReasonExpired, idle.Reason())
	assert.False(t, active.Terminated())
	assert.Zero(t, r.Reap())
}

func TestConcurrentRegisterSameOwner(t *testing.T) {
	t.Parallel()

	r, _, _ := newRegistry(t)
	const n = 32
	sessions := make([]*Session, n)
	var wg sync.WaitGroup
	for i := range sessions {
		sessions[i] = New(Params{PeerID: fmt.Sprintf("p%d", i), Identity: "alice", Device: "laptop"}, epoch)
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			_, _ = r.Register(s)
		}(sessions[i])
	}
	wg.Wait()

	live := 0
	for _, s := range sessions {
		if !s.Terminated() {
			live++
		}
	}
	assert.Equal(t, 1, live)
	assert.Equal(t, 1, r.Len())
}
