// Package room owns room lifecycle, membership, capacity, spectators, the
// lobby ready state and the authority role. Mutations of one room are serialized on that room's lock; unrelated
// rooms never contend.
package room

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/luciancaetano/kephasrelay/internal/config"
	"github.com/luciancaetano/kephasrelay/internal/events"
	"github.com/luciancaetano/kephasrelay/internal/logging"
	"github.com/luciancaetano/kephasrelay/internal/shard"
)

var (
	ErrCapacityConfigInvalid = errors.New("room: invalid capacity")
	ErrDuplicateCode         = errors.New("room: code already in use")
	ErrInvalidCode           = errors.New("room: invalid code")
	ErrInvalidVisibility     = errors.New("room: invalid visibility")
	ErrNotFound              = errors.New("room: not found")
	ErrFull                  = errors.New("room: full")
	ErrAlreadyMember         = errors.New("room: already a member")
	ErrNotMember             = errors.New("room: not a member")
	ErrNotAuthority          = errors.New("room: not the authority")
	ErrTargetNotMember       = errors.New("room: target is not a member")
	ErrSpectatorsFull        = errors.New("room: spectator limit reached")
	ErrNotSpectator          = errors.New("room: not a spectator")
	ErrNotInLobby            = errors.New("room: not in the lobby state")
)

const generateAttempts = 16

// Visibility classifies a room as public or private.
type Visibility string

const (
	Public  Visibility = "public"
	Private Visibility = "private"
)

// LobbyState is where a room stands in the ready handshake. A room enters
// the lobby once it is full, and is finalized when every member is ready.
type LobbyState string

const (
	Waiting   LobbyState = "waiting"
	Lobby     LobbyState = "lobby"
	Finalized LobbyState = "finalized"
)

// Config describes a room to create. Zero values take the registry
// defaults; an empty Code asks for a generated one.
type Config struct {
	Code       string
	Capacity   int
	Visibility Visibility
	Persistent bool
}

// Snapshot is a consistent copy of a room's state.
type Snapshot struct {
	Code       string
	Capacity   int
	Visibility Visibility
	Persistent bool
	// Members are in join order.
	Members   []string
	Authority string
	// Spectators watch the room without being members.
	Spectators []string
	Lobby      LobbyState
	// Ready lists the members that declared themselves ready, in order.
	Ready []string
}

// Has reports whether peerID is a member.
func (s Snapshot) Has(peerID string) bool {
	return slices.Contains(s.Members, peerID)
}

// Watching reports whether peerID is a spectator.
func (s Snapshot) Watching(peerID string) bool {
	return slices.Contains(s.Spectators, peerID)
}

// Includes reports whether peerID is a member or a spectator.
func (s Snapshot) Includes(peerID string) bool {
	return s.Has(peerID) || s.Watching(peerID)
}

// Others returns every member except peerID.
func (s Snapshot) Others(peerID string) []string {
	out := make([]string, 0, len(s.Members))
	for _, m := range s.Members {
		if m != peerID {
			out = append(out, m)
		}
	}
	return out
}

// Audience returns every member and spectator except peerID.
func (s Snapshot) Audience(peerID string) []string {
	out := s.Others(peerID)
	for _, p := range s.Spectators {
		if p != peerID {
			out = append(out, p)
		}
	}
	return out
}

// JoinResult is returned by Join.
type JoinResult struct {
	Room Snapshot
	// BecameAuthority is set when the joiner took authority of an empty
	// persistent room.
	BecameAuthority bool
	// LobbyChanged is set when the join filled the room.
	LobbyChanged bool
}

// LeaveResult is returned by Leave.
type LeaveResult struct {
	Room Snapshot
	// AuthorityChanged is set when the leaver held authority and another
	// member took it over.
	AuthorityChanged bool
	// Destroyed is set when the room was removed because it became empty.
	// Its spectators, if any, are still listed in Room.
	Destroyed bool
	// Spectator is set when the leaver was watching, not a member.
	Spectator bool
	// LobbyChanged is set when the room fell back to waiting.
	LobbyChanged bool
}

type room struct {
	mu         sync.Mutex
	code       string
	capacity   int
	visibility Visibility
	persistent bool
	// members is kept in join order, so members[0] is the longest-standing
	// member.
	members    []string
	authority  string
	spectators []string
	lobby      LobbyState
	ready      []string
	closed     bool
}

func (r *room) snapshot() Snapshot {
	return Snapshot{
		Code:       r.code,
		Capacity:   r.capacity,
		Visibility: r.visibility,
		Persistent: r.persistent,
		Members:    slices.Clone(r.members),
		Authority:  r.authority,
		Spectators: slices.Clone(r.spectators),
		Lobby:      r.lobby,
		Ready:      slices.Clone(r.ready),
	}
}

func (r *room) index(peerID string) int {
	return slices.Index(r.members, peerID)
}

// settleLobby enters the lobby when the room fills and falls back to
// waiting when it no longer is full. Ready marks are cleared on either
// move. Single-seat rooms never enter the lobby.
func (r *room) settleLobby() bool {
	full := r.capacity > 1 && len(r.members) == r.capacity
	switch {
	case full && r.lobby == Waiting:
		r.lobby = Lobby
	case !full && r.lobby != Waiting:
		r.lobby = Waiting
	default:
		return false
	}
	r.ready = nil
	return true
}

// Registry owns every room.
type Registry struct {
	rooms *shard.Map[*room]

	codeLength      int
	defaultCapacity int
	maxCapacity     int
	// maxSpectators bounds the spectators of one room. Zero means no limit.
	maxSpectators int

	sink events.Sink
	log  zerolog.Logger
}

// NewRegistry returns an empty registry using cfg's limits.
func NewRegistry(cfg config.RoomsConfig, sink events.Sink, log zerolog.Logger) *Registry {
	if sink == nil {
		sink = events.Nop()
	}
	return &Registry{
		rooms:           shard.New[*room](shard.DefaultShards),
		codeLength:      cfg.CodeLength,
		defaultCapacity: cfg.DefaultCapacity,
		maxCapacity:     cfg.MaxCapacity,
		maxSpectators:   cfg.MaxSpectators,
		sink:            sink,
		log:             logging.Component(log, "rooms"),
	}
}

// Create makes a room with creator as its only member and authority. A
// taken code is rejected, never overwritten.
func (g *Registry) Create(cfg Config, creator string) (Snapshot, error) {
	capacity := cfg.Capacity
	if capacity == 0 {
		capacity = g.defaultCapacity
	}
	if capacity < 1 || capacity > g.maxCapacity {
		return Snapshot{}, fmt.Errorf("%w: %d not in [1, %d]", ErrCapacityConfigInvalid, capacity, g.maxCapacity)
	}

	visibility := cfg.Visibility
	switch visibility {
	case "":
		visibility = Private
	case Public, Private:
	default:
		return Snapshot{}, fmt.Errorf("%w: %q", ErrInvalidVisibility, visibility)
	}

	newRoom := func(code string) *room {
		return &room{
			code:       code,
			capacity:   capacity,
			visibility: visibility,
			persistent: cfg.Persistent,
			members:    []string{creator},
			authority:  creator,
			lobby:      Waiting,
		}
	}

	if cfg.Code != "" {
		code := NormalizeCode(cfg.Code)
		if !ValidCode(code, g.codeLength) {
			return Snapshot{}, ErrInvalidCode
		}
		r := newRoom(code)
		if _, loaded := g.rooms.LoadOrStore(code, r); loaded {
			return Snapshot{}, ErrDuplicateCode
		}
		g.created(r)
		return r.snapshot(), nil
	}

	for i := 0; i < generateAttempts; i++ {
		r := newRoom(GenerateCode(g.codeLength))
		if _, loaded := g.rooms.LoadOrStore(r.code, r); !loaded {
			g.created(r)
			return r.snapshot(), nil
		}
	}
	return Snapshot{}, ErrDuplicateCode
}

func (g *Registry) created(r *room) {
	g.log.Debug().
		Str("room", r.code).
		Int("capacity", r.capacity).
		Str("authority", r.authority).
		Msg("room created")
}

// lookup returns the live room for a normalized code.
func (g *Registry) lookup(code string) (*room, error) {
	r, ok := g.rooms.Load(NormalizeCode(code))
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

// Join adds peerID to the room. A room admits a member only while its
// member count is strictly below capacity.
func (g *Registry) Join(code, peerID string) (JoinResult, error) {
	r, err := g.lookup(code)
	if err != nil {
		return JoinResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return JoinResult{}, ErrNotFound
	}
	if r.index(peerID) >= 0 || slices.Contains(r.spectators, peerID) {
		return JoinResult{}, ErrAlreadyMember
	}
	if len(r.members) >= r.capacity {
		return JoinResult{}, ErrFull
	}

	r.members = append(r.members, peerID)
	res := JoinResult{}
	if r.authority == "" {
		r.authority = peerID
		res.BecameAuthority = true
	}
	res.LobbyChanged = r.settleLobby()
	res.Room = r.snapshot()
	return res, nil
}

// Leave removes peerID, whether a member or a spectator. When the leaver
// held authority it passes to the remaining member with the lowest join
// order. A room left without members is destroyed unless it is persistent.
func (g *Registry) Leave(code, peerID string) (LeaveResult, error) {
	r, err := g.lookup(code)
	if err != nil {
		return LeaveResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return LeaveResult{}, ErrNotFound
	}
	i := r.index(peerID)
	if i < 0 {
		j := slices.Index(r.spectators, peerID)
		if j < 0 {
			return LeaveResult{}, ErrNotMember
		}
		r.spectators = slices.Delete(r.spectators, j, j+1)
		return LeaveResult{Room: r.snapshot(), Spectator: true}, nil
	}
	r.members = slices.Delete(r.members, i, i+1)
	r.ready = slices.DeleteFunc(r.ready, func(p string) bool { return p == peerID })

	res := LeaveResult{LobbyChanged: r.settleLobby()}
	if r.authority == peerID {
		r.authority = ""
		if len(r.members) > 0 {
			r.authority = r.members[0]
			res.AuthorityChanged = true
			g.sink.Emit(events.New(events.KindAuthorityTransferred, r.authority, r.code, map[string]string{
				"from":   peerID,
				"reason": "failover",
			}))
		}
	}

	if len(r.members) == 0 && !r.persistent {
		r.closed = true
		g.rooms.CompareAndDelete(r.code, func(cur *room) bool { return cur == r })
		res.Destroyed = true
		g.log.Debug().Str("room", r.code).Msg("room destroyed")
	}
	res.Room = r.snapshot()
	return res, nil
}

// Spectate adds peerID as a spectator. Spectators do not count against
// capacity but are bounded by the registry's spectator limit.
func (g *Registry) Spectate(code, peerID string) (Snapshot, error) {
	r, err := g.lookup(code)
	if err != nil {
		return Snapshot{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Snapshot{}, ErrNotFound
	}
	if r.index(peerID) >= 0 || slices.Contains(r.spectators, peerID) {
		return Snapshot{}, ErrAlreadyMember
	}
	if g.maxSpectators > 0 && len(r.spectators) >= g.maxSpectators {
		return Snapshot{}, ErrSpectatorsFull
	}
	r.spectators = append(r.spectators, peerID)
	return r.snapshot(), nil
}

// Unspectate removes the spectator peerID.
func (g *Registry) Unspectate(code, peerID string) (Snapshot, error) {
	r, err := g.lookup(code)
	if err != nil {
		return Snapshot{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Snapshot{}, ErrNotFound
	}
	j := slices.Index(r.spectators, peerID)
	if j < 0 {
		return Snapshot{}, ErrNotSpectator
	}
	r.spectators = slices.Delete(r.spectators, j, j+1)
	return r.snapshot(), nil
}

// SetReady records whether member peerID is ready. It is only accepted in
// the lobby state; once every member is ready the room is finalized.
func (g *Registry) SetReady(code, peerID string, ready bool) (Snapshot, error) {
	r, err := g.lookup(code)
	if err != nil {
		return Snapshot{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Snapshot{}, ErrNotFound
	}
	if r.index(peerID) < 0 {
		return Snapshot{}, ErrNotMember
	}
	if r.lobby != Lobby {
		return Snapshot{}, ErrNotInLobby
	}

	marked := slices.Contains(r.ready, peerID)
	switch {
	case ready && !marked:
		r.ready = append(r.ready, peerID)
	case !ready && marked:
		r.ready = slices.DeleteFunc(r.ready, func(p string) bool { return p == peerID })
	}
	if len(r.ready) == len(r.members) {
		r.lobby = Finalized
		g.log.Debug().Str("room", r.code).Int("members", len(r.members)).Msg("all members ready")
	}
	return r.snapshot(), nil
}

// TransferAuthority hands authority from requester to target. Only the
// current authority may transfer; leave-driven failover happens inside
// Leave.
func (g *Registry) TransferAuthority(code, target, requester string) (Snapshot, error) {
	r, err := g.lookup(code)
	if err != nil {
		return Snapshot{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Snapshot{}, ErrNotFound
	}
	if r.authority != requester {
		return Snapshot{}, ErrNotAuthority
	}
	if r.index(target) < 0 {
		return Snapshot{}, ErrTargetNotMember
	}
	if target != requester {
		r.authority = target
		g.sink.Emit(events.New(events.KindAuthorityTransferred, target, r.code, map[string]string{
			"from":   requester,
			"reason": "transfer",
		}))
	}
	return r.snapshot(), nil
}

// Close destroys the room on behalf of its authority and returns the state
// it had, so the caller can notify the members.
func (g *Registry) Close(code, requester string) (Snapshot, error) {
	r, err := g.lookup(code)
	if err != nil {
		return Snapshot{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Snapshot{}, ErrNotFound
	}
	if r.authority != requester {
		return Snapshot{}, ErrNotAuthority
	}
	r.closed = true
	g.rooms.CompareAndDelete(r.code, func(cur *room) bool { return cur == r })
	g.log.Debug().Str("room", r.code).Str("by", requester).Msg("room closed")
	return r.snapshot(), nil
}

// Snapshot returns the current state of a room.
func (g *Registry) Snapshot(code string) (Snapshot, error) {
	r, err := g.lookup(code)
	if err != nil {
		return Snapshot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Snapshot{}, ErrNotFound
	}
	return r.snapshot(), nil
}

// Len returns the number of live rooms.
func (g *Registry) Len() int {
	return g.rooms.Len()
}
