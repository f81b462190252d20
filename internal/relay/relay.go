// Package relay routes signaling messages between members of a room. It
// binds every message to its authenticated sender, enforces per-channel
// sequence numbers and single-use nonces, and delivers without blocking.
package relay

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/luciancaetano/kephasrelay/internal/config"
	"github.com/luciancaetano/kephasrelay/internal/events"
	"github.com/luciancaetano/kephasrelay/internal/logging"
	"github.com/luciancaetano/kephasrelay/internal/protocol"
	"github.com/luciancaetano/kephasrelay/internal/room"
)

var (
	ErrInvalidSequence = errors.New("relay: invalid sequence")
	ErrReplayedNonce   = errors.New("relay: replayed nonce")
	ErrNotAuthority    = errors.New("relay: not the room authority")
	ErrPeerNotInRoom   = errors.New("relay: sender is not in the room")
	ErrTargetUnknown   = errors.New("relay: unknown target")
	ErrSpectator       = errors.New("relay: spectators cannot send")
	// ErrNonceSetFull is returned while the set of live nonces is at
	// capacity. Nonces leave the set only when they expire.
	ErrNonceSetFull = errors.New("relay: nonce set full")
	// ErrNotRoutable is returned for client messages the relay does not
	// carry, such as join_room.
	ErrNotRoutable = errors.New("relay: message is not routable")
)

// SequenceError reports a message whose sequence number was not the next
// expected one. It matches ErrInvalidSequence.
type SequenceError struct {
	Expected uint64
	Received uint64
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("relay: invalid sequence: expected %d, received %d", e.Expected, e.Received)
}

// Is makes errors.Is(err, ErrInvalidSequence) hold.
func (e *SequenceError) Is(target error) bool {
	return target == ErrInvalidSequence
}

// Replay reports whether the message repeats an already accepted number.
// Otherwise messages were lost in between.
func (e *SequenceError) Replay() bool {
	return e.Received < e.Expected
}

// Directory delivers encoded frames to connected peers. Deliver must not
// block; it returns false when the peer is gone or its queue is full.
type Directory interface {
	Deliver(peerID string, frame []byte) bool
}

// Sender is the authenticated origin of a message, as known to the
// connection that read it.
type Sender struct {
	PeerID string
	Room   string
}

// Result describes a routed message.
type Result struct {
	Delivered int
	Dropped   int
	// Room is the room state after the operation. For close_room it is the
	// state just before the room was destroyed.
	Room room.Snapshot
}

// channel is the sequence state of one sender in one room.
type channel struct {
	mu   sync.Mutex
	next uint64
}

// Relay validates and routes signaling traffic.
type Relay struct {
	rooms *room.Registry
	dir   Directory
	sink  events.Sink
	log   zerolog.Logger

	// channels expire after the session idle timeout without traffic, which
	// keeps state across a reconnect but not forever.
	channels *ttlcache.Cache[string, *channel]
	nonces   *ttlcache.Cache[string, struct{}]
	// nonceCap bounds the live nonce set. Zero means unbounded.
	nonceCap int

	backlogs    *ttlcache.Cache[string, *backlog]
	backlogSize int
}

// New returns a Relay. idle bounds how long an unused channel keeps its
// sequence state. Call Close to stop the expiry goroutines.
func New(cfg config.RelayConfig, idle time.Duration, rooms *room.Registry, dir Directory, sink events.Sink, log zerolog.Logger) *Relay {
	if sink == nil {
		sink = events.Nop()
	}
	r := &Relay{
		rooms: rooms,
		dir:   dir,
		sink:  sink,
		log:   logging.Component(log, "relay"),
		channels: ttlcache.New(
			ttlcache.WithTTL[string, *channel](idle),
		),
		nonces: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](cfg.NonceTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		nonceCap: int(cfg.NonceCapacity),
		backlogs: ttlcache.New(
			ttlcache.WithTTL[string, *backlog](idle),
		),
		backlogSize: cfg.EventBufferSize,
	}
	go r.channels.Start()
	go r.nonces.Start()
	go r.backlogs.Start()
	return r
}

// Close stops background expiry.
func (r *Relay) Close() {
	r.channels.Stop()
	r.nonces.Stop()
	r.backlogs.Stop()
}

func channelKey(peerID, code string) string {
	return peerID + "|" + code
}

func (r *Relay) channel(peerID, code string) *channel {
	item, _ := r.channels.GetOrSet(channelKey(peerID, code), &channel{next: 1})
	return item.Value()
}

// Expected returns the next sequence number the relay accepts from peerID
// in the room.
func (r *Relay) Expected(peerID, code string) uint64 {
	item := r.channels.Get(channelKey(peerID, code))
	if item == nil {
		return 1
	}
	ch := item.Value()
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.next
}

// Forget drops the sequence state of peerID in the room. The next message
// must carry sequence 1.
func (r *Relay) Forget(peerID, code string) {
	r.channels.Delete(channelKey(peerID, code))
}

// ClaimNonce consumes a single-use nonce of peerID. The check and the
// insert are one atomic step; a second presentation fails with
// ErrReplayedNonce whatever the payload. A live nonce is never evicted to
// make room: while the set is full new nonces fail with ErrNonceSetFull.
func (r *Relay) ClaimNonce(peerID, nonce string) error {
	key := peerID + "\x00" + nonce
	if r.nonceCap > 0 && r.nonces.Len() >= r.nonceCap && !r.nonces.Has(key) {
		r.log.Warn().Int("capacity", r.nonceCap).Msg("nonce set full")
		return ErrNonceSetFull
	}
	if _, found := r.nonces.GetOrSet(key, struct{}{}); found {
		r.sink.Emit(events.New(events.KindReplayDetected, peerID, "", map[string]string{"what": "nonce"}))
		return ErrReplayedNonce
	}
	return nil
}

// Route validates msg from sender and delivers it. A message is applied
// completely or not at all: no rejection advances the expected sequence.
// Nonces of critical operations are consumed once the sequence check
// passes, even if the operation itself then fails.
func (r *Relay) Route(sender Sender, msg protocol.ClientMessage) (Result, error) {
	seq, ok := msg.(protocol.Sequenced)
	if !ok {
		return Result{}, ErrNotRoutable
	}
	if sender.Room == "" {
		return Result{}, ErrPeerNotInRoom
	}
	snap, err := r.rooms.Snapshot(sender.Room)
	if err != nil {
		return Result{}, ErrPeerNotInRoom
	}
	if !snap.Has(sender.PeerID) {
		if snap.Watching(sender.PeerID) {
			return Result{}, ErrSpectator
		}
		return Result{}, ErrPeerNotInRoom
	}

	target := ""
	switch m := msg.(type) {
	case *protocol.Offer:
		target = m.Target
	case *protocol.Answer:
		target = m.Target
	case *protocol.ICECandidate:
		target = m.Target
	}
	if target != "" && (target == sender.PeerID || !snap.Has(target)) {
		return Result{}, ErrTargetUnknown
	}

	ch := r.channel(sender.PeerID, snap.Code)
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if got := seq.Sequence(); got != ch.next {
		serr := &SequenceError{Expected: ch.next, Received: got}
		kind := events.KindSequenceGap
		if serr.Replay() {
			kind = events.KindReplayDetected
		}
		r.sink.Emit(events.New(kind, sender.PeerID, snap.Code, map[string]string{
			"expected": strconv.FormatUint(serr.Expected, 10),
			"received": strconv.FormatUint(serr.Received, 10),
		}))
		return Result{}, serr
	}

	if n, ok := msg.(protocol.Nonced); ok {
		if err := r.ClaimNonce(sender.PeerID, n.OperationNonce()); err != nil {
			return Result{}, err
		}
	}

	var res Result
	switch m := msg.(type) {
	case *protocol.Offer:
		out := *m
		out.From = sender.PeerID
		res = r.deliverTo(snap, target, &out)
	case *protocol.Answer:
		out := *m
		out.From = sender.PeerID
		res = r.deliverTo(snap, target, &out)
	case *protocol.ICECandidate:
		out := *m
		out.From = sender.PeerID
		res = r.deliverTo(snap, target, &out)
	case *protocol.Broadcast:
		out := *m
		out.From = sender.PeerID
		res = r.fanOut(snap, sender.PeerID, &out)
	case *protocol.TransferAuthority:
		res, err = r.transfer(snap, sender.PeerID, m.To)
	case *protocol.CloseRoom:
		res, err = r.closeRoom(snap, sender.PeerID)
	default:
		return Result{}, ErrNotRoutable
	}
	if err != nil {
		return Result{}, err
	}

	ch.next++
	return res, nil
}

func (r *Relay) deliverTo(snap room.Snapshot, target string, msg protocol.Message) Result {
	frame, err := protocol.Encode(msg)
	if err != nil {
		r.log.Error().Err(err).Msg("encode relayed message")
		return Result{Room: snap}
	}
	if r.deliver(snap.Code, target, frame, msg.MessageType()) {
		return Result{Delivered: 1, Room: snap}
	}
	return Result{Dropped: 1, Room: snap}
}

func (r *Relay) fanOut(snap room.Snapshot, except string, msg protocol.Message) Result {
	delivered, dropped := r.AnnounceRoom(snap, except, msg)
	return Result{Delivered: delivered, Dropped: dropped, Room: snap}
}

func (r *Relay) transfer(snap room.Snapshot, requester, target string) (Result, error) {
	after, err := r.rooms.TransferAuthority(snap.Code, target, requester)
	switch {
	case errors.Is(err, room.ErrNotAuthority):
		return Result{}, ErrNotAuthority
	case errors.Is(err, room.ErrTargetNotMember):
		return Result{}, ErrTargetUnknown
	case errors.Is(err, room.ErrNotFound):
		return Result{}, ErrPeerNotInRoom
	case err != nil:
		return Result{}, err
	}
	delivered, dropped := r.AnnounceAuthority(after)
	return Result{Delivered: delivered, Dropped: dropped, Room: after}, nil
}

func (r *Relay) closeRoom(snap room.Snapshot, requester string) (Result, error) {
	before, err := r.rooms.Close(snap.Code, requester)
	switch {
	case errors.Is(err, room.ErrNotAuthority):
		return Result{}, ErrNotAuthority
	case errors.Is(err, room.ErrNotFound):
		return Result{}, ErrPeerNotInRoom
	case err != nil:
		return Result{}, err
	}
	delivered, dropped := r.Announce(before.Audience(""), &protocol.RoomClosed{Code: before.Code})
	for _, peer := range before.Members {
		r.Forget(peer, before.Code)
	}
	r.DropRoom(before.Code)
	return Result{Delivered: delivered, Dropped: dropped, Room: before}, nil
}

// Announce delivers a server-originated message to every listed peer.
func (r *Relay) Announce(peers []string, msg protocol.Message) (delivered, dropped int) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		r.log.Error().Err(err).Str("type", string(msg.MessageType())).Msg("encode announcement")
		return 0, len(peers)
	}
	for _, peer := range peers {
		if r.deliver("", peer, frame, msg.MessageType()) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

// AnnounceRoom delivers a room event to every member and spectator except
// about, and keeps it for members that are away.
func (r *Relay) AnnounceRoom(snap room.Snapshot, about string, msg protocol.Message) (delivered, dropped int) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		r.log.Error().Err(err).Str("type", string(msg.MessageType())).Msg("encode room event")
		return 0, 0
	}
	audience := snap.Audience(about)
	got := make([]string, 0, len(audience))
	for _, peer := range audience {
		if r.deliver(snap.Code, peer, frame, msg.MessageType()) {
			got = append(got, peer)
		} else {
			dropped++
		}
	}
	r.record(snap.Code, about, frame, got)
	return len(got), dropped
}

// AnnounceAuthority tells the room who holds authority now. The authority
// itself gets a copy flagged as its own.
func (r *Relay) AnnounceAuthority(snap room.Snapshot) (delivered, dropped int) {
	if snap.Authority == "" || !snap.Has(snap.Authority) {
		return r.AnnounceRoom(snap, "", &protocol.AuthorityChanged{Authority: snap.Authority})
	}
	delivered, dropped = r.AnnounceRoom(snap, snap.Authority, &protocol.AuthorityChanged{Authority: snap.Authority})
	d, x := r.Announce([]string{snap.Authority}, &protocol.AuthorityChanged{Authority: snap.Authority, YouAreAuthority: true})
	return delivered + d, dropped + x
}

func (r *Relay) deliver(code, peer string, frame []byte, typ protocol.Type) bool {
	if r.dir.Deliver(peer, frame) {
		return true
	}
	r.log.Warn().
		Str("peer_id", peer).
		Str("room", code).
		Str("type", string(typ)).
		Msg("delivery dropped")
	r.sink.Emit(events.New(events.KindDeliveryDropped, peer, code, map[string]string{"type": string(typ)}))
	return false
}
