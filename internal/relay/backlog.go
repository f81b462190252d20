package relay

import (
	"slices"
	"sync"
)

// event is one room frame kept for members that drop and resume.
type event struct {
	seq   uint64
	about string
	frame []byte
	// to lists the peers the frame reached when it was sent.
	to []string
}

// backlog holds the most recent room events and the position at which each
// away member stopped listening.
type backlog struct {
	mu     sync.Mutex
	seq    uint64
	events []event
	away   map[string]uint64
}

func (r *Relay) roomBacklog(code string) *backlog {
	item, _ := r.backlogs.GetOrSet(code, &backlog{away: make(map[string]uint64)})
	return item.Value()
}

func (r *Relay) record(code, about string, frame []byte, to []string) {
	if r.backlogSize <= 0 || code == "" {
		return
	}
	b := r.roomBacklog(code)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.events = append(b.events, event{seq: b.seq, about: about, frame: frame, to: to})
	if over := len(b.events) - r.backlogSize; over > 0 {
		b.events = append(b.events[:0], b.events[over:]...)
	}
}

// Depart marks peerID as away from the room. Events from now on are kept
// for it until Missed is called or the buffer overflows.
func (r *Relay) Depart(peerID, code string) {
	if r.backlogSize <= 0 {
		return
	}
	b := r.roomBacklog(code)
	b.mu.Lock()
	b.away[peerID] = b.seq
	b.mu.Unlock()
}

// Missed returns, oldest first, the buffered room frames peerID did not
// receive since Depart, and clears its away mark. Frames about peerID
// itself are skipped.
func (r *Relay) Missed(peerID, code string) [][]byte {
	item := r.backlogs.Get(code)
	if item == nil {
		return nil
	}
	b := item.Value()
	b.mu.Lock()
	defer b.mu.Unlock()
	since, ok := b.away[peerID]
	if !ok {
		return nil
	}
	delete(b.away, peerID)

	var out [][]byte
	for _, e := range b.events {
		if e.seq <= since || e.about == peerID || slices.Contains(e.to, peerID) {
			continue
		}
		out = append(out, e.frame)
	}
	return out
}

// DropRoom discards the buffered events of a destroyed room.
func (r *Relay) DropRoom(code string) {
	r.backlogs.Delete(code)
}
