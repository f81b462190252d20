// Package admission sheds load progressively as the connection count
// approaches its limit, and guards calls to external collaborators with a
// circuit breaker.
package admission

import (
	"strconv"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/luciancaetano/kephasrelay/internal/config"
	"github.com/luciancaetano/kephasrelay/internal/events"
	"github.com/luciancaetano/kephasrelay/internal/logging"
)

// Level is the discrete service level derived from the connection ratio.
type Level int32

const (
	Full Level = iota
	Degraded
	Critical
	Overloaded
)

func (l Level) String() string {
	switch l {
	case Full:
		return "full"
	case Degraded:
		return "degraded"
	case Critical:
		return "critical"
	case Overloaded:
		return "overloaded"
	default:
		return "unknown"
	}
}

// Class is a kind of work a client asks the server to take on.
type Class int

const (
	// Session is a new authenticated session.
	Session Class = iota
	RoomCreate
	RoomJoin
	// Signal is relay traffic inside a room.
	Signal
	Reconnect
)

func (c Class) String() string {
	switch c {
	case Session:
		return "session"
	case RoomCreate:
		return "room_create"
	case RoomJoin:
		return "room_join"
	case Signal:
		return "signal"
	case Reconnect:
		return "reconnect"
	default:
		return "unknown"
	}
}

// Admits reports whether the level admits work of class c. Degraded drops
// room creation, Critical keeps only reconnects and Overloaded admits
// nothing.
func (l Level) Admits(c Class) bool {
	switch l {
	case Full:
		return true
	case Degraded:
		return c != RoomCreate
	case Critical:
		return c == Reconnect
	default:
		return false
	}
}

// Governor tracks active connections and the resulting service level. All
// state is atomic; no call blocks.
type Governor struct {
	max        int64
	degraded   float64
	critical   float64
	overloaded float64
	hysteresis float64

	active   atomic.Int64
	level    atomic.Int32
	shutdown atomic.Bool

	sink events.Sink
	log  zerolog.Logger
}

// NewGovernor returns a Governor for at most maxConnections connections.
func NewGovernor(cfg config.AdmissionConfig, maxConnections int64, sink events.Sink, log zerolog.Logger) *Governor {
	if sink == nil {
		sink = events.Nop()
	}
	if maxConnections < 1 {
		maxConnections = 1
	}
	return &Governor{
		max:        maxConnections,
		degraded:   cfg.Degraded,
		critical:   cfg.Critical,
		overloaded: cfg.Overloaded,
		hysteresis: cfg.Hysteresis,
		sink:       sink,
		log:        logging.Component(log, "admission"),
	}
}

// levelFor maps a connection ratio to a level with no memory.
func (g *Governor) levelFor(ratio float64) Level {
	switch {
	case ratio < g.degraded:
		return Full
	case ratio < g.critical:
		return Degraded
	case ratio < g.overloaded:
		return Critical
	default:
		return Overloaded
	}
}

// next returns the level to move to from cur. Rising follows the ratio
// directly; falling waits until the ratio has cleared the lower threshold by
// the hysteresis band.
func (g *Governor) next(cur Level, ratio float64) Level {
	raw := g.levelFor(ratio)
	if raw >= cur {
		return raw
	}
	if banded := g.levelFor(ratio + g.hysteresis); banded < cur {
		return banded
	}
	return cur
}

func (g *Governor) recompute(active int64) {
	ratio := float64(active) / float64(g.max)
	for {
		cur := Level(g.level.Load())
		next := g.next(cur, ratio)
		if next == cur {
			return
		}
		if g.level.CompareAndSwap(int32(cur), int32(next)) {
			g.log.Info().
				Str("from", cur.String()).
				Str("to", next.String()).
				Int64("active", active).
				Int64("max", g.max).
				Msg("service level changed")
			g.sink.Emit(events.New(events.KindServiceLevelChanged, "", "", map[string]string{
				"from":   cur.String(),
				"to":     next.String(),
				"active": strconv.FormatInt(active, 10),
			}))
			return
		}
	}
}

// Acquire counts a new connection. It returns false, counting nothing, when
// the server is Overloaded, shutting down or at its connection limit.
func (g *Governor) Acquire() bool {
	if !g.IsAcceptingConnections() {
		return false
	}
	n := g.active.Add(1)
	if n > g.max {
		n = g.active.Add(-1)
		g.recompute(n)
		return false
	}
	g.recompute(n)
	return true
}

// Release uncounts a connection taken with Acquire.
func (g *Governor) Release() {
	g.recompute(g.active.Add(-1))
}

// Level returns the current service level.
func (g *Governor) Level() Level {
	return Level(g.level.Load())
}

// Admit reports whether work of class c is admitted now. During shutdown
// only traffic of already established rooms passes.
func (g *Governor) Admit(c Class) bool {
	if g.shutdown.Load() && c != Signal {
		return false
	}
	return g.Level().Admits(c)
}

// IsAcceptingConnections reports whether new connections may be upgraded.
func (g *Governor) IsAcceptingConnections() bool {
	return !g.shutdown.Load() && g.Level() < Overloaded
}

// IsAcceptingNewWork reports whether the server takes new sessions and rooms
// without shedding. Readiness probes use it.
func (g *Governor) IsAcceptingNewWork() bool {
	return !g.shutdown.Load() && g.Level() <= Degraded
}

// BeginShutdown stops admission of new work.
func (g *Governor) BeginShutdown() {
	if g.shutdown.CompareAndSwap(false, true) {
		g.log.Info().Int64("active", g.active.Load()).Msg("admission closed for shutdown")
	}
}

// ShuttingDown reports whether BeginShutdown was called.
func (g *Governor) ShuttingDown() bool {
	return g.shutdown.Load()
}

// Active returns the number of counted connections.
func (g *Governor) Active() int64 {
	return g.active.Load()
}

// ServiceLevelValue returns the level as a number for gauges.
func (g *Governor) ServiceLevelValue() int {
	return int(g.Level())
}
