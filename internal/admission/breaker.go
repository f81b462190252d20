package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/luciancaetano/kephasrelay/internal/clock"
	"github.com/luciancaetano/kephasrelay/internal/config"
	"github.com/luciancaetano/kephasrelay/internal/logging"
)

// ErrOpen is returned without calling out while the breaker is open or a
// half-open probe is in flight.
var ErrOpen = errors.New("admission: circuit open")

// State is the breaker state.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker is a three-state circuit breaker. It opens after threshold
// consecutive failures, rejects calls for the recovery window and then lets
// exactly one probe through. The probe closes the circuit on success and
// reopens it on failure.
type Breaker struct {
	name      string
	threshold int32
	recovery  time.Duration
	clk       clock.Clock
	log       zerolog.Logger

	// state is read without the lock; mu serializes every transition.
	state atomic.Int32

	mu       sync.Mutex
	failures int32
	// openedAt is the time of the last transition to Open.
	openedAt time.Time
}

// NewBreaker returns a closed breaker.
func NewBreaker(name string, cfg config.BreakerConfig, clk clock.Clock, log zerolog.Logger) *Breaker {
	if clk == nil {
		clk = clock.Real()
	}
	threshold := cfg.Threshold
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		name:      name,
		threshold: int32(threshold),
		recovery:  cfg.Recovery,
		clk:       clk,
		log:       logging.Component(log, "breaker").With().Str("breaker", name).Logger(),
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Execute runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !b.allow() {
		return ErrOpen
	}
	err := fn(ctx)
	b.record(err == nil)
	return err
}

func (b *Breaker) allow() bool {
	if State(b.state.Load()) == Closed {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch State(b.state.Load()) {
	case Closed:
		return true
	case Open:
		if b.clk.Now().Sub(b.openedAt) < b.recovery {
			return false
		}
		// The caller that makes this transition is the single probe.
		b.state.Store(int32(HalfOpen))
		b.log.Info().Msg("circuit half-open")
		return true
	default:
		return false
	}
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch State(b.state.Load()) {
	case HalfOpen:
		if ok {
			b.failures = 0
			b.state.Store(int32(Closed))
			b.log.Info().Msg("circuit closed")
			return
		}
		b.trip(HalfOpen)
	case Closed:
		if ok {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.threshold {
			b.trip(Closed)
		}
	}
}

// trip opens the circuit. b.mu must be held, so only the caller that makes
// the transition stamps openedAt.
func (b *Breaker) trip(from State) {
	b.openedAt = b.clk.Now()
	b.failures = 0
	b.state.Store(int32(Open))
	b.log.Warn().Str("from", from.String()).Dur("recovery", b.recovery).Msg("circuit open")
}
