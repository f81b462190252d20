package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/kephasrelay/internal/clock"
	"github.com/luciancaetano/kephasrelay/internal/config"
	"github.com/luciancaetano/kephasrelay/internal/events"
)

type sink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *sink) Emit(e events.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func defaultThresholds(hysteresis float64) config.AdmissionConfig {
	return config.AdmissionConfig{Degraded: 0.70, Critical: 0.85, Overloaded: 0.95, Hysteresis: hysteresis}
}

func acquire(t *testing.T, g *Governor, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.True(t, g.Acquire(), "acquire %d", i)
	}
}

func TestLevelAdmits(t *testing.T) {
	t.Parallel()

	classes := []Class{Session, RoomCreate, RoomJoin, Signal, Reconnect}
	tests := []struct {
		level Level
		want  []bool
	}{
		{level: Full, want: []bool{true, true, true, true, true}},
		{level: Degraded, want: []bool{true, false, true, true, true}},
		{level: Critical, want: []bool{false, false, false, false, true}},
		{level: Overloaded, want: []bool{false, false, false, false, false}},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			t.Parallel()
			for i, c := range classes {
				assert.Equal(t, tt.want[i], tt.level.Admits(c), c.String())
			}
		})
	}
}

func TestLevelThresholds(t *testing.T) {
	t.Parallel()

	g := NewGovernor(defaultThresholds(0), 100, nil, zerolog.Nop())
	tests := []struct {
		active int
		want   Level
	}{
		{active: 69, want: Full},
		{active: 70, want: Degraded},
		{active: 84, want: Degraded},
		{active: 85, want: Critical},
		{active: 94, want: Critical},
		{active: 95, want: Overloaded},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, g.levelFor(float64(tt.active)/100), "active=%d", tt.active)
	}
}

func TestScenarioLoadRise(t *testing.T) {
	t.Parallel()

	rec := &sink{}
	g := NewGovernor(defaultThresholds(0.02), 10, rec, zerolog.Nop())

	acquire(t, g, 6)
	assert.Equal(t, Full, g.Level())
	assert.True(t, g.Admit(RoomCreate))

	acquire(t, g, 3)
	assert.Equal(t, Critical, g.Level())
	assert.False(t, g.Admit(RoomCreate))
	assert.True(t, g.Admit(Reconnect))
	assert.False(t, g.IsAcceptingNewWork())
	assert.True(t, g.IsAcceptingConnections())

	require.NotEmpty(t, rec.events)
	last := rec.events[len(rec.events)-1]
	assert.Equal(t, events.KindServiceLevelChanged, last.Kind)
	assert.Equal(t, "critical", last.Attrs["to"])
}

func TestOverloadedRejectsConnections(t *testing.T) {
	t.Parallel()

	g := NewGovernor(defaultThresholds(0), 20, nil, zerolog.Nop())
	acquire(t, g, 19)
	assert.Equal(t, Overloaded, g.Level())
	assert.False(t, g.Acquire())
	assert.Equal(t, int64(19), g.Active())
	assert.False(t, g.Admit(Reconnect))

	g.Release()
	assert.Equal(t, Critical, g.Level())
	assert.True(t, g.Acquire())
}

func TestAcquireNeverExceedsMax(t *testing.T) {
	t.Parallel()

	// Thresholds above 1 keep the level at Full so only the cap applies.
	g := NewGovernor(config.AdmissionConfig{Degraded: 2, Critical: 2, Overloaded: 2}, 8, nil, zerolog.Nop())

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Acquire() {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, granted)
	assert.Equal(t, int64(8), g.Active())
}

func TestHysteresisDelaysFalling(t *testing.T) {
	t.Parallel()

	g := NewGovernor(defaultThresholds(0.05), 100, nil, zerolog.Nop())
	acquire(t, g, 70)
	assert.Equal(t, Degraded, g.Level())

	// 0.69 + 0.05 is still above the Degraded threshold.
	g.Release()
	assert.Equal(t, Degraded, g.Level())

	for g.Active() > 64 {
		g.Release()
	}
	assert.Equal(t, Full, g.Level())

	// Rising is immediate.
	acquire(t, g, 6)
	assert.Equal(t, Degraded, g.Level())
}

func TestShutdown(t *testing.T) {
	t.Parallel()

	g := NewGovernor(defaultThresholds(0), 10, nil, zerolog.Nop())
	assert.True(t, g.IsAcceptingNewWork())

	g.BeginShutdown()
	g.BeginShutdown()
	assert.True(t, g.ShuttingDown())
	assert.False(t, g.IsAcceptingNewWork())
	assert.False(t, g.IsAcceptingConnections())
	assert.False(t, g.Acquire())
	assert.False(t, g.Admit(Session))
	assert.True(t, g.Admit(Signal))
}

var errUnavailable = errors.New("unavailable")

func fail(context.Context) error    { return errUnavailable }
func succeed(context.Context) error { return nil }

func newBreaker() (*Breaker, *clock.FakeClock) {
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewBreaker("webhook", config.BreakerConfig{Threshold: 5, Recovery: 30 * time.Second}, clk, zerolog.Nop()), clk
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	t.Parallel()

	b, _ := newBreaker()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		assert.ErrorIs(t, b.Execute(ctx, fail), errUnavailable)
		assert.Equal(t, Closed, b.State())
	}
	assert.ErrorIs(t, b.Execute(ctx, fail), errUnavailable)
	assert.Equal(t, Open, b.State())

	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	t.Parallel()

	b, _ := newBreaker()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, fail)
	}
	require.NoError(t, b.Execute(ctx, succeed))
	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, fail)
	}
	assert.Equal(t, Closed, b.State())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	t.Parallel()

	b, clk := newBreaker()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, fail)
	}
	require.Equal(t, Open, b.State())

	clk.Advance(29 * time.Second)
	assert.ErrorIs(t, b.Execute(ctx, succeed), ErrOpen)

	clk.Advance(time.Second)
	probing := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(probing)
			<-release
			return nil
		})
	}()
	<-probing
	assert.Equal(t, HalfOpen, b.State())
	assert.ErrorIs(t, b.Execute(ctx, succeed), ErrOpen, "only one probe")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, Closed, b.State())
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	t.Parallel()

	b, clk := newBreaker()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, fail)
	}
	clk.Advance(30 * time.Second)

	assert.ErrorIs(t, b.Execute(ctx, fail), errUnavailable)
	assert.Equal(t, Open, b.State())
	assert.ErrorIs(t, b.Execute(ctx, succeed), ErrOpen, "recovery window restarts")

	clk.Advance(30 * time.Second)
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, Closed, b.State())
}

// countingClock is a fixed clock that counts reads.
type countingClock struct {
	now   time.Time
	reads atomic.Int64
}

func (c *countingClock) Now() time.Time {
	c.reads.Add(1)
	return c.now
}

func TestBreakerConcurrentTripsStampOnce(t *testing.T) {
	t.Parallel()

	clk := &countingClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := NewBreaker("webhook", config.BreakerConfig{Threshold: 1, Recovery: 30 * time.Second}, clk, zerolog.Nop())

	const callers = 32
	var admitted, done sync.WaitGroup
	admitted.Add(callers)
	done.Add(callers)
	release := make(chan struct{})
	for i := 0; i < callers; i++ {
		go func() {
			defer done.Done()
			_ = b.Execute(context.Background(), func(context.Context) error {
				admitted.Done()
				<-release
				return errUnavailable
			})
		}()
	}
	admitted.Wait()
	close(release)
	done.Wait()

	require.Equal(t, Open, b.State())
	// Failures that arrive after the circuit opened leave the window alone.
	assert.Equal(t, int64(1), clk.reads.Load())
	b.mu.Lock()
	assert.Equal(t, clk.now, b.openedAt)
	b.mu.Unlock()
}

func TestBreakerIsAnEventGuard(t *testing.T) {
	t.Parallel()

	var _ events.Guard = (*Breaker)(nil)
}
