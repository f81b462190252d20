package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

type passGuard struct{}

func (passGuard) Execute(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) }

type openGuard struct{}

func (openGuard) Execute(context.Context, func(context.Context) error) error {
	return errors.New("circuit open")
}

type fakeStats struct{}

func (fakeStats) ActiveConnectionCount() int64 { return 42 }
func (fakeStats) RoomCount() int               { return 3 }
func (fakeStats) SessionCount() int            { return 40 }
func (fakeStats) ServiceLevelValue() int       { return 1 }

func TestMultiFansOut(t *testing.T) {
	t.Parallel()

	a, b := &recorder{}, &recorder{}
	Multi{a, b, Nop()}.Emit(New(KindReplayDetected, "peer-1", "ABC123", nil))

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.Equal(t, KindReplayDetected, a.events[0].Kind)
	assert.Equal(t, "ABC123", b.events[0].Room)
	assert.False(t, a.events[0].Time.IsZero())
}

func TestLogSink(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))
	sink.Emit(New(KindAuthFailed, "", "", map[string]string{"reason": "expired"}))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "auth_failed", line["kind"])
	assert.Equal(t, "expired", line["reason"])
	assert.Equal(t, "events", line["component"])
}

func TestMetricsCountsByKind(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.Emit(New(KindReplayDetected, "p", "r", nil))
	m.Emit(New(KindReplayDetected, "p", "r", nil))
	m.Emit(New(KindAuthFailed, "", "", nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues("replay_detected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("auth_failed")))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "duplicate registration must fail")
}

func TestMetricsGauges(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	require.NoError(t, m.RegisterGauges(fakeStats{}))

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, f := range families {
		if len(f.GetMetric()) > 0 && f.GetMetric()[0].GetGauge() != nil {
			values[f.GetName()] = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, 42.0, values["kephasrelay_active_connections"])
	assert.Equal(t, 3.0, values["kephasrelay_rooms"])
	assert.Equal(t, 40.0, values["kephasrelay_sessions"])
	assert.Equal(t, 1.0, values["kephasrelay_service_level"])
}

func TestWebhookDelivers(t *testing.T) {
	t.Parallel()

	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e Event
		if err := json.NewDecoder(r.Body).Decode(&e); err == nil {
			received <- e
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL, time.Second, 8, passGuard{}, zerolog.Nop())
	hook.Start()
	defer hook.Close()

	hook.Emit(New(KindAuthorityTransferred, "peer-2", "R1", map[string]string{"from": "peer-1"}))

	select {
	case e := <-received:
		assert.Equal(t, KindAuthorityTransferred, e.Kind)
		assert.Equal(t, "R1", e.Room)
		assert.Equal(t, "peer-1", e.Attrs["from"])
	case <-time.After(2 * time.Second):
		t.Fatal("webhook did not deliver")
	}
}

func TestWebhookGuardShortCircuits(t *testing.T) {
	t.Parallel()

	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL, time.Second, 8, openGuard{}, zerolog.Nop())
	hook.Start()
	hook.Emit(New(KindAuthFailed, "", "", nil))
	time.Sleep(100 * time.Millisecond)
	hook.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, hits)
}

func TestWebhookPostReportsStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL, time.Second, 1, passGuard{}, zerolog.Nop())
	err := hook.post(context.Background(), New(KindAuthFailed, "", "", nil))
	assert.ErrorContains(t, err, "502")
}

func TestWebhookEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	hook := NewWebhook("http://127.0.0.1:0", time.Second, 1, passGuard{}, zerolog.Nop())
	// Not started: the queue fills after one event and the rest are dropped.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hook.Emit(New(KindDeliveryDropped, "", "", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full queue")
	}
	hook.Close()
	hook.Emit(New(KindDeliveryDropped, "", "", nil))
}
