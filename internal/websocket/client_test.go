package websocket

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/kephasrelay/internal/config"
	"github.com/luciancaetano/kephasrelay/internal/transport"
)

func newPipeClient(t *testing.T, cfg *config.Config) (*Client, *transport.PipeEnd) {
	t.Helper()
	server, remote := transport.Pipe("203.0.113.7:5000")
	c := NewClient(server, "test-agent", cfg, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Close(ctx)
		_ = remote.Close()
	})
	return c, remote
}

func TestClientIDBeforeAuthentication(t *testing.T) {
	t.Parallel()

	c, _ := newPipeClient(t, testConfig())
	assert.NotEmpty(t, c.ID())
	assert.Equal(t, "203.0.113.7:5000", c.RemoteAddr())
	assert.Nil(t, c.Session())
	assert.True(t, c.IsAlive())
}

func TestClientCloseFlushesQueueBeforeCloseFrame(t *testing.T) {
	t.Parallel()

	c, remote := newPipeClient(t, testConfig())
	require.True(t, c.TrySend([]byte(`{"type":"pong"}`)))
	require.NoError(t, c.Send(context.Background(), []byte(`{"type":"pong"}`)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.CloseWithCode(ctx, 4009, "heartbeat timeout"))

	for i := 0; i < 2; i++ {
		data, err := remote.ReadMessage()
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"pong"}`, string(data))
	}
	_, err := remote.ReadMessage()
	var ce *transport.CloseError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 4009, ce.Code)
	assert.Equal(t, "heartbeat timeout", ce.Reason)

	assert.False(t, c.IsAlive())
	assert.Error(t, c.Context().Err())
}

func TestClientSendAfterClose(t *testing.T) {
	t.Parallel()

	c, _ := newPipeClient(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))
	// Closing twice is harmless.
	require.NoError(t, c.Close(ctx))

	assert.False(t, c.TrySend([]byte("x")))
	assert.ErrorIs(t, c.Send(ctx, []byte("x")), transport.ErrClosed)
}

func TestClientTrySendDoesNotBlockOnFullQueue(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.SendQueue = 1
	cfg.Server.WriteTimeout = 5 * time.Second
	c, _ := newPipeClient(t, cfg)

	// Nobody reads the remote end: the pipe buffer fills, then the pump
	// blocks, then the queue fills.
	sent := 0
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !c.TrySend([]byte("x")) {
			break
		}
		sent++
	}
	assert.Less(t, sent, 1000)
	assert.False(t, c.TrySend([]byte("x")))
}

func TestClientRateLimit(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{MessagesPerSecond: 1, Burst: 2, Enabled: true}
	c, _ := newPipeClient(t, cfg)
	assert.True(t, c.CheckRateLimit())
	assert.True(t, c.CheckRateLimit())
	assert.False(t, c.CheckRateLimit())

	cfg = testConfig()
	cfg.RateLimit = config.NoRateLimit()
	unlimited, _ := newPipeClient(t, cfg)
	for i := 0; i < 1000; i++ {
		require.True(t, unlimited.CheckRateLimit())
	}
}

func TestClientRoomState(t *testing.T) {
	t.Parallel()

	c, _ := newPipeClient(t, testConfig())
	c.setRoom("ABC123")
	assert.Equal(t, "ABC123", c.Room())
	assert.False(t, c.leaveRoomIf("XYZ789"))
	assert.Equal(t, "ABC123", c.Room())
	assert.True(t, c.leaveRoomIf("ABC123"))
	assert.Empty(t, c.Room())

	c.setRoom("ABC123")
	assert.Equal(t, "ABC123", c.takeRoom())
	assert.Empty(t, c.takeRoom())

	c.setSpectating("ABC123")
	code, spectating := c.Seat()
	assert.Equal(t, "ABC123", code)
	assert.True(t, spectating)
	code, spectating = c.takeSeat()
	assert.Equal(t, "ABC123", code)
	assert.True(t, spectating)
	_, spectating = c.Seat()
	assert.False(t, spectating)
}
