package transport

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeDeliversInOrder(t *testing.T) {
	t.Parallel()

	server, client := Pipe("203.0.113.5:4000")
	assert.Equal(t, "203.0.113.5:4000", server.RemoteAddr())

	for _, m := range []string{"one", "two", "three"} {
		require.NoError(t, client.WriteMessage([]byte(m), time.Time{}))
	}
	for _, want := range []string{"one", "two", "three"} {
		got, err := server.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestPipeCloseFrame(t *testing.T) {
	t.Parallel()

	server, client := Pipe("203.0.113.5:4000")
	require.NoError(t, server.WriteMessage([]byte("bye"), time.Time{}))
	require.NoError(t, server.WriteClose(4003, "kicked", time.Time{}))
	require.NoError(t, server.Close())

	got, err := client.ReadMessage()
	require.NoError(t, err, "queued messages survive the close")
	assert.Equal(t, "bye", string(got))

	_, err = client.ReadMessage()
	var ce *CloseError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 4003, ce.Code)
	assert.Equal(t, "kicked", ce.Reason)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = client.ReadMessage()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, client.WriteMessage([]byte("x"), time.Time{}), ErrClosed)
}

func TestPipeWriteDeadline(t *testing.T) {
	t.Parallel()

	_, client := Pipe("203.0.113.5:4000")
	for i := 0; i < pipeBuffer; i++ {
		require.NoError(t, client.WriteMessage([]byte("x"), time.Time{}))
	}
	err := client.WriteMessage([]byte("x"), time.Now().Add(20*time.Millisecond))
	assert.ErrorIs(t, err, ErrWriteTimeout)
}

func TestPipeLocalCloseUnblocksRead(t *testing.T) {
	t.Parallel()

	server, _ := Pipe("203.0.113.5:4000")
	errs := make(chan error, 1)
	go func() {
		_, err := server.ReadMessage()
		errs <- err
	}()
	require.NoError(t, server.Close())
	require.NoError(t, server.Close())
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("read did not return after close")
	}
}

func TestWebSocketAdapter(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	closed := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ch := NewWebSocket(conn, 16, "")
		defer ch.Close()

		data, err := ch.ReadMessage()
		if err != nil {
			closed <- err
			return
		}
		_ = ch.WriteMessage(data, time.Now().Add(time.Second))
		_, err = ch.ReadMessage()
		closed <- err
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(4009, "heartbeat"), time.Now().Add(time.Second)))

	select {
	case err := <-closed:
		var ce *CloseError
		require.True(t, errors.As(err, &ce), "got %v", err)
		assert.Equal(t, 4009, ce.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not observe the close")
	}
}

func TestWebSocketReadLimit(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	result := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ch := NewWebSocket(conn, 4, "198.51.100.1:9")
		defer ch.Close()
		if ch.RemoteAddr() != "198.51.100.1:9" {
			result <- errors.New("remote address override ignored")
			return
		}
		_, err = ch.ReadMessage()
		result <- err
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("far too long")))

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("oversized message was not rejected")
	}
}
