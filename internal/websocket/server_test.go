package websocket

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/kephasrelay"
	"github.com/luciancaetano/kephasrelay/internal/events"
	"github.com/luciancaetano/kephasrelay/internal/protocol"
)

func httpServer(t *testing.T, srv *Server) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.DecodeServer(data)
	require.NoError(t, err)
	return msg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth.Secret = ""
	cfg.Reconnect.Secret = ""
	_, err := New(cfg, zerolog.Nop(), Options{})
	assert.Error(t, err)
}

func TestUpgradeWithBearerSubprotocol(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, testConfig())
	ts := httpServer(t, srv)

	dialer := websocket.Dialer{
		HandshakeTimeout: waitFor,
		Subprotocols: []string{
			kephasrelay.Subprotocol,
			kephasrelay.BearerSubprotocol + credential(t, srv.cfg, "alice", "laptop", time.Hour),
		},
	}
	conn, resp, err := dialer.Dial(wsURL(ts, srv.cfg.Server.Path), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, kephasrelay.Subprotocol, resp.Header.Get("Sec-WebSocket-Protocol"))

	w, ok := readMessage(t, conn).(*protocol.Welcome)
	require.True(t, ok)
	assert.NotEmpty(t, w.PeerID)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, protocol.MustEncode(&protocol.Ping{})))
	_, ok = readMessage(t, conn).(*protocol.Pong)
	assert.True(t, ok)
}

func TestUpgradeThenAuthenticateInBand(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, testConfig())
	ts := httpServer(t, srv)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, srv.cfg.Server.Path), nil)
	require.NoError(t, err)
	defer conn.Close()

	auth := &protocol.Authenticate{Token: credential(t, srv.cfg, "alice", "laptop", time.Hour)}
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, protocol.MustEncode(auth)))
	_, ok := readMessage(t, conn).(*protocol.Welcome)
	assert.True(t, ok)
}

func TestOversizedMessageClosesConnection(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.MaxMessageBytes = 1024
	srv := newTestServer(t, cfg)
	ts := httpServer(t, srv)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, cfg.Server.Path), nil)
	require.NoError(t, err)
	defer conn.Close()

	big := `{"type":"authenticate","token":"` + strings.Repeat("a", 4096) + `"}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(big)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestOriginCheck(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.AllowedOrigins = []string{"https://app.example.com"}
	srv := newTestServer(t, cfg)
	ts := httpServer(t, srv)

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, cfg.Server.Path), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"https://app.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, cfg.Server.Path), header)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestBearerCredential(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		protocols string
		want      string
	}{
		{name: "none", protocols: "", want: ""},
		{name: "only the protocol", protocols: "kephasrelay.v1", want: ""},
		{name: "bearer", protocols: "kephasrelay.v1, bearer.abc.def", want: "abc.def"},
		{name: "empty bearer", protocols: "bearer.", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "/ws?token=ignored", nil)
			if tt.protocols != "" {
				r.Header.Set("Sec-WebSocket-Protocol", tt.protocols)
			}
			assert.Equal(t, tt.want, bearerCredential(r))
		})
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, testConfig())
	ts := httpServer(t, srv)

	get := func(path string) (int, string) {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, _ = get("/readyz")
	assert.Equal(t, http.StatusOK, code)

	// Start was never called.
	code, _ = get("/startupz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	code, _ = get("/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	resp, err := http.Get(ts.URL + srv.cfg.Server.Path)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestExtraRoutes(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	srv, err := New(cfg, zerolog.Nop(), Options{
		Sink: events.Nop(),
		Routes: func(mux *http.ServeMux) {
			mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("# metrics"))
			})
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	ts := httpServer(t, srv)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartAndStop(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	srv := newTestServer(t, cfg)

	require.NoError(t, srv.Start(context.Background()))
	assert.ErrorIs(t, srv.Start(context.Background()), ErrServerAlreadyRunning)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	assert.False(t, srv.IsAcceptingNewWork())
}
