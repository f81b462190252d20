package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/luciancaetano/kephasrelay"
	"github.com/luciancaetano/kephasrelay/internal/admission"
	"github.com/luciancaetano/kephasrelay/internal/clock"
	"github.com/luciancaetano/kephasrelay/internal/config"
	"github.com/luciancaetano/kephasrelay/internal/events"
	"github.com/luciancaetano/kephasrelay/internal/identity"
	"github.com/luciancaetano/kephasrelay/internal/logging"
	"github.com/luciancaetano/kephasrelay/internal/relay"
	"github.com/luciancaetano/kephasrelay/internal/room"
	"github.com/luciancaetano/kephasrelay/internal/session"
	"github.com/luciancaetano/kephasrelay/internal/shard"
	"github.com/luciancaetano/kephasrelay/internal/transport"
)

var (
	ErrServerAlreadyRunning = errors.New("websocket: server already running")
	ErrServerNotRunning     = errors.New("websocket: server not running")
)

// Options carries the optional collaborators of a Server.
type Options struct {
	// Clock defaults to the wall clock.
	Clock clock.Clock
	// Sink receives structured events. Defaults to a log sink.
	Sink events.Sink
	// Routes, if set, is called by Start to mount extra handlers such as a
	// metrics endpoint next to the WebSocket and health endpoints.
	Routes func(mux *http.ServeMux)
}

// Handshake is what the connection supervisor learns from the request that
// opened a channel.
type Handshake struct {
	// Credential is the bearer value from the subprotocol header, if any.
	Credential string
	UserAgent  string
}

// Server is the connection supervisor. It accepts channels, authenticates
// them into sessions and runs one message loop per connection.
type Server struct {
	cfg  *config.Config
	log  zerolog.Logger
	clk  clock.Clock
	sink events.Sink

	auth     *identity.Authenticator
	tokens   *identity.ReconnectTokens
	sessions *session.Registry
	rooms    *room.Registry
	relay    *relay.Relay
	governor *admission.Governor

	// clients maps peer ids to their live connection.
	clients *shard.Map[*Client]
	// peers serializes room membership changes of one peer across the
	// connections that may claim it during a reconnect.
	peers *shard.Locks

	upgrader websocket.Upgrader
	routes   func(mux *http.ServeMux)

	mu       sync.Mutex
	running  bool
	started  bool
	stopping bool
	server   *http.Server
	shutdown chan struct{}
	stopOnce sync.Once
	conns    sync.WaitGroup
	workers  sync.WaitGroup
}

// New wires every component from cfg.
func New(cfg *config.Config, log zerolog.Logger, opts Options) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	sink := opts.Sink
	if sink == nil {
		sink = events.NewLogSink(log)
	}

	s := &Server{
		cfg:      cfg,
		log:      logging.Component(log, "supervisor"),
		clk:      clk,
		sink:     sink,
		clients:  shard.New[*Client](shard.DefaultShards),
		peers:    shard.NewLocks(256),
		routes:   opts.Routes,
		shutdown: make(chan struct{}),
	}

	s.sessions = session.NewRegistry(cfg.Session, clk, sink, log)
	auth, err := identity.NewAuthenticator(cfg.Auth, s.sessions, clk, log)
	if err != nil {
		return nil, err
	}
	tokens, err := identity.NewReconnectTokens(cfg, clk)
	if err != nil {
		auth.Close()
		return nil, err
	}
	s.auth = auth
	s.tokens = tokens
	s.rooms = room.NewRegistry(cfg.Rooms, sink, log)
	s.relay = relay.New(cfg.Relay, cfg.Session.IdleTimeout, s.rooms, s, sink, log)
	s.governor = admission.NewGovernor(cfg.Admission, cfg.Server.MaxConnections, sink, log)

	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: cfg.Server.UpgradeTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		Subprotocols:     []string{kephasrelay.Subprotocol},
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || cfg.OriginAllowed(origin)
		},
	}
	return s, nil
}

// Start starts the HTTP listener and the session reaper
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServerAlreadyRunning
	}
	s.running = true
	s.server = &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.Server.UpgradeTimeout,
	}
	srv := s.server
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Check for immediate startup errors with a small timeout
	select {
	case err := <-errChan:
		// Reset running state without calling Stop to avoid deadlock
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("websocket: listen on %s: %w", s.cfg.Server.Addr, err)
	case <-ctx.Done():
		// Context cancelled, stop the server
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
	}

	s.StartReaper()
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	s.log.Info().Str("addr", s.cfg.Server.Addr).Str("path", s.cfg.Server.Path).Msg("server started")
	return nil
}

// Handler returns the HTTP routes: the WebSocket endpoint, the health
// probes and whatever Options.Routes adds.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Server.Path, s)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.IsAcceptingNewWork() {
			http.Error(w, "shedding load", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("/startupz", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if !started {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("started"))
	})
	if s.routes != nil {
		s.routes(mux)
	}
	return mux
}

// StartReaper runs the periodic sweep of expired sessions until Stop.
func (s *Server) StartReaper() {
	interval := s.cfg.Server.ReapInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := s.sessions.Reap(); n > 0 {
					s.log.Info().Int("sessions", n).Msg("reaped expired sessions")
				}
			case <-s.shutdown:
				return
			}
		}
	}()
}

// Stop broadcasts shutdown to every connection, waits for them to close
// until ctx is done, and stops the listener.
func (s *Server) Stop(ctx context.Context) error {
	var stopErr error
	s.stopOnce.Do(func() {
		// No connection is admitted once stopping is set, so conns cannot
		// grow while it is waited on below.
		s.mu.Lock()
		s.stopping = true
		srv := s.server
		s.running = false
		s.mu.Unlock()

		s.governor.BeginShutdown()
		close(s.shutdown)

		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				stopErr = err
			}
		}

		drained := make(chan struct{})
		go func() {
			s.conns.Wait()
			s.workers.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			if stopErr == nil {
				stopErr = ctx.Err()
			}
			s.log.Warn().Int64("connections", s.governor.Active()).Msg("shutdown drain window elapsed")
		}

		s.relay.Close()
		s.tokens.Close()
		s.auth.Close()
		s.log.Info().Msg("server stopped")
	})
	return stopErr
}

// ServeHTTP upgrades a request to a WebSocket connection and supervises it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.governor.IsAcceptingConnections() {
		w.Header().Set("Retry-After", strconv.Itoa(5))
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	credential := bearerCredential(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied.
		s.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	ch := transport.NewWebSocket(conn, s.cfg.Server.MaxMessageBytes, r.RemoteAddr)
	s.ServeChannel(ch, Handshake{Credential: credential, UserAgent: r.UserAgent()})
}

// bearerCredential extracts the credential offered as a "bearer.<token>"
// subprotocol. The query string is never consulted.
func bearerCredential(r *http.Request) string {
	for _, p := range websocket.Subprotocols(r) {
		if token, ok := strings.CutPrefix(p, kephasrelay.BearerSubprotocol); ok && token != "" {
			return token
		}
	}
	return ""
}

// ServeChannel supervises one already-upgraded channel until it closes.
func (s *Server) ServeChannel(ch transport.Channel, hs Handshake) {
	s.mu.Lock()
	if s.stopping || !s.governor.Acquire() {
		stopping := s.stopping || s.governor.ShuttingDown()
		s.mu.Unlock()
		code, reason := kephasrelay.CloseGoingAway, "server overloaded"
		if stopping {
			code, reason = kephasrelay.CloseServerShutdown, "server shutting down"
		}
		_ = ch.WriteClose(code, reason, time.Now().Add(time.Second))
		_ = ch.Close()
		return
	}
	s.conns.Add(1)
	s.mu.Unlock()
	defer s.conns.Done()
	defer s.governor.Release()

	newConnection(s, ch, hs).run()
}

// Deliver queues frame for peerID without blocking.
func (s *Server) Deliver(peerID string, frame []byte) bool {
	c, ok := s.clients.Load(peerID)
	if !ok {
		return false
	}
	return c.TrySend(frame)
}

// GetClient returns the live connection of a peer.
func (s *Server) GetClient(peerID string) (kephasrelay.Client, bool) {
	c, ok := s.clients.Load(peerID)
	if !ok {
		return nil, false
	}
	return c, true
}

// Revoke revokes every live credential of identity and closes its
// sessions with CloseSessionRevoked.
func (s *Server) Revoke(identity string) int {
	return s.auth.Revoke(identity)
}

// IsAcceptingNewWork reports whether new sessions and rooms are admitted.
func (s *Server) IsAcceptingNewWork() bool {
	return s.governor.IsAcceptingNewWork()
}

// ActiveConnectionCount returns the number of supervised connections.
func (s *Server) ActiveConnectionCount() int64 {
	return s.governor.Active()
}

// RoomCount returns the number of live rooms.
func (s *Server) RoomCount() int {
	return s.rooms.Len()
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	return s.sessions.Len()
}

// ServiceLevel returns the current admission level.
func (s *Server) ServiceLevel() admission.Level {
	return s.governor.Level()
}

// ServiceLevelValue returns the admission level as a number for gauges.
func (s *Server) ServiceLevelValue() int {
	return s.governor.ServiceLevelValue()
}
