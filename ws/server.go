// Package ws builds a ready-to-run relay server: the connection supervisor
// with its event sinks, metrics endpoint and webhook attached.
package ws

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/luciancaetano/kephasrelay"
	"github.com/luciancaetano/kephasrelay/internal/admission"
	"github.com/luciancaetano/kephasrelay/internal/clock"
	"github.com/luciancaetano/kephasrelay/internal/config"
	"github.com/luciancaetano/kephasrelay/internal/events"
	"github.com/luciancaetano/kephasrelay/internal/websocket"
)

type Config = config.Config

// LoadConfig reads a YAML file (optional, may be "") and KEPHAS_*
// environment variables on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// DefaultConfig returns the defaults. The auth secret is empty and must be
// set before New.
func DefaultConfig() *Config {
	return config.Default()
}

type options struct {
	registry *prometheus.Registry
	clock    clock.Clock
}

// Option customizes New.
type Option func(*options)

// WithRegistry collects metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithClock replaces the wall clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// Server is a relay server with its telemetry attached.
type Server struct {
	*websocket.Server
	webhook *events.Webhook
}

var _ kephasrelay.Server = (*Server)(nil)

// New wires a server from cfg. Events always go to the log; when enabled they
// are also counted on the metrics endpoint and posted to the webhook behind
// a circuit breaker.
//
// Example:
//
//	cfg, err := ws.LoadConfig("kephasrelay.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	server, err := ws.New(cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := server.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer server.Stop(context.Background())
func New(cfg *Config, log zerolog.Logger, opts ...Option) (*Server, error) {
	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	sinks := events.Multi{events.NewLogSink(log)}

	var metrics *events.Metrics
	if cfg.Metrics.Enabled {
		m, err := events.NewMetrics(o.registry)
		if err != nil {
			return nil, fmt.Errorf("ws: register metrics: %w", err)
		}
		metrics = m
		sinks = append(sinks, m)
	}

	var hook *events.Webhook
	if cfg.Events.WebhookURL != "" {
		breaker := admission.NewBreaker("webhook", cfg.Breaker, o.clock, log)
		hook = events.NewWebhook(cfg.Events.WebhookURL, cfg.Events.WebhookTimeout, cfg.Events.WebhookQueue, breaker, log)
		sinks = append(sinks, hook)
	}

	wsOpts := websocket.Options{Clock: o.clock, Sink: sinks}
	if metrics != nil {
		handler := promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})
		wsOpts.Routes = func(mux *http.ServeMux) {
			mux.Handle(cfg.Metrics.Path, handler)
		}
	}

	srv, err := websocket.New(cfg, log, wsOpts)
	if err != nil {
		return nil, err
	}
	if metrics != nil {
		if err := metrics.RegisterGauges(srv); err != nil {
			_ = srv.Stop(context.Background())
			return nil, fmt.Errorf("ws: register gauges: %w", err)
		}
	}
	if hook != nil {
		hook.Start()
	}
	return &Server{Server: srv, webhook: hook}, nil
}

// Stop stops the server, then the webhook.
func (s *Server) Stop(ctx context.Context) error {
	err := s.Server.Stop(ctx)
	if s.webhook != nil {
		s.webhook.Close()
	}
	return err
}
