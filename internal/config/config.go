// Package config loads and validates server configuration from an optional
// YAML file and KEPHAS_-prefixed environment variables using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/time/rate"
)

// Config holds the full server configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Session   SessionConfig   `mapstructure:"session"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Rooms     RoomsConfig     `mapstructure:"rooms"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`
	Events    EventsConfig    `mapstructure:"events"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig covers the listener and the connection phases.
type ServerConfig struct {
	// Addr is the listen address (e.g. ":8080").
	Addr string `mapstructure:"addr"`
	// Path is the WebSocket endpoint path.
	Path string `mapstructure:"path"`
	// AllowedOrigins lists accepted Origin header values. Empty or "*" allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// MaxConnections is the connection count the admission governor measures load against.
	MaxConnections int64 `mapstructure:"max_connections"`
	// MaxMessageBytes bounds a single inbound frame.
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
	// SendQueue is the per-connection outbound queue length.
	SendQueue int `mapstructure:"send_queue"`
	// UpgradeTimeout bounds the WebSocket handshake.
	UpgradeTimeout time.Duration `mapstructure:"upgrade_timeout"`
	// AuthTimeout bounds the authentication phase after the upgrade.
	AuthTimeout time.Duration `mapstructure:"auth_timeout"`
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ReapInterval is how often expired sessions are swept.
	ReapInterval time.Duration `mapstructure:"reap_interval"`
}

// AuthConfig pins credential verification.
type AuthConfig struct {
	// Algorithm is HS256, RS256 or ES256. Tokens signed otherwise are rejected.
	Algorithm string `mapstructure:"algorithm"`
	// Secret is the HS256 shared secret.
	Secret string `mapstructure:"secret"`
	// PublicKey is a PEM public key (inline or file path) for RS256/ES256.
	PublicKey string `mapstructure:"public_key"`
	Issuer    string `mapstructure:"issuer"`
	Audience  string `mapstructure:"audience"`
	// Leeway tolerates clock skew on exp/nbf.
	Leeway time.Duration `mapstructure:"leeway"`
}

// SessionConfig holds both session timeouts.
type SessionConfig struct {
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	AbsoluteTimeout time.Duration `mapstructure:"absolute_timeout"`
}

// ReconnectConfig configures reconnect tokens.
type ReconnectConfig struct {
	// Secret keys the token MAC. Falls back to auth.secret when empty.
	Secret string `mapstructure:"secret"`
	// LatencySensitive pins the TTL to 30s.
	LatencySensitive bool `mapstructure:"latency_sensitive"`
	// TTL is used when not latency sensitive, clamped to [30s, 300s].
	TTL        time.Duration `mapstructure:"ttl"`
	IPv4Prefix int           `mapstructure:"ipv4_prefix"`
	IPv6Prefix int           `mapstructure:"ipv6_prefix"`
}

// RoomsConfig bounds room creation.
type RoomsConfig struct {
	CodeLength      int `mapstructure:"code_length"`
	DefaultCapacity int `mapstructure:"default_capacity"`
	MaxCapacity     int `mapstructure:"max_capacity"`
	// MaxSpectators bounds the spectators of one room. Zero means no limit.
	MaxSpectators int `mapstructure:"max_spectators"`
}

// RelayConfig configures replay protection.
type RelayConfig struct {
	NonceTTL      time.Duration `mapstructure:"nonce_ttl"`
	NonceCapacity uint64        `mapstructure:"nonce_capacity"`
	// ViolationThreshold is how many protocol errors a connection may commit
	// before it is closed.
	ViolationThreshold int `mapstructure:"violation_threshold"`
	// EventBufferSize is how many recent room events are kept for replay to
	// members that reconnect. Zero disables replay.
	EventBufferSize int `mapstructure:"event_buffer_size"`
}

// HeartbeatConfig configures liveness probing.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	// MissTolerance is the number of intervals without liveness before the
	// connection is considered dead.
	MissTolerance int `mapstructure:"miss_tolerance"`
}

// AdmissionConfig holds the service level thresholds as connection ratios.
type AdmissionConfig struct {
	Degraded   float64 `mapstructure:"degraded"`
	Critical   float64 `mapstructure:"critical"`
	Overloaded float64 `mapstructure:"overloaded"`
	Hysteresis float64 `mapstructure:"hysteresis"`
}

// BreakerConfig configures the circuit breaker around external calls.
type BreakerConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Recovery  time.Duration `mapstructure:"recovery"`
}

// RateLimitConfig defines per-connection inbound rate limiting.
type RateLimitConfig struct {
	// MessagesPerSecond defines how many messages a client can send per second
	MessagesPerSecond rate.Limit `mapstructure:"messages_per_second"`
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int `mapstructure:"burst"`
	// Enabled determines if rate limiting is active
	Enabled bool `mapstructure:"enabled"`
}

// LogConfig configures the zerolog logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EventsConfig configures the optional webhook event sink.
type EventsConfig struct {
	WebhookURL     string        `mapstructure:"webhook_url"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
	WebhookQueue   int           `mapstructure:"webhook_queue"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 messages per second with burst of 200
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() RateLimitConfig {
	return RateLimitConfig{Enabled: false}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.path", "/ws")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.max_connections", 10000)
	v.SetDefault("server.max_message_bytes", 64*1024)
	v.SetDefault("server.send_queue", 256)
	v.SetDefault("server.upgrade_timeout", "5s")
	v.SetDefault("server.auth_timeout", "5s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.reap_interval", "30s")

	v.SetDefault("auth.algorithm", "HS256")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.public_key", "")
	v.SetDefault("auth.issuer", "kephasrelay-auth")
	v.SetDefault("auth.audience", "kephasrelay")
	v.SetDefault("auth.leeway", "5s")

	v.SetDefault("session.idle_timeout", "5m")
	v.SetDefault("session.absolute_timeout", "12h")

	v.SetDefault("reconnect.secret", "")
	v.SetDefault("reconnect.latency_sensitive", true)
	v.SetDefault("reconnect.ttl", "30s")
	v.SetDefault("reconnect.ipv4_prefix", 24)
	v.SetDefault("reconnect.ipv6_prefix", 64)

	v.SetDefault("rooms.code_length", 6)
	v.SetDefault("rooms.default_capacity", 8)
	v.SetDefault("rooms.max_capacity", 64)
	v.SetDefault("rooms.max_spectators", 16)

	v.SetDefault("relay.nonce_ttl", "10m")
	v.SetDefault("relay.nonce_capacity", 100000)
	v.SetDefault("relay.violation_threshold", 10)
	v.SetDefault("relay.event_buffer_size", 100)

	v.SetDefault("heartbeat.interval", "15s")
	v.SetDefault("heartbeat.miss_tolerance", 3)

	v.SetDefault("admission.degraded", 0.70)
	v.SetDefault("admission.critical", 0.85)
	v.SetDefault("admission.overloaded", 0.95)
	v.SetDefault("admission.hysteresis", 0.02)

	v.SetDefault("breaker.threshold", 5)
	v.SetDefault("breaker.recovery", "30s")

	v.SetDefault("rate_limit.messages_per_second", 100)
	v.SetDefault("rate_limit.burst", 200)
	v.SetDefault("rate_limit.enabled", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("events.webhook_url", "")
	v.SetDefault("events.webhook_timeout", "2s")
	v.SetDefault("events.webhook_queue", 1024)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Load reads the YAML file at path (skipped when path is empty), then
// environment variables such as KEPHAS_SERVER_ADDR, on top of the defaults.
// The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KEPHAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the defaults without reading files or the environment.
// The auth secret is left empty and must be set before Validate passes.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("config: server.addr must be set")
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return errors.New("config: server.path must start with /")
	}
	if c.Server.MaxConnections <= 0 {
		return errors.New("config: server.max_connections must be positive")
	}
	if c.Server.UpgradeTimeout <= 0 || c.Server.AuthTimeout <= 0 {
		return errors.New("config: server.upgrade_timeout and server.auth_timeout must be positive")
	}

	switch c.Auth.Algorithm {
	case "HS256":
		if c.Auth.Secret == "" {
			return errors.New("config: auth.secret is required for HS256")
		}
	case "RS256", "ES256":
		if c.Auth.PublicKey == "" {
			return fmt.Errorf("config: auth.public_key is required for %s", c.Auth.Algorithm)
		}
	default:
		return fmt.Errorf("config: unsupported auth.algorithm %q", c.Auth.Algorithm)
	}
	if c.Auth.Issuer == "" || c.Auth.Audience == "" {
		return errors.New("config: auth.issuer and auth.audience must be set")
	}

	if c.ReconnectSecret() == "" {
		return errors.New("config: reconnect.secret is required when auth.secret is empty")
	}
	if c.Reconnect.IPv4Prefix < 0 || c.Reconnect.IPv4Prefix > 32 {
		return errors.New("config: reconnect.ipv4_prefix must be between 0 and 32")
	}
	if c.Reconnect.IPv6Prefix < 0 || c.Reconnect.IPv6Prefix > 128 {
		return errors.New("config: reconnect.ipv6_prefix must be between 0 and 128")
	}

	if c.Session.IdleTimeout <= 0 || c.Session.AbsoluteTimeout <= 0 {
		return errors.New("config: session timeouts must be positive")
	}
	if c.Session.IdleTimeout > c.Session.AbsoluteTimeout {
		return errors.New("config: session.idle_timeout must not exceed session.absolute_timeout")
	}

	if c.Rooms.CodeLength < 4 || c.Rooms.CodeLength > 16 {
		return errors.New("config: rooms.code_length must be between 4 and 16")
	}
	if c.Rooms.MaxCapacity < 1 || c.Rooms.DefaultCapacity < 1 || c.Rooms.DefaultCapacity > c.Rooms.MaxCapacity {
		return errors.New("config: rooms.default_capacity must be between 1 and rooms.max_capacity")
	}
	if c.Rooms.MaxSpectators < 0 {
		return errors.New("config: rooms.max_spectators must not be negative")
	}
	if c.Relay.EventBufferSize < 0 {
		return errors.New("config: relay.event_buffer_size must not be negative")
	}

	if c.Heartbeat.Interval <= 0 || c.Heartbeat.MissTolerance < 1 {
		return errors.New("config: heartbeat.interval must be positive and heartbeat.miss_tolerance at least 1")
	}

	a := c.Admission
	if !(0 < a.Degraded && a.Degraded < a.Critical && a.Critical < a.Overloaded && a.Overloaded <= 1) {
		return errors.New("config: admission thresholds must satisfy 0 < degraded < critical < overloaded <= 1")
	}
	if a.Hysteresis < 0 || a.Hysteresis >= a.Degraded {
		return errors.New("config: admission.hysteresis must be in [0, degraded)")
	}

	if c.Breaker.Threshold < 1 || c.Breaker.Recovery <= 0 {
		return errors.New("config: breaker.threshold and breaker.recovery must be positive")
	}

	if c.RateLimit.Enabled && (c.RateLimit.MessagesPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return errors.New("config: rate_limit values must be positive when enabled")
	}
	return nil
}

// ReconnectSecret returns the key material for reconnect tokens.
func (c *Config) ReconnectSecret() string {
	if c.Reconnect.Secret != "" {
		return c.Reconnect.Secret
	}
	return c.Auth.Secret
}

// ReconnectTTL returns the effective reconnect token lifetime: 30s for
// latency-sensitive deployments, otherwise the configured TTL clamped to
// [30s, 300s].
func (c *Config) ReconnectTTL() time.Duration {
	const (
		minTTL = 30 * time.Second
		maxTTL = 300 * time.Second
	)
	if c.Reconnect.LatencySensitive {
		return minTTL
	}
	return min(max(c.Reconnect.TTL, minTTL), maxTTL)
}

// OriginAllowed reports whether origin is in the allow list.
func (c *Config) OriginAllowed(origin string) bool {
	if len(c.Server.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range c.Server.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
