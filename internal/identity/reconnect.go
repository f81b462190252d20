package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/crypto/hkdf"

	"github.com/luciancaetano/kephasrelay/internal/clock"
	"github.com/luciancaetano/kephasrelay/internal/config"
)

var (
	ErrTokenInvalid = errors.New("identity: reconnect token invalid")
	ErrTokenExpired = errors.New("identity: reconnect token expired")
	ErrIPMismatch   = errors.New("identity: reconnect token used from another network")
	ErrAlreadyUsed  = errors.New("identity: reconnect token already used")
	// ErrSessionLifetime is returned for a token whose session lineage has
	// outlived the absolute session timeout.
	ErrSessionLifetime = errors.New("identity: session lifetime exceeded")
	// ErrBadAddress is returned by Issue when the session address cannot be
	// parsed, so the token could not be bound to a network.
	ErrBadAddress = errors.New("identity: unparsable client address")
)

var reconnectKeyInfo = []byte("kephasrelay.reconnect.v1")

// Binding is what a reconnect token resumes.
type Binding struct {
	SessionID  string
	Subject    string
	Device     string
	PeerID     string
	Room       string
	RemoteAddr string
	// Spectating is set when Room is watched rather than joined.
	Spectating bool
	// CredentialID lets a redeemer refuse resumption once the credential
	// that opened the session is revoked.
	CredentialID string
	// SessionStarted is when the session lineage began. It is carried
	// across every resume.
	SessionStarted time.Time
	// CredentialExpires is the expiry of the credential that opened the
	// lineage. No resume is granted past it.
	CredentialExpires time.Time
}

// Grant is the verified content of a redeemed token.
type Grant struct {
	SessionID    string `json:"sid"`
	Subject      string `json:"sub"`
	Device       string `json:"did"`
	CredentialID string `json:"cid,omitempty"`
	PeerID       string `json:"peer"`
	Room         string `json:"room,omitempty"`
	Spectating   bool   `json:"spec,omitempty"`
	IssuedAt     int64  `json:"iat"`
	ExpiresAt    int64  `json:"exp"`
	Network      string `json:"net"`
	// SessionStarted and CredentialExpires are unix milliseconds.
	SessionStarted    int64 `json:"ss"`
	CredentialExpires int64 `json:"cex,omitempty"`
}

// Started returns the start of the session lineage.
func (g Grant) Started() time.Time {
	return time.UnixMilli(g.SessionStarted)
}

// CredentialExpiry returns the expiry of the opening credential, or the
// zero time when the token does not carry one.
func (g Grant) CredentialExpiry() time.Time {
	if g.CredentialExpires == 0 {
		return time.Time{}
	}
	return time.UnixMilli(g.CredentialExpires)
}

// ReconnectToken is an issued token and its expiry.
type ReconnectToken struct {
	Value     string
	ExpiresAt time.Time
}

// ReconnectTokens issues and redeems HMAC-authenticated one-time reconnect
// tokens bound to the client's network prefix.
type ReconnectTokens struct {
	key    []byte
	ttl    time.Duration
	v4Bits int
	v6Bits int
	clock  clock.Clock
	// absolute is the session absolute timeout. A lineage older than it is
	// not resumed.
	absolute time.Duration
	// claims holds the issuing session ids of redeemed tokens. A session can
	// be resumed at most once, whichever of its tokens is presented.
	claims *ttlcache.Cache[string, struct{}]
}

// NewReconnectTokens derives the MAC key from the configured secret. Call
// Close to stop the claim expiry goroutine.
func NewReconnectTokens(cfg *config.Config, clk clock.Clock) (*ReconnectTokens, error) {
	secret := cfg.ReconnectSecret()
	if secret == "" {
		return nil, fmt.Errorf("%w: empty reconnect secret", ErrInvalidKey)
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, reconnectKeyInfo), key); err != nil {
		return nil, fmt.Errorf("identity: derive reconnect key: %w", err)
	}
	if clk == nil {
		clk = clock.Real()
	}

	t := &ReconnectTokens{
		key:    key,
		ttl:    cfg.ReconnectTTL(),
		v4Bits: cfg.Reconnect.IPv4Prefix,
		v6Bits: cfg.Reconnect.IPv6Prefix,
		clock:  clk,
		claims: ttlcache.New(ttlcache.WithDisableTouchOnHit[string, struct{}]()),

		absolute: cfg.Session.AbsoluteTimeout,
	}
	go t.claims.Start()
	return t, nil
}

// Close stops background expiry of redeemed claims.
func (t *ReconnectTokens) Close() {
	t.claims.Stop()
}

// TTL returns the token lifetime.
func (t *ReconnectTokens) TTL() time.Duration {
	return t.ttl
}

// Issue mints a token for b, bound to the network prefix of b.RemoteAddr.
func (t *ReconnectTokens) Issue(b Binding) (ReconnectToken, error) {
	network, err := t.networkOf(b.RemoteAddr)
	if err != nil {
		return ReconnectToken{}, err
	}

	now := t.clock.Now()
	exp := now.Add(t.ttl)
	started := b.SessionStarted
	if started.IsZero() {
		started = now
	}
	g := Grant{
		SessionID:    b.SessionID,
		Subject:      b.Subject,
		Device:       b.Device,
		CredentialID: b.CredentialID,
		PeerID:       b.PeerID,
		Room:         b.Room,
		Spectating:   b.Spectating,
		IssuedAt:     now.UnixMilli(),
		ExpiresAt:    exp.UnixMilli(),
		Network:      network.String(),

		SessionStarted: started.UnixMilli(),
	}
	if !b.CredentialExpires.IsZero() {
		g.CredentialExpires = b.CredentialExpires.UnixMilli()
	}
	payload, err := json.Marshal(g)
	if err != nil {
		return ReconnectToken{}, fmt.Errorf("identity: encode reconnect token: %w", err)
	}

	body := base64.RawURLEncoding.EncodeToString(payload)
	tag := base64.RawURLEncoding.EncodeToString(t.sign(body))
	return ReconnectToken{Value: body + "." + tag, ExpiresAt: exp}, nil
}

// Redeem verifies token and claims it. Checks run in a fixed order:
// authenticity, expiry, the lifetime of the session lineage, network, then
// the single-use claim. A lineage past the absolute timeout fails with
// ErrSessionLifetime and one past its credential's expiry with ErrExpired.
// Exactly one of any number of concurrent redeemers of the same session
// wins; the others get ErrAlreadyUsed.
func (t *ReconnectTokens) Redeem(token, remoteAddr string) (Grant, error) {
	body, tag, ok := strings.Cut(token, ".")
	if !ok || body == "" || tag == "" {
		return Grant{}, ErrTokenInvalid
	}
	mac, err := base64.RawURLEncoding.DecodeString(tag)
	if err != nil || !hmac.Equal(mac, t.sign(body)) {
		return Grant{}, ErrTokenInvalid
	}
	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Grant{}, ErrTokenInvalid
	}
	var g Grant
	if err := json.Unmarshal(payload, &g); err != nil || g.SessionID == "" || g.PeerID == "" {
		return Grant{}, ErrTokenInvalid
	}

	expiresAt := time.UnixMilli(g.ExpiresAt)
	now := t.clock.Now()
	if now.After(expiresAt) {
		return Grant{}, ErrTokenExpired
	}
	if t.absolute > 0 && now.Sub(g.Started()) > t.absolute {
		return Grant{}, ErrSessionLifetime
	}
	if exp := g.CredentialExpiry(); !exp.IsZero() && now.After(exp) {
		return Grant{}, ErrExpired
	}

	bound, err := netip.ParsePrefix(g.Network)
	if err != nil {
		return Grant{}, ErrTokenInvalid
	}
	addr, err := parseAddr(remoteAddr)
	if err != nil || !bound.Contains(addr) {
		return Grant{}, ErrIPMismatch
	}

	// The claim outlives the token so a late duplicate still sees it.
	claimTTL := expiresAt.Sub(now) + time.Second
	if _, found := t.claims.GetOrSet(g.SessionID, struct{}{}, ttlcache.WithTTL[string, struct{}](claimTTL)); found {
		return Grant{}, ErrAlreadyUsed
	}
	return g, nil
}

// Burn marks every token issued for sessionID as used. It is called when a
// session id is retired by rotation.
func (t *ReconnectTokens) Burn(sessionID string) {
	t.claims.Set(sessionID, struct{}{}, t.ttl+time.Second)
}

func (t *ReconnectTokens) sign(body string) []byte {
	h := hmac.New(sha256.New, t.key)
	h.Write([]byte(body))
	return h.Sum(nil)
}

func (t *ReconnectTokens) networkOf(remoteAddr string) (netip.Prefix, error) {
	addr, err := parseAddr(remoteAddr)
	if err != nil {
		return netip.Prefix{}, err
	}
	bits := t.v6Bits
	if addr.Is4() {
		bits = t.v4Bits
	}
	return addr.Prefix(bits)
}

// parseAddr accepts "ip:port", "[ipv6]:port" or a bare address. IPv4-mapped
// IPv6 addresses are unmapped so both forms bind to the same prefix.
func parseAddr(s string) (netip.Addr, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().WithZone("").Unmap(), nil
	}
	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrBadAddress, s)
	}
	return addr.WithZone("").Unmap(), nil
}
