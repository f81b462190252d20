// Package identity verifies handshake credentials, keeps the revocation set
// and issues and redeems one-time reconnect tokens.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/luciancaetano/kephasrelay/internal/clock"
	"github.com/luciancaetano/kephasrelay/internal/config"
)

// DefaultDevice is used when a credential carries no device claim.
const DefaultDevice = "default"

var (
	ErrExpired             = errors.New("identity: credential expired")
	ErrRevoked             = errors.New("identity: credential revoked")
	ErrMalformedCredential = errors.New("identity: malformed credential")
	ErrSignatureInvalid    = errors.New("identity: signature invalid")
	// ErrClaimsInvalid covers issuer, audience and not-before failures.
	ErrClaimsInvalid = errors.New("identity: claims invalid")
)

// Principal is the verified identity behind a credential.
type Principal struct {
	Subject      string
	Device       string
	CredentialID string
	ExpiresAt    time.Time
}

// Claims is the JWT claim set accepted by the Authenticator.
type Claims struct {
	jwt.RegisteredClaims
	Device string `json:"did,omitempty"`
}

// Invalidator terminates every live session of an identity.
// session.Registry implements it.
type Invalidator interface {
	InvalidateIdentity(identity, reason string) int
}

type issuedCredential struct {
	subject   string
	expiresAt time.Time
}

// Authenticator verifies bearer credentials with a pinned algorithm and
// keeps the revocation set.
type Authenticator struct {
	method  jwt.SigningMethod
	key     any
	parser  *jwt.Parser
	leeway  time.Duration
	clock   clock.Clock
	inv     Invalidator
	log     zerolog.Logger
	revoked *ttlcache.Cache[string, struct{}]
	// seen tracks credential ids that authenticated and have not expired,
	// so Revoke can find every live credential of an identity.
	seen *ttlcache.Cache[string, issuedCredential]
}

// NewAuthenticator builds an Authenticator from cfg. inv may be nil, in
// which case Revoke only updates the revocation set. Call Close to stop the
// expiry goroutines.
func NewAuthenticator(cfg config.AuthConfig, inv Invalidator, clk clock.Clock, log zerolog.Logger) (*Authenticator, error) {
	method, key, err := verificationKey(cfg)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{method.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithTimeFunc(clk.Now),
	)

	a := &Authenticator{
		method: method,
		key:    key,
		parser: parser,
		leeway: cfg.Leeway,
		clock:  clk,
		inv:    inv,
		log:    log.With().Str("component", "identity").Logger(),
		revoked: ttlcache.New(
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		seen: ttlcache.New(
			ttlcache.WithDisableTouchOnHit[string, issuedCredential](),
		),
	}
	go a.revoked.Start()
	go a.seen.Start()
	return a, nil
}

// Close stops the background expiry of the revocation set.
func (a *Authenticator) Close() {
	a.revoked.Stop()
	a.seen.Stop()
}

// Method returns the pinned signing method.
func (a *Authenticator) Method() jwt.SigningMethod {
	return a.method
}

// Authenticate verifies credential and returns its principal. It has no
// side effect beyond recording the credential id for Revoke; creating the
// session is the caller's job.
func (a *Authenticator) Authenticate(credential string) (Principal, error) {
	if credential == "" {
		return Principal{}, ErrMalformedCredential
	}

	var claims Claims
	_, err := a.parser.ParseWithClaims(credential, &claims, func(*jwt.Token) (any, error) {
		return a.key, nil
	})
	if err != nil {
		return Principal{}, classify(err)
	}
	if claims.Subject == "" || claims.ID == "" {
		return Principal{}, fmt.Errorf("%w: sub and jti are required", ErrMalformedCredential)
	}
	if a.revoked.Has(claims.ID) {
		return Principal{}, ErrRevoked
	}

	p := Principal{
		Subject:      claims.Subject,
		Device:       claims.Device,
		CredentialID: claims.ID,
		ExpiresAt:    claims.ExpiresAt.Time,
	}
	if p.Device == "" {
		p.Device = DefaultDevice
	}

	if ttl := a.remaining(p.ExpiresAt); ttl > 0 {
		a.seen.Set(p.CredentialID, issuedCredential{subject: p.Subject, expiresAt: p.ExpiresAt}, ttl)
	}
	return p, nil
}

// RevokeCredential revokes one credential id until the given time, which is
// normally the credential's expiry.
func (a *Authenticator) RevokeCredential(credentialID string, until time.Time) {
	ttl := a.remaining(until)
	if ttl <= 0 {
		return
	}
	a.revoked.Set(credentialID, struct{}{}, ttl)
	a.seen.Delete(credentialID)
}

// Revoke adds every live credential id of identity to the revocation set and
// terminates the identity's sessions. It returns the number of revoked
// credentials.
func (a *Authenticator) Revoke(identity string) int {
	var live []string
	var until []time.Time
	a.seen.Range(func(item *ttlcache.Item[string, issuedCredential]) bool {
		if v := item.Value(); v.subject == identity {
			live = append(live, item.Key())
			until = append(until, v.expiresAt)
		}
		return true
	})
	for i, id := range live {
		a.RevokeCredential(id, until[i])
	}

	terminated := 0
	if a.inv != nil {
		terminated = a.inv.InvalidateIdentity(identity, "revoked")
	}
	a.log.Info().
		Str("identity", identity).
		Int("credentials", len(live)).
		Int("sessions", terminated).
		Msg("identity revoked")
	return len(live)
}

// IsRevoked reports whether credentialID is in the revocation set.
func (a *Authenticator) IsRevoked(credentialID string) bool {
	return a.revoked.Has(credentialID)
}

// remaining converts an absolute expiry into a cache TTL, keeping entries
// for the parser leeway past expiry.
func (a *Authenticator) remaining(until time.Time) time.Duration {
	return until.Sub(a.clock.Now()) + a.leeway
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed), errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return fmt.Errorf("%w: %v", ErrClaimsInvalid, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}
}
