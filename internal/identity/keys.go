package identity

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/luciancaetano/kephasrelay/internal/config"
)

// ErrInvalidKey is returned when the configured verification key is missing
// or does not match the algorithm.
var ErrInvalidKey = errors.New("identity: invalid key")

// loadPEM returns s when it is inline PEM, otherwise reads the file at s.
func loadPEM(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidKey
	}
	if strings.HasPrefix(s, "-----BEGIN") {
		return []byte(s), nil
	}
	return os.ReadFile(s)
}

// verificationKey resolves the signing method and key for cfg. The
// algorithm is fixed here and never taken from a token header.
func verificationKey(cfg config.AuthConfig) (jwt.SigningMethod, any, error) {
	switch cfg.Algorithm {
	case "HS256":
		if cfg.Secret == "" {
			return nil, nil, fmt.Errorf("%w: HS256 requires a secret", ErrInvalidKey)
		}
		return jwt.SigningMethodHS256, []byte(cfg.Secret), nil
	case "RS256":
		pemBytes, err := loadPEM(cfg.PublicKey)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return jwt.SigningMethodRS256, key, nil
	case "ES256":
		pemBytes, err := loadPEM(cfg.PublicKey)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		key, err := jwt.ParseECPublicKeyFromPEM(pemBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return jwt.SigningMethodES256, key, nil
	default:
		return nil, nil, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidKey, cfg.Algorithm)
	}
}

// MintHS256 signs a development credential. The token command uses it; a
// production deployment gets credentials from its identity provider.
func MintHS256(secret string, claims Claims) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("%w: empty secret", ErrInvalidKey)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
