// Package usertoken turns a bearer token into an owner id. Tokens are issued
// elsewhere; this package only verifies them.
package usertoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer   = "mediscan-auth"
	defaultAudience = "mediscan-api"
	defaultLeeway   = 30 * time.Second
)

var (
	ErrMissingToken   = errors.New("missing bearer token")
	ErrUnknownKey     = errors.New("unknown token key")
	ErrSubjectMissing = errors.New("token subject missing")
)

// Config configures access-token verification. Keys maps a kid to its HMAC
// secret so keys can be rotated; Secret is used for tokens without a kid.
type Config struct {
	Secret   string
	Keys     map[string]string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// Verifier validates HS256 access tokens.
type Verifier struct {
	issuer   string
	audience string
	leeway   time.Duration
	fallback []byte
	keys     map[string][]byte
}

// NewVerifier creates a token verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	keys := make(map[string][]byte, len(cfg.Keys))
	for kid, secret := range cfg.Keys {
		kid = strings.TrimSpace(kid)
		if kid == "" || len(secret) < 32 {
			return nil, fmt.Errorf("token key %q must have a kid and at least 32 bytes", kid)
		}
		keys[kid] = []byte(secret)
	}
	var fallback []byte
	if cfg.Secret != "" {
		if len(cfg.Secret) < 32 {
			return nil, errors.New("token secret must be at least 32 bytes")
		}
		fallback = []byte(cfg.Secret)
	}
	if fallback == nil && len(keys) == 0 {
		return nil, errors.New("token verifier requires a secret or keys")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	return &Verifier{issuer: issuer, audience: audience, leeway: leeway, fallback: fallback, keys: keys}, nil
}

// VerifySubject validates the token and returns the subject, which is the
// owner id used throughout the pipeline.
func (v *Verifier) VerifySubject(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, v.keyFor,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("invalid token")
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", ErrSubjectMissing
	}
	return subject, nil
}

func (v *Verifier) keyFor(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	kid = strings.TrimSpace(kid)
	if kid == "" {
		if v.fallback == nil {
			return nil, ErrUnknownKey
		}
		return v.fallback, nil
	}
	key, ok := v.keys[kid]
	if !ok {
		return nil, ErrUnknownKey
	}
	return key, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
