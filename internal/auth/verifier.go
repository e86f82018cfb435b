// Package auth implements bearer-token verification for the control API.
// Tokens are HS256 JWTs signed with the configured key; the `scopes` claim
// separates read-only consoles from ones allowed to command hardware.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scope constants. Read covers state, mappings, and telemetry; control is
// required for actuation, sequences, and triggers.
const (
	ScopeRead    = "read"
	ScopeControl = "control"
)

// Verification errors.
var (
	ErrEmptyToken   = errors.New("EMPTY_TOKEN")
	ErrInvalidToken = errors.New("INVALID_TOKEN")
)

// Claims are the verified token claims the API cares about.
type Claims struct {
	Subject string
	Scopes  []string
}

// HasScope reports whether the claims grant the scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Verifier checks HS256 tokens against a shared key.
type Verifier struct {
	key    []byte
	issuer string
}

// NewVerifier builds a verifier. issuer, when non-empty, restricts
// accepted tokens to that issuer.
func NewVerifier(key, issuer string) (*Verifier, error) {
	if key == "" {
		return nil, fmt.Errorf("auth key must not be empty")
	}
	return &Verifier{key: []byte(key), issuer: issuer}, nil
}

// VerifyToken validates the token signature, expiry, and issuer, and
// returns its claims.
func (v *Verifier) VerifyToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, ErrEmptyToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.ParseWithClaims(tokenString, jwt.MapClaims{}, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	if sub, err := mapClaims.GetSubject(); err == nil {
		claims.Subject = sub
	}
	if raw, ok := mapClaims["scopes"].([]interface{}); ok {
		for _, s := range raw {
			if scope, ok := s.(string); ok {
				claims.Scopes = append(claims.Scopes, scope)
			}
		}
	}
	return claims, nil
}

// IssueToken mints a token for the subject with the given scopes, mostly
// for the token CLI and tests.
func (v *Verifier) IssueToken(subject string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":    subject,
		"scopes": scopes,
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
	}
	if v.issuer != "" {
		claims["iss"] = v.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}
