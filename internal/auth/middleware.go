package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const claimsKey contextKey = "claims"

// Middleware authenticates API requests and enforces scopes. A nil
// verifier disables auth: every request runs with full local-operator
// claims, which is the bench configuration.
type Middleware struct {
	verifier *Verifier
}

// NewMiddleware builds the middleware. Pass a nil verifier to disable
// authentication.
func NewMiddleware(verifier *Verifier) *Middleware {
	return &Middleware{verifier: verifier}
}

// Enabled reports whether requests are actually verified.
func (m *Middleware) Enabled() bool {
	return m.verifier != nil
}

// RequireScope wraps a handler, requiring a valid bearer token carrying
// the scope.
func (m *Middleware) RequireScope(scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.verifier == nil {
			claims := &Claims{Subject: "local", Scopes: []string{ScopeRead, ScopeControl}}
			next(w, r.WithContext(withClaims(r.Context(), claims)))
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			writeAuthError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
			return
		}
		claims, err := m.verifier.VerifyToken(token)
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
			return
		}
		if !claims.HasScope(scope) {
			writeAuthError(w, http.StatusForbidden, "FORBIDDEN", "insufficient scope")
			return
		}
		next(w, r.WithContext(withClaims(r.Context(), claims)))
	}
}

// ClaimsFrom returns the verified claims stored on the request context.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}

func withClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
