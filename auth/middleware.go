package auth

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const claimsContextKey contextKey = "auth_claims"

// Middleware provides HTTP authentication middleware
type Middleware struct {
	tokens *TokenManager
	logger *zap.SugaredLogger
}

// NewMiddleware creates the middleware. A nil manager disables auth and
// every request passes through.
func NewMiddleware(tokens *TokenManager, logger *zap.SugaredLogger) *Middleware {
	return &Middleware{tokens: tokens, logger: logger}
}

// Enabled reports whether requests are checked.
func (m *Middleware) Enabled() bool { return m != nil && m.tokens != nil }

// RequireAuth rejects requests without a valid bearer token. Read-only
// tokens may only use GET and HEAD.
func (m *Middleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.Enabled() {
			next(w, r)
			return
		}

		token := extractToken(r)
		if token == "" {
			writeUnauthorized(w, http.StatusUnauthorized, "missing token")
			return
		}
		claims, err := m.tokens.ValidateToken(token)
		if err != nil {
			m.logger.Debugw("Token validation failed", "error", err, "remote", r.RemoteAddr)
			writeUnauthorized(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if claims.ReadOnly && r.Method != http.MethodGet && r.Method != http.MethodHead {
			writeUnauthorized(w, http.StatusForbidden, "token is read-only")
			return
		}

		next(w, r.WithContext(WithClaims(r.Context(), claims)))
	}
}

// extractToken reads "Authorization: Bearer <token>".
func extractToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="pulsed"`)
	}
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + message + `"}` + "\n"))
}

// WithClaims returns ctx carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext returns the authenticated claims, or nil.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey).(*Claims)
	return claims
}
