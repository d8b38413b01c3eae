package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/terra-clan/cert-engine/internal/auth"
)

// AuthMiddleware verifies identity tokens issued by the identity provider
type AuthMiddleware struct {
	verifier *auth.Verifier
}

// NewAuthMiddleware creates new auth middleware
func NewAuthMiddleware(verifier *auth.Verifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

// Authenticate verifies the bearer token and puts the caller's identity in the context.
// Browsers cannot set headers on WebSocket upgrades, so access_token is accepted as a query parameter too.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			respondError(w, http.StatusUnauthorized, "MISSING_TOKEN", "provide an Authorization header with a Bearer token")
			return
		}

		claims, err := m.verifier.Parse(token)
		if err != nil {
			slog.Warn("invalid identity token", "error", err, "remote_addr", r.RemoteAddr)
			respondError(w, http.StatusUnauthorized, "INVALID_TOKEN", "the provided token is not valid")
			return
		}

		identity := claims.Identity()
		slog.Debug("authenticated request", "identity_id", identity.ID, "role", identity.Role)

		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

// extractToken extracts the bearer token from the request
func extractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if strings.HasPrefix(header, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}
