package gateway

import (
	"crypto/subtle"
	"net/http"
)

// AuthHeader is the header the HTTP gateway checks against API_TOKEN (§6).
const AuthHeader = "X-Agent-API-Token"

// AuthMiddleware validates the gateway's single shared API token. An empty
// token disables auth entirely (local/dev use).
type AuthMiddleware struct {
	token string
}

// NewAuthMiddleware builds an auth middleware from the configured token.
func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: token}
}

// Wrap enforces the token on every route except /healthz.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if am.token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get(AuthHeader)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(am.token)) != 1 {
			http.Error(w, `{"error":"missing or invalid API token"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
