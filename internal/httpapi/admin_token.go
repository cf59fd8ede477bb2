package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AdminToken guards the admin API with a static bearer token.
type AdminToken struct {
	token string
}

// NewAdminToken returns nil for an empty token, which disables the admin API.
func NewAdminToken(token string) *AdminToken {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	return &AdminToken{token: token}
}

// ConstantTimeEqual returns true if the provided token matches the admin
// token using constant-time comparison.
func (a *AdminToken) ConstantTimeEqual(provided string) bool {
	return subtle.ConstantTimeCompare([]byte(provided), []byte(a.token)) == 1
}

// Middleware rejects requests without "Authorization: Bearer <admin token>".
func (a *AdminToken) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
			jsonError(w, "missing admin token", http.StatusUnauthorized)
			return
		}
		if !a.ConstantTimeEqual(strings.TrimSpace(auth[len(prefix):])) {
			jsonError(w, "invalid admin token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
