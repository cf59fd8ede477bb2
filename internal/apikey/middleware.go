package apikey

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/llmrelay/relay/internal/apierr"
	"github.com/llmrelay/relay/internal/store"
)

type contextKey string

const credentialContextKey contextKey = "client_credential"

// FromContext returns the client credential attached to the request context.
func FromContext(ctx context.Context) *store.ClientCredential {
	if v, ok := ctx.Value(credentialContextKey).(*store.ClientCredential); ok {
		return v
	}
	return nil
}

// WithCredential attaches c to ctx.
func WithCredential(ctx context.Context, c *store.ClientCredential) context.Context {
	return context.WithValue(ctx, credentialContextKey, c)
}

// AuthMiddleware validates Bearer credentials on incoming requests and
// answers 401 with a structured error body on failure.
func AuthMiddleware(mgr *Manager, requestID func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := r.Header.Get("X-Real-IP")
			if clientIP == "" {
				clientIP = r.RemoteAddr
			}

			rec, err := mgr.Authenticate(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				var ae *apierr.Error
				if !errors.As(err, &ae) {
					mgr.logger.Error("client auth: credential lookup failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
					ae = apierr.New(apierr.KindUnknownError, "credential lookup failed")
				} else {
					mgr.logger.Warn("client auth: rejected", slog.String("ip", clientIP), slog.String("path", r.URL.Path), slog.String("code", ae.Code))
				}
				if requestID != nil {
					ae.WithRequestID(requestID(r))
				}
				apierr.Write(w, ae.WithRecovery(nil))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCredential(r.Context(), rec)))
		})
	}
}
