package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/llmrelay/relay/internal/apikey"
	"github.com/llmrelay/relay/internal/audit"
	"github.com/llmrelay/relay/internal/events"
	"github.com/llmrelay/relay/internal/health"
	"github.com/llmrelay/relay/internal/metrics"
	"github.com/llmrelay/relay/internal/providers"
	"github.com/llmrelay/relay/internal/spend"
)

// Pinger reports whether the durable store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Dependencies struct {
	// Forward is the provider proxy mounted at /v1/{provider}/*.
	Forward   http.Handler
	Auth      *apikey.Manager
	Providers *providers.Registry
	Health    *health.Tracker
	Audit     *audit.Logger
	Spend     spend.Counter
	Metrics   *metrics.Registry
	EventBus  *events.Bus
	Store     Pinger
	// RateLimit is applied after authentication when set.
	RateLimit func(http.Handler) http.Handler

	// AdminToken guards /admin/v1; admin routes are not mounted when nil.
	AdminToken *AdminToken
	Logger     *slog.Logger
	Clock      func() time.Time
}

func (d Dependencies) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

func MountRoutes(r chi.Router, d Dependencies) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Spend == nil {
		d.Spend = spend.Noop{}
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		// Verify the gateway can actually forward: a store and a provider table.
		status, code := "ok", http.StatusOK
		if d.Store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := d.Store.Ping(ctx); err != nil {
				d.Logger.Warn("healthz: store unreachable", "error", err)
				status, code = "unhealthy", http.StatusServiceUnavailable
			}
		}
		count := len(d.Providers.Names())
		if count == 0 {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status":    status,
			"providers": count,
		})
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	r.Route("/v1/{provider}", func(r chi.Router) {
		r.Use(apikey.AuthMiddleware(d.Auth, func(r *http.Request) string {
			return middleware.GetReqID(r.Context())
		}))
		if d.RateLimit != nil {
			r.Use(d.RateLimit)
		}
		r.Handle("/*", d.Forward)
	})

	if d.AdminToken == nil {
		d.Logger.Info("admin API disabled: no admin token configured")
		return
	}
	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(d.AdminToken.Middleware)
		r.Get("/health", HealthListHandler(d))
		r.Get("/health/{provider}", HealthProviderHandler(d))
		r.Get("/stats", StatsHandler(d))
		r.Get("/spend/{credentialID}", SpendHandler(d))
		r.Get("/providers", ProvidersHandler(d))
		if d.EventBus != nil {
			r.Get("/events", SSEHandler(d.EventBus))
		}
	})
}

// jsonError writes a JSON-encoded error response with the given status code.
// Response body format: {"error": "<msg>"}
func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
