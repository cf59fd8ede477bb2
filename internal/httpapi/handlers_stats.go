package httpapi

import (
	"net/http"
	"time"

	"github.com/llmrelay/relay/internal/audit"
)

const maxStatsWindow = 30 * 24 * time.Hour

// StatsResponse is returned by the /admin/v1/stats endpoint.
type StatsResponse struct {
	Window   string               `json:"window"`
	Provider string               `json:"provider,omitempty"`
	Errors   audit.ErrorSummary   `json:"errors"`
	Latency  audit.LatencySummary `json:"latency"`
}

// StatsHandler returns error-rate and latency aggregates over the request
// traces of a window (default 1h).
func StatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		window := time.Hour
		if v := r.URL.Query().Get("window"); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil || parsed <= 0 || parsed > maxStatsWindow {
				jsonError(w, "window must be a positive duration up to 720h", http.StatusBadRequest)
				return
			}
			window = parsed
		}
		provider := r.URL.Query().Get("provider")

		errs, err := d.Audit.ErrorRate(r.Context(), window, provider)
		if err != nil {
			d.Logger.Warn("stats: error rate query failed", "error", err)
			jsonError(w, "stats unavailable", http.StatusInternalServerError)
			return
		}
		lat, err := d.Audit.Latency(r.Context(), window, provider)
		if err != nil {
			d.Logger.Warn("stats: latency query failed", "error", err)
			jsonError(w, "stats unavailable", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, StatsResponse{
			Window:   window.String(),
			Provider: provider,
			Errors:   errs,
			Latency:  lat,
		})
	}
}
