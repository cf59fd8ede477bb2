package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/llmrelay/relay/internal/health"
	"github.com/llmrelay/relay/internal/providers"
	"github.com/llmrelay/relay/internal/spend"
)

// HealthListHandler returns the health snapshot of every configured provider
// without hourly buckets.
func HealthListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names := d.Providers.Names()
		out := make([]health.Snapshot, 0, len(names))
		for _, name := range names {
			s := d.Health.Snapshot(name)
			s.Hourly = nil
			out = append(out, s)
		}
		writeJSON(w, http.StatusOK, map[string]any{"providers": out})
	}
}

// HealthProviderHandler returns one provider's snapshot including hourly
// buckets.
func HealthProviderHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "provider")
		if _, ok := d.Providers.Lookup(name); !ok {
			jsonError(w, "unknown provider: "+name, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, d.Health.Snapshot(name))
	}
}

// ProviderSummary is one row of the providers listing.
type ProviderSummary struct {
	Name      string                `json:"name"`
	BaseURL   string                `json:"base_url"`
	Auth      providers.AuthMode    `json:"auth_mode"`
	TimeoutMs int64                 `json:"timeout_ms"`
	Model     providers.ModelSource `json:"model_source"`
	Status    health.State          `json:"status"`
}

// ProvidersHandler summarizes the live capability table.
func ProvidersHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tbl := d.Providers.Table()
		out := make([]ProviderSummary, 0, len(tbl.Providers))
		for _, name := range tbl.Names() {
			c := tbl.Providers[name]
			out = append(out, ProviderSummary{
				Name:      name,
				BaseURL:   c.BaseURL,
				Auth:      c.Auth.Mode,
				TimeoutMs: c.TimeoutOr(tbl.DefaultTimeout).Milliseconds(),
				Model:     c.Model,
				Status:    d.Health.Status(name),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"default_timeout_ms": tbl.DefaultTimeout.Milliseconds(),
			"model_suffixes":     tbl.ModelSuffixes,
			"providers":          out,
		})
	}
}

// SpendResponse is the month-to-date spend of one client credential.
type SpendResponse struct {
	CredentialID string          `json:"credential_id"`
	Month        string          `json:"month"`
	Cents        decimal.Decimal `json:"cents"`
}

// SpendHandler returns a client credential's spend for the current month,
// or the month given as ?month=YYYY-MM.
func SpendHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, disabled := d.Spend.(spend.Noop); disabled {
			jsonError(w, "spend counters are not configured", http.StatusNotFound)
			return
		}
		at := d.now()
		if m := r.URL.Query().Get("month"); m != "" {
			t, err := time.Parse("2006-01", m)
			if err != nil {
				jsonError(w, "month must be YYYY-MM", http.StatusBadRequest)
				return
			}
			at = t
		}
		id := chi.URLParam(r, "credentialID")
		cents, err := d.Spend.Month(r.Context(), id, at)
		if err != nil {
			d.Logger.Warn("spend lookup failed", "credential_id", id, "error", err)
			jsonError(w, "spend counters unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, SpendResponse{
			CredentialID: id,
			Month:        at.UTC().Format("2006-01"),
			Cents:        cents,
		})
	}
}
