package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Health gauge values.
const (
	HealthHealthy   = 0
	HealthDegraded  = 1
	HealthUnhealthy = 2
)

type Registry struct {
	reg *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	CostCents       *prometheus.CounterVec
	Tokens          *prometheus.CounterVec
	ProviderHealth  *prometheus.GaugeVec
	RateLimited     prometheus.Counter
	DroppedSamples  prometheus.CounterFunc
}

// New creates a registry with the relay collectors and the Go runtime
// collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Proxied requests by provider, outcome and error kind",
		}, []string{"provider", "status", "kind"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "End-to-end request duration",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider", "mode"}),
		CostCents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_cost_cents_total",
			Help: "Computed request cost in cents",
		}, []string{"provider", "model"}),
		Tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tokens_total",
			Help: "Tokens by provider and direction (input or output)",
		}, []string{"provider", "direction"}),
		ProviderHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_provider_health",
			Help: "Provider health: 0 healthy, 1 degraded, 2 unhealthy",
		}, []string{"provider"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_rate_limited_total",
			Help: "Requests rejected by the per-credential rate limit",
		}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.CostCents, m.Tokens, m.ProviderHealth, m.RateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RegisterDropped exposes a counter of health samples dropped from a full
// persistence queue.
func (m *Registry) RegisterDropped(f func() float64) {
	m.DroppedSamples = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "relay_health_samples_dropped_total",
		Help: "Health samples dropped because the persistence queue was full",
	}, f)
	m.reg.MustRegister(m.DroppedSamples)
}

// ObserveRequest records one finished request. kind is empty on success.
func (m *Registry) ObserveRequest(provider, mode, kind string, d time.Duration) {
	status := "success"
	if kind != "" {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(provider, status, kind).Inc()
	if mode != "" {
		m.RequestDuration.WithLabelValues(provider, mode).Observe(d.Seconds())
	}
}

// ObserveUsage records tokens and cost of one priced request.
func (m *Registry) ObserveUsage(provider, model string, inputTokens, outputTokens int64, costCents float64) {
	if inputTokens > 0 {
		m.Tokens.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.Tokens.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
	if costCents > 0 {
		m.CostCents.WithLabelValues(provider, model).Add(costCents)
	}
}

// SetHealth sets the health gauge of provider.
func (m *Registry) SetHealth(provider string, value int) {
	m.ProviderHealth.WithLabelValues(provider).Set(float64(value))
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests and embedding.
func (m *Registry) Gatherer() prometheus.Gatherer { return m.reg }
