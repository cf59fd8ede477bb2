package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/llmrelay/relay/internal/events"
)

// State is the rolling health classification of a provider.
type State string

const (
	StateHealthy   State = "HEALTHY"
	StateDegraded  State = "DEGRADED"
	StateUnhealthy State = "UNHEALTHY"
)

// KindTimeout is the error kind counted in the monotonic timeout total.
const KindTimeout = "timeout"

// TrackerConfig configures windows, thresholds and persistence.
type TrackerConfig struct {
	// Window is the rolling window statuses are computed over.
	Window time.Duration
	// MinSamples below which a provider is always HEALTHY.
	MinSamples int
	// DegradedRate and UnhealthyRate are inclusive error-rate thresholds.
	DegradedRate  float64
	UnhealthyRate float64
	// MaxLatencySamples caps retained latency samples per provider.
	MaxLatencySamples int

	// FlushDelay is the coalescing window between the first queued sample
	// and the batch write.
	FlushDelay     time.Duration
	FlushBatchSize int
	// MaxQueue bounds samples awaiting persistence; the oldest are dropped.
	MaxQueue int

	// Retention is how long persisted samples are kept.
	Retention time.Duration
	// PruneSchedule is a cron spec for the retention sweep; empty disables it.
	PruneSchedule string
}

// DefaultConfig returns the standard thresholds: 24h window, 5 samples,
// 10% degraded, 50% unhealthy, 0.5s flush, 48h retention.
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		Window:            24 * time.Hour,
		MinSamples:        5,
		DegradedRate:      0.10,
		UnhealthyRate:     0.50,
		MaxLatencySamples: 1000,
		FlushDelay:        500 * time.Millisecond,
		FlushBatchSize:    100,
		MaxQueue:          10000,
		Retention:         48 * time.Hour,
		PruneSchedule:     "@every 1h",
	}
}

// Sink is the durable log the tracker persists to and rehydrates from.
type Sink interface {
	InsertHealthSamples(ctx context.Context, samples []Sample) error
	HealthSamplesSince(ctx context.Context, since time.Time) ([]Sample, error)
	DeleteHealthSamplesBefore(ctx context.Context, before time.Time) (int64, error)
}

// Tracker maintains rolling success/failure statistics per provider. Counter
// updates happen synchronously on the request path; persistence is batched
// by a background flusher owned by Start/Stop.
type Tracker struct {
	cfg      TrackerConfig
	sink     Sink
	logger   *slog.Logger
	now      func() time.Time
	bus      *events.Bus
	onUpdate func(provider string, state State)

	mu        sync.Mutex
	providers map[string]*providerState

	qmu     sync.Mutex
	queue   []Sample
	dropped int64
	kick    chan struct{}

	lifecycle sync.Mutex
	running   bool
	stop      chan struct{}
	done      chan struct{}
	cron      *cron.Cron
}

// TrackerOption configures optional Tracker behaviour.
type TrackerOption func(*Tracker)

// WithSink enables persistence and rehydration.
func WithSink(s Sink) TrackerOption {
	return func(t *Tracker) { t.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithEventBus publishes health_change events on state transitions.
func WithEventBus(bus *events.Bus) TrackerOption {
	return func(t *Tracker) { t.bus = bus }
}

// WithOnUpdate registers a callback invoked after every recorded sample.
// Use this to keep external gauges current.
func WithOnUpdate(fn func(provider string, state State)) TrackerOption {
	return func(t *Tracker) { t.onUpdate = fn }
}

// NewTracker creates a tracker. Call Start to rehydrate and begin
// persisting, and Stop to flush on shutdown.
func NewTracker(cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
		providers: make(map[string]*providerState),
		kick:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "health")
	return t
}

// RecordSuccess records a successful call.
func (t *Tracker) RecordSuccess(provider string, latencyMs int64) {
	t.Record(Sample{Provider: provider, Success: true, LatencyMs: latencyMs})
}

// RecordFailure records a failed call with its error kind.
func (t *Tracker) RecordFailure(provider, kind, msg string, latencyMs int64) {
	t.Record(Sample{Provider: provider, ErrorKind: kind, ErrorMessage: msg, LatencyMs: latencyMs})
}

// Record applies s to the in-memory statistics and queues it for
// persistence. It never blocks on storage.
func (t *Tracker) Record(s Sample) {
	if s.At.IsZero() {
		s.At = t.now()
	}

	t.mu.Lock()
	st := t.state(s.Provider)
	before := st.status(t.cfg)
	st.apply(s, t.cfg)
	st.prune(t.now(), t.cfg)
	after := st.status(t.cfg)
	t.mu.Unlock()

	if t.sink != nil {
		t.enqueue(s)
	}
	if t.onUpdate != nil {
		t.onUpdate(s.Provider, after)
	}
	if before != after && t.bus != nil {
		reason := "success recorded"
		if !s.Success {
			reason = s.ErrorKind
		}
		t.bus.Publish(events.Event{
			Type:      events.EventHealthChange,
			Timestamp: t.now().UTC(),
			Provider:  s.Provider,
			OldState:  string(before),
			NewState:  string(after),
			Reason:    reason,
		})
	}
}

// Status returns the current classification of provider. Unknown
// providers are HEALTHY.
func (t *Tracker) Status(provider string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.providers[provider]
	if !ok {
		return StateHealthy
	}
	st.prune(t.now(), t.cfg)
	return st.status(t.cfg)
}

// Snapshot returns a copy of provider's statistics.
func (t *Tracker) Snapshot(provider string) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	st, ok := t.providers[provider]
	if !ok {
		st = newProviderState()
	}
	st.prune(now, t.cfg)
	return st.snapshot(provider, now, t.cfg)
}

// All returns snapshots of every known provider, sorted by name.
func (t *Tracker) All() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	names := make([]string, 0, len(t.providers))
	for name := range t.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		st := t.providers[name]
		st.prune(now, t.cfg)
		out = append(out, st.snapshot(name, now, t.cfg))
	}
	return out
}

// Available filters candidates down to providers that are not UNHEALTHY.
func (t *Tracker) Available(candidates []string) []string {
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if t.Status(c) != StateUnhealthy {
			out = append(out, c)
		}
	}
	return out
}

func (t *Tracker) state(provider string) *providerState {
	st, ok := t.providers[provider]
	if !ok {
		st = newProviderState()
		t.providers[provider] = st
	}
	return st
}

// Start rehydrates the window from the sink, then starts the flusher and
// the retention sweep. Without a sink it only marks the tracker running.
func (t *Tracker) Start(ctx context.Context) error {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()
	if t.running {
		return nil
	}

	if t.sink != nil {
		if err := t.rehydrate(ctx); err != nil {
			// A cold window is acceptable; keep serving.
			t.logger.Warn("health rehydrate failed", "error", err)
		}

		if t.cfg.PruneSchedule != "" {
			if _, err := cron.ParseStandard(t.cfg.PruneSchedule); err != nil {
				return err
			}
			t.cron = cron.New()
			if _, err := t.cron.AddFunc(t.cfg.PruneSchedule, func() {
				pctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if _, err := t.Prune(pctx); err != nil {
					t.logger.Warn("health retention sweep failed", "error", err)
				}
			}); err != nil {
				return err
			}
			t.cron.Start()
		}

		t.stop = make(chan struct{})
		t.done = make(chan struct{})
		go t.flushLoop()
	}

	t.running = true
	return nil
}

// Stop halts the background tasks and makes one final flush attempt.
func (t *Tracker) Stop(ctx context.Context) error {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()
	if !t.running {
		return nil
	}
	t.running = false
	if t.sink == nil {
		return nil
	}

	if t.cron != nil {
		<-t.cron.Stop().Done()
	}
	close(t.stop)
	select {
	case <-t.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.flush(ctx)
	if n := t.Pending(); n > 0 {
		t.logger.Warn("health samples not persisted at shutdown", "count", n)
	}
	return nil
}

// Prune deletes persisted samples older than the retention period.
func (t *Tracker) Prune(ctx context.Context) (int64, error) {
	if t.sink == nil {
		return 0, nil
	}
	n, err := t.sink.DeleteHealthSamplesBefore(ctx, t.now().Add(-t.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.logger.Debug("pruned health samples", "count", n)
	}
	return n, nil
}

func (t *Tracker) rehydrate(ctx context.Context) error {
	samples, err := t.sink.HealthSamplesSince(ctx, t.now().Add(-t.cfg.Window))
	if err != nil {
		return err
	}
	t.mu.Lock()
	for _, s := range samples {
		t.state(s.Provider).apply(s, t.cfg)
	}
	now := t.now()
	for _, st := range t.providers {
		st.prune(now, t.cfg)
	}
	t.mu.Unlock()
	t.logger.Info("health window rehydrated", "samples", len(samples))
	return nil
}
