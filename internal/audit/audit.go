package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxBodyBytes caps request and response bodies kept on a trace.
const DefaultMaxBodyBytes = 64 << 10

// Sink is the durable store behind the logger.
type Sink interface {
	InsertTrace(ctx context.Context, t Trace) error
	FinishTrace(ctx context.Context, id string, u Update) error
	InsertUsageRecord(ctx context.Context, u UsageRecord) error
	TraceKindCounts(ctx context.Context, since time.Time, provider string) ([]KindCount, error)
	TraceLatency(ctx context.Context, since time.Time, provider string) (LatencyRow, error)
}

// ErrorSummary is the error rate over a window of terminal traces.
type ErrorSummary struct {
	Total  int64            `json:"total"`
	Failed int64            `json:"failed"`
	Rate   float64          `json:"error_rate"`
	ByKind map[string]int64 `json:"by_kind"`
}

// LatencySummary aggregates latency over successful traces in a window.
type LatencySummary struct {
	Count int64   `json:"count"`
	AvgMs float64 `json:"avg_ms"`
	MinMs int64   `json:"min_ms"`
	MaxMs int64   `json:"max_ms"`
}

// Logger records request lifecycles and usage. Write failures are logged
// and returned, but callers on the request path treat them as best-effort.
type Logger struct {
	sink         Sink
	logger       *slog.Logger
	now          func() time.Time
	maxBodyBytes int
}

// Option configures a Logger.
type Option func(*Logger)

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Logger) { a.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Logger) { a.now = now }
}

// WithMaxBodyBytes sets the body truncation limit; zero or less disables it.
func WithMaxBodyBytes(n int) Option {
	return func(a *Logger) { a.maxBodyBytes = n }
}

// New creates a Logger over sink.
func New(sink Sink, opts ...Option) *Logger {
	a := &Logger{
		sink:         sink,
		logger:       slog.Default(),
		now:          time.Now,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "audit")
	return a
}

// Start creates a pending trace and returns its id. The id is valid even if
// the write fails, so the caller can still finalize.
func (a *Logger) Start(ctx context.Context, t Trace) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = a.now().UTC()
	}
	t.Status = StatusPending
	t.RequestBody = a.truncate(t.RequestBody)

	if err := a.sink.InsertTrace(ctx, t); err != nil {
		a.logger.Warn("trace start not persisted", "trace_id", t.ID, "request_id", t.RequestID, "error", err)
		return t.ID, err
	}
	return t.ID, nil
}

// Complete marks the trace completed.
func (a *Logger) Complete(ctx context.Context, id string, u Update) error {
	u.Status = StatusCompleted
	u.ErrorKind = ""
	u.ErrorMessage = ""
	return a.finish(ctx, id, u)
}

// Fail marks the trace failed with the error kind and message in u.
func (a *Logger) Fail(ctx context.Context, id string, u Update) error {
	u.Status = StatusFailed
	return a.finish(ctx, id, u)
}

func (a *Logger) finish(ctx context.Context, id string, u Update) error {
	if u.CompletedAt.IsZero() {
		u.CompletedAt = a.now().UTC()
	}
	u.ResponseBody = a.truncate(u.ResponseBody)
	if err := a.sink.FinishTrace(ctx, id, u); err != nil {
		a.logger.Warn("trace finish not persisted", "trace_id", id, "status", u.Status, "error", err)
		return err
	}
	return nil
}

// RecordUsage appends the usage snapshot of a finished request.
func (a *Logger) RecordUsage(ctx context.Context, u UsageRecord) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = a.now().UTC()
	}
	if err := a.sink.InsertUsageRecord(ctx, u); err != nil {
		a.logger.Warn("usage record not persisted",
			"request_id", u.RequestID,
			"provider", u.Provider,
			"model", u.Model,
			"cost_cents", u.Cost.Total.String(),
			"error", err,
		)
		return err
	}
	return nil
}

// ErrorRate reports the failure rate and per-kind breakdown of traces
// started within window. An empty provider covers all providers.
func (a *Logger) ErrorRate(ctx context.Context, window time.Duration, provider string) (ErrorSummary, error) {
	rows, err := a.sink.TraceKindCounts(ctx, a.now().Add(-window), provider)
	if err != nil {
		return ErrorSummary{}, err
	}
	sum := ErrorSummary{ByKind: make(map[string]int64)}
	for _, r := range rows {
		sum.Total += r.Count
		if r.Status != StatusFailed {
			continue
		}
		sum.Failed += r.Count
		kind := r.Kind
		if kind == "" {
			kind = "unknown_error"
		}
		sum.ByKind[kind] += r.Count
	}
	if sum.Total > 0 {
		sum.Rate = float64(sum.Failed) / float64(sum.Total)
	}
	return sum, nil
}

// Latency reports latency statistics of completed traces started within
// window.
func (a *Logger) Latency(ctx context.Context, window time.Duration, provider string) (LatencySummary, error) {
	row, err := a.sink.TraceLatency(ctx, a.now().Add(-window), provider)
	if err != nil {
		return LatencySummary{}, err
	}
	return LatencySummary{Count: row.Count, AvgMs: row.Avg, MinMs: row.Min, MaxMs: row.Max}, nil
}

func (a *Logger) truncate(s string) string {
	if a.maxBodyBytes > 0 && len(s) > a.maxBodyBytes {
		return s[:a.maxBodyBytes]
	}
	return s
}
