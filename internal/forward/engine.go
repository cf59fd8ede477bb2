// Package forward proxies authenticated client requests to upstream
// providers. Each request runs a small state machine:
//
//	RESOLVING_TARGET -> BUILDING_REQUEST -> DISPATCHING -> STREAMING | BUFFERED -> COMPLETED | FAILED
//
// Once a request reaches BUILDING_REQUEST it is finalized exactly once on
// every exit path: health outcome, trace update, cost and usage record.
package forward

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/llmrelay/relay/internal/apierr"
	"github.com/llmrelay/relay/internal/apikey"
	"github.com/llmrelay/relay/internal/audit"
	"github.com/llmrelay/relay/internal/events"
	"github.com/llmrelay/relay/internal/health"
	"github.com/llmrelay/relay/internal/metrics"
	"github.com/llmrelay/relay/internal/pricing"
	"github.com/llmrelay/relay/internal/providers"
	"github.com/llmrelay/relay/internal/spend"
	"github.com/llmrelay/relay/internal/store"
	"github.com/llmrelay/relay/internal/upstream"
)

// State is a step of the per-request state machine.
type State string

const (
	StateResolvingTarget State = "RESOLVING_TARGET"
	StateBuildingRequest State = "BUILDING_REQUEST"
	StateDispatching     State = "DISPATCHING"
	StateStreaming       State = "STREAMING"
	StateBuffered        State = "BUFFERED"
	StateCompleted       State = "COMPLETED"
	StateFailed          State = "FAILED"
)

// Response headers set on forwarded responses.
const (
	HeaderRequestID = "X-Relay-Request-Id"
	HeaderProvider  = "X-Relay-Provider"
	HeaderModel     = "X-Relay-Model"
	HeaderLatencyMs = "X-Relay-Latency-Ms"
	HeaderCostCents = "X-Relay-Cost-Cents"
)

// KeyResolver picks the upstream credential for a client credential.
type KeyResolver interface {
	Resolve(ctx context.Context, client *store.ClientCredential, provider string) (*upstream.Key, error)
}

// ModelRegistry answers model enablement for normalized model ids.
type ModelRegistry interface {
	ModelEnabled(ctx context.Context, provider, model string) (bool, error)
}

// Pricer prices token usage.
type Pricer interface {
	Price(ctx context.Context, provider, model string, at time.Time, u pricing.Usage) (pricing.Cost, pricing.Source, error)
}

// Deps are the collaborators of the engine. Metrics, Events, Spend, Client
// and Logger are optional.
type Deps struct {
	Providers *providers.Registry
	Keys      KeyResolver
	Models    ModelRegistry
	Pricer    Pricer
	Audit     *audit.Logger
	Health    *health.Tracker

	Spend     spend.Counter
	Metrics   *metrics.Registry
	Events    *events.Bus
	Estimator providers.Estimator
	Client    *http.Client
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Config bounds request handling.
type Config struct {
	// DefaultTimeout applies to providers without their own timeout. Zero
	// uses the capability table default.
	DefaultTimeout  time.Duration
	MaxRequestBytes int64
	// MaxStreamBytes caps a relayed response; zero means no cap.
	MaxStreamBytes int64
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		MaxRequestBytes: 32 << 20,
		MaxStreamBytes:  100 << 20,
	}
}

// Engine is the forwarding http.Handler mounted at /v1/{provider}/*.
type Engine struct {
	d      Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates an engine.
func New(d Deps, cfg Config) *Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Client == nil {
		d.Client = &http.Client{}
	}
	if d.Spend == nil {
		d.Spend = spend.Noop{}
	}
	if d.Estimator == nil {
		d.Estimator = providers.NewEstimator("tiktoken")
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = DefaultConfig().MaxRequestBytes
	}
	now := d.Clock
	if now == nil {
		now = time.Now
	}
	return &Engine{d: d, cfg: cfg, logger: d.Logger.With("component", "forward"), now: now}
}

// call is the state of one forwarded request.
type call struct {
	requestID string
	provider  string
	cap       *providers.Capability
	client    *store.ClientCredential
	key       *upstream.Key

	method     string
	path       string
	rawQuery   string
	header     http.Header
	body       []byte
	model      string
	normalized string
	streaming  bool
	logContent bool
	batch      bool
	appID      string
	endUserID  string

	start   time.Time
	state   State
	traceID string
	once    sync.Once
	res     *result
	logger  *slog.Logger
}

func (c *call) transition(s State) {
	c.state = s
	c.logger.Debug("request state", "state", string(s))
}

func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c := &call{
		requestID: requestID(r),
		provider:  chi.URLParam(r, "provider"),
		path:      chi.URLParam(r, "*"),
		method:    r.Method,
		rawQuery:  r.URL.RawQuery,
		header:    r.Header,
		start:     e.now(),
	}
	c.logger = e.logger.With("request_id", c.requestID, "provider", c.provider)
	tw := &trackingWriter{ResponseWriter: w}
	tw.Header().Set(HeaderRequestID, c.requestID)

	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		c.logger.Error("panic in forwarding pipeline", "panic", rec, "state", string(c.state), "stack", string(debug.Stack()))
		ae := apierr.New(apierr.KindUnknownError, "internal gateway error").WithProvider(c.provider).WithRequestID(c.requestID)
		if c.traceID != "" {
			e.finalize(context.WithoutCancel(r.Context()), c, outcome{err: ae, statusCode: http.StatusInternalServerError})
		} else {
			e.reject(c, ae)
		}
		if !tw.wrote {
			apierr.Write(tw, ae.WithRecovery(nil))
		}
	}()

	c.transition(StateResolvingTarget)
	if ae := e.resolveTarget(r, c); ae != nil {
		e.reject(c, ae)
		apierr.Write(tw, e.decorate(c, ae))
		return
	}
	e.dispatch(tw, r, c)
}

func requestID(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return uuid.NewString()
}

// resolveTarget validates the provider, reads the body, checks the model and
// resolves the upstream key.
func (e *Engine) resolveTarget(r *http.Request, c *call) *apierr.Error {
	capability, ok := e.d.Providers.Lookup(c.provider)
	if !ok {
		return apierr.Newf(apierr.KindInvalidProvider, "unknown provider %q", c.provider).
			WithContext("supported_providers", e.d.Providers.Names())
	}
	c.cap = capability

	c.client = apikey.FromContext(r.Context())
	if c.client == nil {
		return apierr.Unauthorized(apierr.CodeMissingCredential, "missing client credential")
	}

	if r.Body != nil {
		body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, e.cfg.MaxRequestBytes))
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				return apierr.TooLarge(mbe.Limit)
			}
			return apierr.Newf(apierr.KindUnknownError, "read request body: %v", err)
		}
		c.body = body
	}

	c.appID = r.Header.Get(providers.HeaderAppID)
	c.endUserID = r.Header.Get(providers.HeaderEndUserID)
	c.logContent, _ = strconv.ParseBool(r.Header.Get(providers.HeaderLogContent))
	c.batch, _ = strconv.ParseBool(r.Header.Get(providers.HeaderBatch))
	c.streaming = c.cap.IsStreaming(c.path, c.body)

	c.model = c.cap.RequestModel(c.path, c.body)
	c.normalized = e.d.Providers.NormalizeModel(c.model)
	if c.normalized != "" && e.d.Models != nil {
		enabled, err := e.d.Models.ModelEnabled(r.Context(), c.provider, c.normalized)
		switch {
		case err != nil:
			c.logger.Warn("model enablement lookup failed, allowing", "model", c.normalized, "error", err)
		case !enabled:
			return apierr.Newf(apierr.KindModelDisabled, "model %q is disabled for provider %q", c.normalized, c.provider).
				WithContext("model", c.model)
		}
	}

	key, err := e.d.Keys.Resolve(r.Context(), c.client, c.provider)
	if err != nil {
		ae := apierr.Classify(err)
		if ae.Kind == apierr.KindUnknownError {
			c.logger.Error("upstream credential lookup failed", "error", err)
		}
		return ae
	}
	c.key = key
	return nil
}

func (e *Engine) dispatch(w *trackingWriter, r *http.Request, c *call) {
	c.transition(StateBuildingRequest)
	bg := context.WithoutCancel(r.Context())

	trace := audit.Trace{
		RequestID:          c.requestID,
		Provider:           c.provider,
		Model:              c.model,
		Method:             c.method,
		Path:               "/" + c.path,
		Streaming:          c.streaming,
		ClientCredentialID: c.client.ID,
		AppID:              c.appID,
		EndUserID:          c.endUserID,
	}
	if c.logContent {
		trace.RequestBody = string(c.body)
	}
	c.traceID, _ = e.d.Audit.Start(bg, trace)

	timeout := c.cap.TimeoutOr(e.defaultTimeout())
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	req, err := c.cap.NewRequest(ctx, providers.Outbound{
		Method:    c.method,
		Path:      c.path,
		RawQuery:  c.rawQuery,
		Header:    c.header,
		Body:      c.cap.PrepareBody(c.body, c.streaming),
		Secret:    c.key.Secret,
		Streaming: c.streaming,
		RequestID: c.requestID,
	})
	if err != nil {
		e.fail(bg, w, c, apierr.Newf(apierr.KindUnknownError, "build upstream request: %v", err), 0)
		return
	}

	c.transition(StateDispatching)
	c.logger.Debug("dispatching", "model", c.model, "streaming", c.streaming, "timeout", timeout)
	resp, err := providers.Do(e.d.Client, req, c.provider, c.model)
	if err != nil {
		var se *providers.StatusError
		if errors.As(err, &se) {
			e.upstreamError(bg, w, c, se)
			return
		}
		e.fail(bg, w, c, e.classifyDispatch(r.Context(), ctx, err), 0)
		return
	}
	defer resp.Body.Close()

	if c.streaming || isEventStream(resp.Header) {
		e.stream(bg, ctx, w, r, c, resp, cancel)
		return
	}
	e.buffered(bg, ctx, w, c, resp)
}

func (e *Engine) defaultTimeout() time.Duration {
	if e.cfg.DefaultTimeout > 0 {
		return e.cfg.DefaultTimeout
	}
	return e.d.Providers.DefaultTimeout()
}

// classifyDispatch maps a failure before any response byte arrived. A
// caller disconnect and a provider timeout both surface as context errors,
// so the two contexts are consulted first.
func (e *Engine) classifyDispatch(inbound, outbound context.Context, err error) *apierr.Error {
	switch {
	case inbound.Err() != nil:
		return apierr.New(apierr.KindConnectionError, "client disconnected before the provider responded")
	case errors.Is(outbound.Err(), context.DeadlineExceeded):
		return apierr.Classify(context.DeadlineExceeded)
	}
	return apierr.Classify(err)
}

// reject accounts for a request refused before dispatch. Such requests
// never reached a provider, so neither health nor the audit trail records
// them.
func (e *Engine) reject(c *call, ae *apierr.Error) {
	kind := string(ae.Kind)
	if kind == "" {
		kind = ae.Code
	}
	c.logger.Info("request rejected", "code", ae.Code, "status", ae.Status, "message", ae.Message)
	if e.d.Metrics != nil {
		e.d.Metrics.ObserveRequest(c.provider, "", kind, 0)
	}
}

// decorate tags ae with request context and recovery advice.
func (e *Engine) decorate(c *call, ae *apierr.Error) *apierr.Error {
	if ae.Provider == "" && c.cap != nil {
		ae.WithProvider(c.provider)
	}
	ae.WithRequestID(c.requestID)
	var alts []string
	if ae.Category == apierr.CategoryTransient && e.d.Health != nil {
		alts = e.d.Health.Available(e.d.Providers.Names())
	}
	return ae.WithRecovery(alts)
}

// fail finalizes c as failed and writes a structured error if the response
// has not started.
func (e *Engine) fail(ctx context.Context, w *trackingWriter, c *call, ae *apierr.Error, status int) {
	ae = e.decorate(c, ae)
	if status == 0 {
		status = ae.Status
	}
	e.finalize(ctx, c, outcome{err: ae, statusCode: status})
	if !w.wrote {
		apierr.Write(w, ae)
	}
}

func isEventStream(h http.Header) bool {
	return strings.HasPrefix(h.Get("Content-Type"), "text/event-stream")
}

// trackingWriter records whether the response has started.
type trackingWriter struct {
	http.ResponseWriter
	wrote bool
}

func (t *trackingWriter) WriteHeader(code int) {
	t.wrote = true
	t.ResponseWriter.WriteHeader(code)
}

func (t *trackingWriter) Write(b []byte) (int, error) {
	t.wrote = true
	return t.ResponseWriter.Write(b)
}

func (t *trackingWriter) Unwrap() http.ResponseWriter { return t.ResponseWriter }
