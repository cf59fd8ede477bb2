package forward

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/llmrelay/relay/internal/apierr"
	"github.com/llmrelay/relay/internal/audit"
	"github.com/llmrelay/relay/internal/events"
	"github.com/llmrelay/relay/internal/pricing"
)

// outcome is what the dispatch phase learned about a request.
type outcome struct {
	err        *apierr.Error
	statusCode int
	model      string
	usage      pricing.Usage
	estimated  bool
	// content is the response body or reassembled stream text, kept on the
	// trace only when the caller opted into content logging.
	content string
}

// result is what finalization computed.
type result struct {
	latency time.Duration
	model   string
	usage   pricing.Usage
	cost    pricing.Cost
	source  pricing.Source
}

// finalize records the outcome of c exactly once and returns the priced
// result. Later calls return the first result unchanged. Persistence
// failures are logged by the audit logger and never change the outcome.
func (e *Engine) finalize(ctx context.Context, c *call, o outcome) *result {
	c.once.Do(func() {
		c.res = e.doFinalize(ctx, c, o)
	})
	return c.res
}

func (e *Engine) doFinalize(ctx context.Context, c *call, o outcome) *result {
	latency := e.now().Sub(c.start)
	ms := latency.Milliseconds()
	model := o.model
	if model == "" {
		model = c.model
	}
	o.usage.Batch = c.batch
	res := &result{latency: latency, model: model, usage: o.usage, cost: zeroCost()}

	if o.err == nil {
		c.transition(StateCompleted)
		e.d.Health.RecordSuccess(c.provider, ms)
	} else {
		c.transition(StateFailed)
		e.d.Health.RecordFailure(c.provider, string(o.err.Kind), o.err.Message, ms)
	}

	upd := audit.Update{StatusCode: o.statusCode, LatencyMs: ms}
	if c.logContent {
		upd.ResponseBody = o.content
	}
	if o.err == nil {
		_ = e.d.Audit.Complete(ctx, c.traceID, upd)
	} else {
		upd.ErrorKind = string(o.err.Kind)
		upd.ErrorMessage = o.err.Message
		_ = e.d.Audit.Fail(ctx, c.traceID, upd)
	}

	// A request that consumed no tokens is not priced, so a failed call is
	// never charged a fixed per-request cost.
	if !o.usage.IsZero() {
		priceModel := e.d.Providers.NormalizeModel(model)
		cost, src, err := e.d.Pricer.Price(ctx, c.provider, priceModel, c.start, o.usage)
		if err != nil {
			c.logger.Warn("pricing lookup failed, using placeholder price", "model", priceModel, "error", err)
			cost, src = pricing.Compute(pricing.Placeholder, o.usage), pricing.SourceDefault
		}
		res.cost, res.source = cost, src
	}

	rec := audit.UsageRecord{
		TraceID:            c.traceID,
		RequestID:          c.requestID,
		Provider:           c.provider,
		Model:              model,
		ClientCredentialID: c.client.ID,
		ClientKeyPrefix:    c.client.KeyPrefix,
		UserID:             c.client.UserID,
		GroupID:            c.client.GroupID,
		AppID:              c.appID,
		EndUserID:          c.endUserID,
		Usage:              o.usage,
		Estimated:          o.estimated,
		Cost:               res.cost,
		PricingSource:      res.source,
		LatencyMs:          ms,
		StatusCode:         o.statusCode,
		Streaming:          c.streaming,
		Success:            o.err == nil,
	}
	if c.key != nil {
		rec.UpstreamCredentialID = c.key.CredentialID
	}
	_ = e.d.Audit.RecordUsage(ctx, rec)

	if res.cost.Total.IsPositive() {
		if err := e.d.Spend.Add(ctx, c.client.ID, res.cost.Total); err != nil {
			c.logger.Warn("spend counter not updated", "credential_id", c.client.ID, "error", err)
		}
	}

	kind := ""
	if o.err != nil {
		kind = string(o.err.Kind)
	}
	if e.d.Metrics != nil {
		mode := "buffered"
		if c.streaming {
			mode = "streaming"
		}
		e.d.Metrics.ObserveRequest(c.provider, mode, kind, latency)
		in, out := splitTokens(o.usage)
		cents, _ := res.cost.Total.Float64()
		e.d.Metrics.ObserveUsage(c.provider, model, in, out, cents)
	}

	if e.d.Events != nil {
		ev := events.Event{
			Type:       events.EventRequestCompleted,
			Timestamp:  e.now().UTC(),
			Provider:   c.provider,
			Model:      model,
			RequestID:  c.requestID,
			Streaming:  c.streaming,
			StatusCode: o.statusCode,
			LatencyMs:  ms,
			CostCents:  res.cost.Total.String(),
		}
		if o.err != nil {
			ev.Type = events.EventRequestFailed
			ev.ErrorKind = kind
			ev.ErrorMsg = o.err.Message
		}
		e.d.Events.Publish(ev)
	}

	attrs := []any{"model", model, "status", o.statusCode, "latency_ms", ms, "cost_cents", res.cost.Total.String()}
	if o.err != nil {
		c.logger.Warn("request failed", append(attrs, "kind", kind, "error", o.err.Message)...)
	} else {
		c.logger.Info("request completed", append(attrs, "input_tokens", o.usage.InputTokens, "output_tokens", o.usage.OutputTokens, "estimated", o.estimated)...)
	}
	return res
}

func zeroCost() pricing.Cost {
	return pricing.Cost{
		ByCategory: map[pricing.Category]decimal.Decimal{},
		Multiplier: decimal.NewFromInt(1),
	}
}

// splitTokens sums input-side and output-side categories.
func splitTokens(u pricing.Usage) (in, out int64) {
	for _, c := range pricing.Categories {
		if c.InputSide() {
			in += u.Tokens(c)
		} else {
			out += u.Tokens(c)
		}
	}
	return in, out
}
