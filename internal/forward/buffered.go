package forward

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/llmrelay/relay/internal/apierr"
	"github.com/llmrelay/relay/internal/pricing"
	"github.com/llmrelay/relay/internal/providers"
)

// MetadataKey is the JSON key of the block merged into buffered responses.
const MetadataKey = "x_relay"

// Metadata is the gateway block merged into successful JSON responses.
type Metadata struct {
	RequestID string        `json:"request_id"`
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	LatencyMs int64         `json:"latency_ms"`
	Usage     pricing.Usage `json:"usage"`
	Estimated bool          `json:"usage_estimated,omitempty"`
	Cost      CostBlock     `json:"cost"`
}

// CostBlock is the decomposed cost in cents.
type CostBlock struct {
	TotalCents  decimal.Decimal                      `json:"total_cents"`
	InputCents  decimal.Decimal                      `json:"input_cents"`
	OutputCents decimal.Decimal                      `json:"output_cents"`
	FixedCents  decimal.Decimal                      `json:"fixed_cents"`
	ByCategory  map[pricing.Category]decimal.Decimal `json:"by_category,omitempty"`
	Source      pricing.Source                       `json:"pricing_source,omitempty"`
}

// buffered reads the whole upstream response, finalizes, then answers with
// the body plus the gateway metadata block.
func (e *Engine) buffered(bg, ctx context.Context, w *trackingWriter, c *call, resp *http.Response) {
	c.transition(StateBuffered)

	var reader io.Reader = resp.Body
	if e.cfg.MaxStreamBytes > 0 {
		reader = io.LimitReader(resp.Body, e.cfg.MaxStreamBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		ae := apierr.Classify(err)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			ae = apierr.Classify(context.DeadlineExceeded)
		}
		e.fail(bg, w, c, ae, 0)
		return
	}
	if e.cfg.MaxStreamBytes > 0 && int64(len(body)) > e.cfg.MaxStreamBytes {
		e.fail(bg, w, c, apierr.Newf(apierr.KindUnknownError, "provider response exceeded %d bytes", e.cfg.MaxStreamBytes), 0)
		return
	}

	usage, _ := c.cap.ExtractUsage(body)
	res := e.finalize(bg, c, outcome{
		statusCode: resp.StatusCode,
		model:      c.cap.ResponseModel(body),
		usage:      usage,
		content:    string(body),
	})

	meta := Metadata{
		RequestID: c.requestID,
		Provider:  c.provider,
		Model:     res.model,
		LatencyMs: res.latency.Milliseconds(),
		Usage:     res.usage,
		Cost: CostBlock{
			TotalCents:  res.cost.Total,
			InputCents:  res.cost.InputSide,
			OutputCents: res.cost.OutputSide,
			FixedCents:  res.cost.Fixed,
			ByCategory:  res.cost.ByCategory,
			Source:      res.source,
		},
	}
	out := mergeMetadata(body, meta)

	h := w.Header()
	copyResponseHeaders(h, resp.Header)
	h.Set(HeaderProvider, c.provider)
	if res.model != "" {
		h.Set(HeaderModel, res.model)
	}
	h.Set(HeaderLatencyMs, strconv.FormatInt(meta.LatencyMs, 10))
	h.Set(HeaderCostCents, res.cost.Total.String())
	h.Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(out); err != nil {
		c.logger.Debug("client went away before the response was written", "error", err)
	}
}

// mergeMetadata adds meta under MetadataKey to a JSON object body. Other
// bodies are returned unchanged.
func mergeMetadata(body []byte, meta Metadata) []byte {
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return body
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return body
	}
	out, err := sjson.SetRawBytes(body, MetadataKey, raw)
	if err != nil {
		return body
	}
	return out
}

// upstreamError finalizes a non-2xx provider response. JSON bodies pass
// through with their original status; anything else becomes a structured
// error.
func (e *Engine) upstreamError(bg context.Context, w *trackingWriter, c *call, se *providers.StatusError) {
	ae := apierr.Classify(se)
	if msg := providerMessage(se.Body); msg != "" {
		ae.Message = msg
	}
	ae = e.decorate(c, ae)
	e.finalize(bg, c, outcome{err: ae, statusCode: se.StatusCode, content: string(se.Body)})

	if len(se.Body) == 0 || !gjson.ValidBytes(se.Body) {
		apierr.Write(w, ae)
		return
	}
	h := w.Header()
	ct := se.ContentType
	if ct == "" || !strings.Contains(ct, "json") {
		ct = "application/json"
	}
	h.Set("Content-Type", ct)
	h.Set(HeaderProvider, c.provider)
	if se.RetryAfterSecs > 0 {
		h.Set("Retry-After", strconv.Itoa(se.RetryAfterSecs))
	}
	w.WriteHeader(se.StatusCode)
	_, _ = w.Write(se.Body)
}

// providerMessage extracts the human-readable message of a provider error
// body.
func providerMessage(body []byte) string {
	for _, p := range []string{"error.message", "message", "error", "detail"} {
		if r := gjson.GetBytes(body, p); r.Type == gjson.String && r.Str != "" {
			return r.Str
		}
	}
	return ""
}
