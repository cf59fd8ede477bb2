package providers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// maxErrorBody caps how much of a non-2xx response body is read.
const maxErrorBody = 1 << 20

// StatusError captures a non-2xx provider response.
type StatusError struct {
	StatusCode     int
	Body           []byte
	ContentType    string
	RetryAfterSecs int
}

func (e *StatusError) Error() string {
	body := string(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, body)
}

// UpstreamStatus exposes the status and retry hint to error classification.
func (e *StatusError) UpstreamStatus() (int, int) {
	return e.StatusCode, e.RetryAfterSecs
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP date.
func (e *StatusError) ParseRetryAfter(v string) {
	v = strings.TrimSpace(v)
	if v == "" {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs > 0 {
			e.RetryAfterSecs = secs
		}
		return
	}
	if t, err := http.ParseTime(v); err == nil {
		if secs := int(time.Until(t).Seconds()); secs > 0 {
			e.RetryAfterSecs = secs
		}
	}
}

// Do sends req for provider and returns the response on 2xx. The response
// body must be closed by the caller; closing it ends the client span.
// Non-2xx responses are read, closed and returned as *StatusError.
func Do(client *http.Client, req *http.Request, provider, model string) (*http.Response, error) {
	ctx, span := otel.Tracer("relay.providers").Start(req.Context(), "provider.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("relay.provider", provider),
			attribute.String("relay.model", model),
			attribute.String("http.method", req.Method),
			attribute.String("http.host", req.URL.Host),
		),
	)
	req = req.WithContext(ctx)
	// The upstream sees the client span as its parent.
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		span.End()
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, rerr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, "read error response failed")
			span.End()
			return nil, fmt.Errorf("read error response: %w", rerr)
		}
		se := &StatusError{StatusCode: resp.StatusCode, Body: body, ContentType: resp.Header.Get("Content-Type")}
		se.ParseRetryAfter(resp.Header.Get("Retry-After"))
		span.RecordError(se)
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
		span.End()
		return nil, se
	}

	span.SetStatus(codes.Ok, "")
	resp.Body = &spanCloser{ReadCloser: resp.Body, span: span}
	return resp, nil
}

// spanCloser ends the associated span on Close.
type spanCloser struct {
	io.ReadCloser
	span trace.Span
}

func (sc *spanCloser) Close() error {
	err := sc.ReadCloser.Close()
	sc.span.End()
	return err
}
