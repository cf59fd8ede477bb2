package providers

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Gateway-only inbound headers. They are consumed by the gateway and never
// forwarded upstream.
const (
	HeaderAppID      = "X-Relay-App-Id"
	HeaderEndUserID  = "X-Relay-End-User-Id"
	HeaderLogContent = "X-Relay-Log-Content"
	// HeaderBatch flags a request for batch pricing.
	HeaderBatch = "X-Relay-Batch"
)

// headers never copied from the inbound request.
var droppedHeaders = map[string]bool{
	"Authorization":       true,
	"X-Api-Key":           true,
	"Cookie":              true,
	"Host":                true,
	"Content-Length":      true,
	"Accept-Encoding":     true,
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"X-Forwarded-For":     true,
	"X-Real-Ip":           true,
}

// RequestModel returns the model id the client asked for, read from the body or
// the path according to the capability.
func (c *Capability) RequestModel(path string, body []byte) string {
	if c.Model.From == "path" {
		i := strings.Index(path, c.Model.Field)
		if i < 0 {
			return ""
		}
		rest := path[i+len(c.Model.Field):]
		if j := strings.IndexAny(rest, "/?"); j >= 0 {
			rest = rest[:j]
		}
		// Google-style method suffix: models/gemini-pro:generateContent.
		if j := strings.LastIndex(rest, ":"); j > 0 && isMethodSuffix(rest[j+1:]) {
			rest = rest[:j]
		}
		return rest
	}
	if len(body) == 0 {
		return ""
	}
	return gjson.GetBytes(body, c.Model.Field).String()
}

func isMethodSuffix(s string) bool {
	if s == "" {
		return false
	}
	c := s[0]
	// Method names are lowerCamelCase verbs; variant tags such as ":free"
	// are all lowercase and handled by model normalization.
	return c >= 'a' && c <= 'z' && strings.ToLower(s) != s
}

// IsStreaming reports whether the request asks for a streamed response.
func (c *Capability) IsStreaming(path string, body []byte) bool {
	if m := c.Stream.PathMarker; m != "" && strings.Contains(path, m) {
		return true
	}
	if f := c.Stream.BodyField; f != "" && len(body) > 0 {
		return gjson.GetBytes(body, f).Bool()
	}
	return false
}

// PrepareBody adjusts a streaming request body so the provider reports
// usage at the end of the stream. Other bodies are returned unchanged.
func (c *Capability) PrepareBody(body []byte, streaming bool) []byte {
	if !streaming || !c.Stream.IncludeUsage || !gjson.ValidBytes(body) {
		return body
	}
	if gjson.GetBytes(body, "stream_options.include_usage").Exists() {
		return body
	}
	out, err := sjson.SetBytes(body, "stream_options.include_usage", true)
	if err != nil {
		return body
	}
	return out
}

// Outbound describes the request to send upstream.
type Outbound struct {
	Method    string
	Path      string
	RawQuery  string
	Header    http.Header
	Body      []byte
	Secret    string
	Streaming bool
	RequestID string
}

// NewRequest builds the upstream request: target URL, filtered headers,
// static provider headers and auth adaptation. Trace context is injected by Do.
func (c *Capability) NewRequest(ctx context.Context, o Outbound) (*http.Request, error) {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + "/" + strings.TrimLeft(o.Path, "/")

	q, err := url.ParseQuery(o.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	if o.Streaming && c.Stream.Query != "" {
		extra, err := url.ParseQuery(c.Stream.Query)
		if err == nil {
			for k, v := range extra {
				if _, ok := q[k]; !ok {
					q[k] = v
				}
			}
		}
	}
	if c.Auth.Mode == AuthQuery {
		q.Set(c.Auth.Name, o.Secret)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, o.Method, u.String(), bytes.NewReader(o.Body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for k, vs := range o.Header {
		ck := http.CanonicalHeaderKey(k)
		if droppedHeaders[ck] || strings.HasPrefix(ck, "X-Relay-") {
			continue
		}
		for _, v := range vs {
			req.Header.Add(ck, v)
		}
	}
	if c.Auth.Mode == AuthHeader {
		req.Header.Del(c.Auth.Name)
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	if len(o.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	switch c.Auth.Mode {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+o.Secret)
	case AuthHeader:
		req.Header.Set(c.Auth.Name, o.Secret)
	}

	if o.RequestID != "" {
		req.Header.Set("X-Request-Id", o.RequestID)
	}
	return req, nil
}
