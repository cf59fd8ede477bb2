// Package providers holds the per-provider capability table and the outbound
// HTTP plumbing shared by every provider: auth adaptation, model and stream
// detection, usage extraction and SSE parsing.
package providers

import (
	_ "embed"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/llmrelay/relay/internal/pricing"
)

//go:embed providers.yaml
var builtinTable []byte

// AuthMode is how the upstream secret is attached to the outbound request.
type AuthMode string

const (
	AuthBearer AuthMode = "bearer"
	AuthHeader AuthMode = "header"
	AuthQuery  AuthMode = "query"
)

// Auth describes the auth adaptation of one provider.
type Auth struct {
	Mode AuthMode `yaml:"mode" json:"mode"`
	// Name is the header or query parameter name for header and query modes.
	Name string `yaml:"name" json:"name,omitempty"`
}

// ModelSource says where the requested model id lives.
type ModelSource struct {
	// From is "body" (a JSON field) or "path" (the segment after Field).
	From  string `yaml:"from" json:"from"`
	Field string `yaml:"field" json:"field"`
}

// StreamMarker says how a streaming request is recognised.
type StreamMarker struct {
	BodyField  string `yaml:"body_field" json:"body_field,omitempty"`
	PathMarker string `yaml:"path_marker" json:"path_marker,omitempty"`
	// Query is added to streaming requests that lack it, e.g. alt=sse.
	Query string `yaml:"query" json:"query,omitempty"`
	// IncludeUsage asks OpenAI-style APIs to emit a final usage chunk.
	IncludeUsage bool `yaml:"include_usage" json:"include_usage,omitempty"`
}

// Capability is one row of the capability table.
type Capability struct {
	Name    string            `yaml:"-" json:"name"`
	BaseURL string            `yaml:"base_url" json:"base_url"`
	Auth    Auth              `yaml:"auth" json:"auth"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`
	Timeout time.Duration     `yaml:"timeout" json:"timeout"`
	Model   ModelSource       `yaml:"model" json:"model"`
	Stream  StreamMarker      `yaml:"stream" json:"stream"`

	// Usage maps a token category to gjson paths; the first path present
	// wins. The same paths apply to buffered bodies and SSE payloads.
	Usage map[pricing.Category][]string `yaml:"usage" json:"-"`
	// InputIncludes lists categories already counted in the input total,
	// OutputIncludes those already counted in the output total.
	InputIncludes  []pricing.Category `yaml:"input_includes" json:"-"`
	OutputIncludes []pricing.Category `yaml:"output_includes" json:"-"`

	TextPaths  []string `yaml:"text" json:"-"`
	ModelPaths []string `yaml:"response_model" json:"-"`

	base *url.URL
}

// Table is the full capability table.
type Table struct {
	DefaultTimeout time.Duration          `yaml:"default_timeout"`
	ModelSuffixes  []string               `yaml:"model_suffixes"`
	Providers      map[string]*Capability `yaml:"providers"`
}

// ParseTable decodes and validates a YAML table.
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse provider table: %w", err)
	}
	for name, c := range t.Providers {
		if c == nil {
			return nil, fmt.Errorf("provider %q: empty entry", name)
		}
		if err := c.init(name); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

// Builtin returns the embedded default table.
func Builtin() *Table {
	t, err := ParseTable(builtinTable)
	if err != nil {
		panic(err)
	}
	return t
}

// Merge returns a copy of t with o's providers replacing or adding entries
// by name. Non-zero top-level settings of o win.
func (t *Table) Merge(o *Table) *Table {
	out := &Table{
		DefaultTimeout: t.DefaultTimeout,
		ModelSuffixes:  t.ModelSuffixes,
		Providers:      make(map[string]*Capability, len(t.Providers)+len(o.Providers)),
	}
	for k, v := range t.Providers {
		out.Providers[k] = v
	}
	for k, v := range o.Providers {
		out.Providers[k] = v
	}
	if o.DefaultTimeout > 0 {
		out.DefaultTimeout = o.DefaultTimeout
	}
	if len(o.ModelSuffixes) > 0 {
		out.ModelSuffixes = o.ModelSuffixes
	}
	return out
}

// Names returns the provider names, sorted.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.Providers))
	for name := range t.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Capability) init(name string) error {
	c.Name = name
	u, err := url.Parse(strings.TrimRight(c.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("provider %q: invalid base_url %q", name, c.BaseURL)
	}
	c.base = u

	switch c.Auth.Mode {
	case AuthBearer:
	case AuthHeader, AuthQuery:
		if c.Auth.Name == "" {
			return fmt.Errorf("provider %q: auth mode %s needs a name", name, c.Auth.Mode)
		}
	default:
		return fmt.Errorf("provider %q: unknown auth mode %q", name, c.Auth.Mode)
	}

	switch c.Model.From {
	case "", "body":
		c.Model.From = "body"
		if c.Model.Field == "" {
			c.Model.Field = "model"
		}
	case "path":
		if c.Model.Field == "" {
			return fmt.Errorf("provider %q: path model source needs a field", name)
		}
	default:
		return fmt.Errorf("provider %q: unknown model source %q", name, c.Model.From)
	}

	for cat := range c.Usage {
		if !knownCategory(cat) {
			return fmt.Errorf("provider %q: unknown usage category %q", name, cat)
		}
	}
	return nil
}

func knownCategory(c pricing.Category) bool {
	for _, k := range pricing.Categories {
		if k == c {
			return true
		}
	}
	return false
}

// TimeoutOr returns the provider timeout, or fallback when unset.
func (c *Capability) TimeoutOr(fallback time.Duration) time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return fallback
}

// WithBaseURL returns a copy of c that targets baseURL, e.g. a regional
// endpoint or a local mock.
func (c *Capability) WithBaseURL(baseURL string) (*Capability, error) {
	cp := *c
	cp.BaseURL = baseURL
	if err := cp.init(c.Name); err != nil {
		return nil, err
	}
	return &cp, nil
}
