package providers

import (
	"github.com/tidwall/gjson"

	"github.com/llmrelay/relay/internal/pricing"
)

// readUsage reads every mapped category from a JSON document. found is
// false when none of the paths are present.
func (c *Capability) readUsage(data []byte) (raw map[pricing.Category]int64, found bool) {
	raw = make(map[pricing.Category]int64, len(c.Usage))
	for cat, paths := range c.Usage {
		for _, p := range paths {
			r := gjson.GetBytes(data, p)
			if r.Exists() && r.Type == gjson.Number {
				raw[cat] = r.Int()
				found = true
				break
			}
		}
	}
	return raw, found
}

// toUsage converts raw counts to a usage vector, removing categories the
// provider already counts inside its input or output totals.
func (c *Capability) toUsage(raw map[pricing.Category]int64) pricing.Usage {
	var u pricing.Usage
	for cat, n := range raw {
		u.Set(cat, n)
	}
	for _, cat := range c.InputIncludes {
		u.InputTokens -= raw[cat]
	}
	for _, cat := range c.OutputIncludes {
		u.OutputTokens -= raw[cat]
	}
	if u.InputTokens < 0 {
		u.InputTokens = 0
	}
	if u.OutputTokens < 0 {
		u.OutputTokens = 0
	}
	return u
}

// ExtractUsage reads the token usage from a buffered response body.
func (c *Capability) ExtractUsage(body []byte) (pricing.Usage, bool) {
	raw, found := c.readUsage(body)
	if !found {
		return pricing.Usage{}, false
	}
	return c.toUsage(raw), true
}

// ResponseModel returns the model id the provider reports in a response
// body or stream payload.
func (c *Capability) ResponseModel(data []byte) string {
	for _, p := range c.ModelPaths {
		if r := gjson.GetBytes(data, p); r.Type == gjson.String && r.Str != "" {
			return r.Str
		}
	}
	return ""
}

func (c *Capability) text(data []byte) string {
	for _, p := range c.TextPaths {
		if r := gjson.GetBytes(data, p); r.Type == gjson.String {
			return r.Str
		}
	}
	return ""
}
