// Package pricing computes request cost from a pricing record and a token
// usage vector. Amounts are fractional minor currency units (cents) held as
// decimals so that ledger prices are applied without rounding.
package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category is one billable token category.
type Category string

const (
	CategoryInput       Category = "input"
	CategoryOutput      Category = "output"
	CategoryCacheRead   Category = "cache_read"
	CategoryCacheWrite  Category = "cache_write"
	CategoryReasoning   Category = "reasoning"
	CategoryImageInput  Category = "image_input"
	CategoryAudioInput  Category = "audio_input"
	CategoryAudioOutput Category = "audio_output"
	CategoryVideoInput  Category = "video_input"
)

// Categories lists every category in reporting order.
var Categories = []Category{
	CategoryInput,
	CategoryOutput,
	CategoryCacheRead,
	CategoryCacheWrite,
	CategoryReasoning,
	CategoryImageInput,
	CategoryAudioInput,
	CategoryAudioOutput,
	CategoryVideoInput,
}

// InputSide reports whether the category counts toward the input-side split.
func (c Category) InputSide() bool {
	switch c {
	case CategoryOutput, CategoryReasoning, CategoryAudioOutput:
		return false
	default:
		return true
	}
}

var (
	defaultCacheReadFactor  = decimal.RequireFromString("0.5")
	defaultCacheWriteFactor = decimal.NewFromInt(1)
	one                     = decimal.NewFromInt(1)
)

// Record is one row of the append-only pricing ledger, keyed by
// (Provider, Model, EffectiveDate). Prices are cents per million tokens.
// Optional prices left unset fall back as documented on each field.
type Record struct {
	Provider      string
	Model         string
	EffectiveDate time.Time

	InputPerMillion  decimal.Decimal
	OutputPerMillion decimal.Decimal

	// Multipliers on the input price. Unset means 0.5 for reads, 1.0 for writes.
	CacheReadMultiplier  decimal.NullDecimal
	CacheWriteMultiplier decimal.NullDecimal

	// Unset reasoning and audio-output prices use the output price; unset
	// image, audio and video input prices use the input price.
	ReasoningPerMillion   decimal.NullDecimal
	ImageInputPerMillion  decimal.NullDecimal
	AudioInputPerMillion  decimal.NullDecimal
	AudioOutputPerMillion decimal.NullDecimal
	VideoInputPerMillion  decimal.NullDecimal

	// BatchDiscount is a fraction in [0,1] taken off every category for
	// batch-flagged requests.
	BatchDiscount decimal.Decimal

	// LongContextMultiplier applies to every category once the input-side
	// token total exceeds LongContextThreshold. A zero threshold disables it.
	LongContextThreshold  int64
	LongContextMultiplier decimal.Decimal

	// FixedCostPerRequest is added once, after multipliers.
	FixedCostPerRequest decimal.Decimal
}

// UnitPrice returns the per-million price applied to category c.
func (r Record) UnitPrice(c Category) decimal.Decimal {
	switch c {
	case CategoryInput:
		return r.InputPerMillion
	case CategoryOutput:
		return r.OutputPerMillion
	case CategoryCacheRead:
		return r.InputPerMillion.Mul(orDefault(r.CacheReadMultiplier, defaultCacheReadFactor))
	case CategoryCacheWrite:
		return r.InputPerMillion.Mul(orDefault(r.CacheWriteMultiplier, defaultCacheWriteFactor))
	case CategoryReasoning:
		return orDefault(r.ReasoningPerMillion, r.OutputPerMillion)
	case CategoryImageInput:
		return orDefault(r.ImageInputPerMillion, r.InputPerMillion)
	case CategoryAudioInput:
		return orDefault(r.AudioInputPerMillion, r.InputPerMillion)
	case CategoryAudioOutput:
		return orDefault(r.AudioOutputPerMillion, r.OutputPerMillion)
	case CategoryVideoInput:
		return orDefault(r.VideoInputPerMillion, r.InputPerMillion)
	}
	return decimal.Zero
}

func orDefault(v decimal.NullDecimal, def decimal.Decimal) decimal.Decimal {
	if v.Valid {
		return v.Decimal
	}
	return def
}

// Usage is the token vector of one request.
type Usage struct {
	InputTokens       int64 `json:"input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
	CacheReadTokens   int64 `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens  int64 `json:"cache_write_tokens,omitempty"`
	ReasoningTokens   int64 `json:"reasoning_tokens,omitempty"`
	ImageInputTokens  int64 `json:"image_input_tokens,omitempty"`
	AudioInputTokens  int64 `json:"audio_input_tokens,omitempty"`
	AudioOutputTokens int64 `json:"audio_output_tokens,omitempty"`
	VideoInputTokens  int64 `json:"video_input_tokens,omitempty"`

	Batch bool `json:"batch,omitempty"`
}

// Tokens returns the count recorded for category c. Negative counts read as zero.
func (u Usage) Tokens(c Category) int64 {
	var n int64
	switch c {
	case CategoryInput:
		n = u.InputTokens
	case CategoryOutput:
		n = u.OutputTokens
	case CategoryCacheRead:
		n = u.CacheReadTokens
	case CategoryCacheWrite:
		n = u.CacheWriteTokens
	case CategoryReasoning:
		n = u.ReasoningTokens
	case CategoryImageInput:
		n = u.ImageInputTokens
	case CategoryAudioInput:
		n = u.AudioInputTokens
	case CategoryAudioOutput:
		n = u.AudioOutputTokens
	case CategoryVideoInput:
		n = u.VideoInputTokens
	}
	if n < 0 {
		return 0
	}
	return n
}

// Set stores n for category c.
func (u *Usage) Set(c Category, n int64) {
	switch c {
	case CategoryInput:
		u.InputTokens = n
	case CategoryOutput:
		u.OutputTokens = n
	case CategoryCacheRead:
		u.CacheReadTokens = n
	case CategoryCacheWrite:
		u.CacheWriteTokens = n
	case CategoryReasoning:
		u.ReasoningTokens = n
	case CategoryImageInput:
		u.ImageInputTokens = n
	case CategoryAudioInput:
		u.AudioInputTokens = n
	case CategoryAudioOutput:
		u.AudioOutputTokens = n
	case CategoryVideoInput:
		u.VideoInputTokens = n
	}
}

// ContextTokens is the input-side total used for the long-context threshold.
func (u Usage) ContextTokens() int64 {
	var total int64
	for _, c := range Categories {
		if c.InputSide() {
			total += u.Tokens(c)
		}
	}
	return total
}

// Total is the sum of all categories.
func (u Usage) Total() int64 {
	var total int64
	for _, c := range Categories {
		total += u.Tokens(c)
	}
	return total
}

// IsZero reports whether no tokens were recorded.
func (u Usage) IsZero() bool { return u.Total() == 0 }

// Cost is a decomposed cost in cents.
type Cost struct {
	// ByCategory holds each category after multipliers. Categories with no
	// tokens are omitted.
	ByCategory map[Category]decimal.Decimal `json:"by_category"`

	Multiplier  decimal.Decimal `json:"multiplier"`
	LongContext bool            `json:"long_context,omitempty"`
	Batch       bool            `json:"batch,omitempty"`

	Fixed      decimal.Decimal `json:"fixed"`
	InputSide  decimal.Decimal `json:"input_side"`
	OutputSide decimal.Decimal `json:"output_side"`
	Total      decimal.Decimal `json:"total"`
}

// Compute prices usage against rec. It has no side effects.
//
// Each category costs tokens/1e6 * unit price. Both the long-context
// multiplier and the batch discount scale every category; the fixed
// per-request cost is added once on top.
func Compute(rec Record, u Usage) Cost {
	mult := one
	cost := Cost{ByCategory: make(map[Category]decimal.Decimal)}

	if rec.LongContextThreshold > 0 && u.ContextTokens() > rec.LongContextThreshold {
		// Multipliers below 1 would make cost fall as tokens grow.
		if rec.LongContextMultiplier.GreaterThan(one) {
			mult = mult.Mul(rec.LongContextMultiplier)
		}
		cost.LongContext = true
	}
	if u.Batch {
		discount := clamp01(rec.BatchDiscount)
		mult = mult.Mul(one.Sub(discount))
		cost.Batch = true
	}
	cost.Multiplier = mult

	for _, c := range Categories {
		n := u.Tokens(c)
		if n == 0 {
			continue
		}
		amount := decimal.NewFromInt(n).Mul(rec.UnitPrice(c)).Shift(-6).Mul(mult)
		cost.ByCategory[c] = amount
		if c.InputSide() {
			cost.InputSide = cost.InputSide.Add(amount)
		} else {
			cost.OutputSide = cost.OutputSide.Add(amount)
		}
	}

	cost.Fixed = rec.FixedCostPerRequest
	if cost.Fixed.IsNegative() {
		cost.Fixed = decimal.Zero
	}
	cost.Total = cost.InputSide.Add(cost.OutputSide).Add(cost.Fixed)
	return cost
}

func clamp01(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	if d.GreaterThan(one) {
		return one
	}
	return d
}
