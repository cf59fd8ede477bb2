package pricing

import "github.com/shopspring/decimal"

// staticTable is the built-in price list consulted when the ledger has no
// matching row. Model ids are matched exactly, then as the longest prefix.
// Prices are cents per million tokens.
var staticTable = map[string][]Record{
	"openai": {
		price("openai", "gpt-4o", "250", "1000"),
		price("openai", "gpt-4o-mini", "15", "60"),
		price("openai", "gpt-4.1", "200", "800"),
		price("openai", "gpt-4.1-mini", "40", "160"),
		price("openai", "gpt-4.1-nano", "10", "40"),
		price("openai", "gpt-4-turbo", "1000", "3000"),
		price("openai", "o1", "1500", "6000"),
		price("openai", "o3-mini", "110", "440"),
		price("openai", "text-embedding-3-small", "2", "0"),
		price("openai", "text-embedding-3-large", "13", "0"),
	},
	"anthropic": {
		withCache(price("anthropic", "claude-3-5-sonnet", "300", "1500"), "0.1", "1.25"),
		withCache(price("anthropic", "claude-3-5-haiku", "80", "400"), "0.1", "1.25"),
		withCache(price("anthropic", "claude-3-haiku", "25", "125"), "0.1", "1.25"),
		withCache(price("anthropic", "claude-3-opus", "1500", "7500"), "0.1", "1.25"),
		withCache(price("anthropic", "claude-sonnet-4", "300", "1500"), "0.1", "1.25"),
		withCache(price("anthropic", "claude-opus-4", "1500", "7500"), "0.1", "1.25"),
		withCache(price("anthropic", "claude-haiku-4", "100", "500"), "0.1", "1.25"),
	},
	"google": {
		longContext(price("google", "gemini-1.5-pro", "125", "500"), 128_000, "2"),
		longContext(price("google", "gemini-1.5-flash", "7.5", "30"), 128_000, "2"),
		price("google", "gemini-2.0-flash", "10", "40"),
		longContext(price("google", "gemini-2.5-pro", "125", "1000"), 200_000, "2"),
		price("google", "gemini-2.5-flash", "30", "250"),
	},
	"perplexity": {
		fixed(price("perplexity", "sonar", "100", "100"), "0.5"),
		fixed(price("perplexity", "sonar-pro", "300", "1500"), "0.6"),
		fixed(price("perplexity", "sonar-reasoning", "100", "500"), "0.5"),
	},
	"mistral": {
		price("mistral", "mistral-large", "200", "600"),
		price("mistral", "mistral-small", "20", "60"),
		price("mistral", "codestral", "30", "90"),
	},
	"groq": {
		price("groq", "llama-3.3-70b", "59", "79"),
		price("groq", "llama-3.1-8b", "5", "8"),
	},
	"openrouter": {
		price("openrouter", "openai/gpt-4o", "250", "1000"),
		price("openrouter", "openai/gpt-4o-mini", "15", "60"),
		withCache(price("openrouter", "anthropic/claude-3.5-sonnet", "300", "1500"), "0.1", "1.25"),
		price("openrouter", "google/gemini-2.0-flash", "10", "40"),
		price("openrouter", "meta-llama/llama-3.3-70b", "12", "30"),
	},
}

func price(provider, model, input, output string) Record {
	return Record{
		Provider:         provider,
		Model:            model,
		InputPerMillion:  decimal.RequireFromString(input),
		OutputPerMillion: decimal.RequireFromString(output),
	}
}

func withCache(r Record, read, write string) Record {
	r.CacheReadMultiplier = decimal.NewNullDecimal(decimal.RequireFromString(read))
	r.CacheWriteMultiplier = decimal.NewNullDecimal(decimal.RequireFromString(write))
	return r
}

func longContext(r Record, threshold int64, multiplier string) Record {
	r.LongContextThreshold = threshold
	r.LongContextMultiplier = decimal.RequireFromString(multiplier)
	return r
}

func fixed(r Record, cents string) Record {
	r.FixedCostPerRequest = decimal.RequireFromString(cents)
	return r
}
