package providers

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator counts tokens in text when a provider reports none.
type Estimator interface {
	Count(text string) int64
}

// NewEstimator returns the estimator named kind: "tiktoken" (cl100k_base,
// falling back to characters when the encoding cannot be loaded) or
// "chars" (one token per four bytes).
func NewEstimator(kind string) Estimator {
	if kind == "chars" {
		return CharEstimator{}
	}
	return &tiktokenEstimator{}
}

// CharEstimator approximates one token per four bytes, rounding up.
type CharEstimator struct{}

func (CharEstimator) Count(text string) int64 {
	return int64((len(text) + 3) / 4)
}

type tiktokenEstimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func (e *tiktokenEstimator) Count(text string) int64 {
	if text == "" {
		return 0
	}
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tiktoken encoding unavailable, estimating by characters", "error", err)
			return
		}
		e.enc = enc
	})
	if e.enc == nil {
		return CharEstimator{}.Count(text)
	}
	return int64(len(e.enc.Encode(text, nil, nil)))
}
