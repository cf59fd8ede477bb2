package pricing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Source names the tier that produced a pricing record.
type Source string

const (
	SourceLedger      Source = "ledger"
	SourceLedgerMatch Source = "ledger_match"
	SourceStatic      Source = "static"
	SourceDefault     Source = "default"
)

// Ledger is the durable pricing history. PricingRecords returns every record for
// provider whose effective date is on or before the given date.
type Ledger interface {
	PricingRecords(ctx context.Context, provider string, onOrBefore time.Time) ([]Record, error)
}

// Placeholder is the conservative price used when nothing else matches. It is
// deliberately high so that unknown models are never metered as free.
var Placeholder = Record{
	InputPerMillion:  decimal.NewFromInt(1500),
	OutputPerMillion: decimal.NewFromInt(7500),
}

// Engine resolves pricing records and computes costs.
type Engine struct {
	ledger Ledger
	static map[string][]Record
}

// NewEngine creates an engine over ledger. A nil ledger skips straight to the
// static table.
func NewEngine(ledger Ledger) *Engine {
	return &Engine{ledger: ledger, static: staticTable}
}

// Resolve returns the record used to price (provider, model) on date at.
func (e *Engine) Resolve(ctx context.Context, provider, model string, at time.Time) (Record, Source, error) {
	if e.ledger != nil {
		records, err := e.ledger.PricingRecords(ctx, provider, endOfDay(at))
		if err != nil {
			return Record{}, "", fmt.Errorf("load pricing ledger: %w", err)
		}
		if rec, src, ok := ForDate(records, provider, model, at); ok {
			return rec, src, nil
		}
	}
	if rec, ok := matchStatic(e.static[provider], model); ok {
		return rec, SourceStatic, nil
	}
	rec := Placeholder
	rec.Provider, rec.Model = provider, model
	return rec, SourceDefault, nil
}

// Price resolves pricing and computes the cost of usage in one step.
func (e *Engine) Price(ctx context.Context, provider, model string, at time.Time, u Usage) (Cost, Source, error) {
	rec, src, err := e.Resolve(ctx, provider, model, at)
	if err != nil {
		return Cost{}, "", err
	}
	return Compute(rec, u), src, nil
}

// ForDate picks a record from the ledger rows for one provider. It considers
// only rows dated on or before at. An exact model match wins, latest
// effective date first. Otherwise the longest ledger model id that is a prefix
// of model wins, then the longest one that is a substring of it (or contains
// it), so version-suffixed ids find their family.
func ForDate(records []Record, provider, model string, at time.Time) (Record, Source, bool) {
	cutoff := endOfDay(at)
	latest := make(map[string]Record)
	for _, r := range records {
		if r.Provider != provider || r.EffectiveDate.After(cutoff) {
			continue
		}
		if cur, ok := latest[r.Model]; !ok || r.EffectiveDate.After(cur.EffectiveDate) {
			latest[r.Model] = r
		}
	}
	if r, ok := latest[model]; ok {
		return r, SourceLedger, true
	}
	if model == "" {
		return Record{}, "", false
	}

	ids := make([]string, 0, len(latest))
	for id := range latest {
		if id != "" {
			ids = append(ids, id)
		}
	}
	// Longest id first; ties broken lexically so the choice is stable.
	sort.Slice(ids, func(i, j int) bool {
		if len(ids[i]) != len(ids[j]) {
			return len(ids[i]) > len(ids[j])
		}
		return ids[i] < ids[j]
	})
	for _, id := range ids {
		if strings.HasPrefix(model, id) {
			return latest[id], SourceLedgerMatch, true
		}
	}
	for _, id := range ids {
		if strings.Contains(model, id) || strings.Contains(id, model) {
			return latest[id], SourceLedgerMatch, true
		}
	}
	return Record{}, "", false
}

func matchStatic(records []Record, model string) (Record, bool) {
	var best Record
	found := false
	for _, r := range records {
		if r.Model == model {
			return r, true
		}
		if strings.HasPrefix(model, r.Model) && (!found || len(r.Model) > len(best.Model)) {
			best, found = r, true
		}
	}
	return best, found
}

func endOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, time.UTC)
}
