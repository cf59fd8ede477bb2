package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/llmrelay/relay/internal/pricing"
)

const dateLayout = "2006-01-02"

type pricingRow struct {
	ID                    string              `db:"id"`
	Provider              string              `db:"provider"`
	Model                 string              `db:"model"`
	EffectiveDate         string              `db:"effective_date"`
	InputPerMillion       decimal.Decimal     `db:"input_per_million"`
	OutputPerMillion      decimal.Decimal     `db:"output_per_million"`
	CacheReadMultiplier   decimal.NullDecimal `db:"cache_read_multiplier"`
	CacheWriteMultiplier  decimal.NullDecimal `db:"cache_write_multiplier"`
	ReasoningPerMillion   decimal.NullDecimal `db:"reasoning_per_million"`
	ImageInputPerMillion  decimal.NullDecimal `db:"image_input_per_million"`
	AudioInputPerMillion  decimal.NullDecimal `db:"audio_input_per_million"`
	AudioOutputPerMillion decimal.NullDecimal `db:"audio_output_per_million"`
	VideoInputPerMillion  decimal.NullDecimal `db:"video_input_per_million"`
	BatchDiscount         decimal.Decimal     `db:"batch_discount"`
	LongContextThreshold  int64               `db:"long_context_threshold"`
	LongContextMultiplier decimal.Decimal     `db:"long_context_multiplier"`
	FixedCostPerRequest   decimal.Decimal     `db:"fixed_cost_per_request"`
	CreatedAt             Timestamp           `db:"created_at"`
}

const pricingColumns = `id, provider, model, effective_date, input_per_million, output_per_million,
	cache_read_multiplier, cache_write_multiplier, reasoning_per_million, image_input_per_million,
	audio_input_per_million, audio_output_per_million, video_input_per_million, batch_discount,
	long_context_threshold, long_context_multiplier, fixed_cost_per_request, created_at`

func (r pricingRow) record() (pricing.Record, error) {
	eff, err := time.Parse(dateLayout, r.EffectiveDate)
	if err != nil {
		return pricing.Record{}, fmt.Errorf("pricing %s/%s: bad effective date %q", r.Provider, r.Model, r.EffectiveDate)
	}
	return pricing.Record{
		Provider:              r.Provider,
		Model:                 r.Model,
		EffectiveDate:         eff,
		InputPerMillion:       r.InputPerMillion,
		OutputPerMillion:      r.OutputPerMillion,
		CacheReadMultiplier:   r.CacheReadMultiplier,
		CacheWriteMultiplier:  r.CacheWriteMultiplier,
		ReasoningPerMillion:   r.ReasoningPerMillion,
		ImageInputPerMillion:  r.ImageInputPerMillion,
		AudioInputPerMillion:  r.AudioInputPerMillion,
		AudioOutputPerMillion: r.AudioOutputPerMillion,
		VideoInputPerMillion:  r.VideoInputPerMillion,
		BatchDiscount:         r.BatchDiscount,
		LongContextThreshold:  r.LongContextThreshold,
		LongContextMultiplier: r.LongContextMultiplier,
		FixedCostPerRequest:   r.FixedCostPerRequest,
	}, nil
}

// InsertPricingRecord appends a row to the pricing ledger. The ledger is
// append-only; a second row for the same (provider, model, date) fails.
func (s *Store) InsertPricingRecord(ctx context.Context, rec pricing.Record) error {
	if rec.EffectiveDate.IsZero() {
		return fmt.Errorf("pricing record for %s/%s has no effective date", rec.Provider, rec.Model)
	}
	row := pricingRow{
		ID:                    uuid.NewString(),
		Provider:              rec.Provider,
		Model:                 rec.Model,
		EffectiveDate:         rec.EffectiveDate.UTC().Format(dateLayout),
		InputPerMillion:       rec.InputPerMillion,
		OutputPerMillion:      rec.OutputPerMillion,
		CacheReadMultiplier:   rec.CacheReadMultiplier,
		CacheWriteMultiplier:  rec.CacheWriteMultiplier,
		ReasoningPerMillion:   rec.ReasoningPerMillion,
		ImageInputPerMillion:  rec.ImageInputPerMillion,
		AudioInputPerMillion:  rec.AudioInputPerMillion,
		AudioOutputPerMillion: rec.AudioOutputPerMillion,
		VideoInputPerMillion:  rec.VideoInputPerMillion,
		BatchDiscount:         rec.BatchDiscount,
		LongContextThreshold:  rec.LongContextThreshold,
		LongContextMultiplier: rec.LongContextMultiplier,
		FixedCostPerRequest:   rec.FixedCostPerRequest,
		CreatedAt:             At(time.Now()),
	}
	if row.LongContextMultiplier.IsZero() {
		row.LongContextMultiplier = decimal.NewFromInt(1)
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO pricing_records (`+pricingColumns+`) VALUES (
		:id, :provider, :model, :effective_date, :input_per_million, :output_per_million,
		:cache_read_multiplier, :cache_write_multiplier, :reasoning_per_million, :image_input_per_million,
		:audio_input_per_million, :audio_output_per_million, :video_input_per_million, :batch_discount,
		:long_context_threshold, :long_context_multiplier, :fixed_cost_per_request, :created_at)`, row)
	if err != nil {
		return fmt.Errorf("insert pricing record: %w", err)
	}
	return nil
}

// PricingRecords returns the ledger rows for provider effective on or
// before the given date. It satisfies pricing.Ledger.
func (s *Store) PricingRecords(ctx context.Context, provider string, onOrBefore time.Time) ([]pricing.Record, error) {
	var rows []pricingRow
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+pricingColumns+` FROM pricing_records
		WHERE provider = ? AND effective_date <= ? ORDER BY effective_date DESC`),
		provider, onOrBefore.UTC().Format(dateLayout))
	if err != nil {
		return nil, fmt.Errorf("select pricing records: %w", err)
	}
	out := make([]pricing.Record, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// SetModelEnabled records an explicit enablement flag for a normalized
// model id.
func (s *Store) SetModelEnabled(ctx context.Context, provider, model string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO model_settings (provider, model, enabled, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (provider, model) DO UPDATE SET enabled = excluded.enabled, updated_at = excluded.updated_at`),
		provider, model, enabled, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set model enabled: %w", err)
	}
	return nil
}

// ModelEnabled reports whether model may be used with provider. Models
// without a settings row are allowed.
func (s *Store) ModelEnabled(ctx context.Context, provider, model string) (bool, error) {
	var enabled bool
	err := s.db.GetContext(ctx, &enabled, s.q(`SELECT enabled FROM model_settings WHERE provider = ? AND model = ?`), provider, model)
	if noRows(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("get model setting: %w", err)
	}
	return enabled, nil
}
