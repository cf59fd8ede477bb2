package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/llmrelay/relay/internal/health"
)

type healthRow struct {
	ID           string    `db:"id"`
	Provider     string    `db:"provider"`
	RecordedAt   Timestamp `db:"recorded_at"`
	Success      bool      `db:"success"`
	LatencyMs    int64     `db:"latency_ms"`
	ErrorKind    string    `db:"error_kind"`
	ErrorMessage string    `db:"error_message"`
}

// InsertHealthSamples writes a batch of samples in one transaction.
func (s *Store) InsertHealthSamples(ctx context.Context, samples []health.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, smp := range samples {
			row := healthRow{
				ID:           uuid.NewString(),
				Provider:     smp.Provider,
				RecordedAt:   At(smp.At),
				Success:      smp.Success,
				LatencyMs:    smp.LatencyMs,
				ErrorKind:    smp.ErrorKind,
				ErrorMessage: smp.ErrorMessage,
			}
			if _, err := tx.NamedExecContext(ctx, `INSERT INTO provider_health_samples
				(id, provider, recorded_at, success, latency_ms, error_kind, error_message)
				VALUES (:id, :provider, :recorded_at, :success, :latency_ms, :error_kind, :error_message)`, row); err != nil {
				return fmt.Errorf("insert health sample: %w", err)
			}
		}
		return nil
	})
}

// HealthSamplesSince returns samples recorded at or after since, oldest
// first.
func (s *Store) HealthSamplesSince(ctx context.Context, since time.Time) ([]health.Sample, error) {
	var rows []healthRow
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT id, provider, recorded_at, success, latency_ms, error_kind, error_message
		FROM provider_health_samples WHERE recorded_at >= ? ORDER BY recorded_at ASC`), since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("select health samples: %w", err)
	}
	out := make([]health.Sample, 0, len(rows))
	for _, r := range rows {
		out = append(out, health.Sample{
			Provider:     r.Provider,
			At:           r.RecordedAt.Time,
			Success:      r.Success,
			LatencyMs:    r.LatencyMs,
			ErrorKind:    r.ErrorKind,
			ErrorMessage: r.ErrorMessage,
		})
	}
	return out, nil
}

// DeleteHealthSamplesBefore prunes samples older than before.
func (s *Store) DeleteHealthSamplesBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM provider_health_samples WHERE recorded_at < ?`), before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete health samples: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
