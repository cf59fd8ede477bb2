package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/llmrelay/relay/internal/audit"
	"github.com/llmrelay/relay/internal/pricing"
)

type traceRow struct {
	ID                 string         `db:"id"`
	RequestID          string         `db:"request_id"`
	StartedAt          Timestamp      `db:"started_at"`
	Provider           string         `db:"provider"`
	Model              string         `db:"model"`
	Method             string         `db:"method"`
	Path               string         `db:"path"`
	Streaming          bool           `db:"streaming"`
	ClientCredentialID string         `db:"client_credential_id"`
	AppID              string         `db:"app_id"`
	EndUserID          string         `db:"end_user_id"`
	RequestBody        sql.NullString `db:"request_body"`
	ResponseBody       sql.NullString `db:"response_body"`
	Status             string         `db:"status"`
	StatusCode         int            `db:"status_code"`
	LatencyMs          int64          `db:"latency_ms"`
	ErrorKind          string         `db:"error_kind"`
	ErrorMessage       string         `db:"error_message"`
	CompletedAt        Timestamp      `db:"completed_at"`
}

const traceColumns = `id, request_id, started_at, provider, model, method, path, streaming,
	client_credential_id, app_id, end_user_id, request_body, response_body, status, status_code,
	latency_ms, error_kind, error_message, completed_at`

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// InsertTrace creates a pending request trace.
func (s *Store) InsertTrace(ctx context.Context, t audit.Trace) error {
	row := traceRow{
		ID:                 t.ID,
		RequestID:          t.RequestID,
		StartedAt:          At(t.StartedAt),
		Provider:           t.Provider,
		Model:              t.Model,
		Method:             t.Method,
		Path:               t.Path,
		Streaming:          t.Streaming,
		ClientCredentialID: t.ClientCredentialID,
		AppID:              t.AppID,
		EndUserID:          t.EndUserID,
		RequestBody:        nullString(t.RequestBody),
		Status:             audit.StatusPending,
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO request_traces (`+traceColumns+`) VALUES (
		:id, :request_id, :started_at, :provider, :model, :method, :path, :streaming,
		:client_credential_id, :app_id, :end_user_id, :request_body, :response_body, :status, :status_code,
		:latency_ms, :error_kind, :error_message, :completed_at)`, row)
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}
	return nil
}

// FinishTrace applies the terminal update to a pending trace. A trace that
// is already terminal is left untouched.
func (s *Store) FinishTrace(ctx context.Context, id string, u audit.Update) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE request_traces
		SET status = ?, status_code = ?, latency_ms = ?, error_kind = ?, error_message = ?,
			response_body = ?, completed_at = ?
		WHERE id = ? AND status = ?`),
		u.Status, u.StatusCode, u.LatencyMs, u.ErrorKind, u.ErrorMessage,
		nullString(u.ResponseBody), At(u.CompletedAt), id, audit.StatusPending)
	if err != nil {
		return fmt.Errorf("finish trace: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Trace returns a trace by id, or nil.
func (s *Store) Trace(ctx context.Context, id string) (*audit.Trace, error) {
	var r traceRow
	err := s.db.GetContext(ctx, &r, s.q(`SELECT `+traceColumns+` FROM request_traces WHERE id = ?`), id)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trace: %w", err)
	}
	return &audit.Trace{
		ID:                 r.ID,
		RequestID:          r.RequestID,
		StartedAt:          r.StartedAt.Time,
		Provider:           r.Provider,
		Model:              r.Model,
		Method:             r.Method,
		Path:               r.Path,
		Streaming:          r.Streaming,
		ClientCredentialID: r.ClientCredentialID,
		AppID:              r.AppID,
		EndUserID:          r.EndUserID,
		RequestBody:        r.RequestBody.String,
		ResponseBody:       r.ResponseBody.String,
		Status:             r.Status,
		StatusCode:         r.StatusCode,
		LatencyMs:          r.LatencyMs,
		ErrorKind:          r.ErrorKind,
		ErrorMessage:       r.ErrorMessage,
		CompletedAt:        r.CompletedAt.Time,
	}, nil
}

// TraceKindCounts groups terminal traces started at or after since by status
// and error kind. An empty provider covers all providers.
func (s *Store) TraceKindCounts(ctx context.Context, since time.Time, provider string) ([]audit.KindCount, error) {
	query := `SELECT status, error_kind, COUNT(*) AS n FROM request_traces
		WHERE started_at >= ? AND status <> ?`
	args := []any{since.UnixMilli(), audit.StatusPending}
	if provider != "" {
		query += ` AND provider = ?`
		args = append(args, provider)
	}
	query += ` GROUP BY status, error_kind`

	var rows []struct {
		Status string `db:"status"`
		Kind   string `db:"error_kind"`
		N      int64  `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("trace kind counts: %w", err)
	}
	out := make([]audit.KindCount, 0, len(rows))
	for _, r := range rows {
		out = append(out, audit.KindCount{Status: r.Status, Kind: r.Kind, Count: r.N})
	}
	return out, nil
}

// TraceLatency aggregates latency over completed traces started at or after
// since.
func (s *Store) TraceLatency(ctx context.Context, since time.Time, provider string) (audit.LatencyRow, error) {
	query := `SELECT COUNT(*) AS n, COALESCE(AVG(latency_ms), 0) AS avg_ms,
		COALESCE(MIN(latency_ms), 0) AS min_ms, COALESCE(MAX(latency_ms), 0) AS max_ms
		FROM request_traces WHERE started_at >= ? AND status = ?`
	args := []any{since.UnixMilli(), audit.StatusCompleted}
	if provider != "" {
		query += ` AND provider = ?`
		args = append(args, provider)
	}

	var row struct {
		N   int64   `db:"n"`
		Avg float64 `db:"avg_ms"`
		Min int64   `db:"min_ms"`
		Max int64   `db:"max_ms"`
	}
	if err := s.db.GetContext(ctx, &row, s.q(query), args...); err != nil {
		return audit.LatencyRow{}, fmt.Errorf("trace latency: %w", err)
	}
	return audit.LatencyRow{Count: row.N, Avg: row.Avg, Min: row.Min, Max: row.Max}, nil
}

type usageRow struct {
	ID                   string          `db:"id"`
	TraceID              string          `db:"trace_id"`
	RequestID            string          `db:"request_id"`
	CreatedAt            Timestamp       `db:"created_at"`
	Provider             string          `db:"provider"`
	Model                string          `db:"model"`
	ClientCredentialID   string          `db:"client_credential_id"`
	ClientKeyPrefix      string          `db:"client_key_prefix"`
	UpstreamCredentialID string          `db:"upstream_credential_id"`
	UserID               string          `db:"user_id"`
	GroupID              string          `db:"group_id"`
	AppID                string          `db:"app_id"`
	EndUserID            string          `db:"end_user_id"`
	InputTokens          int64           `db:"input_tokens"`
	OutputTokens         int64           `db:"output_tokens"`
	CacheReadTokens      int64           `db:"cache_read_tokens"`
	CacheWriteTokens     int64           `db:"cache_write_tokens"`
	ReasoningTokens      int64           `db:"reasoning_tokens"`
	ImageInputTokens     int64           `db:"image_input_tokens"`
	AudioInputTokens     int64           `db:"audio_input_tokens"`
	AudioOutputTokens    int64           `db:"audio_output_tokens"`
	VideoInputTokens     int64           `db:"video_input_tokens"`
	Batch                bool            `db:"batch"`
	Estimated            bool            `db:"estimated"`
	CostInput            decimal.Decimal `db:"cost_input"`
	CostOutput           decimal.Decimal `db:"cost_output"`
	CostFixed            decimal.Decimal `db:"cost_fixed"`
	CostTotal            decimal.Decimal `db:"cost_total"`
	CostBreakdown        string          `db:"cost_breakdown"`
	PricingSource        string          `db:"pricing_source"`
	LatencyMs            int64           `db:"latency_ms"`
	StatusCode           int             `db:"status_code"`
	Streaming            bool            `db:"streaming"`
	Success              bool            `db:"success"`
}

const usageColumns = `id, trace_id, request_id, created_at, provider, model, client_credential_id,
	client_key_prefix, upstream_credential_id, user_id, group_id, app_id, end_user_id,
	input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, reasoning_tokens,
	image_input_tokens, audio_input_tokens, audio_output_tokens, video_input_tokens, batch, estimated,
	cost_input, cost_output, cost_fixed, cost_total, cost_breakdown, pricing_source,
	latency_ms, status_code, streaming, success`

// InsertUsageRecord appends an immutable usage snapshot.
func (s *Store) InsertUsageRecord(ctx context.Context, u audit.UsageRecord) error {
	breakdown, err := json.Marshal(u.Cost.ByCategory)
	if err != nil {
		return fmt.Errorf("encode cost breakdown: %w", err)
	}
	row := usageRow{
		ID:                   u.ID,
		TraceID:              u.TraceID,
		RequestID:            u.RequestID,
		CreatedAt:            At(u.CreatedAt),
		Provider:             u.Provider,
		Model:                u.Model,
		ClientCredentialID:   u.ClientCredentialID,
		ClientKeyPrefix:      u.ClientKeyPrefix,
		UpstreamCredentialID: u.UpstreamCredentialID,
		UserID:               u.UserID,
		GroupID:              u.GroupID,
		AppID:                u.AppID,
		EndUserID:            u.EndUserID,
		InputTokens:          u.Usage.InputTokens,
		OutputTokens:         u.Usage.OutputTokens,
		CacheReadTokens:      u.Usage.CacheReadTokens,
		CacheWriteTokens:     u.Usage.CacheWriteTokens,
		ReasoningTokens:      u.Usage.ReasoningTokens,
		ImageInputTokens:     u.Usage.ImageInputTokens,
		AudioInputTokens:     u.Usage.AudioInputTokens,
		AudioOutputTokens:    u.Usage.AudioOutputTokens,
		VideoInputTokens:     u.Usage.VideoInputTokens,
		Batch:                u.Usage.Batch,
		Estimated:            u.Estimated,
		CostInput:            u.Cost.InputSide,
		CostOutput:           u.Cost.OutputSide,
		CostFixed:            u.Cost.Fixed,
		CostTotal:            u.Cost.Total,
		CostBreakdown:        string(breakdown),
		PricingSource:        string(u.PricingSource),
		LatencyMs:            u.LatencyMs,
		StatusCode:           u.StatusCode,
		Streaming:            u.Streaming,
		Success:              u.Success,
	}
	_, err = s.db.NamedExecContext(ctx, `INSERT INTO usage_records (`+usageColumns+`) VALUES (
		:id, :trace_id, :request_id, :created_at, :provider, :model, :client_credential_id,
		:client_key_prefix, :upstream_credential_id, :user_id, :group_id, :app_id, :end_user_id,
		:input_tokens, :output_tokens, :cache_read_tokens, :cache_write_tokens, :reasoning_tokens,
		:image_input_tokens, :audio_input_tokens, :audio_output_tokens, :video_input_tokens, :batch, :estimated,
		:cost_input, :cost_output, :cost_fixed, :cost_total, :cost_breakdown, :pricing_source,
		:latency_ms, :status_code, :streaming, :success)`, row)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// UsageRecordsForTrace returns the usage rows written for a trace.
func (s *Store) UsageRecordsForTrace(ctx context.Context, traceID string) ([]audit.UsageRecord, error) {
	var rows []usageRow
	if err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+usageColumns+` FROM usage_records WHERE trace_id = ?`), traceID); err != nil {
		return nil, fmt.Errorf("select usage records: %w", err)
	}
	out := make([]audit.UsageRecord, 0, len(rows))
	for _, r := range rows {
		byCategory := map[pricing.Category]decimal.Decimal{}
		_ = json.Unmarshal([]byte(r.CostBreakdown), &byCategory)
		out = append(out, audit.UsageRecord{
			ID:                   r.ID,
			TraceID:              r.TraceID,
			RequestID:            r.RequestID,
			CreatedAt:            r.CreatedAt.Time,
			Provider:             r.Provider,
			Model:                r.Model,
			ClientCredentialID:   r.ClientCredentialID,
			ClientKeyPrefix:      r.ClientKeyPrefix,
			UpstreamCredentialID: r.UpstreamCredentialID,
			UserID:               r.UserID,
			GroupID:              r.GroupID,
			AppID:                r.AppID,
			EndUserID:            r.EndUserID,
			Usage: pricing.Usage{
				InputTokens:       r.InputTokens,
				OutputTokens:      r.OutputTokens,
				CacheReadTokens:   r.CacheReadTokens,
				CacheWriteTokens:  r.CacheWriteTokens,
				ReasoningTokens:   r.ReasoningTokens,
				ImageInputTokens:  r.ImageInputTokens,
				AudioInputTokens:  r.AudioInputTokens,
				AudioOutputTokens: r.AudioOutputTokens,
				VideoInputTokens:  r.VideoInputTokens,
				Batch:             r.Batch,
			},
			Estimated: r.Estimated,
			Cost: pricing.Cost{
				ByCategory: byCategory,
				InputSide:  r.CostInput,
				OutputSide: r.CostOutput,
				Fixed:      r.CostFixed,
				Total:      r.CostTotal,
			},
			PricingSource: pricing.Source(r.PricingSource),
			LatencyMs:     r.LatencyMs,
			StatusCode:    r.StatusCode,
			Streaming:     r.Streaming,
			Success:       r.Success,
		})
	}
	return out, nil
}
