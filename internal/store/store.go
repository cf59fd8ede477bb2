// Package store persists credentials, the pricing ledger, model settings,
// usage records, request traces and provider health samples. It runs on
// SQLite by default and on PostgreSQL when the DSN is a postgres URL.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInactive = errors.New("credential is not active")
)

// Store is the durable backend shared by every gateway component.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Open connects to dsn. postgres:// and postgresql:// DSNs use lib/pq; any
// other DSN is treated as a SQLite file.
func Open(dsn string) (*Store, error) {
	driverName := "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driverName = "postgres"
	}

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driverName, err)
	}

	if driverName == "sqlite" {
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
			if _, err := db.Exec(pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("sqlite pragma %q: %w", pragma, err)
			}
		}
		// One connection serializes writers, which SQLite requires anyway,
		// and keeps per-connection pragmas in effect.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		db.SetConnMaxIdleTime(time.Minute)
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
	}
	return &Store{db: db, driver: driverName}, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sqlx.DB { return s.db }

// Driver returns "sqlite" or "postgres".
func (s *Store) Driver() string { return s.driver }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrate creates the schema. The DDL is portable between SQLite and
// PostgreSQL: text ids, BIGINT unix-millisecond timestamps, TEXT decimals.
func (s *Store) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS client_credentials (
			id TEXT PRIMARY KEY,
			key_hash TEXT NOT NULL UNIQUE,
			key_prefix TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL,
			group_id TEXT NOT NULL DEFAULT '',
			overrides TEXT NOT NULL DEFAULT '{}',
			is_default BOOLEAN NOT NULL DEFAULT FALSE,
			created_at BIGINT NOT NULL,
			last_used_at BIGINT,
			revoked_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_client_credentials_user ON client_credentials(user_id)`,
		`CREATE TABLE IF NOT EXISTS upstream_credentials (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			provider TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			encrypted_secret TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			is_default BOOLEAN NOT NULL DEFAULT FALSE,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_upstream_credentials_scope ON upstream_credentials(scope, provider)`,
		`CREATE TABLE IF NOT EXISTS pricing_records (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			effective_date TEXT NOT NULL,
			input_per_million TEXT NOT NULL,
			output_per_million TEXT NOT NULL,
			cache_read_multiplier TEXT,
			cache_write_multiplier TEXT,
			reasoning_per_million TEXT,
			image_input_per_million TEXT,
			audio_input_per_million TEXT,
			audio_output_per_million TEXT,
			video_input_per_million TEXT,
			batch_discount TEXT NOT NULL DEFAULT '0',
			long_context_threshold BIGINT NOT NULL DEFAULT 0,
			long_context_multiplier TEXT NOT NULL DEFAULT '1',
			fixed_cost_per_request TEXT NOT NULL DEFAULT '0',
			created_at BIGINT NOT NULL,
			UNIQUE (provider, model, effective_date)
		)`,
		`CREATE TABLE IF NOT EXISTS model_settings (
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (provider, model)
		)`,
		`CREATE TABLE IF NOT EXISTS request_traces (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL DEFAULT '',
			started_at BIGINT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			method TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL DEFAULT '',
			streaming BOOLEAN NOT NULL DEFAULT FALSE,
			client_credential_id TEXT NOT NULL DEFAULT '',
			app_id TEXT NOT NULL DEFAULT '',
			end_user_id TEXT NOT NULL DEFAULT '',
			request_body TEXT,
			response_body TEXT,
			status TEXT NOT NULL,
			status_code INTEGER NOT NULL DEFAULT 0,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			error_kind TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			completed_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_traces_started ON request_traces(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_request_traces_provider ON request_traces(provider, started_at)`,
		`CREATE TABLE IF NOT EXISTS usage_records (
			id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			client_credential_id TEXT NOT NULL DEFAULT '',
			client_key_prefix TEXT NOT NULL DEFAULT '',
			upstream_credential_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			group_id TEXT NOT NULL DEFAULT '',
			app_id TEXT NOT NULL DEFAULT '',
			end_user_id TEXT NOT NULL DEFAULT '',
			input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			cache_read_tokens BIGINT NOT NULL DEFAULT 0,
			cache_write_tokens BIGINT NOT NULL DEFAULT 0,
			reasoning_tokens BIGINT NOT NULL DEFAULT 0,
			image_input_tokens BIGINT NOT NULL DEFAULT 0,
			audio_input_tokens BIGINT NOT NULL DEFAULT 0,
			audio_output_tokens BIGINT NOT NULL DEFAULT 0,
			video_input_tokens BIGINT NOT NULL DEFAULT 0,
			batch BOOLEAN NOT NULL DEFAULT FALSE,
			estimated BOOLEAN NOT NULL DEFAULT FALSE,
			cost_input TEXT NOT NULL DEFAULT '0',
			cost_output TEXT NOT NULL DEFAULT '0',
			cost_fixed TEXT NOT NULL DEFAULT '0',
			cost_total TEXT NOT NULL DEFAULT '0',
			cost_breakdown TEXT NOT NULL DEFAULT '{}',
			pricing_source TEXT NOT NULL DEFAULT '',
			latency_ms BIGINT NOT NULL DEFAULT 0,
			status_code INTEGER NOT NULL DEFAULT 0,
			streaming BOOLEAN NOT NULL DEFAULT FALSE,
			success BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_records_created ON usage_records(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_records_credential ON usage_records(client_credential_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS provider_health_samples (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			recorded_at BIGINT NOT NULL,
			success BOOLEAN NOT NULL,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			error_kind TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_provider_health_samples_recorded ON provider_health_samples(recorded_at)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// inTx runs fn inside a transaction, committing on nil and rolling back
// otherwise.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// q rebinds ? placeholders for the active driver.
func (s *Store) q(query string) string { return s.db.Rebind(query) }

// Timestamp is a time stored as BIGINT unix milliseconds. The zero time is
// stored as NULL.
type Timestamp struct {
	time.Time
}

// At wraps t, truncated to millisecond precision.
func At(t time.Time) Timestamp {
	if t.IsZero() {
		return Timestamp{}
	}
	return Timestamp{time.UnixMilli(t.UnixMilli()).UTC()}
}

func (t Timestamp) Value() (driver.Value, error) {
	if t.IsZero() {
		return nil, nil
	}
	return t.UnixMilli(), nil
}

func (t *Timestamp) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
	case int64:
		t.Time = time.UnixMilli(v).UTC()
	case float64:
		t.Time = time.UnixMilli(int64(v)).UTC()
	default:
		return fmt.Errorf("timestamp: unsupported type %T", src)
	}
	return nil
}

func noRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
