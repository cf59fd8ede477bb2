package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/llmrelay/relay/internal/audit"
	"github.com/llmrelay/relay/internal/health"
	"github.com/llmrelay/relay/internal/pricing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file:" + filepath.Join(t.TempDir(), "relay.sqlite"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMigrate(t *testing.T) {
	s := newTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	if s.Driver() != "sqlite" {
		t.Errorf("Driver = %q", s.Driver())
	}
}

func TestClientCredentials(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &ClientCredential{
		ID:        "cc1",
		KeyHash:   "hash-1",
		KeyPrefix: "rk_abcdef12",
		UserID:    "u1",
		GroupID:   "g1",
		Overrides: Overrides{"openai": "up1"},
		IsDefault: true,
	}
	if err := s.CreateClientCredential(ctx, c); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.ClientCredentialByHash(ctx, "hash-1")
	if err != nil || got == nil {
		t.Fatalf("by hash: %v %v", got, err)
	}
	if got.Scope() != "group:g1" || got.Overrides["openai"] != "up1" || !got.IsDefault {
		t.Errorf("got %+v", got)
	}
	if !got.LastUsedAt.IsZero() || !got.RevokedAt.IsZero() {
		t.Error("new credential should have null last-used and revoked times")
	}

	now := time.Now()
	if err := s.TouchClientCredential(ctx, "cc1", now); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, _ = s.ClientCredentialByHash(ctx, "hash-1")
	if got.LastUsedAt.UnixMilli() != now.UnixMilli() {
		t.Errorf("LastUsedAt = %v, want %v", got.LastUsedAt, now)
	}

	if err := s.SetClientCredentialOverride(ctx, "cc1", "anthropic", "up2"); err != nil {
		t.Fatalf("override: %v", err)
	}
	if err := s.SetClientCredentialOverride(ctx, "cc1", "openai", ""); err != nil {
		t.Fatalf("clear override: %v", err)
	}
	got, _ = s.ClientCredentialByHash(ctx, "hash-1")
	if _, ok := got.Overrides["openai"]; ok || got.Overrides["anthropic"] != "up2" {
		t.Errorf("Overrides = %v", got.Overrides)
	}

	if err := s.RevokeClientCredential(ctx, "cc1", now); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if got, _ := s.ClientCredentialByHash(ctx, "hash-1"); got != nil {
		t.Error("revoked credential should not resolve by hash")
	}
	kept, _ := s.ClientCredential(ctx, "cc1")
	if kept == nil || kept.RevokedAt.IsZero() {
		t.Error("revocation should be soft")
	}
	if err := s.RevokeClientCredential(ctx, "cc1", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("second revoke = %v, want ErrNotFound", err)
	}
}

func TestClientCredentials_SingleDefaultPerScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b"} {
		c := &ClientCredential{ID: id, KeyHash: id, KeyPrefix: id, UserID: "u1", IsDefault: true,
			CreatedAt: At(time.Now().Add(time.Duration(i) * time.Second))}
		if err := s.CreateClientCredential(ctx, c); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	list, err := s.ListClientCredentials(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defaults := 0
	for _, c := range list {
		if c.IsDefault {
			defaults++
			if c.ID != "b" {
				t.Errorf("default = %s, want b", c.ID)
			}
		}
	}
	if defaults != 1 {
		t.Errorf("defaults = %d, want 1", defaults)
	}
}

func addUpstream(t *testing.T, s *Store, id, provider string, active, def bool, created time.Time) {
	t.Helper()
	u := &UpstreamCredential{
		ID: id, Scope: "group:g1", Provider: provider, EncryptedSecret: "enc-" + id,
		IsActive: active, IsDefault: def, CreatedAt: At(created),
	}
	if err := s.CreateUpstreamCredential(context.Background(), u); err != nil {
		t.Fatalf("create upstream %s: %v", id, err)
	}
}

func TestUpstreamCredentials_DefaultAndEarliest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	addUpstream(t, s, "u1", "openai", true, false, base)
	addUpstream(t, s, "u2", "openai", true, true, base.Add(time.Minute))
	addUpstream(t, s, "u3", "openai", true, true, base.Add(2*time.Minute))
	addUpstream(t, s, "u4", "anthropic", false, false, base)

	def, err := s.DefaultUpstreamCredential(ctx, "group:g1", "openai")
	if err != nil || def == nil || def.ID != "u3" {
		t.Fatalf("default = %+v, %v; want u3", def, err)
	}
	prev, _ := s.UpstreamCredential(ctx, "u2")
	if prev.IsDefault {
		t.Error("inserting a new default should clear the previous one")
	}

	early, _ := s.EarliestUpstreamCredential(ctx, "group:g1", "openai")
	if early == nil || early.ID != "u1" {
		t.Errorf("earliest = %+v, want u1", early)
	}

	if got, _ := s.EarliestUpstreamCredential(ctx, "group:g1", "anthropic"); got != nil {
		t.Error("inactive credential should not be returned")
	}
	if got, _ := s.DefaultUpstreamCredential(ctx, "group:other", "openai"); got != nil {
		t.Error("credential from another scope should not be returned")
	}
}

func TestUpstreamCredentials_SetDefault(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	addUpstream(t, s, "u1", "openai", true, true, base)
	addUpstream(t, s, "u2", "openai", true, false, base.Add(time.Second))
	addUpstream(t, s, "u3", "openai", false, false, base.Add(2*time.Second))

	if err := s.SetDefaultUpstreamCredential(ctx, "u2"); err != nil {
		t.Fatalf("set default: %v", err)
	}
	list, _ := s.ListUpstreamCredentials(ctx, "group:g1")
	for _, u := range list {
		if u.IsDefault != (u.ID == "u2") {
			t.Errorf("%s IsDefault = %v", u.ID, u.IsDefault)
		}
	}

	if err := s.SetDefaultUpstreamCredential(ctx, "u3"); !errors.Is(err, ErrInactive) {
		t.Errorf("set inactive default = %v, want ErrInactive", err)
	}
	if err := s.SetDefaultUpstreamCredential(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("set missing default = %v, want ErrNotFound", err)
	}
}

func TestUpstreamCredentials_DeletePromotes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	addUpstream(t, s, "u1", "openai", true, true, base)
	addUpstream(t, s, "u2", "openai", false, false, base.Add(time.Second))
	addUpstream(t, s, "u3", "openai", true, false, base.Add(2*time.Second))
	addUpstream(t, s, "u4", "openai", true, false, base.Add(3*time.Second))

	if err := s.DeleteUpstreamCredential(ctx, "u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	def, _ := s.DefaultUpstreamCredential(ctx, "group:g1", "openai")
	if def == nil || def.ID != "u3" {
		t.Fatalf("promoted default = %+v, want u3", def)
	}

	// Deleting a non-default leaves the default alone.
	if err := s.DeleteUpstreamCredential(ctx, "u4"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	def, _ = s.DefaultUpstreamCredential(ctx, "group:g1", "openai")
	if def == nil || def.ID != "u3" {
		t.Errorf("default after deleting non-default = %+v", def)
	}

	// Deleting the last active default leaves no default.
	if err := s.DeleteUpstreamCredential(ctx, "u3"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if def, _ := s.DefaultUpstreamCredential(ctx, "group:g1", "openai"); def != nil {
		t.Errorf("expected no default, got %s", def.ID)
	}
	if err := s.DeleteUpstreamCredential(ctx, "u3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("delete missing = %v, want ErrNotFound", err)
	}
}

func TestUpstreamCredentials_DeactivatePromotes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	addUpstream(t, s, "u1", "openai", true, true, base)
	addUpstream(t, s, "u2", "openai", true, false, base.Add(time.Second))

	if err := s.DeactivateUpstreamCredential(ctx, "u1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	def, _ := s.DefaultUpstreamCredential(ctx, "group:g1", "openai")
	if def == nil || def.ID != "u2" {
		t.Errorf("default = %+v, want u2", def)
	}
}

func TestPricingLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mk := func(date, input string) pricing.Record {
		d, _ := time.Parse("2006-01-02", date)
		return pricing.Record{
			Provider:            "openai",
			Model:               "gpt-4o",
			EffectiveDate:       d,
			InputPerMillion:     decimal.RequireFromString(input),
			OutputPerMillion:    decimal.RequireFromString("1000"),
			CacheReadMultiplier: decimal.NewNullDecimal(decimal.RequireFromString("0.25")),
		}
	}
	for _, r := range []pricing.Record{mk("2024-01-01", "500"), mk("2024-10-01", "250"), mk("2025-06-01", "100")} {
		if err := s.InsertPricingRecord(ctx, r); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := s.InsertPricingRecord(ctx, mk("2024-01-01", "1")); err == nil {
		t.Error("duplicate (provider, model, date) should fail")
	}

	at, _ := time.Parse("2006-01-02", "2024-12-31")
	records, err := s.PricingRecords(ctx, "openai", at)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}

	rec, src, ok := pricing.ForDate(records, "openai", "gpt-4o", at)
	if !ok || src != pricing.SourceLedger {
		t.Fatalf("ForDate ok=%v src=%s", ok, src)
	}
	if !rec.InputPerMillion.Equal(decimal.RequireFromString("250")) {
		t.Errorf("InputPerMillion = %s, want 250", rec.InputPerMillion)
	}
	if !rec.CacheReadMultiplier.Valid || !rec.CacheReadMultiplier.Decimal.Equal(decimal.RequireFromString("0.25")) {
		t.Errorf("CacheReadMultiplier = %+v", rec.CacheReadMultiplier)
	}
	if rec.ReasoningPerMillion.Valid {
		t.Error("unset reasoning price should read back as null")
	}
	if !rec.LongContextMultiplier.Equal(decimal.NewFromInt(1)) {
		t.Errorf("LongContextMultiplier = %s, want 1", rec.LongContextMultiplier)
	}
}

func TestModelSettings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enabled, err := s.ModelEnabled(ctx, "openai", "gpt-4o")
	if err != nil || !enabled {
		t.Fatalf("unknown model should default-allow: %v %v", enabled, err)
	}
	if err := s.SetModelEnabled(ctx, "openai", "gpt-4o", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if enabled, _ := s.ModelEnabled(ctx, "openai", "gpt-4o"); enabled {
		t.Error("expected disabled")
	}
	if err := s.SetModelEnabled(ctx, "openai", "gpt-4o", true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if enabled, _ := s.ModelEnabled(ctx, "openai", "gpt-4o"); !enabled {
		t.Error("expected enabled")
	}
}

func TestTraces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	type tc struct {
		provider string
		ok       bool
		kind     string
		latency  int64
	}
	cases := []tc{
		{"openai", true, "", 100},
		{"openai", true, "", 300},
		{"openai", false, "timeout", 5000},
		{"openai", false, "http_error", 20},
		{"anthropic", true, "", 50},
	}
	for _, c := range cases {
		id := uuid.NewString()
		if err := s.InsertTrace(ctx, audit.Trace{ID: id, Provider: c.provider, StartedAt: now}); err != nil {
			t.Fatalf("insert: %v", err)
		}
		u := audit.Update{Status: audit.StatusCompleted, StatusCode: 200, LatencyMs: c.latency, CompletedAt: now}
		if !c.ok {
			u.Status, u.StatusCode, u.ErrorKind = audit.StatusFailed, 502, c.kind
		}
		if err := s.FinishTrace(ctx, id, u); err != nil {
			t.Fatalf("finish: %v", err)
		}
		if err := s.FinishTrace(ctx, id, u); !errors.Is(err, ErrNotFound) {
			t.Errorf("second finish = %v, want ErrNotFound", err)
		}
	}
	// A pending trace is excluded from aggregates.
	if err := s.InsertTrace(ctx, audit.Trace{ID: "pending", Provider: "openai", StartedAt: now}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	counts, err := s.TraceKindCounts(ctx, now.Add(-time.Hour), "openai")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	var total int64
	for _, c := range counts {
		total += c.Count
	}
	if total != 4 {
		t.Errorf("total = %d, want 4", total)
	}

	lat, err := s.TraceLatency(ctx, now.Add(-time.Hour), "openai")
	if err != nil {
		t.Fatalf("latency: %v", err)
	}
	if lat.Count != 2 || lat.Avg != 200 || lat.Min != 100 || lat.Max != 300 {
		t.Errorf("latency = %+v", lat)
	}

	all, _ := s.TraceLatency(ctx, now.Add(-time.Hour), "")
	if all.Count != 3 || all.Min != 50 {
		t.Errorf("all-provider latency = %+v", all)
	}

	tr, err := s.Trace(ctx, "pending")
	if err != nil || tr == nil || tr.Status != audit.StatusPending {
		t.Errorf("pending trace = %+v, %v", tr, err)
	}
}

func TestUsageRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := pricing.Record{InputPerMillion: decimal.NewFromInt(250), OutputPerMillion: decimal.NewFromInt(1000)}
	usage := pricing.Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	u := audit.UsageRecord{
		ID:                 uuid.NewString(),
		TraceID:            "t1",
		CreatedAt:          time.Now(),
		Provider:           "openai",
		Model:              "gpt-4o",
		ClientCredentialID: "cc1",
		Usage:              usage,
		Cost:               pricing.Compute(rec, usage),
		PricingSource:      pricing.SourceLedger,
		StatusCode:         200,
		Success:            true,
	}
	if err := s.InsertUsageRecord(ctx, u); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.UsageRecordsForTrace(ctx, "t1")
	if err != nil || len(got) != 1 {
		t.Fatalf("select: %v %v", got, err)
	}
	if !got[0].Cost.Total.Equal(decimal.NewFromInt(1250)) {
		t.Errorf("Total = %s, want 1250", got[0].Cost.Total)
	}
	if !got[0].Cost.ByCategory[pricing.CategoryOutput].Equal(decimal.NewFromInt(1000)) {
		t.Errorf("ByCategory = %v", got[0].Cost.ByCategory)
	}
	if got[0].Usage.InputTokens != 1_000_000 || !got[0].Success {
		t.Errorf("got %+v", got[0])
	}
}

func TestHealthSamples(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	samples := []health.Sample{
		{Provider: "openai", At: now.Add(-50 * time.Hour), Success: true, LatencyMs: 10},
		{Provider: "openai", At: now.Add(-2 * time.Hour), Success: false, ErrorKind: "timeout", ErrorMessage: "slow"},
		{Provider: "anthropic", At: now.Add(-time.Hour), Success: true, LatencyMs: 30},
	}
	if err := s.InsertHealthSamples(ctx, samples); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.HealthSamplesSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(got) != 2 || got[0].Provider != "openai" || got[0].ErrorKind != "timeout" || got[1].Provider != "anthropic" {
		t.Errorf("since = %+v", got)
	}

	n, err := s.DeleteHealthSamplesBefore(ctx, now.Add(-48*time.Hour))
	if err != nil || n != 1 {
		t.Errorf("delete = %d, %v; want 1", n, err)
	}
}
