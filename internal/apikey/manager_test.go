package apikey

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/llmrelay/relay/internal/apierr"
	"github.com/llmrelay/relay/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.Open("file:" + filepath.Join(t.TempDir(), "relay.sqlite"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewManager(s, nil), s
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var ae *apierr.Error
	if !errors.As(err, &ae) {
		t.Fatalf("expected *apierr.Error, got %v", err)
	}
	if ae.Code != code {
		t.Errorf("expected code %s, got %s", code, ae.Code)
	}
	if ae.Status != http.StatusUnauthorized || ae.Category != apierr.CategoryPermanent {
		t.Errorf("expected 401 permanent, got %d %s", ae.Status, ae.Category)
	}
}

func TestGenerate(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	plaintext, rec, err := mgr.Generate(ctx, GenerateParams{Name: "ci", UserID: "u1", GroupID: "g1", IsDefault: true})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if !strings.HasPrefix(plaintext, "rk_") {
		t.Errorf("expected rk_ prefix, got %s", plaintext[:6])
	}
	// 3 (prefix) + 64 (32 hex bytes).
	if len(plaintext) != 67 {
		t.Errorf("expected key length 67, got %d", len(plaintext))
	}
	if rec.KeyPrefix != plaintext[:11] {
		t.Errorf("expected display prefix %s, got %s", plaintext[:11], rec.KeyPrefix)
	}
	if rec.KeyHash != Hash(plaintext) || strings.Contains(rec.KeyHash, plaintext) {
		t.Error("expected only the hash to be stored")
	}
	if rec.Scope() != "group:g1" {
		t.Errorf("expected group scope, got %s", rec.Scope())
	}
}

func TestGenerateRequiresUser(t *testing.T) {
	mgr, _ := newTestManager(t)
	if _, _, err := mgr.Generate(context.Background(), GenerateParams{Name: "x"}); err == nil {
		t.Error("expected error without a user id")
	}
}

func TestAuthenticate(t *testing.T) {
	mgr, s := newTestManager(t)
	ctx := context.Background()

	plaintext, created, err := mgr.Generate(ctx, GenerateParams{Name: "ci", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}

	rec, err := mgr.Authenticate(ctx, "Bearer "+plaintext)
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if rec.ID != created.ID || rec.Scope() != "user:u1" {
		t.Errorf("unexpected credential: %+v", rec)
	}

	stored, err := s.ClientCredential(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.LastUsedAt.IsZero() {
		t.Error("expected last-used to be recorded")
	}
}

func TestAuthenticateFailures(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		header string
		code   string
	}{
		{"missing", "", apierr.CodeMissingCredential},
		{"empty bearer", "Bearer ", apierr.CodeMissingCredential},
		{"basic scheme", "Basic dXNlcjpwYXNz", apierr.CodeMalformedCredential},
		{"no scheme", "rk_abc", apierr.CodeMalformedCredential},
		{"wrong prefix", "Bearer sk-" + strings.Repeat("a", 64), apierr.CodeMalformedCredential},
		{"short", "Bearer rk_abc", apierr.CodeMalformedCredential},
		{"not hex", "Bearer rk_" + strings.Repeat("z", 64), apierr.CodeMalformedCredential},
		{"unknown", "Bearer rk_" + strings.Repeat("a", 64), apierr.CodeUnknownOrRevokedCredential},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := mgr.Authenticate(ctx, tc.header)
			requireCode(t, err, tc.code)
		})
	}
}

func TestRevokedCredentialRejected(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	plaintext, rec, err := mgr.Generate(ctx, GenerateParams{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Revoke(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	_, err = mgr.Authenticate(ctx, "Bearer "+plaintext)
	requireCode(t, err, apierr.CodeUnknownOrRevokedCredential)
}

type touchFailStore struct {
	Store
	touches int
}

func (f *touchFailStore) TouchClientCredential(context.Context, string, time.Time) error {
	f.touches++
	return errors.New("database is locked")
}

func TestTouchFailureDoesNotFailAuth(t *testing.T) {
	_, s := newTestManager(t)
	fs := &touchFailStore{Store: s}
	mgr := NewManager(fs, nil)
	ctx := context.Background()

	plaintext, _, err := mgr.Generate(ctx, GenerateParams{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Authenticate(ctx, "Bearer "+plaintext); err != nil {
		t.Fatalf("touch failure must not fail authentication: %v", err)
	}
	if fs.touches != 1 {
		t.Errorf("expected one touch attempt, got %d", fs.touches)
	}
}

func TestTouchThrottled(t *testing.T) {
	_, s := newTestManager(t)
	fs := &countingStore{Store: s}
	mgr := NewManager(fs, nil)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return now }
	ctx := context.Background()

	plaintext, _, err := mgr.Generate(ctx, GenerateParams{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := mgr.Authenticate(ctx, "Bearer "+plaintext); err != nil {
			t.Fatal(err)
		}
	}
	if fs.touches != 1 {
		t.Errorf("expected a single touch within the interval, got %d", fs.touches)
	}
	now = now.Add(2 * time.Minute)
	if _, err := mgr.Authenticate(ctx, "Bearer "+plaintext); err != nil {
		t.Fatal(err)
	}
	if fs.touches != 2 {
		t.Errorf("expected a second touch after the interval, got %d", fs.touches)
	}
}

type countingStore struct {
	Store
	touches int
}

func (c *countingStore) TouchClientCredential(ctx context.Context, id string, at time.Time) error {
	c.touches++
	return c.Store.TouchClientCredential(ctx, id, at)
}

func TestAuthMiddleware(t *testing.T) {
	mgr, _ := newTestManager(t)
	plaintext, rec, err := mgr.Generate(context.Background(), GenerateParams{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}

	var seen *store.ClientCredential
	h := AuthMiddleware(mgr, func(*http.Request) string { return "req-1" })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/openai/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer "+plaintext)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if seen == nil || seen.ID != rec.ID {
		t.Errorf("expected credential in context, got %+v", seen)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/openai/chat/completions", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `"code":"missing_credential"`) || !strings.Contains(body, `"category":"permanent"`) {
		t.Errorf("unexpected error body: %s", body)
	}
	if !strings.Contains(body, `"action":"check_credential"`) {
		t.Errorf("expected check_credential recovery: %s", body)
	}
	if rr.Header().Get("X-Relay-Request-Id") != "req-1" {
		t.Errorf("expected request id header, got %q", rr.Header().Get("X-Relay-Request-Id"))
	}
}

func TestAuthMiddlewareLogsThroughManager(t *testing.T) {
	_, s := newTestManager(t)
	var buf bytes.Buffer
	mgr := NewManager(s, slog.New(slog.NewJSONHandler(&buf, nil)))

	h := AuthMiddleware(mgr, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached with a bad key")
	}))
	req := httptest.NewRequest(http.MethodPost, "/v1/openai/chat", nil)
	req.Header.Set("Authorization", "Bearer rk_"+strings.Repeat("0", 64))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected one JSON log line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "auth" || line["msg"] != "client auth: rejected" {
		t.Errorf("log line = %v", line)
	}
}
