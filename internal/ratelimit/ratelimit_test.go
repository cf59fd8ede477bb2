package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/llmrelay/relay/internal/apikey"
	"github.com/llmrelay/relay/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock { return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)} }

func TestAllow(t *testing.T) {
	clk := newClock()
	l := New(5, 5, WithClock(clk.now))
	defer l.Stop()

	for i := range 5 {
		if !l.allow("test") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.allow("test") {
		t.Fatal("request 6 should be denied")
	}
}

func TestRefill(t *testing.T) {
	clk := newClock()
	l := New(10, 10, WithClock(clk.now))
	defer l.Stop()

	for range 10 {
		l.allow("test")
	}
	if l.allow("test") {
		t.Fatal("should be denied after exhaustion")
	}

	clk.advance(150 * time.Millisecond)
	if !l.allow("test") {
		t.Fatal("should be allowed after refill")
	}
}

func TestDefaultBurst(t *testing.T) {
	l := New(2.5, 0)
	defer l.Stop()
	if l.burst != 3 {
		t.Errorf("burst = %d, want 3", l.burst)
	}
	if got := l.retryAfter(); got != 1 {
		t.Errorf("retryAfter = %d, want 1", got)
	}
	slow := New(0.1, 1)
	defer slow.Stop()
	if got := slow.retryAfter(); got != 10 {
		t.Errorf("retryAfter = %d, want 10", got)
	}
}

func TestDifferentKeys(t *testing.T) {
	l := New(1, 1, WithClock(newClock().now))
	defer l.Stop()

	if !l.allow("a") {
		t.Fatal("a should be allowed")
	}
	if l.allow("a") {
		t.Fatal("a should be denied")
	}
	if !l.allow("b") {
		t.Fatal("b should be allowed")
	}
}

func TestMiddlewarePerCredential(t *testing.T) {
	l := New(1, 2, WithClock(newClock().now), WithRequestID(func(*http.Request) string { return "req-9" }))
	defer l.Stop()

	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	do := func(credID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/openai/v1/chat/completions", nil)
		req.Header.Set("X-Real-IP", "10.0.0.1")
		req = req.WithContext(apikey.WithCredential(req.Context(), &store.ClientCredential{ID: credID}))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	for i := range 2 {
		if rr := do("c1"); rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rr.Code)
		}
	}
	rr := do("c1")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", rr.Header().Get("Retry-After"))
	}
	var body struct {
		Error struct {
			Code      string `json:"code"`
			Category  string `json:"category"`
			RequestID string `json:"request_id"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != "rate_limited" || body.Error.Category != "policy" || body.Error.RequestID != "req-9" {
		t.Errorf("error = %+v", body.Error)
	}

	// Same IP, different credential: separate bucket.
	if rr := do("c2"); rr.Code != http.StatusOK {
		t.Fatalf("c2: expected 200, got %d", rr.Code)
	}
}

func TestEvictionRemovesLRU(t *testing.T) {
	l := New(1, 1, WithMaxKeys(3), WithClock(newClock().now))
	defer l.Stop()

	l.allow("A")
	l.allow("B")
	l.allow("C")
	// A becomes most recently used; B is now the LRU.
	l.allow("A")
	l.allow("D")

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buckets) != 3 {
		t.Fatalf("expected 3 buckets after eviction, got %d", len(l.buckets))
	}
	if _, ok := l.buckets["B"]; ok {
		t.Error("expected B to be evicted")
	}
	for _, key := range []string{"A", "C", "D"} {
		if _, ok := l.buckets[key]; !ok {
			t.Errorf("expected %s to still be present", key)
		}
	}
}

func TestSweepDropsIdle(t *testing.T) {
	clk := newClock()
	l := New(1, 1, WithClock(clk.now))
	defer l.Stop()

	l.allow("old")
	clk.advance(11 * time.Minute)
	l.allow("fresh")
	l.sweep()

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.buckets["old"]; ok {
		t.Error("idle bucket not swept")
	}
	if _, ok := l.buckets["fresh"]; !ok {
		t.Error("fresh bucket swept")
	}
}

func TestStopIdempotent(t *testing.T) {
	l := New(1, 1)
	l.Stop()
	l.Stop()
}
