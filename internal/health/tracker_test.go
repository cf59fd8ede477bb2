package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/llmrelay/relay/internal/events"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memSink struct {
	mu      sync.Mutex
	samples []Sample
	inserts int
	fail    bool
	// failN fails that many inserts before succeeding.
	failN int
}

func (m *memSink) InsertHealthSamples(_ context.Context, s []Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk full")
	}
	if m.failN > 0 {
		m.failN--
		return errors.New("database is locked")
	}
	m.inserts++
	m.samples = append(m.samples, s...)
	return nil
}

func (m *memSink) HealthSamplesSince(_ context.Context, since time.Time) ([]Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Sample
	for _, s := range m.samples {
		if !s.At.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memSink) DeleteHealthSamplesBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.samples[:0]
	var n int64
	for _, s := range m.samples {
		if s.At.Before(before) {
			n++
			continue
		}
		kept = append(kept, s)
	}
	m.samples = kept
	return n, nil
}

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)}
}

func TestAllSuccessesHealthy(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	for i := 0; i < 10; i++ {
		tr.RecordSuccess("openai", 100)
	}
	s := tr.Snapshot("openai")
	if s.Status != StateHealthy {
		t.Errorf("expected HEALTHY, got %s", s.Status)
	}
	if s.ErrorRate != 0 {
		t.Errorf("expected error rate 0, got %f", s.ErrorRate)
	}
	if s.Samples != 10 {
		t.Errorf("expected 10 samples, got %d", s.Samples)
	}
}

func TestHalfFailuresUnhealthy(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	for i := 0; i < 5; i++ {
		tr.RecordSuccess("anthropic", 100)
	}
	for i := 0; i < 5; i++ {
		tr.RecordFailure("anthropic", "http_error", "upstream 500", 50)
	}
	s := tr.Snapshot("anthropic")
	if s.Status != StateUnhealthy {
		t.Errorf("expected UNHEALTHY, got %s", s.Status)
	}
	if s.ErrorRate != 0.5 {
		t.Errorf("expected error rate 0.5, got %f", s.ErrorRate)
	}
	if got := tr.Available([]string{"anthropic"}); len(got) != 0 {
		t.Error("unhealthy provider should not be available")
	}
}

func TestLowErrorRateHealthy(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	for i := 0; i < 19; i++ {
		tr.RecordSuccess("google", 80)
	}
	tr.RecordFailure("google", "timeout", "deadline exceeded", 120000)
	s := tr.Snapshot("google")
	if s.Status != StateHealthy {
		t.Errorf("expected HEALTHY at 5%% errors, got %s", s.Status)
	}
	if s.TotalTimeouts != 1 {
		t.Errorf("expected 1 timeout, got %d", s.TotalTimeouts)
	}
}

func TestDegradedThreshold(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	for i := 0; i < 9; i++ {
		tr.RecordSuccess("mistral", 80)
	}
	tr.RecordFailure("mistral", "connection_error", "refused", 0)
	if got := tr.Status("mistral"); got != StateDegraded {
		t.Errorf("expected DEGRADED at exactly 10%%, got %s", got)
	}
}

func TestBelowMinSamplesHealthy(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	for i := 0; i < 4; i++ {
		tr.RecordFailure("groq", "http_error", "boom", 0)
	}
	if got := tr.Status("groq"); got != StateHealthy {
		t.Errorf("expected HEALTHY below min samples, got %s", got)
	}
	tr.RecordFailure("groq", "http_error", "boom", 0)
	if got := tr.Status("groq"); got != StateUnhealthy {
		t.Errorf("expected UNHEALTHY at min samples, got %s", got)
	}
}

func TestUnknownProviderHealthy(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	if got := tr.Status("nobody"); got != StateHealthy {
		t.Errorf("expected HEALTHY, got %s", got)
	}
	s := tr.Snapshot("nobody")
	if s.Samples != 0 || len(s.Hourly) != 24 {
		t.Errorf("unexpected empty snapshot: %+v", s)
	}
}

func TestWindowExpiry(t *testing.T) {
	clk := newClock()
	tr := NewTracker(DefaultConfig(), WithClock(clk.Now))
	for i := 0; i < 10; i++ {
		tr.RecordFailure("openai", "http_error", "500", 0)
	}
	if got := tr.Status("openai"); got != StateUnhealthy {
		t.Fatalf("expected UNHEALTHY, got %s", got)
	}

	clk.Advance(25 * time.Hour)
	s := tr.Snapshot("openai")
	if s.Status != StateHealthy || s.Samples != 0 {
		t.Errorf("expected an empty window after 25h, got %s with %d samples", s.Status, s.Samples)
	}
	if s.TotalFailures != 10 {
		t.Errorf("totals should be monotonic, got %d", s.TotalFailures)
	}
	for _, b := range s.Hourly {
		if b.Failures != 0 {
			t.Errorf("expected no failures in hourly buckets, got %+v", b)
		}
	}
}

func TestSnapshotDetails(t *testing.T) {
	clk := newClock()
	tr := NewTracker(DefaultConfig(), WithClock(clk.Now))
	tr.RecordSuccess("openai", 100)
	tr.RecordSuccess("openai", 300)
	clk.Advance(time.Hour)
	tr.RecordFailure("openai", "timeout", "deadline exceeded", 120000)
	clk.Advance(10 * time.Second)

	s := tr.Snapshot("openai")
	if s.AvgLatencyMs != 200 || s.MinLatencyMs != 100 || s.MaxLatencyMs != 300 {
		t.Errorf("latency stats should only include successes: %+v", s)
	}
	if s.ErrorsByKind["timeout"] != 1 {
		t.Errorf("expected timeout counted by kind, got %v", s.ErrorsByKind)
	}
	if s.LastError == nil || s.LastError.Kind != "timeout" || s.LastError.AgeSeconds != 10 {
		t.Errorf("unexpected last error: %+v", s.LastError)
	}
	if len(s.Hourly) != 24 {
		t.Fatalf("expected 24 hourly buckets, got %d", len(s.Hourly))
	}
	last := s.Hourly[23]
	prev := s.Hourly[22]
	if last.Failures != 1 || last.Successes != 0 {
		t.Errorf("unexpected current-hour bucket: %+v", last)
	}
	if prev.Successes != 2 {
		t.Errorf("unexpected previous-hour bucket: %+v", prev)
	}
}

func TestLatencySamplesCapped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxLatencySamples = 3
	tr := NewTracker(cfg)
	for _, ms := range []int64{1000, 10, 20, 30} {
		tr.RecordSuccess("openai", ms)
	}
	s := tr.Snapshot("openai")
	if s.MaxLatencyMs != 30 {
		t.Errorf("expected oldest latency evicted, got max %d", s.MaxLatencyMs)
	}
}

func TestAllSorted(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.RecordSuccess("openai", 1)
	tr.RecordSuccess("anthropic", 1)
	tr.RecordFailure("google", "http_error", "x", 0)
	all := tr.All()
	if len(all) != 3 {
		t.Fatalf("expected 3 providers, got %d", len(all))
	}
	if all[0].Provider != "anthropic" || all[2].Provider != "openai" {
		t.Errorf("expected sorted providers, got %s..%s", all[0].Provider, all[2].Provider)
	}
}

func TestHealthChangeEvent(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	tr := NewTracker(DefaultConfig(), WithEventBus(bus))
	for i := 0; i < 5; i++ {
		tr.RecordFailure("openai", "http_error", "500", 0)
	}

	select {
	case e := <-sub.C:
		if e.Type != events.EventHealthChange {
			t.Fatalf("expected health_change, got %s", e.Type)
		}
		if e.OldState != string(StateHealthy) || e.NewState != string(StateUnhealthy) {
			t.Errorf("unexpected transition %s -> %s", e.OldState, e.NewState)
		}
		if e.Provider != "openai" {
			t.Errorf("expected provider openai, got %s", e.Provider)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for health_change")
	}
}

func TestOnUpdateCallback(t *testing.T) {
	var got []State
	tr := NewTracker(DefaultConfig(), WithOnUpdate(func(_ string, s State) {
		got = append(got, s)
	}))
	tr.RecordSuccess("openai", 1)
	tr.RecordSuccess("openai", 1)
	if len(got) != 2 {
		t.Errorf("expected 2 callbacks, got %d", len(got))
	}
}

func TestFlushIsDebounced(t *testing.T) {
	sink := &memSink{}
	cfg := DefaultConfig()
	cfg.FlushDelay = 50 * time.Millisecond
	cfg.PruneSchedule = ""
	tr := NewTracker(cfg, WithSink(sink))
	if err := tr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer tr.Stop(context.Background())

	for i := 0; i < 20; i++ {
		tr.RecordSuccess("openai", 10)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 20 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sink.count() != 20 {
		t.Fatalf("expected 20 persisted samples, got %d", sink.count())
	}
	sink.mu.Lock()
	inserts := sink.inserts
	sink.mu.Unlock()
	if inserts != 1 {
		t.Errorf("expected one coalesced write, got %d", inserts)
	}
	if tr.Pending() != 0 {
		t.Errorf("expected empty queue, got %d", tr.Pending())
	}
}

func TestFlushFailureRequeues(t *testing.T) {
	sink := &memSink{fail: true}
	tr := NewTracker(DefaultConfig(), WithSink(sink))
	tr.RecordSuccess("openai", 10)
	tr.RecordFailure("openai", "timeout", "slow", 0)

	tr.flush(context.Background())
	if tr.Pending() != 2 {
		t.Fatalf("expected failed batch requeued, got %d pending", tr.Pending())
	}

	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()
	tr.flush(context.Background())
	if tr.Pending() != 0 || sink.count() != 2 {
		t.Errorf("expected retry to persist, pending=%d stored=%d", tr.Pending(), sink.count())
	}
	if sink.samples[0].Success != true || sink.samples[1].ErrorKind != "timeout" {
		t.Errorf("expected original order preserved: %+v", sink.samples)
	}
}

func TestFlushRetriesWithoutNewSamples(t *testing.T) {
	sink := &memSink{failN: 1}
	cfg := DefaultConfig()
	cfg.FlushDelay = 20 * time.Millisecond
	cfg.PruneSchedule = ""
	tr := NewTracker(cfg, WithSink(sink))
	if err := tr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer tr.Stop(context.Background())

	tr.RecordSuccess("openai", 10)

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("expected sample persisted after retry, got %d", sink.count())
	}
	if tr.Pending() != 0 {
		t.Errorf("expected empty queue, got %d", tr.Pending())
	}
}

func TestNextFlushRetry(t *testing.T) {
	if got := nextFlushRetry(0, 10*time.Millisecond); got != minFlushRetry {
		t.Errorf("first retry = %v", got)
	}
	if got := nextFlushRetry(0, time.Second); got != time.Second {
		t.Errorf("first retry from 1s = %v", got)
	}
	if got := nextFlushRetry(time.Second, time.Second); got != 2*time.Second {
		t.Errorf("doubled = %v", got)
	}
	if got := nextFlushRetry(20*time.Second, time.Second); got != maxFlushRetry {
		t.Errorf("capped = %v", got)
	}
}

func TestQueueDropsOldest(t *testing.T) {
	sink := &memSink{}
	cfg := DefaultConfig()
	cfg.MaxQueue = 3
	tr := NewTracker(cfg, WithSink(sink))
	for i := int64(1); i <= 5; i++ {
		tr.RecordSuccess("openai", i)
	}
	if tr.Pending() != 3 || tr.Dropped() != 2 {
		t.Fatalf("expected 3 pending and 2 dropped, got %d and %d", tr.Pending(), tr.Dropped())
	}
	tr.flush(context.Background())
	if sink.samples[0].LatencyMs != 3 {
		t.Errorf("expected oldest samples dropped, first kept latency %d", sink.samples[0].LatencyMs)
	}
}

func TestStopFlushesPending(t *testing.T) {
	sink := &memSink{}
	cfg := DefaultConfig()
	cfg.FlushDelay = time.Hour
	cfg.PruneSchedule = ""
	tr := NewTracker(cfg, WithSink(sink))
	if err := tr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	tr.RecordSuccess("openai", 10)
	if err := tr.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sink.count() != 1 {
		t.Errorf("expected final flush on stop, got %d stored", sink.count())
	}
}

func TestRehydrate(t *testing.T) {
	clk := newClock()
	sink := &memSink{}
	for i := 0; i < 5; i++ {
		sink.samples = append(sink.samples, Sample{Provider: "openai", At: clk.Now().Add(-time.Hour), ErrorKind: "http_error"})
	}
	sink.samples = append(sink.samples, Sample{Provider: "openai", At: clk.Now().Add(-30 * time.Hour), Success: true})

	cfg := DefaultConfig()
	cfg.PruneSchedule = ""
	tr := NewTracker(cfg, WithSink(sink), WithClock(clk.Now))
	if err := tr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer tr.Stop(context.Background())

	s := tr.Snapshot("openai")
	if s.Status != StateUnhealthy {
		t.Errorf("expected rehydrated UNHEALTHY, got %s", s.Status)
	}
	if s.Samples != 5 {
		t.Errorf("expected 5 samples inside the window, got %d", s.Samples)
	}
	if tr.Pending() != 0 {
		t.Errorf("rehydrated samples must not be re-queued, got %d", tr.Pending())
	}
}

func TestPrune(t *testing.T) {
	clk := newClock()
	sink := &memSink{samples: []Sample{
		{Provider: "openai", At: clk.Now().Add(-72 * time.Hour), Success: true},
		{Provider: "openai", At: clk.Now().Add(-49 * time.Hour), Success: true},
		{Provider: "openai", At: clk.Now().Add(-time.Hour), Success: true},
	}}
	tr := NewTracker(DefaultConfig(), WithSink(sink), WithClock(clk.Now))
	n, err := tr.Prune(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || sink.count() != 1 {
		t.Errorf("expected 2 pruned and 1 kept, got %d and %d", n, sink.count())
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PruneSchedule = "not a schedule"
	tr := NewTracker(cfg, WithSink(&memSink{}))
	if err := tr.Start(context.Background()); err == nil {
		t.Error("expected error for invalid prune schedule")
	}
}
