package health

import (
	"sort"
	"time"
)

// Bucket holds one hour of outcomes.
type Bucket struct {
	Hour      time.Time `json:"hour"`
	Successes int64     `json:"successes"`
	Failures  int64     `json:"failures"`
}

// LastError describes the most recent failure.
type LastError struct {
	Message    string    `json:"message"`
	Kind       string    `json:"kind"`
	At         time.Time `json:"at"`
	AgeSeconds int64     `json:"age_seconds"`
}

// Snapshot is a point-in-time copy of one provider's statistics.
type Snapshot struct {
	Provider  string  `json:"provider"`
	Status    State   `json:"status"`
	ErrorRate float64 `json:"error_rate"`

	// Window counts cover the rolling window only.
	Samples   int   `json:"samples"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`

	AvgLatencyMs float64 `json:"avg_latency_ms"`
	MinLatencyMs int64   `json:"min_latency_ms"`
	MaxLatencyMs int64   `json:"max_latency_ms"`

	// Totals are monotonic for the life of the process, including
	// rehydrated samples.
	TotalSuccesses int64            `json:"total_successes"`
	TotalFailures  int64            `json:"total_failures"`
	TotalTimeouts  int64            `json:"total_timeouts"`
	ErrorsByKind   map[string]int64 `json:"errors_by_kind"`

	LastError *LastError `json:"last_error,omitempty"`
	Hourly    []Bucket   `json:"hourly"`
}

type outcome struct {
	at time.Time
	ok bool
}

type latency struct {
	at time.Time
	ms int64
}

type providerState struct {
	outcomes  []outcome
	successes int64
	failures  int64

	latencies []latency
	buckets   map[int64]*Bucket

	totalSuccesses int64
	totalFailures  int64
	totalTimeouts  int64
	byKind         map[string]int64
	lastError      *LastError
}

func newProviderState() *providerState {
	return &providerState{
		buckets: make(map[int64]*Bucket),
		byKind:  make(map[string]int64),
	}
}

func (p *providerState) apply(s Sample, cfg TrackerConfig) {
	o := outcome{at: s.At, ok: s.Success}
	if n := len(p.outcomes); n == 0 || !s.At.Before(p.outcomes[n-1].at) {
		p.outcomes = append(p.outcomes, o)
	} else {
		i := sort.Search(n, func(i int) bool { return p.outcomes[i].at.After(s.At) })
		p.outcomes = append(p.outcomes, outcome{})
		copy(p.outcomes[i+1:], p.outcomes[i:])
		p.outcomes[i] = o
	}

	hour := s.At.Truncate(time.Hour)
	b, ok := p.buckets[hour.Unix()]
	if !ok {
		b = &Bucket{Hour: hour.UTC()}
		p.buckets[hour.Unix()] = b
	}

	if s.Success {
		p.successes++
		p.totalSuccesses++
		b.Successes++
		if s.LatencyMs > 0 {
			p.latencies = append(p.latencies, latency{at: s.At, ms: s.LatencyMs})
			if max := cfg.MaxLatencySamples; max > 0 && len(p.latencies) > max {
				p.latencies = p.latencies[len(p.latencies)-max:]
			}
		}
		return
	}

	p.failures++
	p.totalFailures++
	b.Failures++
	kind := s.ErrorKind
	if kind == "" {
		kind = "unknown_error"
	}
	p.byKind[kind]++
	if kind == KindTimeout {
		p.totalTimeouts++
	}
	if p.lastError == nil || !s.At.Before(p.lastError.At) {
		p.lastError = &LastError{Message: s.ErrorMessage, Kind: kind, At: s.At}
	}
}

// prune drops outcomes, latencies and hourly buckets that fell out of the
// window ending at now.
func (p *providerState) prune(now time.Time, cfg TrackerConfig) {
	cutoff := now.Add(-cfg.Window)

	i := 0
	for i < len(p.outcomes) && p.outcomes[i].at.Before(cutoff) {
		if p.outcomes[i].ok {
			p.successes--
		} else {
			p.failures--
		}
		i++
	}
	if i > 0 {
		p.outcomes = p.outcomes[i:]
	}

	j := 0
	for j < len(p.latencies) && p.latencies[j].at.Before(cutoff) {
		j++
	}
	if j > 0 {
		p.latencies = p.latencies[j:]
	}

	oldest := now.Truncate(time.Hour).Add(-time.Duration(hourlyBuckets-1) * time.Hour).Unix()
	for k := range p.buckets {
		if k < oldest {
			delete(p.buckets, k)
		}
	}
}

const hourlyBuckets = 24

func (p *providerState) errorRate() float64 {
	n := p.successes + p.failures
	if n == 0 {
		return 0
	}
	return float64(p.failures) / float64(n)
}

func (p *providerState) status(cfg TrackerConfig) State {
	if int(p.successes+p.failures) < cfg.MinSamples {
		return StateHealthy
	}
	rate := p.errorRate()
	switch {
	case rate >= cfg.UnhealthyRate:
		return StateUnhealthy
	case rate >= cfg.DegradedRate:
		return StateDegraded
	default:
		return StateHealthy
	}
}

func (p *providerState) snapshot(provider string, now time.Time, cfg TrackerConfig) Snapshot {
	s := Snapshot{
		Provider:       provider,
		Status:         p.status(cfg),
		ErrorRate:      p.errorRate(),
		Samples:        int(p.successes + p.failures),
		Successes:      p.successes,
		Failures:       p.failures,
		TotalSuccesses: p.totalSuccesses,
		TotalFailures:  p.totalFailures,
		TotalTimeouts:  p.totalTimeouts,
		ErrorsByKind:   make(map[string]int64, len(p.byKind)),
		Hourly:         make([]Bucket, 0, hourlyBuckets),
	}
	for k, v := range p.byKind {
		s.ErrorsByKind[k] = v
	}

	if len(p.latencies) > 0 {
		var sum int64
		s.MinLatencyMs = p.latencies[0].ms
		for _, l := range p.latencies {
			sum += l.ms
			if l.ms < s.MinLatencyMs {
				s.MinLatencyMs = l.ms
			}
			if l.ms > s.MaxLatencyMs {
				s.MaxLatencyMs = l.ms
			}
		}
		s.AvgLatencyMs = float64(sum) / float64(len(p.latencies))
	}

	if p.lastError != nil {
		le := *p.lastError
		le.AgeSeconds = int64(now.Sub(le.At) / time.Second)
		s.LastError = &le
	}

	current := now.Truncate(time.Hour)
	for i := hourlyBuckets - 1; i >= 0; i-- {
		hour := current.Add(-time.Duration(i) * time.Hour)
		b := Bucket{Hour: hour.UTC()}
		if got, ok := p.buckets[hour.Unix()]; ok {
			b = *got
		}
		s.Hourly = append(s.Hourly, b)
	}
	return s
}
