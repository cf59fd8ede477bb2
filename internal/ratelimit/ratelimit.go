// Package ratelimit enforces per-credential request rates on the forwarding
// routes with in-memory token buckets.
package ratelimit

import (
	"container/list"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/llmrelay/relay/internal/apierr"
	"github.com/llmrelay/relay/internal/apikey"
)

// Limiter holds one token bucket per key, evicting the least recently used
// key once maxKeys is reached.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*list.Element
	lru     *list.List // front = most recently used
	rps     rate.Limit
	burst   int
	maxKeys int
	idle    time.Duration
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
	counter prometheus.Counter // optional: incremented on each rejection

	requestID func(*http.Request) string
}

type entry struct {
	key      string
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithCounter sets a Prometheus counter that is incremented on each 429.
func WithCounter(c prometheus.Counter) Option {
	return func(l *Limiter) { l.counter = c }
}

// WithMaxKeys caps the number of tracked keys.
func WithMaxKeys(n int) Option {
	return func(l *Limiter) { l.maxKeys = n }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithRequestID sets the function used to tag rejections with the
// correlation id.
func WithRequestID(fn func(*http.Request) string) Option {
	return func(l *Limiter) { l.requestID = fn }
}

// New creates a limiter allowing rps requests per second per key with the
// given burst. A burst below 1 defaults to ceil(rps).
func New(rps float64, burst int, opts ...Option) *Limiter {
	if burst < 1 {
		burst = int(math.Ceil(rps))
	}
	l := &Limiter{
		buckets: make(map[string]*list.Element),
		lru:     list.New(),
		rps:     rate.Limit(rps),
		burst:   burst,
		maxKeys: 100000,
		idle:    10 * time.Minute,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup()
	return l
}

// Middleware enforces the limit per authenticated client credential, falling
// back to the client IP when no credential is attached. Rejections are
// structured 429 errors with a Retry-After hint.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !l.allow(key) {
			if l.counter != nil {
				l.counter.Inc()
			}
			e := apierr.RateLimited(l.retryAfter())
			if l.requestID != nil {
				e.WithRequestID(l.requestID(r))
			}
			apierr.Write(w, e.WithRecovery(nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if c := apikey.FromContext(r.Context()); c != nil {
		return "cred:" + c.ID
	}
	ip := r.Header.Get("X-Real-IP")
	if ip == "" {
		ip = r.RemoteAddr
	}
	return "ip:" + ip
}

// retryAfter is the whole number of seconds until one token refills.
func (l *Limiter) retryAfter() int {
	if l.rps <= 0 {
		return 1
	}
	return max(1, int(math.Ceil(1/float64(l.rps))))
}

func (l *Limiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	el, ok := l.buckets[key]
	if ok {
		l.lru.MoveToFront(el)
	} else {
		if len(l.buckets) >= l.maxKeys {
			l.evictOldest()
		}
		el = l.lru.PushFront(&entry{key: key, limiter: rate.NewLimiter(l.rps, l.burst)})
		l.buckets[key] = el
	}
	e := el.Value.(*entry)
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// evictOldest removes the least recently used bucket.
// Must be called with l.mu held.
func (l *Limiter) evictOldest() {
	back := l.lru.Back()
	if back == nil {
		return
	}
	l.lru.Remove(back)
	delete(l.buckets, back.Value.(*entry).key)
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

// sweep drops buckets idle longer than the idle period.
func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.idle)
	for el := l.lru.Back(); el != nil; {
		e := el.Value.(*entry)
		if !e.lastSeen.Before(cutoff) {
			break
		}
		prev := el.Prev()
		l.lru.Remove(el)
		delete(l.buckets, e.key)
		el = prev
	}
}
