// Package spend keeps running monthly cost totals per client credential.
package spend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// keyTTL keeps a month's counter around long enough to read it during the
// following month.
const keyTTL = 62 * 24 * time.Hour

// Counter accumulates cost per credential and month.
type Counter interface {
	Add(ctx context.Context, credentialID string, cents decimal.Decimal) error
	Month(ctx context.Context, credentialID string, at time.Time) (decimal.Decimal, error)
}

// Noop discards spend. It is used when no Redis address is configured.
type Noop struct{}

func (Noop) Add(context.Context, string, decimal.Decimal) error { return nil }

func (Noop) Month(context.Context, string, time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

// Redis stores counters as Redis floats under spend:<credential>:<YYYY-MM>.
type Redis struct {
	client *redis.Client
	now    func() time.Time
}

// Option configures a Redis counter.
type Option func(*Redis)

// WithClock overrides the clock used to pick the current month.
func WithClock(now func() time.Time) Option {
	return func(r *Redis) { r.now = now }
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, opts ...Option) *Redis {
	r := &Redis{client: client, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr string, opts ...Option) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}
	return NewRedis(client, opts...), nil
}

// Key returns the counter key of credentialID for the month containing at.
func Key(credentialID string, at time.Time) string {
	return fmt.Sprintf("spend:%s:%s", credentialID, at.UTC().Format("2006-01"))
}

// Add increments the current month's counter. Zero and negative amounts are
// ignored.
func (r *Redis) Add(ctx context.Context, credentialID string, cents decimal.Decimal) error {
	if credentialID == "" || !cents.IsPositive() {
		return nil
	}
	key := Key(credentialID, r.now())
	amount, _ := cents.Float64()
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.IncrByFloat(ctx, key, amount)
		p.Expire(ctx, key, keyTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("increment %s: %w", key, err)
	}
	return nil
}

// Month returns the total for the month containing at.
func (r *Redis) Month(ctx context.Context, credentialID string, at time.Time) (decimal.Decimal, error) {
	key := Key(credentialID, at)
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read %s: %w", key, err)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

// Close releases the client.
func (r *Redis) Close() error { return r.client.Close() }
