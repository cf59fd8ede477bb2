package spend

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestKey(t *testing.T) {
	at := time.Date(2024, 3, 31, 23, 0, 0, 0, time.FixedZone("X", -5*3600))
	assert.Equal(t, "spend:cred-1:2024-04", Key("cred-1", at))
}

func TestRedisAddAndMonth(t *testing.T) {
	client, mr := setupTestRedis(t)
	now := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	c := NewRedis(client, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, c.Add(ctx, "cred-1", decimal.RequireFromString("1250")))
	require.NoError(t, c.Add(ctx, "cred-1", decimal.RequireFromString("0.5")))
	require.NoError(t, c.Add(ctx, "cred-2", decimal.RequireFromString("3")))

	got, err := c.Month(ctx, "cred-1", now)
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString("1250.5")), "got %s", got)

	ttl := mr.TTL("spend:cred-1:2024-06")
	assert.Equal(t, keyTTL, ttl)

	other, err := c.Month(ctx, "cred-1", now.AddDate(0, -1, 0))
	require.NoError(t, err)
	assert.True(t, other.IsZero())
}

func TestRedisIgnoresNonPositive(t *testing.T) {
	client, mr := setupTestRedis(t)
	c := NewRedis(client)
	ctx := context.Background()

	require.NoError(t, c.Add(ctx, "cred-1", decimal.Zero))
	require.NoError(t, c.Add(ctx, "cred-1", decimal.NewFromInt(-5)))
	require.NoError(t, c.Add(ctx, "", decimal.NewFromInt(5)))
	assert.Empty(t, mr.Keys())
}

func TestRedisUnavailable(t *testing.T) {
	client, mr := setupTestRedis(t)
	c := NewRedis(client)
	mr.Close()

	err := c.Add(context.Background(), "cred-1", decimal.NewFromInt(1))
	assert.Error(t, err)
	_, err = c.Month(context.Background(), "cred-1", time.Now())
	assert.Error(t, err)
}

func TestDial(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	c, err := Dial(context.Background(), mr.Addr())
	require.NoError(t, err)
	defer c.Close()

	mr.Close()
	_, err = Dial(context.Background(), mr.Addr())
	assert.Error(t, err)
}

func TestNoop(t *testing.T) {
	var c Counter = Noop{}
	require.NoError(t, c.Add(context.Background(), "x", decimal.NewFromInt(1)))
	got, err := c.Month(context.Background(), "x", time.Now())
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}
