package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates a test Redis instance using miniredis
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	s := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })

	return client, s
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestRedisInstrumentCache_SetAndGet(t *testing.T) {
	client, _ := setupTestRedis(t)
	cache := NewRedisInstrumentCache(client, time.Hour, quietLogger())
	ctx := context.Background()

	dump := []byte("instrument_token,tradingsymbol\n256265,NIFTY 50\n")
	cache.Set(ctx, "2026-10-16", dump)

	got, ok := cache.Get(ctx, "2026-10-16")
	require.True(t, ok)
	assert.Equal(t, dump, got)

	stats := cache.GetStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Sets)
	assert.Equal(t, int64(0), stats.Misses)
}

func TestRedisInstrumentCache_Miss(t *testing.T) {
	client, _ := setupTestRedis(t)
	cache := NewRedisInstrumentCache(client, time.Hour, quietLogger())

	_, ok := cache.Get(context.Background(), "2026-10-15")
	assert.False(t, ok)
	assert.Equal(t, int64(1), cache.GetStats().Misses)
}

func TestRedisInstrumentCache_Expires(t *testing.T) {
	client, s := setupTestRedis(t)
	cache := NewRedisInstrumentCache(client, time.Minute, quietLogger())
	ctx := context.Background()

	cache.Set(ctx, "2026-10-16", []byte("x"))
	s.FastForward(2 * time.Minute)

	_, ok := cache.Get(ctx, "2026-10-16")
	assert.False(t, ok)
}

func TestRedisInstrumentCache_CorruptEntry(t *testing.T) {
	client, s := setupTestRedis(t)
	cache := NewRedisInstrumentCache(client, time.Hour, quietLogger())

	require.NoError(t, s.Set("instruments:2026-10-16", "not json"))
	_, ok := cache.Get(context.Background(), "2026-10-16")
	assert.False(t, ok)
}

func TestRedisInstrumentCache_RedisDown(t *testing.T) {
	client, s := setupTestRedis(t)
	cache := NewRedisInstrumentCache(client, time.Hour, quietLogger())
	s.Close()

	_, ok := cache.Get(context.Background(), "2026-10-16")
	assert.False(t, ok)
	assert.NotPanics(t, func() { cache.Set(context.Background(), "2026-10-16", []byte("x")) })
}

func TestRedisInstrumentCache_Clear(t *testing.T) {
	client, s := setupTestRedis(t)
	cache := NewRedisInstrumentCache(client, time.Hour, quietLogger())
	ctx := context.Background()

	cache.Set(ctx, "2026-10-15", []byte("a"))
	cache.Set(ctx, "2026-10-16", []byte("b"))
	require.NoError(t, s.Set("other", "kept"))

	require.NoError(t, cache.Clear(ctx))
	assert.False(t, s.Exists("instruments:2026-10-15"))
	assert.False(t, s.Exists("instruments:2026-10-16"))
	assert.True(t, s.Exists("other"))
}
