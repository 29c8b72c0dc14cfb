// Package cache keeps Redis-backed copies of the instrument dump and the
// latest pipeline health snapshot.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// InstrumentCacheEntry is a cached instrument dump with metadata.
type InstrumentCacheEntry struct {
	Dump      []byte    `json:"dump"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// InstrumentCacheStats tracks cache performance metrics
type InstrumentCacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Sets   int64 `json:"sets"`
	mu     sync.RWMutex
}

// RedisInstrumentCache stores the raw instrument dump per trading day so a
// restart on the same day does not download it again.
type RedisInstrumentCache struct {
	redis  redis.Cmdable
	ttl    time.Duration
	stats  *InstrumentCacheStats
	prefix string
	logger *logrus.Entry
}

// NewRedisInstrumentCache creates a new Redis-based instrument cache
func NewRedisInstrumentCache(client redis.Cmdable, ttl time.Duration, logger *logrus.Logger) *RedisInstrumentCache {
	return &RedisInstrumentCache{
		redis:  client,
		ttl:    ttl,
		stats:  &InstrumentCacheStats{},
		prefix: "instruments:",
		logger: logger.WithField("component", "instrument_cache"),
	}
}

func (c *RedisInstrumentCache) miss() {
	c.stats.mu.Lock()
	c.stats.Misses++
	c.stats.mu.Unlock()
}

// Get returns the dump cached under key (a trading day).
func (c *RedisInstrumentCache) Get(ctx context.Context, key string) ([]byte, bool) {
	cacheKey := c.prefix + key

	data, err := c.redis.Get(ctx, cacheKey).Bytes()
	if errors.Is(err, redis.Nil) {
		c.miss()
		return nil, false
	}
	if err != nil {
		c.logger.WithError(err).WithField("key", cacheKey).Warn("Redis error reading instrument dump")
		c.miss()
		return nil, false
	}

	var entry InstrumentCacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.WithError(err).WithField("key", cacheKey).Warn("Discarding unreadable instrument dump")
		c.miss()
		return nil, false
	}
	if len(entry.Dump) == 0 {
		c.miss()
		return nil, false
	}

	c.stats.mu.Lock()
	c.stats.Hits++
	c.stats.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"key":       cacheKey,
		"bytes":     len(entry.Dump),
		"cached_at": entry.CachedAt,
	}).Info("Using cached instrument dump")

	return entry.Dump, true
}

// Set stores a dump under key with the configured TTL.
func (c *RedisInstrumentCache) Set(ctx context.Context, key string, dump []byte) {
	cacheKey := c.prefix + key

	now := time.Now()
	entry := InstrumentCacheEntry{
		Dump:      dump,
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to serialize instrument dump")
		return
	}

	if err := c.redis.Set(ctx, cacheKey, data, c.ttl).Err(); err != nil {
		c.logger.WithError(err).WithField("key", cacheKey).Warn("Redis error caching instrument dump")
		return
	}

	c.stats.mu.Lock()
	c.stats.Sets++
	c.stats.mu.Unlock()

	c.logger.WithFields(logrus.Fields{"key": cacheKey, "bytes": len(dump), "ttl": c.ttl}).Info("Cached instrument dump")
}

// GetStats returns current cache statistics
func (c *RedisInstrumentCache) GetStats() InstrumentCacheStats {
	c.stats.mu.RLock()
	defer c.stats.mu.RUnlock()
	return InstrumentCacheStats{
		Hits:   c.stats.Hits,
		Misses: c.stats.Misses,
		Sets:   c.stats.Sets,
	}
}

// Clear removes all cached dumps.
func (c *RedisInstrumentCache) Clear(ctx context.Context) error {
	var keys []string
	iter := c.redis.Scan(ctx, 0, c.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("error scanning cache keys: %w", err)
	}

	if len(keys) == 0 {
		return nil
	}

	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("error clearing cache: %w", err)
	}

	c.logger.WithField("count", len(keys)).Info("Cleared instrument cache entries")
	return nil
}
