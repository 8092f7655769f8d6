package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	errbuilder "github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/queryhive/queryhive"
)

// RedisCache is a redis-backed cache for deployments where plans and agent
// outputs must be shared across engine instances. Values are JSON encoded;
// TTL handling and eviction are delegated to redis itself, so Stats only
// carries the local hit/miss counters.
type RedisCache struct {
	client *redis.Client
	prefix string
	logger *zap.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewRedisCache wraps an existing redis client. The prefix namespaces this
// engine's keys within a shared instance.
func NewRedisCache(client *redis.Client, prefix string, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: client, prefix: prefix, logger: logger}
}

func (c *RedisCache) namespaced(key string) string {
	return c.prefix + ":" + key
}

// Get retrieves and decodes an item. Any redis failure counts as a miss so
// callers recompute instead of failing.
func (c *RedisCache) Get(ctx context.Context, key string) (any, bool) {
	data, err := c.client.Get(ctx, c.namespaced(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("redis get failed",
				zap.String("key", key),
				zap.Error(errbuilder.GenericErr("cache backend unavailable", err)))
		}
		c.misses.Add(1)
		return nil, false
	}

	value, ok := decodeValue(key, data)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return value, true
}

// decodeValue maps a key's class prefix to its concrete type. Stored values
// are JSON; a generic decode would hand back map[string]any that no consumer
// can type-assert, turning every redis hit into a miss.
func decodeValue(key string, data []byte) (any, bool) {
	switch {
	case strings.HasPrefix(key, "plan:"):
		var plan queryhive.ExecutionPlan
		if err := json.Unmarshal(data, &plan); err != nil {
			return nil, false
		}
		return &plan, true
	case strings.HasPrefix(key, "analysis:"):
		var analysis queryhive.QueryAnalysis
		if err := json.Unmarshal(data, &analysis); err != nil {
			return nil, false
		}
		return analysis, true
	case strings.HasPrefix(key, "agent/"):
		var res queryhive.AgentResult
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, false
		}
		return res, true
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, false
	}
	return value, true
}

// Set encodes and stores an item under the given TTL. Failures are logged;
// a cache that cannot store simply forces recomputation later.
func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("redis set skipped: value not serializable",
			zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, c.namespaced(key), data, ttl).Err(); err != nil {
		c.logger.Warn("redis set failed",
			zap.String("key", key),
			zap.Error(errbuilder.GenericErr("cache backend unavailable", err)))
	}
}

// Invalidate removes a single key.
func (c *RedisCache) Invalidate(ctx context.Context, key string) {
	if err := c.client.Del(ctx, c.namespaced(key)).Err(); err != nil {
		c.logger.Warn("redis delete failed", zap.String("key", key), zap.Error(err))
	}
}

// Clear removes every key under this cache's prefix.
func (c *RedisCache) Clear(ctx context.Context) {
	iter := c.client.Scan(ctx, 0, c.prefix+":*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.logger.Warn("redis delete failed", zap.String("key", iter.Val()), zap.Error(err))
		}
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn("redis scan failed during clear", zap.Error(err))
	}
}

// Stats returns the local hit/miss accounting.
func (c *RedisCache) Stats() queryhive.CacheStats {
	return queryhive.CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}
