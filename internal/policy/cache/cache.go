// Package cache provides the redis-backed read-through cache for resolved
// policy bundles. Bundles change rarely but are read on every clock-out, so a
// short TTL keeps resolution cheap without risking stale payer mandates.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"carebridge/internal/platform/redis"
	"carebridge/internal/policy"
)

// RedisCache implements policy.Cache. Failures degrade to cache misses: the
// resolver always has the store as the source of truth.
type RedisCache struct {
	client *redis.Client
	logger *slog.Logger
}

func New(client *redis.Client, logger *slog.Logger) *RedisCache {
	return &RedisCache{client: client, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*policy.Bundle, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var b policy.Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		c.logger.WarnContext(ctx, "corrupt policy cache entry dropped",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		c.client.Del(ctx, key)
		return nil, false
	}
	return &b, true
}

func (c *RedisCache) Set(ctx context.Context, key string, b *policy.Bundle, ttl time.Duration) {
	raw, err := json.Marshal(b)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "policy cache write failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}
