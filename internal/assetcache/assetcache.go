// Package assetcache fronts platform asset lookups with Redis. Expectations
// in one batch usually target the same few endpoints; caching keeps the
// matcher from hammering the platform API once per expectation.
package assetcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/breachrange/collectors/internal/logging"
	"github.com/breachrange/collectors/internal/platform"
)

// Resolver is the upstream lookup the cache protects.
type Resolver interface {
	Asset(ctx context.Context, id string) (*platform.Asset, error)
}

// Cache is a read-through asset cache with TTL.
type Cache struct {
	upstream Resolver
	redis    *redis.Client
	ttl      time.Duration
	log      *logging.Logger
}

// New creates the cache. A nil redis client disables caching; lookups pass
// straight through.
func New(upstream Resolver, redisClient *redis.Client, ttl time.Duration, log *logging.Logger) *Cache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{
		upstream: upstream,
		redis:    redisClient,
		ttl:      ttl,
		log:      log,
	}
}

// Asset returns the cached asset or fetches and stores it. Cache failures
// degrade to upstream lookups; a broken Redis must not block correlation.
func (c *Cache) Asset(ctx context.Context, id string) (*platform.Asset, error) {
	if c.redis == nil {
		return c.upstream.Asset(ctx, id)
	}

	key := c.key(id)
	data, err := c.redis.Get(ctx, key).Result()
	if err == nil {
		var asset platform.Asset
		if err := json.Unmarshal([]byte(data), &asset); err == nil {
			return &asset, nil
		}
		c.log.Warn("discarding unreadable cache entry", "key", key)
	} else if !errors.Is(err, redis.Nil) {
		c.log.Warn("asset cache read failed", "key", key, "error", err)
	}

	asset, err := c.upstream.Asset(ctx, id)
	if err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(asset); err == nil {
		if err := c.redis.Set(ctx, key, payload, c.ttl).Err(); err != nil {
			c.log.Warn("asset cache write failed", "key", key, "error", err)
		}
	}
	return asset, nil
}

func (c *Cache) key(id string) string {
	return fmt.Sprintf("collector:asset:%s", id)
}
