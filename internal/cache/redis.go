package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultQueryTimeout = 500 * time.Millisecond

// RedisCache is a Redis-backed Cache shared by every gateway replica.
//
// Reads degrade to a miss when Redis is unavailable. Write errors are
// returned so the caller can count them; the slot treats them as non-fatal.
type RedisCache struct {
	client       *redis.Client
	prefix       string
	queryTimeout time.Duration
}

// NewRedisCache wraps an existing Redis client. The caller owns the client
// lifecycle. Keys are namespaced under prefix.
func NewRedisCache(rdb *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: rdb, prefix: prefix, queryTimeout: defaultQueryTimeout}
}

func (c *RedisCache) key(k string) string { return c.prefix + k }

// Get returns (data, true) on a hit and (nil, false) on a miss or any error.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	return val, true
}

// Set stores value under key. A ttl <= 0 stores the key without expiry.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: SET %s: %w", key, err)
	}
	return nil
}

// Delete removes key from Redis.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", key, err)
	}

	return nil
}

// Ping reports whether Redis answers within the query timeout.
func (c *RedisCache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	return c.client.Ping(ctx).Err()
}
