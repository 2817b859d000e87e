// Package cache holds the key/value backends behind the gateway's
// last-known-good model slot.
//
// Two backends are available:
//   - MemoryCache: in-process, the default. Each replica keeps its own slot.
//   - RedisCache : shared across replicas through a single Redis key.
//
// Both implement Cache so they are interchangeable.
package cache

import (
	"context"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores value under key. A ttl <= 0 means the entry never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
