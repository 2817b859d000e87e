package cache

import (
	"context"
	"sync"
	"time"
)

// memItem stores a cached value together with its expiry time.
// A zero expiresAt never expires.
type memItem struct {
	data      []byte
	expiresAt time.Time
}

func (it memItem) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

// MemoryCache is an in-process cache with optional per-entry TTL.
//
// It is safe for concurrent use. A background goroutine periodically removes
// expired entries. Values are copied on the way in and out so callers can
// reuse their buffers.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memItem

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryCache creates a MemoryCache and starts the background cleanup loop.
// The cleanup goroutine stops when ctx is cancelled or Close is called.
func NewMemoryCache(ctx context.Context) *MemoryCache {
	c := &MemoryCache{
		items: make(map[string]memItem),
		done:  make(chan struct{}),
	}
	go c.cleanup(ctx)
	return c
}

// Get returns the cached value for key. Returns (nil, false) on a miss or if
// the entry has expired.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if item.expired(time.Now()) {
		c.mu.Lock()
		if cur, still := c.items[key]; still && cur.expired(time.Now()) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return nil, false
	}

	return append([]byte(nil), item.data...), true
}

// Set stores value under key. A zero or negative ttl keeps the entry until it
// is overwritten or deleted.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	item := memItem{data: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	c.items[key] = item
	c.mu.Unlock()

	return nil
}

// Delete removes key from the cache. Returns nil if the key did not exist.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries currently held in the cache
// (including entries that may have expired but not yet been evicted).
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the background cleanup goroutine. Safe to call more than once.
func (c *MemoryCache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *MemoryCache) cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() {
	now := time.Now()

	c.mu.Lock()
	for k, v := range c.items {
		if v.expired(now) {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
}
