package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCache_ZeroTTLNeverExpires(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := NewMemoryCache(ctx)
	defer c.Close()

	_ = c.Set(ctx, "k", []byte("v"), 0)
	c.evictExpired()
	if got, ok := c.Get(ctx, "k"); !ok || string(got) != "v" {
		t.Fatalf("Get = %q, %v", got, ok)
	}
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(ctx)
	defer c.Close()

	_ = c.Set(ctx, "k", []byte("v"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected expired entry to miss")
	}
	if c.Len() != 0 {
		t.Fatalf("expected lazy eviction, len=%d", c.Len())
	}
}

func TestMemoryCache_CopiesValues(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(ctx)
	defer c.Close()

	buf := []byte("abc")
	_ = c.Set(ctx, "k", buf, 0)
	buf[0] = 'x'
	got, _ := c.Get(ctx, "k")
	if string(got) != "abc" {
		t.Fatalf("stored value aliased caller buffer: %q", got)
	}
	c.Close()
	c.Close()
}

func TestSlot_Memory(t *testing.T) {
	ctx := context.Background()
	mc := NewMemoryCache(ctx)
	defer mc.Close()
	s := NewSlot(mc)

	if _, ok := s.Get(ctx); ok {
		t.Fatal("expected empty slot")
	}
	if err := s.Set(ctx, "model-a"); err != nil {
		t.Fatal(err)
	}
	if m, ok := s.Get(ctx); !ok || m != "model-a" {
		t.Fatalf("Get = %q, %v", m, ok)
	}
	_ = s.Set(ctx, "model-b")
	if m, _ := s.Get(ctx); m != "model-b" {
		t.Fatalf("expected overwrite, got %q", m)
	}
	_ = s.Clear(ctx)
	if _, ok := s.Get(ctx); ok {
		t.Fatal("expected empty slot after Clear")
	}
}

func TestSlot_NilSafe(t *testing.T) {
	var s *Slot
	if _, ok := s.Get(context.Background()); ok {
		t.Fatal("nil slot must be empty")
	}
	if err := s.Set(context.Background(), "m"); err != nil {
		t.Fatal(err)
	}
}

func TestSlot_SharedAcrossReplicas(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	newReplica := func() *Slot {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		return NewSlot(NewRedisCache(rdb, "unichat:"))
	}
	a, b := newReplica(), newReplica()

	if err := a.Set(ctx, "shared-model"); err != nil {
		t.Fatal(err)
	}
	if m, ok := b.Get(ctx); !ok || m != "shared-model" {
		t.Fatalf("replica b saw %q, %v", m, ok)
	}
}

func TestSlot_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	mc := NewMemoryCache(ctx)
	defer mc.Close()
	s := NewSlot(mc)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.Set(ctx, "m")
		}()
		go func() {
			defer wg.Done()
			s.Get(ctx)
		}()
	}
	wg.Wait()

	if m, ok := s.Get(ctx); !ok || m != "m" {
		t.Fatalf("Get = %q, %v", m, ok)
	}
}
