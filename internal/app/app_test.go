package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	npCache "github.com/nulpointcorp/unichat-gateway/internal/cache"
	"github.com/nulpointcorp/unichat-gateway/internal/config"
	"github.com/nulpointcorp/unichat-gateway/internal/stream"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseConfig() *config.Config {
	return &config.Config{
		Port:            8080,
		LogLevel:        "info",
		Provider:        config.ProviderAvalAI,
		AvalAI:          config.ProviderConfig{BaseURL: "http://127.0.0.1:1/v1", DefaultModel: "gpt-4o-mini"},
		ProviderTimeout: time.Second,
		Stream:          config.StreamConfig{Format: stream.FormatAuto, Output: stream.OutputSSE, Timeout: time.Minute},
		ModelCache:      config.ModelCacheConfig{Mode: config.SlotMemory},
		CORSOrigins:     []string{"*"},
	}
}

func TestNew_NilContext(t *testing.T) {
	//nolint:staticcheck // exercising the nil guard
	if _, err := New(nil, baseConfig(), quietLogger(), "test"); err == nil {
		t.Error("expected error for nil context")
	}
}

func TestNew_MemorySlot(t *testing.T) {
	a, err := New(context.Background(), baseConfig(), quietLogger(), "test")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if a.rdb != nil {
		t.Error("memory mode must not connect to redis")
	}
	if a.slot == nil || a.memCache == nil || !a.slotReady() {
		t.Error("memory slot not wired")
	}
	if a.backend != nil {
		t.Error("backend must stay nil without BACKEND_URL")
	}
	if a.provider.Name() != "avalai" || a.gw == nil || a.mgmt == nil || a.mgmt.Metrics == nil {
		t.Errorf("app = %+v", a)
	}
}

func TestNew_RedisSlotAndBackend(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := baseConfig()
	cfg.Provider = config.ProviderOpenRouter
	cfg.OpenRouter = config.OpenRouterConfig{
		ProviderConfig: config.ProviderConfig{APIKey: "sk-or", BaseURL: "http://127.0.0.1:1/api/v1"},
		AppName:        "UniChat",
	}
	cfg.ModelCache.Mode = config.SlotRedis
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.RateLimit.RPMLimit = 10
	cfg.Backend = config.BackendConfig{URL: "http://127.0.0.1:1", CookieSecure: true}

	a, err := New(context.Background(), cfg, quietLogger(), "test")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if a.rdb == nil || !a.slotReady() {
		t.Error("redis slot not wired")
	}
	if err := a.slot.Set(context.Background(), "shared-model"); err != nil {
		t.Fatal(err)
	}
	if v, err := mr.Get(slotPrefix + npCache.SlotKey); err != nil || v != "shared-model" {
		t.Errorf("slot in redis = %q (%v)", v, err)
	}
	if a.backend == nil {
		t.Error("backend client not built")
	}
	if a.provider.Name() != "openrouter" {
		t.Errorf("provider = %s", a.provider.Name())
	}
}

func TestNew_RedisUnreachable(t *testing.T) {
	cfg := baseConfig()
	cfg.ModelCache.Mode = config.SlotRedis
	cfg.Redis.URL = "redis://127.0.0.1:1"

	if _, err := New(context.Background(), cfg, quietLogger(), "test"); err == nil {
		t.Error("expected redis connection error")
	}
}

func TestClose_Idempotent(t *testing.T) {
	a, err := New(context.Background(), baseConfig(), quietLogger(), "test")
	if err != nil {
		t.Fatal(err)
	}
	a.Close()
	a.Close()
}

func TestBuildProvider(t *testing.T) {
	cfg := baseConfig()
	if got := buildProvider(cfg); got.Name() != "avalai" || got.BaseURL() != "http://127.0.0.1:1/v1" {
		t.Errorf("avalai = %s %s", got.Name(), got.BaseURL())
	}
	cfg.Provider = config.ProviderOpenRouter
	if got := buildProvider(cfg); got.Name() != "openrouter" {
		t.Errorf("openrouter = %s", got.Name())
	}
}

func TestRedactURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"redis://:secret@localhost:6379", "redis://***@localhost:6379"},
		{"redis://localhost:6379", "redis://localhost:6379"},
		{"https://user:pw@api.uni.example", "https://***@api.uni.example"},
	}
	for _, tt := range tests {
		if got := redactURL(tt.in); got != tt.want {
			t.Errorf("redactURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
