// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra   : external connections (Redis when needed)
//  2. initProvider: the selected upstream client
//  3. initServices: model slot, backend client, metrics, request log
//  4. initGateway : proxy + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/unichat-gateway/internal/backend"
	npCache "github.com/nulpointcorp/unichat-gateway/internal/cache"
	"github.com/nulpointcorp/unichat-gateway/internal/config"
	"github.com/nulpointcorp/unichat-gateway/internal/logger"
	"github.com/nulpointcorp/unichat-gateway/internal/metrics"
	"github.com/nulpointcorp/unichat-gateway/internal/providers"
	"github.com/nulpointcorp/unichat-gateway/internal/providers/avalai"
	"github.com/nulpointcorp/unichat-gateway/internal/providers/openaicompat"
	"github.com/nulpointcorp/unichat-gateway/internal/providers/openrouter"
	"github.com/nulpointcorp/unichat-gateway/internal/proxy"
)

// slotPrefix namespaces the model slot key in a shared Redis.
const slotPrefix = "unichat:"

// shutdownTimeout bounds graceful shutdown, including open streams.
const shutdownTimeout = 15 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections, nil when not configured.
	rdb *redis.Client

	reqLogger *logger.Logger
	memCache  *npCache.MemoryCache
	slot      *npCache.Slot
	slotReady func() bool
	backend   *backend.Client

	prom *metrics.Registry

	provider providers.Provider
	mgmt     *proxy.ManagementRoutes
	gw       *proxy.Gateway

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("app: config must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"provider", a.initProvider},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. Open streams get shutdownTimeout to finish.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("provider", a.provider.Name()),
		slog.String("model_cache_mode", a.cfg.ModelCache.Mode),
		slog.Bool("session_routes", a.cfg.SessionRoutesEnabled()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.gw.Shutdown(shutdownCtx); err != nil {
			a.log.Error("shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.gw != nil {
			a.gw.Close()
		}
		if a.reqLogger != nil {
			if err := a.reqLogger.Close(); err != nil {
				a.log.Error("logger close error", slog.String("error", err.Error()))
			}
		}
		if a.memCache != nil {
			a.memCache.Close()
		}
		if a.rdb != nil {
			if err := a.rdb.Close(); err != nil {
				a.log.Error("redis close error", slog.String("error", err.Error()))
			}
		}
	})
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error; callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// buildProvider creates the upstream client selected by LLM_PROVIDER.
func buildProvider(cfg *config.Config) *openaicompat.Client {
	switch cfg.Provider {
	case config.ProviderOpenRouter:
		or := cfg.OpenRouter
		var opts []openrouter.Option
		if or.BaseURL != "" {
			opts = append(opts, openrouter.WithBaseURL(or.BaseURL))
		}
		if or.SiteURL != "" {
			opts = append(opts, openrouter.WithSiteURL(or.SiteURL))
		}
		if or.AppName != "" {
			opts = append(opts, openrouter.WithAppName(or.AppName))
		}
		return openrouter.New(or.APIKey, opts...)

	default:
		var opts []avalai.Option
		if cfg.AvalAI.BaseURL != "" {
			opts = append(opts, avalai.WithBaseURL(cfg.AvalAI.BaseURL))
		}
		return avalai.New(cfg.AvalAI.APIKey, opts...)
	}
}
