package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/unichat-gateway/internal/backend"
	npCache "github.com/nulpointcorp/unichat-gateway/internal/cache"
	"github.com/nulpointcorp/unichat-gateway/internal/config"
	"github.com/nulpointcorp/unichat-gateway/internal/logger"
	"github.com/nulpointcorp/unichat-gateway/internal/metrics"
	"github.com/nulpointcorp/unichat-gateway/internal/proxy"
	"github.com/nulpointcorp/unichat-gateway/internal/ratelimit"
)

// initInfra establishes optional external connections.
// Redis is required when MODEL_CACHE_MODE=redis or RPM_LIMIT > 0.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.ModelCache.Mode != config.SlotRedis && a.cfg.RateLimit.RPMLimit == 0 {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	return nil
}

// initProvider builds the upstream client. A missing key only warns: every
// upstream call then fails with a configuration error.
func (a *App) initProvider(_ context.Context) error {
	client := buildProvider(a.cfg)
	a.provider = client

	if a.cfg.ActiveProvider().APIKey == "" {
		a.log.Warn("provider api key not set; upstream calls will fail",
			slog.String("provider", client.Name()),
			slog.String("env", a.cfg.APIKeyEnv()),
		)
	}
	a.log.Info("provider loaded",
		slog.String("provider", client.Name()),
		slog.String("base_url", client.BaseURL()),
		slog.String("default_model", a.cfg.ActiveProvider().DefaultModel),
	)

	return nil
}

// initServices creates the model slot, backend client, request log and
// Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.ModelCache.Mode {
	case config.SlotRedis:
		// Shared across replicas through the already-connected client.
		rc := npCache.NewRedisCache(a.rdb, slotPrefix)
		a.slot = npCache.NewSlot(rc)
		a.slotReady = func() bool { return rc.Ping(a.baseCtx) == nil }
		a.log.Info("model slot: redis")

	case config.SlotMemory:
		// Not shared across replicas.
		a.memCache = npCache.NewMemoryCache(ctx)
		a.slot = npCache.NewSlot(a.memCache)
		a.slotReady = func() bool { return true }
		a.log.Info("model slot: memory (in-process)")

	default:
		return fmt.Errorf("unknown model cache mode: %s", a.cfg.ModelCache.Mode)
	}

	if a.cfg.SessionRoutesEnabled() {
		a.backend = backend.New(a.cfg.Backend.URL, backend.WithTimeout(a.cfg.ProviderTimeout))
		a.log.Info("session routes enabled", slog.String("backend_url", redactURL(a.cfg.Backend.URL)))
	}

	reqLogger, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	opts := proxy.GatewayOptions{
		Logger:          a.log,
		Metrics:         a.prom,
		DefaultModel:    a.cfg.ActiveProvider().DefaultModel,
		Slot:            a.slot,
		SlotReady:       a.slotReady,
		ProviderTimeout: a.cfg.ProviderTimeout,
		StreamTimeout:   a.cfg.Stream.Timeout,
		StreamFormat:    a.cfg.Stream.Format,
		StreamOutput:    a.cfg.Stream.Output,
		CookieSecure:    a.cfg.Backend.CookieSecure,
	}
	if a.backend != nil {
		// The backend client refreshes its own sessions.
		opts.Backend = a.backend
		opts.Refresher = a.backend
		opts.BackendReady = backendPinger(a.backend)
	}

	gw := proxy.NewGateway(a.baseCtx, a.provider, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting, only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiter(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	gw.SetLogger(a.reqLogger)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// backendPinger bounds each backend probe to a few seconds.
func backendPinger(c *backend.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return c.Ping(ctx)
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
