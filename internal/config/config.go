// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded
// into the process environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example AVALAI_API_KEY becomes
// avalai_api_key in YAML.
//
// A missing provider API key is not a startup error: the gateway starts and
// every upstream call fails with a configuration error until the key is set.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/unichat-gateway/internal/stream"
)

// Supported upstream providers.
const (
	ProviderAvalAI     = "avalai"
	ProviderOpenRouter = "openrouter"
)

// Model slot storage modes.
const (
	SlotMemory = "memory"
	SlotRedis  = "redis"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider selects the upstream: avalai or openrouter. Default: avalai.
	Provider string

	AvalAI     ProviderConfig
	OpenRouter OpenRouterConfig

	// ProviderTimeout bounds non-streaming upstream and backend calls.
	// Default: 60s.
	ProviderTimeout time.Duration

	Stream StreamConfig

	// Backend is the university API behind the session routes.
	Backend BackendConfig

	// Redis holds the connection URL shared by the model slot and the rate
	// limiter.
	Redis RedisConfig

	// ModelCache selects where the last-known-good model is kept.
	ModelCache ModelCacheConfig

	// RateLimit controls per-client request-rate limiting.
	RateLimit RateLimitConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Session cookies need explicit
	// origins.
	CORSOrigins []string
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string

	// DefaultModel is used when a request names no model.
	DefaultModel string
}

// OpenRouterConfig adds OpenRouter's attribution headers.
type OpenRouterConfig struct {
	ProviderConfig

	// SiteURL is sent as HTTP-Referer.
	SiteURL string
	// AppName is sent as X-Title.
	AppName string
}

// StreamConfig controls stream normalization.
type StreamConfig struct {
	// Format is the upstream framing. auto detects it from Content-Type.
	Format stream.Format
	// Output is the framing written to clients: sse or text.
	Output stream.Output
	// Timeout bounds a whole stream. Default: 5m.
	Timeout time.Duration
}

// BackendConfig holds the university backend settings.
type BackendConfig struct {
	// URL is the backend base URL. Empty disables the session routes.
	URL string
	// CookieSecure sets the Secure flag on session cookies. Default: true.
	CookieSecure bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// ModelCacheConfig controls the last-known-good model slot.
type ModelCacheConfig struct {
	// Mode selects the slot storage:
	//   "memory": process-local.
	//   "redis" : shared across replicas (requires REDIS_URL).
	// Default: "memory".
	Mode string
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum chat requests per minute per client.
	// 0 disables rate limiting. Requires REDIS_URL. Default: 0.
	RPMLimit int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LLM_PROVIDER", ProviderAvalAI)
	v.SetDefault("AVALAI_BASE_URL", "https://api.avalai.ir/v1")
	v.SetDefault("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1")
	v.SetDefault("PROVIDER_TIMEOUT", "60s")
	v.SetDefault("UPSTREAM_STREAM_FORMAT", string(stream.FormatAuto))
	v.SetDefault("STREAM_OUTPUT", string(stream.OutputSSE))
	v.SetDefault("STREAM_TIMEOUT", "5m")
	v.SetDefault("COOKIE_SECURE", true)
	v.SetDefault("MODEL_CACHE_MODE", SlotMemory)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	format, err := stream.ParseFormat(v.GetString("UPSTREAM_STREAM_FORMAT"))
	if err != nil {
		return nil, fmt.Errorf("config: UPSTREAM_STREAM_FORMAT: %w", err)
	}
	output, err := stream.ParseOutput(v.GetString("STREAM_OUTPUT"))
	if err != nil {
		return nil, fmt.Errorf("config: STREAM_OUTPUT: %w", err)
	}

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(strings.TrimSpace(v.GetString("LOG_LEVEL"))),
		Provider: strings.ToLower(strings.TrimSpace(v.GetString("LLM_PROVIDER"))),

		AvalAI: ProviderConfig{
			APIKey:       strings.TrimSpace(v.GetString("AVALAI_API_KEY")),
			BaseURL:      strings.TrimSpace(v.GetString("AVALAI_BASE_URL")),
			DefaultModel: strings.TrimSpace(v.GetString("AVALAI_DEFAULT_MODEL")),
		},
		OpenRouter: OpenRouterConfig{
			ProviderConfig: ProviderConfig{
				APIKey:       strings.TrimSpace(v.GetString("OPENROUTER_API_KEY")),
				BaseURL:      strings.TrimSpace(v.GetString("OPENROUTER_BASE_URL")),
				DefaultModel: strings.TrimSpace(v.GetString("OPENROUTER_DEFAULT_MODEL")),
			},
			SiteURL: strings.TrimSpace(v.GetString("OPENROUTER_SITE_URL")),
			AppName: strings.TrimSpace(v.GetString("OPENROUTER_APP_NAME")),
		},

		ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),

		Stream: StreamConfig{
			Format:  format,
			Output:  output,
			Timeout: v.GetDuration("STREAM_TIMEOUT"),
		},

		Backend: BackendConfig{
			URL:          strings.TrimRight(strings.TrimSpace(v.GetString("BACKEND_URL")), "/"),
			CookieSecure: v.GetBool("COOKIE_SECURE"),
		},

		Redis: RedisConfig{URL: strings.TrimSpace(v.GetString("REDIS_URL"))},

		ModelCache: ModelCacheConfig{
			Mode: strings.ToLower(strings.TrimSpace(v.GetString("MODEL_CACHE_MODE"))),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		CORSOrigins: splitList(v.GetStringSlice("CORS_ORIGINS")),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.Provider {
	case ProviderAvalAI, ProviderOpenRouter:
	default:
		return fmt.Errorf(
			"config: invalid LLM_PROVIDER %q; must be one of: avalai, openrouter",
			c.Provider,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be between 1 and 65535, got %d", c.Port)
	}

	switch c.ModelCache.Mode {
	case SlotMemory, SlotRedis:
	default:
		return fmt.Errorf(
			"config: invalid MODEL_CACHE_MODE %q; must be one of: memory, redis",
			c.ModelCache.Mode,
		)
	}
	if c.ModelCache.Mode == SlotRedis && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when MODEL_CACHE_MODE=redis; " +
				"set MODEL_CACHE_MODE=memory to keep the model slot in process",
		)
	}

	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}
	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RPM_LIMIT > 0")
	}

	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("config: PROVIDER_TIMEOUT must be a positive duration")
	}
	if c.Stream.Timeout <= 0 {
		return fmt.Errorf("config: STREAM_TIMEOUT must be a positive duration")
	}

	for name, raw := range map[string]string{
		"AVALAI_BASE_URL":     c.AvalAI.BaseURL,
		"OPENROUTER_BASE_URL": c.OpenRouter.BaseURL,
		"BACKEND_URL":         c.Backend.URL,
	} {
		if raw == "" {
			continue
		}
		if err := checkHTTPURL(raw); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}

	return nil
}

// ActiveProvider returns the settings of the selected provider.
func (c *Config) ActiveProvider() ProviderConfig {
	if c.Provider == ProviderOpenRouter {
		return c.OpenRouter.ProviderConfig
	}
	return c.AvalAI
}

// APIKeyEnv names the env var holding the selected provider's key.
func (c *Config) APIKeyEnv() string {
	if c.Provider == ProviderOpenRouter {
		return "OPENROUTER_API_KEY"
	}
	return "AVALAI_API_KEY"
}

// SessionRoutesEnabled reports whether the backend routes are served.
func (c *Config) SessionRoutesEnabled() bool {
	return c.Backend.URL != ""
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q is not an absolute http(s) URL", raw)
	}
	return nil
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
