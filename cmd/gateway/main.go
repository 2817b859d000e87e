// Command gateway is the university chat gateway.
//
// It reads configuration from environment variables (or config.yaml) and
// serves the chat, model and session routes on the configured port.
//
// Quick-start (in-memory model slot, no Redis required):
//
//	AVALAI_API_KEY=aa-... ./gateway
//
// See .env.example for all available configuration variables.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/unichat-gateway/internal/app"
	"github.com/nulpointcorp/unichat-gateway/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := buildLogger(cfg.LogLevel).With(slog.String("service", "unichat-gateway"))
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("gateway stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

// buildLogger returns a JSON logger on stdout. LOG_LEVEL is validated by
// config.Load; anything unparsable falls back to info. Debug adds file:line.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l <= slog.LevelDebug,
	}))
}
