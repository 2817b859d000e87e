// Command upstream runs lightweight HTTP mock servers for local and load
// testing of the gateway without real credentials.
//
// Two servers are started:
//
//	OpenAI-compatible upstream   :19001
//	University backend           :19002
//
// Environment overrides:
//
//	PORT_UPSTREAM, PORT_BACKEND
//
// Behaviour flags (via env):
//
//	MOCK_LATENCY_MS    : artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE    : fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_STREAM_WORDS  : words in streaming response (default 10)
//	MOCK_STREAM_FORMAT : upstream stream framing: sse, jsonl or plain (default sse)
//	MOCK_MODELS        : comma-separated catalog (default gpt-4o-mini,gpt-4o)
//	MOCK_RETIRED_MODELS: comma-separated models answered with model_not_found
//	MOCK_TOKEN_TTL     : backend access token lifetime (default 1m)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Config holds runtime configuration shared across both mock servers.
type Config struct {
	LatencyMS     int
	ErrorRate     float64
	StreamWords   int
	StreamFormat  string
	Models        []string
	RetiredModels map[string]bool
	TokenTTL      time.Duration
}

func loadConfig() Config {
	c := Config{
		StreamWords:   10,
		StreamFormat:  "sse",
		Models:        []string{"gpt-4o-mini", "gpt-4o"},
		RetiredModels: map[string]bool{},
		TokenTTL:      time.Minute,
	}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	switch v := strings.ToLower(os.Getenv("MOCK_STREAM_FORMAT")); v {
	case "sse", "jsonl", "plain":
		c.StreamFormat = v
	}
	if v := splitEnv("MOCK_MODELS"); len(v) > 0 {
		c.Models = v
	}
	for _, m := range splitEnv("MOCK_RETIRED_MODELS") {
		c.RetiredModels[m] = true
	}
	if v := os.Getenv("MOCK_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.TokenTTL = d
		}
	}
	return c
}

func splitEnv(key string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(key), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

func startServer(name, addr string, h http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info("mock listening", slog.String("server", name), slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("starting mocks",
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.String("stream_format", cfg.StreamFormat),
		slog.Any("models", cfg.Models),
	)

	servers := []*http.Server{
		startServer("upstream", ":"+portFromEnv("PORT_UPSTREAM", 19001), newUpstreamHandler(cfg), log),
		startServer("backend", ":"+portFromEnv("PORT_BACKEND", 19002), newBackendHandler(cfg), log),
	}

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mocks")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			_ = s.Shutdown(ctx)
		}(srv)
	}
	wg.Wait()
	log.Info("mocks stopped")
}
