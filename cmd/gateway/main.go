// Command gateway runs the VeloZ HTTP/SSE front end: it spawns the
// engine subprocess, speaks the NDJSON bridge protocol to it, and
// exposes the HTTP surface from spec.md §6 over httpapi.Router's fixed
// middleware chain. It is grounded on the corpus's dashboard API server
// main.go — config load, *http.Server lifecycle, signal-driven graceful
// shutdown — generalized from an in-process matching engine to an
// engine reached over a subprocess pipe.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"veloz/internal/broadcast"
	"veloz/internal/config"
	"veloz/internal/gateway"
	"veloz/internal/httpapi"
	"veloz/internal/metrics"
	"veloz/internal/ratelimit"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "configs/gateway.yaml", "path to gateway configuration")
	flag.Parse()

	cfg, err := config.LoadGateway(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: load config: %v\n", err)
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: invalid config: %v\n", err)
		return 2
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	hub := broadcast.New(cfg.Broadcast.HistorySize, cfg.Broadcast.SubscriberBufferLen)

	client, err := gateway.NewEngineClient(cfg.EngineCommand, hub, logger)
	if err != nil {
		logger.Error("failed to start engine subprocess", "error", err)
		return 1
	}

	store := rateLimitStore(cfg.RateLimit)
	limiter := ratelimit.New(store, cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSecond, cfg.RateLimit.CleanupInterval)
	cleanupCtx, stopCleanup := context.WithCancel(context.Background())
	defer stopCleanup()
	limiter.StartCleanup(cleanupCtx)

	reg := metrics.Default()
	router := gateway.NewRouter(client, hub, cfg, reg, limiter, logger)
	server := httpapi.NewServer(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), router, logger)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("gateway received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			logger.Error("http server error", "error", err)
		}
	}

	if err := server.Stop(); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Close(ctx); err != nil {
		logger.Warn("engine subprocess shutdown", "error", err)
	}
	return 0
}

func rateLimitStore(cfg config.RateLimitConfig) ratelimit.Store {
	if cfg.RedisAddr == "" {
		return ratelimit.NewMemoryStore()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return ratelimit.NewRedisStore(client, "veloz:ratelimit:")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
