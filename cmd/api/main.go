package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"style-pipeline/internal/api"
	"style-pipeline/internal/blob"
	"style-pipeline/internal/config"
	"style-pipeline/internal/identity"
	"style-pipeline/internal/logging"
	"style-pipeline/internal/orchestrator"
	"style-pipeline/internal/ratelimit"
	"style-pipeline/internal/status"
	"style-pipeline/internal/store"
	"style-pipeline/internal/telemetry"
	"style-pipeline/internal/upload"
	"style-pipeline/internal/worker"
)

const (
	identityTTL  = 30 * 24 * time.Hour
	limiterTTL   = time.Hour
	drainTimeout = 30 * time.Second
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("api exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	blobs, err := blob.Open(ctx, cfg)
	if err != nil {
		return err
	}

	registry := orchestrator.NewDefault(blobs, cfg.LatencyScale, orchestrator.WithMaxPixels(cfg.MaxImagePixels))
	pool := worker.NewProcessor(worker.OptionsFromConfig(cfg), st, registry, logger)
	if _, _, err := pool.Recover(ctx); err != nil {
		return err
	}
	pool.Start()

	janitor := worker.NewJanitor(st, blobs, cfg.JobRetention, cfg.JanitorInterval, logger)
	go func() {
		if err := janitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("janitor stopped", "err", err)
		}
	}()

	var (
		identities identity.Registry = identity.NewMemory()
		limiter    api.Limiter
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, rate limiting will fail open", "addr", cfg.RedisAddr, "err", err)
		}
		identities = identity.NewRedis(rdb, identityTTL)
		limiter = ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, limiterTTL)
	}

	receiver, err := upload.NewReceiver(cfg, blobs, pool, registry, logger)
	if err != nil {
		return err
	}
	server := api.New(receiver, status.NewReader(st), pool, identities, limiter, logger, api.WithTrustedProxy(cfg.TrustProxy))

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	servers := []*http.Server{httpServer}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		servers = append(servers, &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			logger.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(srv)
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		logger.Error("server failed", "err", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "addr", srv.Addr, "err", err)
		}
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("workers did not drain", "err", err)
	}
	return serveErr
}
