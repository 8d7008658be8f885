package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/api"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/api/middleware"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/config"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/handlers"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/observability"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/queue"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/ratelimit"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/realtime"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/session"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/store"
	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/stream"
)

func main() {
	cfg := config.Load()

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}
	logger = logger.With().Str("service", cfg.ServiceName).Logger()

	ctx := context.Background()

	// Principal directory
	var dir store.DataStore
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		dir = pg
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		lite, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.SQLitePath).Msg("sqlite open failed")
		}
		dir = lite
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite principal directory")
	}
	defer dir.Close()

	// Shared key-value store
	var (
		kv  store.KV
		mem *store.MemoryStore
	)
	if cfg.RedisURL != "" {
		rs, err := store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		kv = rs
		logger.Info().Msg("connected to Redis")
	} else {
		mem = store.NewMemoryStore()
		kv = mem
		logger.Warn().Msg("REDIS_URL not set, using in-memory store (single instance only)")
	}
	defer kv.Close()

	logs := observability.NewLogger(kv, logger, observability.Config{
		Service:       cfg.ServiceName,
		BufferSize:    cfg.LogBufferSize,
		FlushInterval: cfg.LogFlushInterval,
	})
	recorder := observability.NewMetrics(kv, logger, observability.Config{
		Service:       cfg.ServiceName,
		BufferSize:    cfg.MetricBufferSize,
		FlushInterval: cfg.MetricFlushInterval,
	})

	limiter := ratelimit.New(kv)
	q := queue.New(kv, logger)
	events := stream.New(kv)
	presence := session.NewPresence(kv, cfg.PresenceTTL)

	manager := realtime.NewManager(realtime.Deps{
		Sessions: session.NewRegistry(kv),
		Presence: presence,
		Stream:   events,
		Queue:    q,
		Limiter:  limiter,
		Log:      logs,
	}, realtime.Config{
		SessionTTL:   cfg.SessionTTL,
		PollInterval: cfg.StreamPollInterval,
	}, logger)

	auth := middleware.NewAuthenticator(dir, kv, logger)
	rl := middleware.NewRateLimiter(limiter, kv, logger, middleware.RateLimiterConfig{
		Whitelist:        cfg.RateLimitWhitelist,
		AutoBlockEnabled: cfg.AutoBlockEnabled,
	})
	h := handlers.NewHandler(handlers.Deps{
		Directory: dir,
		KV:        kv,
		Queue:     q,
		Stream:    events,
		Presence:  presence,
		Manager:   manager,
		Logs:      logs,
		Metrics:   recorder,
		Logger:    logger,
	})
	ws := realtime.NewTransport(manager, auth, limiter, logger)

	router := api.NewRouter(logger, h, auth, rl, ws)

	// Background flush tasks drain on cancel
	bgCtx, stopBackground := context.WithCancel(ctx)
	var bg sync.WaitGroup
	bg.Add(2)
	go func() { defer bg.Done(); logs.Run(bgCtx) }()
	go func() { defer bg.Done(); recorder.Run(bgCtx) }()
	if mem != nil {
		bg.Add(1)
		go func() { defer bg.Done(); mem.Run(bgCtx, store.DefaultSweepInterval) }()
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting agentbus server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	// Hijacked WebSocket connections outlive srv.Shutdown; close them
	// while the store and flush tasks are still up.
	if err := ws.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("websocket connections did not drain")
	}

	stopBackground()
	bg.Wait()

	logger.Info().Msg("server stopped")
}
