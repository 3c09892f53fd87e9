package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/avelikov/herald/internal/api"
	"github.com/avelikov/herald/internal/backoff"
	"github.com/avelikov/herald/internal/channel/telegram"
	"github.com/avelikov/herald/internal/circuitbreaker"
	"github.com/avelikov/herald/internal/config"
	"github.com/avelikov/herald/internal/db"
	"github.com/avelikov/herald/internal/link"
	"github.com/avelikov/herald/internal/metrics"
	"github.com/avelikov/herald/internal/observ"
	"github.com/avelikov/herald/internal/redis"
	"github.com/avelikov/herald/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting herald",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	// Initialize repository
	repo := db.NewRepository(database, logger)

	// Initialize Redis for the enqueue cache and API rate limiting. Herald
	// runs without it; the outbox unique constraint stays authoritative.
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, enqueue cache and api rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var enqueueCache *redis.EnqueueCache
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		enqueueCache = redis.NewEnqueueCache(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,             // 100 requests
			Window: 1 * time.Minute, // per minute per caller
		})
		defer redisClient.Close()
	}

	// Initialize the Telegram channel
	tg, err := telegram.New(telegram.Config{
		Token:         cfg.TelegramBotToken,
		BotUsername:   cfg.TelegramBotUsername,
		WebhookSecret: cfg.TelegramWebhookSecret,
		SendTimeout:   cfg.SendTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create telegram channel: %w", err)
	}

	// Wrap the channel in a circuit breaker so a Telegram outage stops
	// burning retry attempts on every pending row.
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("telegram"), logger)
	client := circuitbreaker.NewProtectedClient(tg, breaker, logger)

	// Dispatch policy and worker pool
	policy := backoff.New(backoff.Config{
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		MaxAttempts: cfg.RetryMaxAttempts,
	}, nil)

	sendLimiter := rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendRate)

	pool := worker.New(repo, client, policy, sendLimiter, worker.Config{
		Workers:      cfg.WorkerCount,
		PollInterval: cfg.WorkerPollInterval,
		BatchSize:    cfg.WorkerBatchSize,
		SendTimeout:  cfg.SendTimeout,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		pool.Start(workerCtx)
	}()

	logger.Info("dispatch workers started",
		zap.Int("workers", cfg.WorkerCount),
		zap.Int("batch_size", cfg.WorkerBatchSize),
	)

	// Channel linking flow
	issuer := link.NewIssuer(repo, cfg.LinkTokenTTL, tg.DeepLink, logger)
	consumer := link.NewConsumer(repo, client, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	handler := api.NewHandler(logger, repo, enqueueCache, issuer, consumer, tg.VerifyWebhookSecret)
	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.UserKeyFunc))

			r.Post("/notifications", handler.EnqueueNotification)
			r.Get("/notifications", handler.ListNotifications)
			r.Get("/notifications/{id}", handler.GetNotification)
			r.Get("/outbox/stats", handler.OutboxStats)

			r.Post("/channel/link-token", handler.CreateLinkToken)
			r.Delete("/channel/link", handler.Unlink)
		})

		// The webhook is called by Telegram, not by our users: it gets the
		// secret-token check instead of the user rate limit.
		r.Post("/channel/webhook", handler.ChannelWebhook)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		// Stop the workers and wait for in-flight batches to resolve.
		workerCancel()
		select {
		case <-workerDone:
		case <-time.After(30 * time.Second):
			logger.Warn("workers did not stop in time")
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
