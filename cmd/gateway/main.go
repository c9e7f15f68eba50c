package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/api"
	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/audit"
	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/channel"
	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/circuitbreaker"
	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/config"
	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/db"
	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/metrics"
	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/observ"
	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/quota"
	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/reconciler"
	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/redis"
	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/template"
	"github.com/rodrigiego-coder/beauty-manager-sub001/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting notification gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)
	ledger := quota.New(database.Pool(), cfg.QuotaIncludedUnits, logger)

	// Redis for idempotency and webhook rate limiting. The gateway keeps
	// serving without it, just with those protections disabled.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var idempotencyService *redis.IdempotencyService
	var webhookLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		webhookLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  300,
			Window: 1 * time.Minute,
		})
		defer redisClient.Close()
	}

	// Delivery audit sink: SQS when configured, structured log otherwise.
	var sink audit.Sink = audit.NewLogSink(logger)
	if cfg.AuditQueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			logger.Warn("aws config unavailable, audit events go to the log", zap.Error(err))
		} else {
			sink = audit.NewSQSSink(sqs.NewFromConfig(awsCfg), cfg.AuditQueueURL, logger)
		}
	}

	// Message backends. WhatsApp is wrapped in a circuit breaker because
	// the third-party gateway is the flakiest dependency in the stack.
	whatsapp := channel.NewWhatsAppGateway(channel.WhatsAppConfig{
		BaseURL: cfg.WhatsAppGatewayURL,
		APIKey:  cfg.WhatsAppAPIKey,
	}, logger)
	protectedWhatsApp := circuitbreaker.NewProtectedBackend(
		whatsapp,
		circuitbreaker.New(circuitbreaker.DefaultConfig(channel.BackendWhatsApp), logger),
		logger,
	)

	smsBackend, err := channel.NewSNSBackend(ctx, channel.SNSConfig{Region: cfg.SNSRegion}, logger)
	if err != nil {
		return fmt.Errorf("failed to create SMS backend: %w", err)
	}

	backends := []channel.Backend{protectedWhatsApp, smsBackend}
	emailBackend, err := channel.NewSESBackend(ctx, channel.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		logger.Warn("SES backend unavailable, email channel disabled", zap.Error(err))
	} else {
		backends = append(backends, emailBackend)
	}

	router := channel.NewRouter(
		channel.StaticResolver{Default: cfg.ChannelDefault},
		smsBackend,
		logger,
		backends...,
	)

	renderer := template.NewRenderer()

	w := worker.New(repo, ledger, renderer, router, sink, worker.Config{
		PollInterval:    cfg.WorkerPollInterval,
		BatchSize:       cfg.WorkerBatchSize,
		MaxAttempts:     cfg.MaxAttempts,
		SendTimeout:     cfg.SendTimeout,
		QuotaRetryDelay: time.Duration(cfg.QuotaRetryMinutes) * time.Minute,
		StaleAfter:      cfg.StaleAfter,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go w.Start(workerCtx)

	recon := reconciler.New(repo, logger)

	// Router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

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

	handler := api.NewHandler(logger, repo, ledger, recon, idempotencyService)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/notifications", handler.CreateNotification)
		r.Get("/notifications", handler.ListNotifications)
		r.Get("/notifications/{id}", handler.GetNotification)
		r.Post("/notifications/{id}/cancel", handler.CancelNotification)
		r.Post("/appointments/{id}/cancel-notifications", handler.CancelAppointmentNotifications)

		r.Get("/quota/{tenantID}", handler.GetQuota)
		r.Post("/quota/{tenantID}/grant", handler.GrantQuota)

		r.Group(func(r chi.Router) {
			r.Use(api.RateLimitMiddleware(webhookLimiter, logger, api.WebhookKeyFunc))
			r.Post("/webhooks/delivery", handler.DeliveryWebhook)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		workerCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
