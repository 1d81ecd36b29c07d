package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/rmachado/aoai-gateway/internal/api"
	"github.com/rmachado/aoai-gateway/internal/auth"
	"github.com/rmachado/aoai-gateway/internal/broker"
	"github.com/rmachado/aoai-gateway/internal/circuitbreaker"
	"github.com/rmachado/aoai-gateway/internal/config"
	"github.com/rmachado/aoai-gateway/internal/notifications"
	"github.com/rmachado/aoai-gateway/internal/queue"
	"github.com/rmachado/aoai-gateway/internal/quota"
	"github.com/rmachado/aoai-gateway/internal/ratelimit"
	"github.com/rmachado/aoai-gateway/internal/repository"
	"github.com/rmachado/aoai-gateway/internal/rewrite"
	"github.com/rmachado/aoai-gateway/internal/telemetry"
	"github.com/rmachado/aoai-gateway/internal/upstream"
	"github.com/rmachado/aoai-gateway/internal/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting gateway", "addr", cfg.Addr, "upstream", cfg.UpstreamEndpoint, "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, "aoai-gateway", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		slog.Error("failed to build workload credential", "error", err)
		os.Exit(1)
	}
	tokens := broker.New(cred)

	var limiter ratelimit.Limiter
	if cfg.RedisURL != "" {
		limiter, err = ratelimit.NewRedis(cfg.RedisURL, cfg.RateLimitCalls, cfg.RateLimitWindow)
		if err != nil {
			slog.Error("failed to connect to redis for rate limiting", "error", err)
			os.Exit(1)
		}
		slog.Info("using redis rate limiter")
	} else {
		limiter = ratelimit.NewFixedWindow(cfg.RateLimitCalls, cfg.RateLimitWindow)
		slog.Info("using in-memory rate limiter")
	}

	quotaLimits := quota.Limits{
		Calls:  cfg.QuotaCalls,
		Bytes:  cfg.QuotaBytes,
		Window: cfg.QuotaWindow,
	}

	var enforcer quota.Enforcer
	if cfg.RedisURL != "" {
		enforcer, err = quota.NewRedis(cfg.RedisURL, quotaLimits)
		if err != nil {
			slog.Error("failed to connect to redis for quota", "error", err)
			os.Exit(1)
		}
		slog.Info("using redis quota enforcer")
	} else {
		memEnforcer := quota.NewFixedWindow(quotaLimits, quota.DefaultThresholds())
		memEnforcer.OnAlert(quota.LogAlertHandler)

		if cfg.SNSTopicARN != "" && cfg.AWSRegion != "" {
			notifier, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
			if err != nil {
				slog.Error("failed to initialize sns notifier", "error", err)
				os.Exit(1)
			}
			memEnforcer.OnAlert(notifications.QuotaAlertHandler(notifier))
			slog.Info("quota alerts publishing to sns", "topic", cfg.SNSTopicARN)
		}

		enforcer = memEnforcer
		slog.Info("using in-memory quota enforcer")
	}

	var breaker circuitbreaker.CircuitBreaker
	if cfg.UseDistributedCircuitBreaker && cfg.RedisURL != "" {
		breaker, err = circuitbreaker.NewRedis(cfg.RedisURL, circuitbreaker.DefaultConfig())
		if err != nil {
			slog.Error("failed to connect to redis for circuit breaker", "error", err)
			os.Exit(1)
		}
		slog.Info("using redis circuit breaker")
	} else {
		breaker = circuitbreaker.NewInMemory(circuitbreaker.DefaultConfig())
	}

	var sinks []usage.Sink
	var usageStore repository.UsageStore
	var checkers []api.HealthChecker

	if cfg.DatabaseURL != "" {
		store, err := repository.NewPostgresUsageStore(cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer store.Close()

		if err := store.InitSchema(ctx); err != nil {
			slog.Error("failed to initialize schema", "error", err)
			os.Exit(1)
		}

		sinks = append(sinks, store)
		usageStore = store
		checkers = append(checkers, api.NewPostgresHealthChecker(store.DB()))
		slog.Info("usage records persisting to postgres")
	} else {
		store := repository.NewInMemoryUsageStore(1000)
		sinks = append(sinks, store)
		usageStore = store
	}

	if cfg.SQSUsageQueueURL != "" && cfg.AWSRegion != "" {
		publisher, err := queue.NewSQSUsagePublisher(ctx, cfg.AWSRegion, cfg.SQSUsageQueueURL)
		if err != nil {
			slog.Error("failed to initialize sqs publisher", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, publisher)
		slog.Info("usage records publishing to sqs", "queue", cfg.SQSUsageQueueURL)
	}

	if cfg.RedisURL != "" {
		redisChecker, err := api.NewRedisHealthChecker(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to build redis health checker", "error", err)
			os.Exit(1)
		}
		checkers = append(checkers, redisChecker)
	}

	caller := upstream.New(upstream.Config{
		Endpoint: cfg.UpstreamEndpoint,
		Policy: upstream.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			Interval:    cfg.RetryInterval,
			Delta:       cfg.RetryDelta,
			MaxInterval: cfg.RetryMaxInterval,
		},
		AttemptTimeout: cfg.AttemptTimeout,
		Breaker:        breaker,
	})

	handler := api.NewHandler(api.HandlerConfig{
		Clients: auth.NewClientVerifier(cfg.ClientKeys),
		Admin:   auth.NewAdminVerifier(cfg.AdminKeyHash),
		Limiter: limiter,
		Quota:   enforcer,
		Rewriter: rewrite.New(rewrite.Config{
			APIVersion:          cfg.UpstreamAPIVersion,
			ChatDeployment:      cfg.ChatDeployment,
			EmbeddingDeployment: cfg.EmbeddingDeployment,
		}),
		Tokens:     tokens,
		TokenScope: cfg.TokenScope,
		Upstream:   caller,
		Meter:      usage.NewMeter(sinks...),
		UsageStore: usageStore,
		Checkers:   checkers,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 240 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
