package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/quillforge/modelmux/internal/api"
	"github.com/quillforge/modelmux/internal/auth"
	"github.com/quillforge/modelmux/internal/cache"
	"github.com/quillforge/modelmux/internal/circuitbreaker"
	"github.com/quillforge/modelmux/internal/config"
	"github.com/quillforge/modelmux/internal/cost"
	"github.com/quillforge/modelmux/internal/intake"
	"github.com/quillforge/modelmux/internal/ledger"
	"github.com/quillforge/modelmux/internal/metrics"
	"github.com/quillforge/modelmux/internal/notifications"
	"github.com/quillforge/modelmux/internal/orchestrator"
	"github.com/quillforge/modelmux/internal/provider/anthropic"
	"github.com/quillforge/modelmux/internal/provider/bedrock"
	"github.com/quillforge/modelmux/internal/provider/google"
	"github.com/quillforge/modelmux/internal/provider/local"
	"github.com/quillforge/modelmux/internal/provider/openai"
	"github.com/quillforge/modelmux/internal/queue"
	"github.com/quillforge/modelmux/internal/ratelimit"
	"github.com/quillforge/modelmux/internal/repository"
	"github.com/quillforge/modelmux/internal/router"
	"github.com/quillforge/modelmux/internal/secrets"
	"github.com/quillforge/modelmux/internal/telemetry"
	"github.com/quillforge/modelmux/internal/usage"
)

func main() {
	// .env is optional; real deployments configure through the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting modelmux", "addr", cfg.Addr, "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, "modelmux", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	if hasSecretRefs(cfg.Providers) {
		if cfg.AWSRegion == "" {
			slog.Error("provider api key secrets require AWS_REGION")
			os.Exit(1)
		}
		manager, err := secrets.NewManager(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to create secrets manager", "error", err)
			os.Exit(1)
		}
		if err := secrets.ResolveAPIKeys(ctx, manager, cfg.Providers); err != nil {
			slog.Error("failed to resolve provider api keys", "error", err)
			os.Exit(1)
		}
		slog.Info("resolved provider api keys from secrets manager")
	}

	// One Redis client backs the cache, the rate limiter, the spend ledger
	// and alert deduplication.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to redis")
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = repository.Open(cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		if err := repository.Migrate(ctx, db); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to postgres")
	}

	var notifier notifications.Notifier
	if cfg.SNSTopicARN != "" {
		if cfg.AWSRegion == "" {
			slog.Error("SNS_TOPIC_ARN requires AWS_REGION")
			os.Exit(1)
		}
		notifier, err = notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			slog.Error("failed to create sns notifier", "error", err)
			os.Exit(1)
		}
		slog.Info("publishing notifications to sns", "topic", cfg.SNSTopicARN)
	}

	var alertHandler ledger.AlertHandler = &ledger.LogAlertHandler{}
	if notifier != nil {
		alertHandler = notifications.NewBudgetAlertHandler(notifier, slog.Default())
	}
	var dedup ledger.Deduplicator
	if redisClient != nil {
		dedup = ledger.NewRedisDeduplicator(redisClient, slog.Default())
	}
	monitor := ledger.NewMonitor(cfg.AlertThresholds, alertHandler, dedup, slog.Default())

	limits := make(map[string]ledger.Limits, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		limits[pc.Name] = ledger.Limits{
			DailyCents:   pc.DailyBudgetCents,
			MonthlyCents: pc.MonthlyBudgetCents,
		}
	}

	var (
		led       ledger.Ledger
		memLedger *ledger.MemoryLedger
	)
	if redisClient != nil {
		led = ledger.NewRedisLedgerWithClient(redisClient, limits, monitor)
		slog.Info("using redis spend ledger")
	} else {
		memLedger = ledger.NewMemoryLedger(limits, monitor)
		led = memLedger
		slog.Info("using in-memory spend ledger")
	}

	breakers := circuitbreaker.NewRegistry(cfg.Breaker,
		circuitbreaker.WithStateChange(breakerStateHook(notifier)))

	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedisLimiterWithClient(redisClient, cfg.RateLimit)
		slog.Info("using redis rate limiter")
	} else {
		limiter = ratelimit.NewTokenBucketLimiter(cfg.RateLimit)
		slog.Info("using in-memory rate limiter")
	}

	var (
		responseCache cache.Cache
		memCache      *cache.ShardedCache
	)
	if redisClient != nil {
		responseCache = cache.NewRedisCacheWithClient(redisClient, cfg.Cache.TTL)
		slog.Info("using redis response cache", "ttl", cfg.Cache.TTL)
	} else {
		memCache = cache.NewShardedCache(cfg.Cache)
		responseCache = memCache
		slog.Info("using in-memory response cache", "ttl", cfg.Cache.TTL, "max_bytes", cfg.Cache.MaxBytes)
	}

	var store usage.Store
	if db != nil {
		store = usage.NewPostgresStore(db)
		slog.Info("persisting usage records to postgres")
	} else {
		store = usage.NewMemoryStore(0)
		slog.Info("keeping usage records in memory")
	}
	recorder := usage.NewAsyncRecorder(store, cfg.UsageBuffer, slog.Default())

	providers := make(map[string]router.Provider)
	descs := make([]router.Descriptor, 0, len(cfg.Providers))
	var googleProvider *google.Provider

	for _, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		var p router.Provider
		switch pc.Name {
		case "openai":
			if pc.APIKey == "" {
				slog.Warn("openai enabled without api key, skipping")
				continue
			}
			p = openai.New(pc.APIKey, pc.BaseURL)
		case "anthropic":
			if pc.APIKey == "" {
				slog.Warn("anthropic enabled without api key, skipping")
				continue
			}
			p = anthropic.New(pc.APIKey, pc.BaseURL)
		case "google":
			if pc.APIKey == "" {
				slog.Warn("google enabled without api key, skipping")
				continue
			}
			googleProvider, err = google.New(ctx, pc.APIKey)
			if err != nil {
				slog.Error("failed to create google provider", "error", err)
				os.Exit(1)
			}
			p = googleProvider
		case "bedrock":
			if cfg.AWSRegion == "" {
				slog.Warn("bedrock enabled without AWS_REGION, skipping")
				continue
			}
			bp, err := bedrock.New(ctx, cfg.AWSRegion)
			if err != nil {
				slog.Error("failed to create bedrock provider", "error", err)
				os.Exit(1)
			}
			p = bp
		case "local":
			p = local.New(pc.BaseURL)
		}

		providers[pc.Name] = p
		descs = append(descs, router.Descriptor{
			Name:   pc.Name,
			Weight: pc.Weight,
			Pricing: cost.Pricing{
				PromptCentsPer1K:     pc.PromptCentsPer1K,
				CompletionCentsPer1K: pc.CompletionCentsPer1K,
			},
			MaxConcurrency: pc.MaxConcurrency,
			Timeout:        pc.Timeout,
		})
		slog.Info("registered provider", "provider", pc.Name, "weight", pc.Weight)
	}

	if len(providers) == 0 {
		slog.Error("no providers configured")
		os.Exit(1)
	}

	rt := router.New(descs, providers, breakers, led)

	orch := orchestrator.New(rt, led, breakers, orchestrator.Config{
		Cache:       responseCache,
		Limiter:     limiter,
		Usage:       recorder,
		Logger:      slog.Default(),
		MaxAttempts: cfg.MaxAttempts,
	})

	if (cfg.SQSJobsQueueURL == "") != (cfg.SQSResultsQueueURL == "") {
		slog.Error("SQS_JOBS_QUEUE_URL and SQS_RESULTS_QUEUE_URL must be set together")
		os.Exit(1)
	}
	var (
		pool       *intake.Pool
		stopIntake context.CancelFunc
	)
	if cfg.SQSJobsQueueURL != "" {
		if cfg.AWSRegion == "" {
			slog.Error("SQS queues require AWS_REGION")
			os.Exit(1)
		}
		q, err := queue.NewSQSQueue(ctx, cfg.AWSRegion, cfg.SQSJobsQueueURL, cfg.SQSResultsQueueURL, slog.Default())
		if err != nil {
			slog.Error("failed to create sqs queue", "error", err)
			os.Exit(1)
		}
		pool = intake.NewPool(q, orch, intake.Config{
			Workers: cfg.IntakeWorkers,
			Logger:  slog.Default(),
		})
		var intakeCtx context.Context
		intakeCtx, stopIntake = context.WithCancel(ctx)
		pool.Start(intakeCtx)
		slog.Info("consuming generation jobs from sqs", "queue", cfg.SQSJobsQueueURL)
	}

	var authMW *auth.RBACMiddleware
	if cfg.AdminAuthEnabled {
		var repo auth.Repository = auth.NewStaticRepository(cfg.AdminUsername, cfg.AdminPasswordHash, auth.RoleAdmin)
		if db != nil {
			if err := repository.EnsureAdminUser(ctx, db, cfg.AdminUsername, cfg.AdminPasswordHash, string(auth.RoleAdmin)); err != nil {
				slog.Error("failed to seed admin user", "error", err)
				os.Exit(1)
			}
			repo = auth.NewPostgresRepository(db)
			slog.Info("admin users backed by postgres")
		}
		authMW = auth.NewRBACMiddleware(auth.NewAuthenticator(repo))
		slog.Info("admin auth enabled", "username", cfg.AdminUsername)
	} else {
		slog.Warn("admin auth disabled, admin endpoints are open")
	}

	var readiness []api.HealthChecker
	if redisClient != nil {
		readiness = append(readiness, api.NewRedisHealthChecker(redisClient))
	}
	if db != nil {
		readiness = append(readiness, api.NewPostgresHealthChecker(db))
	}

	handler := api.NewHandler(api.HandlerConfig{
		Orchestrator: orch,
		Router:       rt,
		Breakers:     breakers,
		Ledger:       led,
		Usage:        store,
		Auth:         authMW,
		Readiness:    readiness,
		Logger:       slog.Default(),
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop pulling jobs, then give in-flight ones a bounded window to
	// finish and publish their results.
	if pool != nil {
		stopIntake()
		drained := make(chan struct{})
		go func() {
			pool.Wait()
			close(drained)
		}()
		select {
		case <-drained:
			slog.Info("intake pool drained")
		case <-time.After(cfg.DrainTimeout):
			slog.Warn("intake pool drain timed out", "timeout", cfg.DrainTimeout)
		}
	}

	// Recorder before the database so buffered usage records flush.
	recorder.Close()
	monitor.Close()
	if memLedger != nil {
		memLedger.Close()
	}
	if memCache != nil {
		memCache.Close()
	}
	if redisClient != nil {
		redisClient.Close()
	}
	if db != nil {
		db.Close()
	}
	if googleProvider != nil {
		googleProvider.Close()
	}
	if err := shutdownTracing(context.Background()); err != nil {
		slog.Error("failed to shut down tracing", "error", err)
	}

	slog.Info("server stopped")
}

func connectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func hasSecretRefs(providers []config.ProviderConfig) bool {
	for _, p := range providers {
		if p.Enabled && p.APIKeySecret != "" {
			return true
		}
	}
	return false
}

// breakerStateHook feeds circuit transitions to metrics and, when a
// notifier is configured, to operator notifications.
func breakerStateHook(notifier notifications.Notifier) func(provider string, from, to circuitbreaker.State) {
	var notify func(provider string, from, to circuitbreaker.State)
	if notifier != nil {
		notify = notifications.BreakerStateNotifier(notifier, slog.Default())
	}
	return func(provider string, from, to circuitbreaker.State) {
		metrics.RecordBreakerTransition(provider, to.String())
		metrics.SetCircuitBreakerState(provider, int(to))
		if notify != nil {
			notify(provider, from, to)
		}
	}
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
