package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/streamstack/internal/admission"
	"github.com/felipepmaragno/streamstack/internal/api"
	"github.com/felipepmaragno/streamstack/internal/circuitbreaker"
	"github.com/felipepmaragno/streamstack/internal/config"
	"github.com/felipepmaragno/streamstack/internal/cost"
	"github.com/felipepmaragno/streamstack/internal/dispatch"
	"github.com/felipepmaragno/streamstack/internal/domain"
	"github.com/felipepmaragno/streamstack/internal/events"
	"github.com/felipepmaragno/streamstack/internal/metrics"
	"github.com/felipepmaragno/streamstack/internal/notifications"
	"github.com/felipepmaragno/streamstack/internal/provider/anthropic"
	"github.com/felipepmaragno/streamstack/internal/provider/bedrock"
	"github.com/felipepmaragno/streamstack/internal/provider/gemini"
	"github.com/felipepmaragno/streamstack/internal/provider/ollama"
	"github.com/felipepmaragno/streamstack/internal/provider/openai"
	"github.com/felipepmaragno/streamstack/internal/queue"
	"github.com/felipepmaragno/streamstack/internal/ratelimit"
	"github.com/felipepmaragno/streamstack/internal/registry"
	"github.com/felipepmaragno/streamstack/internal/repository"
	"github.com/felipepmaragno/streamstack/internal/secrets"
	"github.com/felipepmaragno/streamstack/internal/stream"
	"github.com/felipepmaragno/streamstack/internal/telemetry"
)

const (
	eventBuffer = 1024
	// usageWriteTimeout bounds one ledger insert.
	usageWriteTimeout = 2 * time.Second
	alertTimeout      = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting StreamStack",
		"addr", cfg.Addr,
		"version", telemetry.Version,
		"instance", cfg.InstanceID,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := telemetry.Init(ctx, "streamstack", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}
	metrics.InitInstanceMetrics(cfg.InstanceID, cfg.PodNamespace, telemetry.Version)

	loadProviderSecrets(ctx, cfg)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err = redisClient.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to redis")
	}

	rlConfig, err := cfg.RateLimit()
	if err != nil {
		slog.Error("invalid rate limit config", "error", err)
		os.Exit(1)
	}

	var rateLimiter ratelimit.RateLimiter
	if redisClient != nil {
		rateLimiter = ratelimit.NewRedisRateLimiterWithClient(redisClient, rlConfig)
		slog.Info("using redis rate limiter", "policy", rlConfig.Policy, "failure_policy", rlConfig.FailurePolicy)
	} else {
		rateLimiter, err = ratelimit.NewInMemoryRateLimiter(rlConfig)
		if err != nil {
			slog.Error("failed to create rate limiter", "error", err)
			os.Exit(1)
		}
		slog.Info("using in-memory rate limiter", "policy", rlConfig.Policy)
	}

	var alerts notifications.Notifier
	if cfg.AlertsTopicARN != "" {
		sns, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.AlertsTopicARN)
		if err != nil {
			slog.Warn("alerts disabled, failed to create SNS notifier", "error", err)
		} else {
			alerts = sns
			slog.Info("alerts enabled", "topic", cfg.AlertsTopicARN)
		}
	}

	breakerOpts := []circuitbreaker.ManagerOption{
		circuitbreaker.WithStateChange(breakerStateChange(alerts)),
	}
	if cfg.UseDistributedCircuitBreaker && redisClient != nil {
		breakerOpts = append(breakerOpts, circuitbreaker.WithRedisClient(redisClient))
		slog.Info("using distributed circuit breaker")
	}
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), breakerOpts...)

	providerRegistry := registry.New(
		registry.WithBreakers(breakers),
		registry.WithDefault(cfg.DefaultProvider),
	)
	registerProviders(ctx, cfg, providerRegistry)
	if len(providerRegistry.List()) == 0 {
		slog.Error("no providers configured")
		os.Exit(1)
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = repository.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to postgres")
	}

	observers, exporters := buildObservers(ctx, cfg, db, alerts)

	var controller *admission.Controller
	expired := queue.WithExpiryHook(func(env *domain.Envelope) {
		controller.Finished(env)
	})

	var (
		store   queue.Store
		sweeper queue.Sweeper
	)
	if redisClient != nil {
		rs := queue.NewRedisStoreWithClient(redisClient, cfg.InstanceID, cfg.MaxQueueSize, expired)
		store, sweeper = rs, rs
		slog.Info("using redis queue", "max_size", cfg.MaxQueueSize)
	} else {
		ms := queue.NewInMemoryStore(cfg.MaxQueueSize, expired)
		store, sweeper = ms, ms
		slog.Info("using in-memory queue", "max_size", cfg.MaxQueueSize)
	}

	controller = admission.New(rateLimiter, store, observers, admission.Config{
		RequestTimeout: cfg.RequestTimeout,
		MaxTimeout:     cfg.MaxRequestTimeout,
	})

	dispatcher := dispatch.New(store, providerRegistry, dispatch.Config{
		Workers:    cfg.Workers,
		MaxRetries: cfg.MaxRetries,
		Relay: stream.Config{
			Window:       cfg.ReorderWindow,
			StallTimeout: cfg.StallTimeout,
		},
	},
		dispatch.WithObserver(controller),
		dispatch.WithFinishHook(controller.Finished),
		dispatch.WithTracer(telemetry.Tracer()),
	)

	metrics.RegisterGauges(
		func() int { return store.Size() },
		func() int { return cfg.MaxQueueSize },
		dispatcher.Active,
		controller.Live,
	)
	for name, x := range exporters {
		metrics.RegisterEventsDropped(name, x.Dropped)
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		queue.RunSweeper(sweepCtx, sweeper, cfg.QueueSweepInterval)
	}()

	dispatchCtx, abortDispatch := context.WithCancel(ctx)
	defer abortDispatch()
	dispatchDone := make(chan error, 1)
	go func() {
		dispatchDone <- dispatcher.Run(dispatchCtx)
	}()

	var checkers []api.HealthChecker
	if redisClient != nil {
		checkers = append(checkers, api.RedisChecker(redisClient))
	}
	if db != nil {
		checkers = append(checkers, api.PostgresChecker(db))
	}

	handler := api.NewHandler(api.HandlerConfig{
		Controller:  controller,
		Registry:    providerRegistry,
		Queue:       store,
		InFlight:    dispatcher.Active,
		Dispatching: dispatcher.Running,
		Checkers:    checkers,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.MaxRequestTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	// Stop admitting first, then let queued and in-flight requests drain.
	controller.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	drainCtx, drainCancel := context.WithTimeout(shutdownCtx, cfg.DrainTimeout)
	if err := dispatcher.Shutdown(drainCtx); err != nil {
		slog.Warn("drain timeout reached", "error", err)
		abortDispatch()
	}
	drainCancel()
	<-dispatchDone

	// Whatever the workers did not reach still gets a terminal outcome.
	if n := controller.CancelAll(shutdownCtx); n > 0 {
		slog.Warn("cancelled requests left after drain", "cancelled", n)
	}
	stopSweeper()
	<-sweeperDone

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	for name, x := range exporters {
		if err := x.Close(shutdownCtx); err != nil {
			slog.Warn("event exporter did not flush", "exporter", name, "error", err)
		}
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		slog.Warn("tracer shutdown failed", "error", err)
	}
	if db != nil {
		db.Close()
	}
	if redisClient != nil {
		redisClient.Close()
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

// loadProviderSecrets fills provider keys missing from the environment from
// AWS Secrets Manager.
func loadProviderSecrets(ctx context.Context, cfg *config.Config) {
	if cfg.ProviderSecretName == "" {
		return
	}
	store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
	if err != nil {
		slog.Warn("failed to create secrets manager client", "error", err)
		return
	}
	stored, err := secrets.LoadProviderKeys(ctx, store, cfg.ProviderSecretName)
	if err != nil {
		slog.Warn("failed to load provider keys", "secret", cfg.ProviderSecretName, "error", err)
		return
	}

	keys := secrets.ProviderKeys{
		OpenAI:    cfg.OpenAIAPIKey,
		Anthropic: cfg.AnthropicAPIKey,
		Gemini:    cfg.GeminiAPIKey,
		VLLM:      cfg.VLLMAPIKey,
	}.Merge(stored)
	cfg.OpenAIAPIKey = keys.OpenAI
	cfg.AnthropicAPIKey = keys.Anthropic
	cfg.GeminiAPIKey = keys.Gemini
	cfg.VLLMAPIKey = keys.VLLM
	slog.Info("loaded provider keys", "secret", cfg.ProviderSecretName)
}

func registerProviders(ctx context.Context, cfg *config.Config, r *registry.Registry) {
	register := func(name string, p registry.Provider, attrs ...any) {
		if err := r.Register(name, p, cfg.RegisterOptions(name)...); err != nil {
			slog.Error("failed to register provider", "provider", name, "error", err)
			return
		}
		slog.Info("registered provider", append([]any{"provider", name}, attrs...)...)
	}

	if cfg.OpenAIAPIKey != "" {
		register("openai", openai.New("openai", cfg.OpenAIAPIKey, cfg.OpenAIBaseURL))
	}

	if cfg.AnthropicAPIKey != "" {
		register("anthropic", anthropic.New(cfg.AnthropicAPIKey))
	}

	if cfg.OllamaBaseURL != "" {
		register("ollama", ollama.New(cfg.OllamaBaseURL), "url", cfg.OllamaBaseURL)
	}

	if cfg.VLLMBaseURL != "" {
		register("vllm", openai.New("vllm", cfg.VLLMAPIKey, cfg.VLLMBaseURL), "url", cfg.VLLMBaseURL)
	}

	if cfg.GeminiAPIKey != "" {
		p, err := gemini.New(ctx, cfg.GeminiAPIKey)
		if err != nil {
			slog.Warn("failed to create gemini client", "error", err)
		} else {
			register("gemini", p)
		}
	}

	if cfg.BedrockEnabled {
		p, err := bedrock.New(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Warn("failed to create bedrock client", "error", err)
		} else {
			register("bedrock", p, "region", cfg.AWSRegion)
		}
	}
}

func breakerStateChange(alerts notifications.Notifier) circuitbreaker.StateChangeFunc {
	var notify circuitbreaker.StateChangeFunc
	if alerts != nil {
		notify = notifications.BreakerAlerts(alerts, 5*time.Second)
	}
	return func(provider string, from, to circuitbreaker.State) {
		slog.Warn("circuit breaker state changed",
			"provider", provider,
			"from", from.String(),
			"to", to.String(),
		)
		metrics.SetCircuitBreakerState(provider, int(to))
		if notify != nil {
			notify(provider, from, to)
		}
	}
}

// buildObservers fans lifecycle events out to logs, metrics and the optional
// asynchronous exporters. The exporters are returned so they can be flushed.
func buildObservers(ctx context.Context, cfg *config.Config, db *sql.DB, alerts notifications.Notifier) (events.Observer, map[string]*events.Async) {
	observers := events.Multi{events.LogObserver{}, metrics.Observer{}}
	exporters := make(map[string]*events.Async)

	if cfg.EventsQueueURL != "" {
		sqsExporter, err := events.NewSQSExporter(ctx, cfg.AWSRegion, cfg.EventsQueueURL)
		if err != nil {
			slog.Warn("event export disabled, failed to create SQS client", "error", err)
		} else {
			exporters["sqs"] = events.NewAsync("sqs", sqsExporter, eventBuffer, events.WithFilter(events.TerminalOnly))
			slog.Info("exporting lifecycle events", "queue", cfg.EventsQueueURL)
		}
	}

	if db != nil {
		usage := repository.NewPostgresUsageRepository(db)
		if err := usage.Migrate(ctx); err != nil {
			slog.Warn("usage recording disabled, migration failed", "error", err)
		} else {
			sink := repository.Sink{Repo: usage, Pricing: cost.NewCalculator(cfg.Providers.Pricing)}
			exporters["usage"] = events.NewAsync("usage", sink, eventBuffer,
				events.WithFilter(repository.Billable),
				events.WithSendTimeout(usageWriteTimeout),
			)
		}
	}

	if alerts != nil {
		exporters["alerts"] = events.NewAsync("alerts", notifications.EventSink{Notifier: alerts}, 64,
			events.WithFilter(notifications.Alertable),
			events.WithSendTimeout(alertTimeout),
		)
	}

	for _, x := range exporters {
		observers = append(observers, x)
	}
	return observers, exporters
}
