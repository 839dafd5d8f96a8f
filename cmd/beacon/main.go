package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/api"
	"github.com/lalithlochan/beacon/internal/circuitbreaker"
	"github.com/lalithlochan/beacon/internal/config"
	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/events"
	"github.com/lalithlochan/beacon/internal/intake"
	"github.com/lalithlochan/beacon/internal/metrics"
	"github.com/lalithlochan/beacon/internal/observ"
	"github.com/lalithlochan/beacon/internal/preference"
	"github.com/lalithlochan/beacon/internal/provider"
	"github.com/lalithlochan/beacon/internal/queue"
	"github.com/lalithlochan/beacon/internal/redis"
	"github.com/lalithlochan/beacon/internal/schedule"
	"github.com/lalithlochan/beacon/internal/sns"
	"github.com/lalithlochan/beacon/internal/sqs"
	"github.com/lalithlochan/beacon/internal/template"
	"github.com/lalithlochan/beacon/internal/webhook"
	"github.com/lalithlochan/beacon/internal/worker"
)

// store is everything the process persists, in Postgres or in memory.
type store interface {
	preference.Store
	schedule.Store
	webhook.Store
	worker.DeliveryStore
	events.DeadLetterStore
	api.DeliveryStore
	api.DeadLetterArchive
	Health(ctx context.Context) error
}

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

	logger.Info("starting beacon",
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.Store),
		zap.String("email_provider", cfg.EmailProvider),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	health := map[string]api.HealthCheck{}

	var st store
	var database *db.DB
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("using in-memory store, state is lost on restart")
		st = db.NewMemoryStore()
	default:
		database, err = db.New(ctx, db.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			Database: cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
			MaxConns: cfg.DBMaxConns,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()

		if err := database.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		st = db.NewRepository(database, logger)
	}
	health["store"] = st.Health

	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()
	health["redis"] = redisClient.Ping

	idempotency := redis.NewIdempotencyService(redisClient, logger)
	limiter := redis.NewRateLimiter(redisClient, logger)
	gate := preference.NewGate(st, logger)

	q := queue.New(redisClient.Redis(), queue.Config{
		LockTimeout:   cfg.QueueLockTimeout,
		MaxStalled:    cfg.QueueMaxStalled,
		KeepCompleted: cfg.QueueKeepCompleted,
		KeepDead:      cfg.QueueKeepDead,
	}, logger)
	in := intake.New(q, gate, logger)

	var resolver *template.Resolver
	if cfg.TemplatesPath != "" {
		resolver, err = template.NewResolverWithOverrides(logger, cfg.TemplatesPath)
	} else {
		resolver, err = template.NewResolver(logger)
	}
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}

	hub := events.NewHub(logger, cfg.EventBuffer)
	hub.Subscribe(events.MetricsSink{})
	hub.Subscribe(events.NewLogSink(logger))
	hub.Subscribe(events.NewDeadLetterArchiver(st, logger))
	if cfg.AMQPURL != "" {
		publisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			logger.Warn("amqp unavailable, outcomes will not be published", zap.Error(err))
		} else {
			hub.Subscribe(publisher)
			defer publisher.Close()
		}
	}

	email, err := newEmailProvider(ctx, cfg, idempotency, logger)
	if err != nil {
		return err
	}

	senders := []worker.Sender{
		worker.NewEmailSender(email),
		worker.NewInAppSender(redis.NewInAppPublisher(redisClient, logger), logger),
	}
	push, err := sns.NewPublisher(ctx, sns.Config{Region: cfg.SNSRegion, Endpoint: cfg.SNSEndpoint}, logger)
	if err != nil {
		logger.Warn("SNS publisher unavailable, push notifications disabled", zap.Error(err))
	} else {
		senders = append(senders, worker.NewPushSender(push, logger))
	}

	deps := api.Dependencies{
		Intake:      in,
		Idempotency: idempotency,
		Queue:       q,
		Preferences: gate,
		Deliveries:  st,
		DeadLetters: st,
		Webhooks:    webhook.New(st, cfg.EmailWebhookSecret, logger),
		Health:      health,
	}

	if cfg.SQSQueueURL != "" {
		sqsCfg := sqs.Config{Region: cfg.SQSRegion, QueueURL: cfg.SQSQueueURL, Endpoint: cfg.SQSEndpoint}
		producer, err := sqs.NewProducer(ctx, sqsCfg, logger)
		if err != nil {
			return fmt.Errorf("failed to create sqs producer: %w", err)
		}
		deps.Producer = producer
	}

	scheduler := schedule.New(st, in, schedule.Config{
		TickInterval: cfg.SchedulerInterval,
		BatchSize:    cfg.SchedulerBatchSize,
	}, logger)
	deps.Schedules = scheduler

	// Workers stop on ctx; the hub outlives them so their last outcomes
	// are still delivered.
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		hub.Run(hubCtx)
		close(hubDone)
	}()
	defer func() {
		stopHub()
		<-hubDone
	}()

	var wg sync.WaitGroup
	goRun := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			logger.Info("component stopped", zap.String("component", name))
		}()
	}

	if cfg.DispatcherEnabled {
		dispatcher := worker.New(worker.Dependencies{
			Queue:    q,
			Gate:     gate,
			Limiter:  limiter,
			Renderer: resolver,
			Sender:   worker.NewMultiSender(logger, senders...),
			Store:    st,
			Outcomes: hub,
		}, worker.Config{
			Concurrency:        cfg.DispatcherConcurrency,
			PollInterval:       cfg.DispatcherPollInterval,
			StallCheckInterval: cfg.QueueStallCheckInterval,
			ProviderTimeout:    cfg.DispatcherProviderTimeout,
		}, logger)
		goRun("dispatcher", dispatcher.Start)
	}
	if cfg.SchedulerEnabled {
		goRun("scheduler", scheduler.Run)
	}
	if cfg.SQSConsumerEnabled {
		consumer, err := sqs.NewConsumer(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
			Endpoint: cfg.SQSEndpoint,
		}, in, sqs.ConsumerConfig{}, logger)
		if err != nil {
			return fmt.Errorf("failed to create sqs consumer: %w", err)
		}
		goRun("sqs_consumer", consumer.Run)
	}
	goRun("pool_stats", func(ctx context.Context) { reportPoolStats(ctx, database, redisClient) })

	router := api.NewRouter(api.NewHandler(deps, logger), api.RouterConfig{
		Limiter:         limiter,
		RateLimit:       cfg.APIRateLimit,
		RateLimitWindow: cfg.APIRateLimitWindow,
		AllowedOrigins:  cfg.CORSAllowedOrigins,
	}, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
		stop()
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}

	wg.Wait()
	logger.Info("beacon stopped")
	return runErr
}

// newEmailProvider builds the configured provider behind a circuit
// breaker. The idempotency reservation sits outside the breaker so that
// duplicate deliveries and Redis errors never count as provider failures.
func newEmailProvider(ctx context.Context, cfg *config.Config, idempotency *redis.IdempotencyService, logger *zap.Logger) (provider.EmailProvider, error) {
	var (
		p   provider.EmailProvider
		err error
	)
	switch cfg.EmailProvider {
	case config.ProviderSES:
		p, err = provider.NewSES(ctx, provider.SESConfig{
			Region:           cfg.AWSRegion,
			FromEmail:        cfg.SESFromEmail,
			ConfigurationSet: cfg.SESConfigurationSet,
		}, logger)
	case config.ProviderPostmark:
		p, err = provider.NewPostmark(provider.PostmarkConfig{
			ServerToken:  cfg.PostmarkServerToken,
			AccountToken: cfg.PostmarkAccountToken,
			FromEmail:    cfg.PostmarkFromEmail,
		}, logger)
	default:
		p = provider.NewLog(logger)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s email provider: %w", cfg.EmailProvider, err)
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:            p.Name(),
		MaxFailures:     cfg.CircuitMaxFailures,
		RecoveryTimeout: cfg.CircuitRecoveryTimeout,
		OnStateChange: func(name string, to circuitbreaker.State) {
			metrics.SetCircuitState(name, int(to))
		},
	}, logger)

	logger.Info("email provider ready", zap.String("provider", p.Name()))
	return provider.NewIdempotent(circuitbreaker.NewProtectedProvider(p, breaker, logger), idempotency, logger), nil
}

// reportPoolStats refreshes the connection gauges until ctx is done.
func reportPoolStats(ctx context.Context, database *db.DB, redisClient *redis.Client) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		if database != nil {
			metrics.SetDBConnections(int(database.Pool().Stat().AcquiredConns()))
		}
		stats := redisClient.Redis().PoolStats()
		metrics.SetRedisConnections(int(stats.TotalConns - stats.IdleConns))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
