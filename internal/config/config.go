package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Email providers
const (
	ProviderSES      = "ses"
	ProviderPostmark = "postmark"
	ProviderLog      = "log"
)

// Store backends
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	Env      string `env:"ENV" envDefault:"development"`

	// Store selects postgres or the in-process memory store (development).
	Store string `env:"STORE" envDefault:"postgres"`

	// Database
	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     int    `env:"DB_PORT" envDefault:"5432"`
	DBUser     string `env:"DB_USER" envDefault:"beacon"`
	DBPassword string `env:"DB_PASSWORD"`
	DBName     string `env:"DB_NAME" envDefault:"beacon"`
	DBSSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
	DBMaxConns int32  `env:"DB_MAX_CONNS" envDefault:"10"`

	// Redis config
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"20"`

	// AWS Services
	AWSRegion           string `env:"AWS_REGION" envDefault:"us-east-1"`
	SESFromEmail        string `env:"SES_FROM_EMAIL"`
	SESConfigurationSet string `env:"SES_CONFIGURATION_SET"`
	SNSRegion           string `env:"SNS_REGION"`
	SNSEndpoint         string `env:"SNS_ENDPOINT"`

	// SQS config. With a queue URL the API publishes requests to SQS
	// instead of enqueueing them, and the consumer feeds them to intake.
	SQSRegion          string `env:"SQS_REGION"`
	SQSQueueURL        string `env:"SQS_QUEUE_URL"`
	SQSEndpoint        string `env:"SQS_ENDPOINT"`
	SQSConsumerEnabled bool   `env:"SQS_CONSUMER_ENABLED" envDefault:"false"`

	// Email provider
	EmailProvider        string `env:"EMAIL_PROVIDER" envDefault:"log"`
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	PostmarkFromEmail    string `env:"POSTMARK_FROM_EMAIL"`
	EmailWebhookSecret   string `env:"EMAIL_WEBHOOK_SECRET"`

	CircuitMaxFailures     int           `env:"CIRCUIT_MAX_FAILURES" envDefault:"5"`
	CircuitRecoveryTimeout time.Duration `env:"CIRCUIT_RECOVERY_TIMEOUT" envDefault:"30s"`

	// Outcome events
	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE" envDefault:"beacon.outcomes"`
	EventBuffer  int    `env:"EVENT_BUFFER" envDefault:"256"`

	// Dispatcher
	DispatcherEnabled         bool          `env:"DISPATCHER_ENABLED" envDefault:"true"`
	DispatcherConcurrency     int           `env:"DISPATCHER_CONCURRENCY" envDefault:"4"`
	DispatcherPollInterval    time.Duration `env:"DISPATCHER_POLL_INTERVAL" envDefault:"1s"`
	DispatcherProviderTimeout time.Duration `env:"DISPATCHER_PROVIDER_TIMEOUT" envDefault:"20s"`

	// Queue
	QueueLockTimeout        time.Duration `env:"QUEUE_LOCK_TIMEOUT" envDefault:"1m"`
	QueueStallCheckInterval time.Duration `env:"QUEUE_STALL_CHECK_INTERVAL" envDefault:"30s"`
	QueueMaxStalled         int           `env:"QUEUE_MAX_STALLED" envDefault:"1"`
	QueueKeepCompleted      int           `env:"QUEUE_KEEP_COMPLETED" envDefault:"1000"`
	QueueKeepDead           int           `env:"QUEUE_KEEP_DEAD" envDefault:"0"`

	// Scheduler
	SchedulerEnabled   bool          `env:"SCHEDULER_ENABLED" envDefault:"true"`
	SchedulerInterval  time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"1m"`
	SchedulerBatchSize int           `env:"SCHEDULER_BATCH_SIZE" envDefault:"100"`

	// TemplatesPath is an optional YAML catalog merged over the built-in one.
	TemplatesPath string `env:"TEMPLATES_PATH"`

	// HTTP
	CORSAllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	APIRateLimit       int           `env:"API_RATE_LIMIT" envDefault:"100"`
	APIRateLimitWindow time.Duration `env:"API_RATE_LIMIT_WINDOW" envDefault:"1m"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.SQSRegion == "" {
		cfg.SQSRegion = cfg.AWSRegion
	}
	if cfg.SNSRegion == "" {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks rules that span several keys.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if c.Port <= 0 || c.Port > 65535 {
		return invalid("PORT %d out of range", c.Port)
	}

	switch c.Store {
	case StorePostgres, StoreMemory:
	default:
		return invalid("STORE must be postgres or memory, got %q", c.Store)
	}

	switch c.EmailProvider {
	case ProviderSES:
		if c.SESFromEmail == "" {
			return invalid("SES_FROM_EMAIL is required for the ses provider")
		}
	case ProviderPostmark:
		if c.PostmarkServerToken == "" || c.PostmarkFromEmail == "" {
			return invalid("POSTMARK_SERVER_TOKEN and POSTMARK_FROM_EMAIL are required for the postmark provider")
		}
	case ProviderLog:
		if c.IsProduction() {
			return invalid("the log email provider cannot be used in production")
		}
	default:
		return invalid("EMAIL_PROVIDER must be ses, postmark or log, got %q", c.EmailProvider)
	}

	if c.IsProduction() && c.EmailWebhookSecret == "" {
		return invalid("EMAIL_WEBHOOK_SECRET is required in production")
	}
	if c.SQSConsumerEnabled && c.SQSQueueURL == "" {
		return invalid("SQS_QUEUE_URL is required when the SQS consumer is enabled")
	}
	if c.DispatcherConcurrency < 1 {
		return invalid("DISPATCHER_CONCURRENCY must be at least 1")
	}
	if c.QueueStallCheckInterval <= 0 {
		return invalid("QUEUE_STALL_CHECK_INTERVAL must be positive")
	}
	if c.APIRateLimit < 1 || c.APIRateLimitWindow <= 0 {
		return invalid("API_RATE_LIMIT and API_RATE_LIMIT_WINDOW must be positive")
	}
	return nil
}
