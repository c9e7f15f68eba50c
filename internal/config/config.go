package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// WhatsApp gateway
	WhatsAppGatewayURL string
	WhatsAppAPIKey     string

	// Channel routing
	ChannelDefault string // backend used when a tenant has no override

	// AWS Services
	AWSRegion     string
	SNSRegion     string // AWS region for SNS (SMS)
	SESFromEmail  string
	AuditQueueURL string // SQS queue for delivery audit events; empty disables

	// Delivery worker
	WorkerPollInterval time.Duration
	WorkerBatchSize    int
	MaxAttempts        int
	SendTimeout        time.Duration
	StaleAfter         time.Duration // SENDING rows older than this are requeued

	// Quota
	QuotaIncludedUnits int
	QuotaRetryMinutes  int // delay before retrying a quota-blocked send
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "postgres",
		DBPassword: "",
		DBName:     "beauty_notify",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		ChannelDefault: "whatsapp",

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@beautymanager.local",

		WorkerPollInterval: time.Minute,
		WorkerBatchSize:    50,
		MaxAttempts:        3,
		SendTimeout:        30 * time.Second,
		StaleAfter:         10 * time.Minute,

		QuotaIncludedUnits: 100,
		QuotaRetryMinutes:  30,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// WhatsApp gateway
	if url := os.Getenv("WHATSAPP_GATEWAY_URL"); url != "" {
		cfg.WhatsAppGatewayURL = url
	}

	if key := os.Getenv("WHATSAPP_API_KEY"); key != "" {
		cfg.WhatsAppAPIKey = key
	}

	if ch := os.Getenv("CHANNEL_DEFAULT"); ch != "" {
		cfg.ChannelDefault = ch
	}

	// AWS config
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	if url := os.Getenv("AUDIT_QUEUE_URL"); url != "" {
		cfg.AuditQueueURL = url
	}

	// Worker config
	if interval := os.Getenv("WORKER_POLL_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_POLL_INTERVAL: %w", err)
		}
		cfg.WorkerPollInterval = d
	}

	if size := os.Getenv("WORKER_BATCH_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_BATCH_SIZE: %w", err)
		}
		cfg.WorkerBatchSize = n
	}

	if attempts := os.Getenv("MAX_ATTEMPTS"); attempts != "" {
		n, err := strconv.Atoi(attempts)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_ATTEMPTS: %w", err)
		}
		cfg.MaxAttempts = n
	}

	if timeout := os.Getenv("SEND_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SEND_TIMEOUT: %w", err)
		}
		cfg.SendTimeout = d
	}

	if stale := os.Getenv("WORKER_STALE_AFTER"); stale != "" {
		d, err := time.ParseDuration(stale)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_STALE_AFTER: %w", err)
		}
		cfg.StaleAfter = d
	}

	// Quota config
	if units := os.Getenv("QUOTA_INCLUDED_UNITS"); units != "" {
		n, err := strconv.Atoi(units)
		if err != nil {
			return nil, fmt.Errorf("invalid QUOTA_INCLUDED_UNITS: %w", err)
		}
		cfg.QuotaIncludedUnits = n
	}

	if minutes := os.Getenv("QUOTA_RETRY_MINUTES"); minutes != "" {
		n, err := strconv.Atoi(minutes)
		if err != nil {
			return nil, fmt.Errorf("invalid QUOTA_RETRY_MINUTES: %w", err)
		}
		cfg.QuotaRetryMinutes = n
	}

	return cfg, nil
}
