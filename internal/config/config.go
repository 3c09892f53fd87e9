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

	// Telegram channel
	TelegramBotToken      string
	TelegramBotUsername   string
	TelegramWebhookSecret string

	// Dispatch workers
	WorkerCount        int
	WorkerBatchSize    int
	WorkerPollInterval time.Duration
	SendTimeout        time.Duration
	SendRate           int // outbound messages per second, shared by all workers

	// Retry policy
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMaxAttempts int

	// Channel linking
	LinkTokenTTL time.Duration
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
		DBUser:     "herald",
		DBPassword: "",
		DBName:     "herald",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		WorkerCount:        2,
		WorkerBatchSize:    25,
		WorkerPollInterval: 5 * time.Second,
		SendTimeout:        10 * time.Second,
		SendRate:           25,

		RetryBaseDelay:   30 * time.Second,
		RetryMaxDelay:    15 * time.Minute,
		RetryMaxAttempts: 5,

		LinkTokenTTL: 10 * time.Minute,
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

	// Telegram config. The token is required at startup; the webhook secret
	// is strongly recommended but optional for local development.
	cfg.TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.TelegramBotUsername = os.Getenv("TELEGRAM_BOT_USERNAME")
	cfg.TelegramWebhookSecret = os.Getenv("TELEGRAM_WEBHOOK_SECRET")

	// Worker config
	if count := os.Getenv("WORKER_COUNT"); count != "" {
		n, err := strconv.Atoi(count)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid WORKER_COUNT: %q", count)
		}
		cfg.WorkerCount = n
	}

	if size := os.Getenv("WORKER_BATCH_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid WORKER_BATCH_SIZE: %q", size)
		}
		cfg.WorkerBatchSize = n
	}

	if interval := os.Getenv("WORKER_POLL_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid WORKER_POLL_INTERVAL: %q", interval)
		}
		cfg.WorkerPollInterval = d
	}

	if timeout := os.Getenv("SEND_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid SEND_TIMEOUT: %q", timeout)
		}
		cfg.SendTimeout = d
	}

	if rate := os.Getenv("SEND_RATE"); rate != "" {
		n, err := strconv.Atoi(rate)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid SEND_RATE: %q", rate)
		}
		cfg.SendRate = n
	}

	// Retry config
	if base := os.Getenv("RETRY_BASE_DELAY"); base != "" {
		d, err := time.ParseDuration(base)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid RETRY_BASE_DELAY: %q", base)
		}
		cfg.RetryBaseDelay = d
	}

	if max := os.Getenv("RETRY_MAX_DELAY"); max != "" {
		d, err := time.ParseDuration(max)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid RETRY_MAX_DELAY: %q", max)
		}
		cfg.RetryMaxDelay = d
	}

	if attempts := os.Getenv("RETRY_MAX_ATTEMPTS"); attempts != "" {
		n, err := strconv.Atoi(attempts)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid RETRY_MAX_ATTEMPTS: %q", attempts)
		}
		cfg.RetryMaxAttempts = n
	}

	if ttl := os.Getenv("LINK_TOKEN_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid LINK_TOKEN_TTL: %q", ttl)
		}
		cfg.LinkTokenTTL = d
	}

	return cfg, nil
}
