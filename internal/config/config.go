package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without Redis, Kafka or Postgres.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr       string
	RedisPassword   string
	RedisGridPrefix string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	GridCellSizeDeg  float64
	IndexTimeout     time.Duration
	StoreTimeout     time.Duration
	BroadcastTimeout time.Duration
	SweepInterval    time.Duration

	PushEndpoint    string
	PushKey         string
	PushConcurrency int

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		RedisGridPrefix:  "grid:",
		KafkaTopic:       "user-locations",
		GridCellSizeDeg:  0.01,
		IndexTimeout:     300 * time.Millisecond,
		StoreTimeout:     2 * time.Second,
		BroadcastTimeout: 10 * time.Second,
		SweepInterval:    time.Minute,
		PushConcurrency:  16,
		LogLevel:         "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGridPrefix, "REDIS_GRID_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setFloatFromEnv(&cfg.GridCellSizeDeg, "GRID_CELL_SIZE_DEG", &errs)
	setDurationFromEnv(&cfg.IndexTimeout, "INDEX_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.StoreTimeout, "STORE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.BroadcastTimeout, "BROADCAST_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)

	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")
	setIntFromEnv(&cfg.PushConcurrency, "PUSH_CONCURRENCY", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.GridCellSizeDeg <= 0 {
		errs = append(errs, fmt.Errorf("GRID_CELL_SIZE_DEG must be > 0"))
	}
	if cfg.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be > 0"))
	}
	if cfg.PushConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("PUSH_CONCURRENCY must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig drives cmd/consumer, which replays location reports from
// Kafka into the Redis grid.
type ConsumerConfig struct {
	MetricsAddr string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr       string
	RedisPassword   string
	RedisGridPrefix string
	GridCellSizeDeg float64
	IndexTimeout    time.Duration

	RetryAttempts int
	RetryDelay    time.Duration

	LogLevel string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:     ":2112",
		KafkaBrokers:    []string{"localhost:9092"},
		KafkaTopic:      "user-locations",
		KafkaGroup:      "help-matching-grid",
		RedisAddr:       "localhost:6379",
		RedisGridPrefix: "grid:",
		GridCellSizeDeg: 0.01,
		IndexTimeout:    time.Second,
		RetryAttempts:   3,
		RetryDelay:      200 * time.Millisecond,
		LogLevel:        "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGridPrefix, "REDIS_GRID_PREFIX")
	setFloatFromEnv(&cfg.GridCellSizeDeg, "GRID_CELL_SIZE_DEG", &errs)
	setDurationFromEnv(&cfg.IndexTimeout, "INDEX_TIMEOUT", &errs)
	setIntFromEnv(&cfg.RetryAttempts, "CONSUMER_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "CONSUMER_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.GridCellSizeDeg <= 0 {
		errs = append(errs, fmt.Errorf("GRID_CELL_SIZE_DEG must be > 0"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_RETRY_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
