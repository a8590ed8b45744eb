package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/help-matching/internal/config"
	"github.com/example/help-matching/internal/geo"
	"github.com/example/help-matching/internal/ingest"
	"github.com/example/help-matching/internal/logging"
	"github.com/example/help-matching/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total location reports consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total undecodable or out-of-range location reports",
	})
	gridUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_grid_updates_total",
		Help: "Total successful grid upserts",
	})
	gridErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_grid_errors_total",
		Help: "Total grid upserts that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, gridUpdates, gridErrors)
}

// GridUpdater is the part of the grid index the consumer writes to.
type GridUpdater interface {
	UpsertLocation(ctx context.Context, userID string, pos models.Position) error
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("help-matching-consumer", cfg.LogLevel)

	grid := geo.NewRedisGrid(geo.RedisGridConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Prefix:   cfg.RedisGridPrefix,
		CellSize: cfg.GridCellSizeDeg,
		Timeout:  cfg.IndexTimeout,
	})

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := grid.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = grid.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consume(ctx, r, grid, cfg.RetryAttempts, cfg.RetryDelay, logger)
	logger.Info("shutting down consumer")
}

// MessageReader is satisfied by *kafka.Reader.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume replays reports into the grid until ctx ends. Read errors back off
// exponentially; bad messages are counted and skipped.
func consume(ctx context.Context, r MessageReader, grid GridUpdater, attempts int, delay time.Duration, logger *slog.Logger) {
	readBackoff := backoff.NewExponentialBackOff()
	readBackoff.InitialInterval = time.Second
	readBackoff.MaxInterval = 30 * time.Second
	readBackoff.MaxElapsedTime = 0

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := readBackoff.NextBackOff()
			logger.Warn("kafka read error", "error", err, "backoff", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		readBackoff.Reset()
		msgsConsumed.Inc()

		report, err := ingest.DecodeLocationReport(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}

		if err := updateGridWithRetry(ctx, grid, report, attempts, delay); err != nil {
			gridErrors.Inc()
			logger.Warn("grid update failed", "user_id", report.UserID, "error", err)
			continue
		}
		gridUpdates.Inc()
	}
}

// updateGridWithRetry upserts the report, retrying with exponential backoff
// starting at delay for at most attempts tries.
func updateGridWithRetry(ctx context.Context, grid GridUpdater, report models.LocationReport, attempts int, delay time.Duration) error {
	if attempts <= 0 {
		return errors.New("attempts must be > 0")
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = delay
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)

	return backoff.Retry(func() error {
		return grid.UpsertLocation(ctx, report.UserID, report.Position)
	}, policy)
}
