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

	"github.com/example/help-matching/internal/config"
	"github.com/example/help-matching/internal/dispatch"
	"github.com/example/help-matching/internal/geo"
	httpapi "github.com/example/help-matching/internal/http"
	"github.com/example/help-matching/internal/ingest"
	"github.com/example/help-matching/internal/logging"
	"github.com/example/help-matching/internal/matcher"
	"github.com/example/help-matching/internal/nearby"
	"github.com/example/help-matching/internal/requests"
	"github.com/example/help-matching/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("help-matching-api", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var (
		reqStore  storage.RequestStore
		userStore storage.UserStore
		convStore storage.ConversationStore
		db        *sql.DB
	)
	if cfg.PGDSN != "" {
		var err error
		db, err = storage.OpenPostgres(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.RunMigrations {
			if err := storage.CreateTables(ctx, db); err != nil {
				return err
			}
			logger.Info("schema applied")
		}
		reqStore = storage.NewPostgresRequests(db)
		userStore = storage.NewPostgresUsers(db)
		convStore = storage.NewPostgresConversations(db)
	} else {
		logger.Warn("PG_DSN not set, using in-memory stores")
		reqStore = storage.NewMemoryRequests()
		userStore = storage.NewMemoryUsers()
		convStore = storage.NewMemoryConversations()
	}

	var grid geo.GridIndex
	var redisGrid *geo.RedisGrid
	if cfg.RedisAddr != "" {
		redisGrid = geo.NewRedisGrid(geo.RedisGridConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Prefix:   cfg.RedisGridPrefix,
			CellSize: cfg.GridCellSizeDeg,
			Timeout:  cfg.IndexTimeout,
		})
		defer redisGrid.Close()
		grid = redisGrid
	} else {
		grid = geo.NewMemoryGrid(cfg.GridCellSizeDeg)
	}

	var publisher matcher.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
	}

	var push dispatch.PushSender
	if cfg.PushEndpoint != "" {
		push = dispatch.NewPushClient(dispatch.PushClientConfig{
			Endpoint:   cfg.PushEndpoint,
			Key:        cfg.PushKey,
			MaxRetries: 2,
		})
	}

	ws := dispatch.NewWSRegistry()
	broadcaster := dispatch.NewBroadcaster(dispatch.BroadcasterConfig{
		Emitter:     ws,
		Push:        push,
		Users:       userStore,
		Concurrency: cfg.PushConcurrency,
		Logger:      logger,
	})
	manager := requests.NewManager(requests.Config{
		Store:         reqStore,
		Conversations: convStore,
		Notifier:      broadcaster,
		Timeout:       cfg.StoreTimeout,
		NotifyTimeout: cfg.BroadcastTimeout,
		Logger:        logger,
	})
	engine := nearby.NewEngine(nearby.Config{
		Grid:     grid,
		Fallback: userStore,
		Users:    userStore,
		Timeout:  cfg.IndexTimeout,
		Logger:   logger,
	})
	svc := matcher.NewService(matcher.Config{
		Requests:         manager,
		Users:            userStore,
		Grid:             grid,
		Proximity:        engine,
		Broadcaster:      broadcaster,
		Publisher:        publisher,
		IndexTimeout:     cfg.IndexTimeout,
		BroadcastTimeout: cfg.BroadcastTimeout,
		Logger:           logger,
	})

	ready := func(ctx context.Context) error {
		if db != nil {
			if err := db.PingContext(ctx); err != nil {
				return err
			}
		}
		if redisGrid != nil {
			return redisGrid.Ping(ctx)
		}
		return nil
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go requests.NewSweeper(manager, cfg.SweepInterval, logger).Run(sweepCtx)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(httpapi.Options{Service: svc, WS: ws, Ready: ready, Logger: logger}),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("help-matching listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	stopSweep()

	done := make(chan struct{})
	go func() {
		svc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn("pending broadcasts abandoned")
	}
	return nil
}
