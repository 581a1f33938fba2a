package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gamerg21/converter/adapters"
	"github.com/gamerg21/converter/capability"
	"github.com/gamerg21/converter/config"
	"github.com/gamerg21/converter/queue"
	"github.com/gamerg21/converter/services"
	"github.com/gamerg21/converter/webhook"
	"github.com/gamerg21/converter/worker"

	"github.com/redis/go-redis/v9"
)

const shutdownTimeout = 30 * time.Second

// jobStore is everything the process needs from the job store.
type jobStore interface {
	worker.JobStore
	webhook.EndpointRegistry
	webhook.DeliveryRecorder
}

func main() {
	cfg := config.Load()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting conversion service",
		slog.String("store", cfg.StoreDriver),
		slog.String("queue", cfg.QueueDriver),
		slog.String("storage", cfg.StorageDriver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		fatal(logger, "failed to initialize job store", err)
	}
	defer closeStore()

	storage, err := newStorage(ctx, cfg)
	if err != nil {
		fatal(logger, "failed to initialize file storage", err)
	}

	q, mirror, err := newQueue(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "failed to initialize queue", err)
	}
	defer func() {
		if err := q.Close(); err != nil {
			logger.Warn("failed to close queue", slog.String("error", err.Error()))
		}
	}()

	var pdf adapters.PDFConverter
	if cfg.GotenbergURL != "" {
		gotenberg := services.NewGotenbergService(cfg.GotenbergURL)
		if err := gotenberg.Ping(ctx); err != nil {
			logger.Warn("gotenberg is not reachable, office conversions will fail until it is",
				slog.String("url", cfg.GotenbergURL),
				slog.String("error", err.Error()),
			)
		}
		pdf = gotenberg
	}

	dispatcher := adapters.NewDispatcher(capability.Default(), adapters.DefaultAdapters(storage, pdf)...)

	hooks := webhook.NewService(store, store, webhook.Config{
		Timeout:     cfg.WebhookTimeout,
		MaxAttempts: cfg.WebhookMaxAttempts,
		Backoff:     cfg.WebhookBackoff,
		RateLimit:   cfg.WebhookRateLimit,
	}, logger)

	executor := worker.NewExecutor(store, dispatcher, storage, hooks, mirror, worker.ExecutorConfig{
		MaxAttempts: cfg.MaxAttempts,
		Timeout:     cfg.ConversionTimeout,
	}, logger)
	pool := worker.NewPool(cfg, store, executor, logger)

	if err := q.Subscribe(ctx, pool.HandleHint); err != nil {
		fatal(logger, "failed to subscribe to queue", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		pool.RecoveryLoop(ctx)
	}()

	logger.Info("service is ready to process conversions",
		slog.Int("workers", cfg.WorkerCount),
		slog.String("gotenberg_url", cfg.GotenbergURL),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping workers")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		hooks.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all workers stopped gracefully")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timeout, forcing exit")
	}

	logger.Info("conversion service stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}

func newStore(ctx context.Context, cfg *config.Config) (jobStore, func(), error) {
	switch cfg.StoreDriver {
	case "postgres":
		db, err := services.NewDatabaseService(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return db, func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func newStorage(ctx context.Context, cfg *config.Config) (adapters.Storage, error) {
	switch cfg.StorageDriver {
	case "local":
		return services.NewLocalStorage(cfg.LocalStorageRoot)
	case "s3":
		return services.NewS3Storage(cfg)
	case "minio":
		return services.NewMinIOStorage(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

// newQueue builds the hint transport. The Redis transport also mirrors job
// states into status hashes.
func newQueue(ctx context.Context, cfg *config.Config, logger *slog.Logger) (queue.Queue, worker.StatusMirror, error) {
	switch cfg.QueueDriver {
	case "memory":
		return queue.NewMemory(cfg.WorkerCount*16, logger), nil, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		q := queue.NewRedis(client, cfg.NotifyChannel, cfg.StatusKeyPrefix, logger)
		return q, q, nil
	case "nats":
		nc, err := queue.NewNATSConnect(cfg.NATSURL, queue.NATSConfig{
			Name:          cfg.NATSName,
			MaxReconnects: cfg.NATSMaxReconnects,
		})
		if err != nil {
			return nil, nil, err
		}
		return queue.NewNATS(nc, cfg.NATSSubject, logger), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue driver %q", cfg.QueueDriver)
	}
}
