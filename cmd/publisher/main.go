// Package main provides the outbox publisher that relays unpublished change events to a Redis stream.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/rueidis"

	"github.com/jnst/tender-ledger/internal/audit"
	"github.com/jnst/tender-ledger/internal/config"
	"github.com/jnst/tender-ledger/internal/eventbus"
	"github.com/jnst/tender-ledger/internal/logger"
	"github.com/jnst/tender-ledger/internal/repository"
	"github.com/jnst/tender-ledger/internal/retry"
	"github.com/jnst/tender-ledger/internal/service"
)

const exitCode = 1

func setupDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	return dbPool, nil
}

func setupPublisherRedisClient(cfg *config.Config) (rueidis.Client, error) {
	redisClient, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{cfg.RedisAddr},
	})
	if err != nil {
		return nil, err
	}

	return redisClient, nil
}

func runPublisherLoop(
	ctx context.Context,
	outboxService service.OutboxService,
	pollInterval time.Duration,
	batchSize int,
) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("publisher stopped")
			return
		case <-ticker.C:
			if err := outboxService.ProcessUnpublishedEvents(ctx, batchSize); err != nil {
				slog.Error("error processing outbox events", slog.String("error", err.Error()))
			}
		}
	}
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	loggerInstance := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(loggerInstance)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := setupDatabase(ctx, cfg)
	if err != nil {
		slog.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer dbPool.Close()

	redisClient, err := setupPublisherRedisClient(cfg)
	if err != nil {
		slog.Error("failed to connect to Redis", slog.String("error", err.Error()))
		return
	}
	defer redisClient.Close()

	executor, err := retry.New(cfg.RetryPolicy(nil),
		retry.WithAuditSink(audit.NewSlogSink(loggerInstance)),
		retry.WithLogger(loggerInstance),
	)
	if err != nil {
		slog.Error("invalid retry policy", slog.String("error", err.Error()))
		return
	}

	outboxRepo := repository.NewOutboxRepositoryImpl(dbPool)
	publisher := eventbus.NewStreamPublisher(redisClient, cfg.EventStream)
	outboxService := service.NewOutboxServiceImpl(outboxRepo, publisher, executor, loggerInstance)

	slog.Info("starting outbox publisher",
		slog.String("service", "publisher"),
		slog.String("stream", cfg.EventStream),
		slog.Duration("poll_interval", cfg.PublisherPollInterval),
		slog.Int("batch_size", cfg.PublisherBatchSize),
	)

	runPublisherLoop(ctx, outboxService, cfg.PublisherPollInterval, cfg.PublisherBatchSize)
}
