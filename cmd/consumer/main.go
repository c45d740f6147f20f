// Package main provides the stream consumer that re-emits change events on a local bus.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/rueidis"

	"github.com/jnst/tender-ledger/internal/config"
	"github.com/jnst/tender-ledger/internal/eventbus"
	"github.com/jnst/tender-ledger/internal/logger"
)

const exitCode = 1

func setupRedisClient(cfg *config.Config) (rueidis.Client, error) {
	redisClient, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{cfg.RedisAddr},
	})
	if err != nil {
		return nil, err
	}

	return redisClient, nil
}

// logChanges subscribes a handler reporting every change notification.
func logChanges(bus eventbus.Bus) func() {
	unsubscribeOne := bus.Subscribe(eventbus.EventTypeEntityUpdated, func(_ context.Context, event eventbus.Event) error {
		slog.Info("entity updated",
			slog.String("entity_id", event.Payload.EntityID),
			slog.String("origin", string(event.Payload.Origin)),
			slog.Bool("skip_refresh", event.Payload.SkipRefresh),
		)

		return nil
	})
	unsubscribeAll := bus.Subscribe(eventbus.EventTypeEntitiesUpdated, func(context.Context, eventbus.Event) error {
		slog.Info("entities invalidated")
		return nil
	})

	return func() {
		unsubscribeOne()
		unsubscribeAll()
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

	redisClient, err := setupRedisClient(cfg)
	if err != nil {
		slog.Error("failed to connect to Redis", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer redisClient.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := eventbus.NewMemoryBus(loggerInstance)
	defer logChanges(bus)()

	consumer := eventbus.NewStreamConsumer(redisClient, bus, cfg.EventStream, cfg.ConsumerGroup, cfg.ConsumerName, loggerInstance)
	consumer.EnsureGroup(ctx)

	slog.Info("starting stream consumer",
		slog.String("service", "consumer"),
		slog.String("stream", cfg.EventStream),
		slog.String("group", cfg.ConsumerGroup),
		slog.String("consumer", cfg.ConsumerName),
	)

	consumer.Run(ctx)
}
