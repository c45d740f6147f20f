package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jnst/tender-ledger/internal/eventbus"
	"github.com/jnst/tender-ledger/internal/repository"
	"github.com/jnst/tender-ledger/internal/retry"
)

// OutboxServiceImpl implements OutboxService for processing outbox events.
type OutboxServiceImpl struct {
	outboxRepo repository.OutboxRepository
	publisher  EventPublisher
	executor   *retry.Executor
	logger     *slog.Logger
}

// NewOutboxServiceImpl creates a new OutboxService implementation.
func NewOutboxServiceImpl(
	outboxRepo repository.OutboxRepository,
	publisher EventPublisher,
	executor *retry.Executor,
	logger *slog.Logger,
) OutboxService {
	return &OutboxServiceImpl{
		outboxRepo: outboxRepo,
		publisher:  publisher,
		executor:   executor,
		logger:     logger,
	}
}

// ProcessUnpublishedEvents relays unpublished outbox events and marks them
// published. A failing event is left for the next run.
func (s *OutboxServiceImpl) ProcessUnpublishedEvents(ctx context.Context, limit int) error {
	events, err := s.outboxRepo.GetUnpublishedEvents(ctx, limit)
	if err != nil {
		return err
	}

	for _, event := range events {
		var payload eventbus.Payload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			s.logger.Error("skipping undecodable outbox event",
				slog.Int64("event_id", event.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		err := s.executor.Execute(ctx, "outbox.publish", func(ctx context.Context) error {
			return s.publisher.Publish(ctx, eventbus.Event{
				Type:    eventbus.EventType(event.EventType),
				Payload: payload,
			})
		})
		if err != nil {
			s.logger.Error("failed to publish outbox event",
				slog.Int64("event_id", event.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		if err := s.outboxRepo.MarkAsPublished(ctx, event.ID); err != nil {
			s.logger.Error("failed to mark event as published",
				slog.Int64("event_id", event.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		s.logger.Debug("published outbox event",
			slog.Int64("event_id", event.ID),
			slog.String("aggregate_id", event.AggregateID),
		)
	}

	return nil
}
