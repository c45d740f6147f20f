package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/tender-ledger/internal/model"
)

const (
	createOutboxEventSQL = `
INSERT INTO outbox_events (aggregate_id, event_type, payload)
VALUES ($1, $2, $3)
RETURNING id, aggregate_id, event_type, payload, created_at, published_at`

	getUnpublishedEventsSQL = `
SELECT id, aggregate_id, event_type, payload, created_at, published_at
FROM outbox_events
WHERE published_at IS NULL
ORDER BY id
LIMIT $1`

	markEventAsPublishedSQL = `UPDATE outbox_events SET published_at = now() WHERE id = $1`
)

// OutboxRepositoryImpl implements OutboxRepository using PostgreSQL.
type OutboxRepositoryImpl struct {
	pool *pgxpool.Pool
}

// NewOutboxRepositoryImpl creates a new OutboxRepository implementation.
func NewOutboxRepositoryImpl(pool *pgxpool.Pool) OutboxRepository {
	return &OutboxRepositoryImpl{pool: pool}
}

// CreateEvent creates a new outbox event, inside the caller's transaction when there is one.
func (r *OutboxRepositoryImpl) CreateEvent(
	ctx context.Context, params *model.CreateOutboxEventParams,
) (*model.OutboxEvent, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, createOutboxEventSQL,
		params.AggregateID, params.EventType, params.Payload)

	return scanOutboxEvent(row)
}

// GetUnpublishedEvents retrieves unpublished outbox events.
func (r *OutboxRepositoryImpl) GetUnpublishedEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, getUnpublishedEventsSQL, int32(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.OutboxEvent

	for rows.Next() {
		event, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}

		events = append(events, event)
	}

	return events, rows.Err()
}

// MarkAsPublished marks an outbox event as published.
func (r *OutboxRepositoryImpl) MarkAsPublished(ctx context.Context, id int64) error {
	_, err := conn(ctx, r.pool).Exec(ctx, markEventAsPublishedSQL, id)
	return err
}

func scanOutboxEvent(row pgx.Row) (*model.OutboxEvent, error) {
	var (
		event       model.OutboxEvent
		createdAt   pgtype.Timestamptz
		publishedAt pgtype.Timestamptz
	)

	if err := row.Scan(
		&event.ID, &event.AggregateID, &event.EventType, &event.Payload, &createdAt, &publishedAt,
	); err != nil {
		return nil, err
	}

	event.CreatedAt = createdAt.Time
	if publishedAt.Valid {
		t := publishedAt.Time
		event.PublishedAt = &t
	}

	return &event, nil
}
