// Package repository provides data access interfaces and implementations.
package repository

import (
	"context"

	"github.com/jnst/tender-ledger/internal/eventbus"
	"github.com/jnst/tender-ledger/internal/model"
)

// SaveOptions qualifies a write.
type SaveOptions struct {
	// SkipEvent marks the change notification produced by this write so the
	// writer identified by Origin does not refresh itself from it.
	SkipEvent bool
	// Origin identifies the writer.
	Origin eventbus.Origin
}

// Repository is the storage contract for one aggregate type. Save overwrites
// unconditionally.
type Repository[T any] interface {
	Get(ctx context.Context, id string) (T, error)
	Save(ctx context.Context, id string, aggregate T, opts SaveOptions) error
}

// OutboxRepository defines methods for outbox event data access.
type OutboxRepository interface {
	CreateEvent(ctx context.Context, params *model.CreateOutboxEventParams) (*model.OutboxEvent, error)
	GetUnpublishedEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
	MarkAsPublished(ctx context.Context, id int64) error
}

// TransactionManager defines methods for database transaction management.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
