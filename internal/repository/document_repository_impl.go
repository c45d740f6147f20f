package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/tender-ledger/internal/eventbus"
	"github.com/jnst/tender-ledger/internal/model"
)

// Table names of the aggregates stored as JSON documents.
const (
	TablePricingSheets = "pricing_sheets"
	TableProjects      = "projects"
)

// DocumentRepositoryImpl stores an aggregate as a JSONB document and writes
// an ENTITY_UPDATED outbox event in the same transaction as every save.
type DocumentRepositoryImpl[T any] struct {
	pool           *pgxpool.Pool
	outboxRepo     OutboxRepository
	transactionMgr TransactionManager
	table          string
	kind           string
}

// NewDocumentRepositoryImpl creates a repository over table. kind prefixes
// the outbox aggregate id.
func NewDocumentRepositoryImpl[T any](
	pool *pgxpool.Pool,
	outboxRepo OutboxRepository,
	transactionMgr TransactionManager,
	table, kind string,
) *DocumentRepositoryImpl[T] {
	return &DocumentRepositoryImpl[T]{
		pool:           pool,
		outboxRepo:     outboxRepo,
		transactionMgr: transactionMgr,
		table:          table,
		kind:           kind,
	}
}

// NewSheetRepositoryImpl creates the pricing sheet repository.
func NewSheetRepositoryImpl(
	pool *pgxpool.Pool, outboxRepo OutboxRepository, transactionMgr TransactionManager,
) Repository[model.PricingSheet] {
	return NewDocumentRepositoryImpl[model.PricingSheet](pool, outboxRepo, transactionMgr, TablePricingSheets, "pricing_sheet")
}

// NewProjectRepositoryImpl creates the project repository.
func NewProjectRepositoryImpl(
	pool *pgxpool.Pool, outboxRepo OutboxRepository, transactionMgr TransactionManager,
) Repository[model.Project] {
	return NewDocumentRepositoryImpl[model.Project](pool, outboxRepo, transactionMgr, TableProjects, "project")
}

// Get retrieves an aggregate by id.
func (r *DocumentRepositoryImpl[T]) Get(ctx context.Context, id string) (T, error) {
	var (
		aggregate T
		data      []byte
	)

	query := fmt.Sprintf(`SELECT data FROM %s WHERE id = $1`, r.table)
	if err := conn(ctx, r.pool).QueryRow(ctx, query, id).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return aggregate, fmt.Errorf("%s %s: %w", r.kind, id, model.ErrNotFound)
		}

		return aggregate, fmt.Errorf("failed to get %s %s: %w", r.kind, id, err)
	}

	if err := json.Unmarshal(data, &aggregate); err != nil {
		return aggregate, fmt.Errorf("failed to decode %s %s: %w", r.kind, id, err)
	}

	return aggregate, nil
}

// Save upserts the aggregate and records the change in the outbox.
func (r *DocumentRepositoryImpl[T]) Save(ctx context.Context, id string, aggregate T, opts SaveOptions) error {
	data, err := json.Marshal(aggregate)
	if err != nil {
		return fmt.Errorf("failed to encode %s %s: %w", r.kind, id, err)
	}

	return r.transactionMgr.WithTransaction(ctx, func(ctx context.Context) error {
		query := fmt.Sprintf(`
INSERT INTO %s (id, data, updated_at) VALUES ($1, $2, now())
ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`, r.table)

		if _, err := conn(ctx, r.pool).Exec(ctx, query, id, data); err != nil {
			return fmt.Errorf("failed to save %s %s: %w", r.kind, id, err)
		}

		return r.createOutboxEvent(ctx, id, opts)
	})
}

func (r *DocumentRepositoryImpl[T]) createOutboxEvent(ctx context.Context, id string, opts SaveOptions) error {
	payload, err := json.Marshal(eventbus.Payload{
		EntityID:    id,
		SkipRefresh: opts.SkipEvent,
		Origin:      opts.Origin,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	_, err = r.outboxRepo.CreateEvent(ctx, &model.CreateOutboxEventParams{
		AggregateID: fmt.Sprintf("%s_%s", r.kind, id),
		EventType:   string(eventbus.EventTypeEntityUpdated),
		Payload:     payload,
	})
	if err != nil {
		return fmt.Errorf("failed to create outbox event: %w", err)
	}

	return nil
}
