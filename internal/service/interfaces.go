// Package service provides business logic layer implementations.
package service

import (
	"context"
	"errors"

	"github.com/jnst/tender-ledger/internal/dirtystate"
	"github.com/jnst/tender-ledger/internal/eventbus"
	"github.com/jnst/tender-ledger/internal/model"
	"github.com/jnst/tender-ledger/internal/transaction"
)

// ErrSessionNotFound is returned for sheets that were not opened.
var ErrSessionNotFound = errors.New("sheet is not open")

// SheetState is the editing state of an open pricing sheet.
type SheetState = dirtystate.State[model.PricingSheet]

// SheetService manages editing sessions over pricing sheets.
type SheetService interface {
	Open(ctx context.Context, id string) (SheetState, error)
	Sheet(id string) (SheetState, error)
	Update(id string, patch map[string]any) (SheetState, error)
	Save(ctx context.Context, id string) (SheetState, error)
	Cancel(id string) (SheetState, error)
	AutoSaveAll(ctx context.Context)
	Publish(ctx context.Context, sheetID, projectID string) (transaction.Result, error)
	Close()
}

// OutboxService defines business logic methods for outbox event processing.
type OutboxService interface {
	ProcessUnpublishedEvents(ctx context.Context, limit int) error
}

// EventPublisher sends events to other processes.
type EventPublisher interface {
	Publish(ctx context.Context, event eventbus.Event) error
}
