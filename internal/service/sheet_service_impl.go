package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jnst/tender-ledger/internal/audit"
	"github.com/jnst/tender-ledger/internal/dirtystate"
	"github.com/jnst/tender-ledger/internal/eventbus"
	"github.com/jnst/tender-ledger/internal/model"
	"github.com/jnst/tender-ledger/internal/repository"
	"github.com/jnst/tender-ledger/internal/retry"
	"github.com/jnst/tender-ledger/internal/transaction"
)

// SheetServiceImpl implements SheetService with one dirty-state store per open sheet.
type SheetServiceImpl struct {
	sheetRepo   repository.Repository[model.PricingSheet]
	projectRepo repository.Repository[model.Project]
	executor    *retry.Executor
	bus         eventbus.Bus
	sink        audit.Sink
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.Mutex
	stores map[string]*dirtystate.Store[model.PricingSheet]
}

// NewSheetServiceImpl creates a new SheetService implementation.
func NewSheetServiceImpl(
	sheetRepo repository.Repository[model.PricingSheet],
	projectRepo repository.Repository[model.Project],
	executor *retry.Executor,
	bus eventbus.Bus,
	sink audit.Sink,
	logger *slog.Logger,
) *SheetServiceImpl {
	return &SheetServiceImpl{
		sheetRepo:   sheetRepo,
		projectRepo: projectRepo,
		executor:    executor,
		bus:         bus,
		sink:        sink,
		logger:      logger,
		now:         time.Now,
		stores:      make(map[string]*dirtystate.Store[model.PricingSheet]),
	}
}

// Open loads a sheet into an editing session. Opening an open sheet returns
// its current state untouched.
func (s *SheetServiceImpl) Open(ctx context.Context, id string) (SheetState, error) {
	s.mu.Lock()
	store, ok := s.stores[id]
	s.mu.Unlock()

	if ok {
		return store.Snapshot(), nil
	}

	store, err := dirtystate.New[model.PricingSheet](s.sheetRepo,
		dirtystate.WithName("pricing_sheet"),
		dirtystate.WithExecutor(s.executor),
		dirtystate.WithBus(s.bus),
		dirtystate.WithLogger(s.logger),
		dirtystate.WithClock(s.now),
	)
	if err != nil {
		return SheetState{}, err
	}

	if err := store.Load(ctx, id); err != nil {
		return SheetState{}, err
	}

	s.mu.Lock()
	if existing, ok := s.stores[id]; ok {
		s.mu.Unlock()
		return existing.Snapshot(), nil
	}
	s.stores[id] = store
	s.mu.Unlock()

	store.Watch()

	s.logger.Info("sheet opened", slog.String("sheet_id", id))

	return store.Snapshot(), nil
}

// Sheet returns the state of an open sheet.
func (s *SheetServiceImpl) Sheet(id string) (SheetState, error) {
	store, err := s.session(id)
	if err != nil {
		return SheetState{}, err
	}

	return store.Snapshot(), nil
}

// Update applies patch to the working copy of an open sheet.
func (s *SheetServiceImpl) Update(id string, patch map[string]any) (SheetState, error) {
	store, err := s.session(id)
	if err != nil {
		return SheetState{}, err
	}

	if err := store.Update(patch); err != nil {
		return store.Snapshot(), err
	}

	return store.Snapshot(), nil
}

// Save validates and persists an open sheet.
func (s *SheetServiceImpl) Save(ctx context.Context, id string) (SheetState, error) {
	store, err := s.session(id)
	if err != nil {
		return SheetState{}, err
	}

	if err := validateWorking(store); err != nil {
		return store.Snapshot(), err
	}

	if err := store.Save(ctx); err != nil {
		return store.Snapshot(), err
	}

	return store.Snapshot(), nil
}

// Cancel discards the edits of an open sheet.
func (s *SheetServiceImpl) Cancel(id string) (SheetState, error) {
	store, err := s.session(id)
	if err != nil {
		return SheetState{}, err
	}

	if err := store.Cancel(); err != nil {
		return store.Snapshot(), err
	}

	return store.Snapshot(), nil
}

// AutoSaveAll auto-saves every open sheet with valid edits.
func (s *SheetServiceImpl) AutoSaveAll(ctx context.Context) {
	for _, store := range s.sessions() {
		if !store.IsDirty() {
			continue
		}

		if err := validateWorking(store); err != nil {
			s.logger.Debug("auto-save deferred for invalid sheet", slog.String("error", err.Error()))
			continue
		}

		store.AutoSave(ctx)
	}
}

// Publish saves an open sheet and rolls its total into the project budget.
// Both writes are compensated if either fails, and the sheet's edits stay
// pending so Publish can be retried.
func (s *SheetServiceImpl) Publish(ctx context.Context, sheetID, projectID string) (transaction.Result, error) {
	store, err := s.session(sheetID)
	if err != nil {
		return transaction.Result{}, err
	}

	if err := validateWorking(store); err != nil {
		return transaction.Result{}, err
	}

	before := store.Snapshot()
	if before.Baseline == nil || before.Working == nil {
		return transaction.Result{}, fmt.Errorf("sheet %s: %w", sheetID, dirtystate.ErrNotLoaded)
	}

	previousSheet := *before.Baseline
	pending := *before.Working
	total := pending.Total()

	var (
		previousProject model.Project
		projectLoaded   bool
	)

	tx := transaction.New(
		transaction.WithLogger(s.logger),
		transaction.WithAuditSink(s.sink),
		transaction.WithClock(s.now),
	)

	result, err := tx.Run(ctx,
		transaction.Step{
			Label: "save-sheet",
			Action: func(ctx context.Context) error {
				return store.Save(ctx)
			},
			Undo: func(ctx context.Context) error {
				err := s.executor.Execute(ctx, "pricing_sheet.restore", func(ctx context.Context) error {
					return s.sheetRepo.Save(ctx, sheetID, previousSheet, repository.SaveOptions{Origin: store.Origin()})
				})
				if err != nil {
					return err
				}

				return store.Restore(previousSheet, pending)
			},
		},
		transaction.Step{
			Label: "update-project-budget",
			Action: func(ctx context.Context) error {
				project, err := retry.Do(ctx, s.executor, "project.get", func(ctx context.Context) (model.Project, error) {
					return s.projectRepo.Get(ctx, projectID)
				})
				if err != nil {
					return err
				}

				previousProject, projectLoaded = project, true
				project.Budget = total
				project.UpdatedAt = s.now()

				return s.saveProject(ctx, project)
			},
			Undo: func(ctx context.Context) error {
				if !projectLoaded {
					return nil
				}

				return s.saveProject(ctx, previousProject)
			},
		},
	)
	if err != nil {
		s.logger.Error("sheet publication failed",
			slog.String("sheet_id", sheetID),
			slog.String("project_id", projectID),
			slog.String("error", err.Error()),
		)

		return result, fmt.Errorf("failed to publish sheet %s: %w", sheetID, err)
	}

	if s.bus != nil {
		s.bus.Emit(ctx, eventbus.EventTypeEntityUpdated, eventbus.Payload{EntityID: projectID})
	}

	s.logger.Info("sheet published",
		slog.String("sheet_id", sheetID),
		slog.String("project_id", projectID),
		slog.Float64("budget", total),
	)

	return result, nil
}

// Close ends every editing session.
func (s *SheetServiceImpl) Close() {
	s.mu.Lock()
	stores := s.stores
	s.stores = make(map[string]*dirtystate.Store[model.PricingSheet])
	s.mu.Unlock()

	for _, store := range stores {
		store.Close()
	}
}

func (s *SheetServiceImpl) saveProject(ctx context.Context, project model.Project) error {
	return s.executor.Execute(ctx, "project.save", func(ctx context.Context) error {
		return s.projectRepo.Save(ctx, project.ID, project, repository.SaveOptions{})
	})
}

func (s *SheetServiceImpl) session(id string) (*dirtystate.Store[model.PricingSheet], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	store, ok := s.stores[id]
	if !ok {
		return nil, fmt.Errorf("sheet %s: %w", id, ErrSessionNotFound)
	}

	return store, nil
}

func (s *SheetServiceImpl) sessions() []*dirtystate.Store[model.PricingSheet] {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*dirtystate.Store[model.PricingSheet], 0, len(s.stores))
	for _, store := range s.stores {
		out = append(out, store)
	}

	return out
}

func validateWorking(store *dirtystate.Store[model.PricingSheet]) error {
	sheet, ok := store.Working()
	if !ok {
		return dirtystate.ErrNotLoaded
	}

	return sheet.Validate()
}
