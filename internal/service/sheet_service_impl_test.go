package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/tender-ledger/internal/audit"
	"github.com/jnst/tender-ledger/internal/eventbus"
	"github.com/jnst/tender-ledger/internal/model"
	"github.com/jnst/tender-ledger/internal/repository"
)

type flakyProjects struct {
	*repository.MemoryRepository[model.Project]
	failSaves int
}

func (f *flakyProjects) Save(ctx context.Context, id string, p model.Project, opts repository.SaveOptions) error {
	if f.failSaves > 0 {
		f.failSaves--
		return errors.New("project locked")
	}

	return f.MemoryRepository.Save(ctx, id, p, opts)
}

type fixture struct {
	svc      *SheetServiceImpl
	sheets   *repository.MemoryRepository[model.PricingSheet]
	projects *flakyProjects
	bus      *eventbus.MemoryBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	sheets, err := repository.NewMemoryRepository[model.PricingSheet]()
	require.NoError(t, err)
	projectMem, err := repository.NewMemoryRepository[model.Project]()
	require.NoError(t, err)
	projects := &flakyProjects{MemoryRepository: projectMem}

	require.NoError(t, sheets.Save(ctx, "sheet-1", model.PricingSheet{
		ID: "sheet-1", TenderID: "tender-1", Title: "Retaining wall", Currency: "EUR",
		Lines: []model.PriceLine{{Code: "W-1", Unit: "m2", Quantity: 100, UnitPrice: 50}},
	}, repository.SaveOptions{}))
	require.NoError(t, projectMem.Save(ctx, "project-1", model.Project{
		ID: "project-1", Name: "Riverside", Budget: 1000,
	}, repository.SaveOptions{}))

	bus := eventbus.NewMemoryBus(discardLogger())
	svc := NewSheetServiceImpl(sheets, projects, fastExecutor(t, 0), bus, audit.Nop, discardLogger())
	t.Cleanup(svc.Close)

	return &fixture{svc: svc, sheets: sheets, projects: projects, bus: bus}
}

func TestSheetSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Update("sheet-1", map[string]any{"title": "x"})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	state, err := f.svc.Open(ctx, "sheet-1")
	require.NoError(t, err)
	assert.False(t, state.IsDirty)

	state, err = f.svc.Update("sheet-1", map[string]any{"title": "Retaining wall rev 2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"title"}, state.DirtyFields)

	state, err = f.svc.Cancel("sheet-1")
	require.NoError(t, err)
	assert.Equal(t, "Retaining wall", state.Working.Title)

	_, err = f.svc.Update("sheet-1", map[string]any{"notes": "night works"})
	require.NoError(t, err)
	state, err = f.svc.Save(ctx, "sheet-1")
	require.NoError(t, err)
	assert.False(t, state.IsDirty)

	stored, err := f.sheets.Get(ctx, "sheet-1")
	require.NoError(t, err)
	assert.Equal(t, "night works", stored.Notes)
}

func TestSaveRejectsInvalidSheet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Open(ctx, "sheet-1")
	require.NoError(t, err)

	_, err = f.svc.Update("sheet-1", map[string]any{"currency": "EURO"})
	require.NoError(t, err)

	state, err := f.svc.Save(ctx, "sheet-1")
	assert.ErrorIs(t, err, model.ErrInvalidSheet)
	assert.True(t, state.IsDirty)
}

func TestAutoSaveAllPersistsDirtySheets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Open(ctx, "sheet-1")
	require.NoError(t, err)
	_, err = f.svc.Update("sheet-1", map[string]any{"markup": 0.05})
	require.NoError(t, err)

	f.svc.AutoSaveAll(ctx)

	state, err := f.svc.Sheet("sheet-1")
	require.NoError(t, err)
	assert.False(t, state.IsDirty)

	stored, err := f.sheets.Get(ctx, "sheet-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.05, stored.Markup, 0.0001)
}

func TestPublishRollsTotalIntoProject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var notified []string
	f.bus.Subscribe(eventbus.EventTypeEntityUpdated, func(_ context.Context, e eventbus.Event) error {
		notified = append(notified, e.Payload.EntityID)
		return nil
	})

	_, err := f.svc.Open(ctx, "sheet-1")
	require.NoError(t, err)
	_, err = f.svc.Update("sheet-1", map[string]any{"markup": 0.2})
	require.NoError(t, err)

	result, err := f.svc.Publish(ctx, "sheet-1", "project-1")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.OperationsExecuted)

	project, err := f.projects.Get(ctx, "project-1")
	require.NoError(t, err)
	assert.InDelta(t, 6000, project.Budget, 0.001)

	assert.Equal(t, []string{"sheet-1", "project-1"}, notified)
}

func TestPublishCompensatesSheetWhenProjectUpdateFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.projects.failSaves = 1

	_, err := f.svc.Open(ctx, "sheet-1")
	require.NoError(t, err)
	_, err = f.svc.Update("sheet-1", map[string]any{"title": "Retaining wall (final)"})
	require.NoError(t, err)

	result, err := f.svc.Publish(ctx, "sheet-1", "project-1")
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 1, result.OperationsRolledBack)

	stored, err := f.sheets.Get(ctx, "sheet-1")
	require.NoError(t, err)
	assert.Equal(t, "Retaining wall", stored.Title)

	project, err := f.projects.Get(ctx, "project-1")
	require.NoError(t, err)
	assert.InDelta(t, 1000, project.Budget, 0.001)

	state, err := f.svc.Sheet("sheet-1")
	require.NoError(t, err)
	assert.Equal(t, "Retaining wall", state.Baseline.Title)
	assert.Equal(t, "Retaining wall (final)", state.Working.Title)
	assert.True(t, state.IsDirty)
	assert.Equal(t, []string{"title"}, state.DirtyFields)

	result, err = f.svc.Publish(ctx, "sheet-1", "project-1")
	require.NoError(t, err)
	assert.True(t, result.Success)

	stored, err = f.sheets.Get(ctx, "sheet-1")
	require.NoError(t, err)
	assert.Equal(t, "Retaining wall (final)", stored.Title)

	state, err = f.svc.Sheet("sheet-1")
	require.NoError(t, err)
	assert.False(t, state.IsDirty)
}

func TestPublishMissingProject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Open(ctx, "sheet-1")
	require.NoError(t, err)

	_, err = f.svc.Publish(ctx, "sheet-1", "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
