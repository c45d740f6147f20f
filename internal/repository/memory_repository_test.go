package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/tender-ledger/internal/model"
)

func TestMemoryRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo, err := NewMemoryRepository[model.Project]()
	require.NoError(t, err)

	_, err = repo.Get(ctx, "p-1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	project := model.Project{ID: "p-1", Name: "Harbour wall", Budget: 120000}
	require.NoError(t, repo.Save(ctx, project.ID, project, SaveOptions{}))

	got, err := repo.Get(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, project, got)

	project.Budget = 150000
	require.NoError(t, repo.Save(ctx, project.ID, project, SaveOptions{SkipEvent: true}))

	got, err = repo.Get(ctx, "p-1")
	require.NoError(t, err)
	assert.InDelta(t, 150000, got.Budget, 0.001)
	assert.Equal(t, 1, repo.Len())
}

func TestMemoryRepositoryDoesNotAliasCallers(t *testing.T) {
	ctx := context.Background()
	repo, err := NewMemoryRepository[model.PricingSheet]()
	require.NoError(t, err)

	sheet := model.PricingSheet{ID: "s-1", Lines: []model.PriceLine{{Code: "A", Quantity: 1}}}
	require.NoError(t, repo.Save(ctx, sheet.ID, sheet, SaveOptions{}))

	sheet.Lines[0].Quantity = 99

	got, err := repo.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.InDelta(t, 1, got.Lines[0].Quantity, 0.001)
}
