package transaction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type journal struct {
	calls []string
}

func (j *journal) step(name string, execErr, undoErr error) Step {
	return Step{
		Label: name,
		Action: func(context.Context) error {
			j.calls = append(j.calls, "exec:"+name)
			return execErr
		},
		Undo: func(context.Context) error {
			j.calls = append(j.calls, "undo:"+name)
			return undoErr
		},
	}
}

func TestRollbackRunsInReverseOrder(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	c := New()

	require.NoError(t, c.Execute(ctx, j.step("A", nil, nil)))
	require.NoError(t, c.Execute(ctx, j.step("B", nil, nil)))
	require.NoError(t, c.Execute(ctx, j.step("C", nil, nil)))

	errBoom := errors.New("boom")
	err := c.Execute(ctx, j.step("D", errBoom, nil))

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "D", stepErr.Op)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, c.State())

	result, err := c.Rollback(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"exec:A", "exec:B", "exec:C", "exec:D",
		"undo:C", "undo:B", "undo:A",
	}, j.calls)
	assert.False(t, result.Success)
	assert.Equal(t, 3, result.OperationsExecuted)
	assert.Equal(t, 3, result.OperationsRolledBack)
	assert.NoError(t, result.Err)
	assert.Equal(t, StateRolledBack, c.State())
}

func TestRollbackContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	c := New()

	errUndo := errors.New("cannot restore budget")
	require.NoError(t, c.Execute(ctx, j.step("A", nil, nil)))
	require.NoError(t, c.Execute(ctx, j.step("B", nil, errUndo)))
	require.NoError(t, c.Execute(ctx, j.step("C", nil, nil)))

	result, err := c.Rollback(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"undo:C", "undo:B", "undo:A"}, j.calls[3:])
	assert.Equal(t, 2, result.OperationsRolledBack)
	assert.ErrorIs(t, result.Err, errUndo)
	require.Len(t, result.RollbackErrors, 1)

	var rbErr *RollbackError
	require.ErrorAs(t, result.Err, &rbErr)
	assert.Equal(t, "B", rbErr.Op)
}

func TestFinalizedCoordinatorRejectsCalls(t *testing.T) {
	ctx := context.Background()

	finalizers := map[string]func(c *Coordinator) error{
		"commit": func(c *Coordinator) error {
			_, err := c.Commit(ctx)
			return err
		},
		"rollback": func(c *Coordinator) error {
			_, err := c.Rollback(ctx)
			return err
		},
	}

	for name, finalize := range finalizers {
		t.Run(name, func(t *testing.T) {
			c := New()
			require.NoError(t, finalize(c))

			assert.ErrorIs(t, c.Execute(ctx, Step{Label: "late"}), ErrFinalized)

			_, err := c.Commit(ctx)
			assert.ErrorIs(t, err, ErrFinalized)

			_, err = c.Rollback(ctx)
			assert.ErrorIs(t, err, ErrFinalized)

			assert.Len(t, c.Operations(), 0)
		})
	}
}

func TestCommitSummarisesExecutedSteps(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	c := New(WithID("tx-1"))

	require.NoError(t, c.Execute(ctx, j.step("A", nil, nil)))
	require.NoError(t, c.Execute(ctx, j.step("B", nil, nil)))

	result, err := c.Commit(ctx)
	require.NoError(t, err)

	assert.Equal(t, "tx-1", result.ID)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.OperationsExecuted)
	assert.Zero(t, result.OperationsRolledBack)
	assert.Equal(t, StateCommitted, c.State())

	ops := c.Operations()
	require.Len(t, ops, 2)
	assert.NotNil(t, ops[0].ExecutedAt)
}

func TestRollbackWithoutExecutedSteps(t *testing.T) {
	c := New()

	result, err := c.Rollback(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.OperationsExecuted)
	assert.Equal(t, StateRolledBack, c.State())
}

func TestRunRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	errBoom := errors.New("boom")

	result, err := New().Run(ctx,
		j.step("A", nil, nil),
		j.step("B", errBoom, nil),
		j.step("C", nil, nil),
	)

	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, []string{"exec:A", "exec:B", "undo:A"}, j.calls)
	assert.Equal(t, 1, result.OperationsRolledBack)
}

func TestRunCommitsWhenEveryStepSucceeds(t *testing.T) {
	j := &journal{}

	result, err := New().Run(context.Background(), j.step("A", nil, nil), j.step("B", nil, nil))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"exec:A", "exec:B"}, j.calls)
}
