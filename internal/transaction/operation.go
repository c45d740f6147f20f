// Package transaction coordinates multi-step writes with ordered compensation.
package transaction

import (
	"context"
	"fmt"
)

// Operation is one reversible step of a coordinated transaction.
type Operation interface {
	Name() string
	Execute(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Step adapts a pair of closures to Operation.
type Step struct {
	Label  string
	Action func(ctx context.Context) error
	Undo   func(ctx context.Context) error
}

// Name returns the step label.
func (s Step) Name() string {
	return s.Label
}

// Execute runs Action.
func (s Step) Execute(ctx context.Context) error {
	if s.Action == nil {
		return nil
	}

	return s.Action(ctx)
}

// Rollback runs Undo. A step without Undo has nothing to compensate.
func (s Step) Rollback(ctx context.Context) error {
	if s.Undo == nil {
		return nil
	}

	return s.Undo(ctx)
}

// StepError is returned by Coordinator.Execute when a step's action fails.
type StepError struct {
	Op  string
	Err error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("transaction step %q failed: %v", e.Op, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// RollbackError is a compensation failure collected during Coordinator.Rollback.
type RollbackError struct {
	Op  string
	Err error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback of step %q failed: %v", e.Op, e.Err)
}

func (e *RollbackError) Unwrap() error {
	return e.Err
}
