package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jnst/tender-ledger/internal/audit"
)

// ErrFinalized is returned by any call made after Commit or Rollback succeeded.
var ErrFinalized = errors.New("transaction already finalized")

// State is the lifecycle state of a Coordinator.
type State string

const (
	StateOpen       State = "open"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
)

const (
	triggerExecute  = "execute"
	triggerCommit   = "commit"
	triggerRollback = "rollback"

	auditCategory = "transaction"
)

// Record is the coordinator's bookkeeping for one operation.
type Record struct {
	Operation  Operation
	ExecutedAt *time.Time
}

// Result summarises a finalized transaction.
type Result struct {
	ID                   string
	Success              bool
	OperationsExecuted   int
	OperationsRolledBack int
	// Err is the first rollback failure, if any.
	Err            error
	RollbackErrors []error
	Duration       time.Duration
}

// Coordinator sequences operations and rolls back the executed ones in
// reverse order on demand. A Coordinator is single-use.
type Coordinator struct {
	mu sync.Mutex

	id        string
	startedAt time.Time
	records   []*Record
	executed  []*Record
	fsm       *stateless.StateMachine

	logger *slog.Logger
	sink   audit.Sink
	now    func() time.Time
	tracer trace.Tracer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithID overrides the generated transaction id.
func WithID(id string) Option {
	return func(c *Coordinator) {
		c.id = id
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithAuditSink sets the sink receiving commit and rollback events.
func WithAuditSink(sink audit.Sink) Option {
	return func(c *Coordinator) {
		c.sink = sink
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// New creates an open Coordinator.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		id:     uuid.NewString(),
		logger: slog.Default(),
		sink:   audit.Nop,
		now:    time.Now,
		tracer: otel.Tracer("github.com/jnst/tender-ledger/internal/transaction"),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.startedAt = c.now()

	c.fsm = stateless.NewStateMachine(StateOpen)
	c.fsm.Configure(StateOpen).
		PermitReentry(triggerExecute).
		Permit(triggerCommit, StateCommitted).
		Permit(triggerRollback, StateRolledBack)
	c.fsm.Configure(StateCommitted)
	c.fsm.Configure(StateRolledBack)

	return c
}

// ID returns the transaction id.
func (c *Coordinator) ID() string {
	return c.id
}

// StartedAt returns when the coordinator was created.
func (c *Coordinator) StartedAt() time.Time {
	return c.startedAt
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state()
}

// Operations returns a copy of every operation record, executed or not.
func (c *Coordinator) Operations() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Record, len(c.records))
	for i, r := range c.records {
		out[i] = *r
	}

	return out
}

// Execute runs op. On success op becomes eligible for rollback; on failure
// it does not, and the coordinator stays open.
func (c *Coordinator) Execute(ctx context.Context, op Operation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fire(triggerExecute); err != nil {
		return err
	}

	record := &Record{Operation: op}
	c.records = append(c.records, record)

	ctx, span := c.tracer.Start(ctx, "transaction.execute",
		trace.WithAttributes(
			attribute.String("transaction.id", c.id),
			attribute.String("transaction.step", op.Name()),
		))
	defer span.End()

	if err := op.Execute(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("transaction step failed",
			slog.String("transaction_id", c.id),
			slog.String("step", op.Name()),
			slog.String("error", err.Error()),
		)

		return &StepError{Op: op.Name(), Err: err}
	}

	executedAt := c.now()
	record.ExecutedAt = &executedAt
	c.executed = append(c.executed, record)

	c.logger.Debug("transaction step executed",
		slog.String("transaction_id", c.id),
		slog.String("step", op.Name()),
	)

	return nil
}

// Commit finalizes the transaction as successful.
func (c *Coordinator) Commit(ctx context.Context) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fire(triggerCommit); err != nil {
		return Result{}, err
	}

	result := Result{
		ID:                 c.id,
		Success:            true,
		OperationsExecuted: len(c.executed),
		Duration:           c.now().Sub(c.startedAt),
	}

	c.record(ctx, "commit", audit.LevelInfo, result)

	return result, nil
}

// Rollback undoes every executed operation in reverse order. A failing
// compensation is collected and the remaining ones still run.
func (c *Coordinator) Rollback(ctx context.Context) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fire(triggerRollback); err != nil {
		return Result{}, err
	}

	ctx, span := c.tracer.Start(ctx, "transaction.rollback",
		trace.WithAttributes(attribute.String("transaction.id", c.id)))
	defer span.End()

	result := Result{
		ID:                 c.id,
		OperationsExecuted: len(c.executed),
	}

	for i := len(c.executed) - 1; i >= 0; i-- {
		op := c.executed[i].Operation

		if err := op.Rollback(ctx); err != nil {
			rerr := &RollbackError{Op: op.Name(), Err: err}
			result.RollbackErrors = append(result.RollbackErrors, rerr)
			if result.Err == nil {
				result.Err = rerr
			}

			c.logger.Error("rollback step failed",
				slog.String("transaction_id", c.id),
				slog.String("step", op.Name()),
				slog.String("error", err.Error()),
			)

			continue
		}

		result.OperationsRolledBack++
	}

	result.Duration = c.now().Sub(c.startedAt)

	level := audit.LevelWarn
	if result.Err != nil {
		level = audit.LevelError
		span.SetStatus(codes.Error, result.Err.Error())
	}

	c.record(ctx, "rollback", level, result)

	return result, nil
}

// Run executes ops in order and commits. If a step fails, the executed steps
// are rolled back and the step error is returned, joined with the first
// rollback failure when there is one.
func (c *Coordinator) Run(ctx context.Context, ops ...Operation) (Result, error) {
	for _, op := range ops {
		if err := c.Execute(ctx, op); err != nil {
			if errors.Is(err, ErrFinalized) {
				return Result{}, err
			}

			result, rbErr := c.Rollback(ctx)
			if rbErr != nil {
				return result, errors.Join(err, rbErr)
			}

			return result, errors.Join(err, result.Err)
		}
	}

	return c.Commit(ctx)
}

func (c *Coordinator) state() State {
	return c.fsm.MustState().(State)
}

func (c *Coordinator) fire(trigger string) error {
	if err := c.fsm.Fire(trigger); err != nil {
		return fmt.Errorf("%w: cannot %s in state %s", ErrFinalized, trigger, c.state())
	}

	return nil
}

func (c *Coordinator) record(ctx context.Context, action string, level audit.Level, result Result) {
	metadata := map[string]any{
		"operations_executed":    result.OperationsExecuted,
		"operations_rolled_back": result.OperationsRolledBack,
		"duration_ms":            result.Duration.Milliseconds(),
	}
	if result.Err != nil {
		metadata["error"] = result.Err.Error()
	}

	audit.Record(ctx, c.sink, audit.Event{
		Category: auditCategory,
		Action:   action,
		Key:      c.id,
		Level:    level,
		Metadata: metadata,
	})
}
