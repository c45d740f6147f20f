package retry

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	goretry "github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jnst/tender-ledger/internal/audit"
)

const (
	auditCategory = "retry"

	actionAttempt      = "attempt"
	actionSucceeded    = "succeeded"
	actionExhausted    = "exhausted"
	actionNonRetryable = "non_retryable"
	actionCancelled    = "cancelled"
)

// AttemptOutcome records one execution attempt.
type AttemptOutcome struct {
	Attempt int
	Elapsed time.Duration
	Err     error
}

// Details is the telemetry of a single execution.
type Details struct {
	Attempts int
	Duration time.Duration
	Delays   []time.Duration
	Outcomes []AttemptOutcome
}

// Executor runs operations under a retry Policy.
type Executor struct {
	mu     sync.RWMutex
	policy Policy

	sink   audit.Sink
	logger *slog.Logger
	draw   func() float64
	tracer trace.Tracer
}

// Option configures an Executor.
type Option func(*Executor)

// WithAuditSink sets the sink receiving attempt, succeeded and exhausted events.
func WithAuditSink(sink audit.Sink) Option {
	return func(e *Executor) {
		e.sink = sink
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithRandom sets the jitter source. It must return values in [0, 1).
func WithRandom(draw func() float64) Option {
	return func(e *Executor) {
		e.draw = draw
	}
}

// New creates an Executor for policy.
func New(policy Policy, opts ...Option) (*Executor, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	e := &Executor{
		policy: policy,
		sink:   audit.Nop,
		logger: slog.Default(),
		draw:   rand.Float64,
		tracer: otel.Tracer("github.com/jnst/tender-ledger/internal/retry"),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Policy returns the current policy.
func (e *Executor) Policy() Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.policy
}

// SetPolicy replaces the policy. Executions already running keep the policy they started with.
func (e *Executor) SetPolicy(policy Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	e.policy = policy
	e.mu.Unlock()

	return nil
}

// Execute runs fn until it succeeds, the retry budget is spent, or it returns
// a non-retryable error.
func (e *Executor) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	_, err := e.run(ctx, name, fn)
	return err
}

// Do runs op through e and returns its value.
func Do[T any](ctx context.Context, e *Executor, name string, op func(ctx context.Context) (T, error)) (T, error) {
	value, _, err := DoWithDetails(ctx, e, name, op)
	return value, err
}

// DoWithDetails is Do plus attempt and timing telemetry.
func DoWithDetails[T any](
	ctx context.Context, e *Executor, name string, op func(ctx context.Context) (T, error),
) (T, Details, error) {
	var result T

	details, err := e.run(ctx, name, func(ctx context.Context) error {
		value, err := op(ctx)
		if err != nil {
			return err
		}

		result = value

		return nil
	})

	return result, details, err
}

func (e *Executor) run(ctx context.Context, name string, fn func(ctx context.Context) error) (Details, error) {
	policy := e.Policy()
	start := time.Now()

	ctx, span := e.tracer.Start(ctx, "retry."+name)
	defer span.End()

	var (
		details   Details
		attempt   int
		exhausted bool
		permanent bool
	)

	backoff := goretry.BackoffFunc(func() (time.Duration, bool) {
		delay := policy.Delay(attempt, e.draw())
		details.Delays = append(details.Delays, delay)

		return delay, false
	})

	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		attemptStart := time.Now()
		err := fn(ctx)

		details.Outcomes = append(details.Outcomes, AttemptOutcome{
			Attempt: attempt,
			Elapsed: time.Since(attemptStart),
			Err:     err,
		})

		if err == nil {
			return nil
		}

		if !policy.Retryable(err) {
			permanent = true
			return err
		}

		if attempt > int(policy.MaxRetries) {
			exhausted = true
			return err
		}

		e.record(ctx, name, actionAttempt, audit.LevelWarn, map[string]any{
			"attempt":    attempt,
			"elapsed_ms": time.Since(start).Milliseconds(),
			"error":      err.Error(),
		})
		e.logger.Debug("retrying operation",
			slog.String("operation", name),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		return goretry.RetryableError(err)
	})

	details.Attempts = attempt
	details.Duration = time.Since(start)
	span.SetAttributes(attribute.Int("retry.attempts", attempt))

	if err == nil {
		if attempt > 1 {
			e.record(ctx, name, actionSucceeded, audit.LevelInfo, map[string]any{
				"attempt":     attempt,
				"duration_ms": details.Duration.Milliseconds(),
			})
		}

		return details, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	action := actionCancelled
	switch {
	case exhausted:
		action = actionExhausted
	case permanent:
		action = actionNonRetryable
	}

	e.record(ctx, name, action, audit.LevelError, map[string]any{
		"attempt":     attempt,
		"duration_ms": details.Duration.Milliseconds(),
		"error":       err.Error(),
	})

	return details, &Error{
		Op:        name,
		Attempts:  attempt,
		Duration:  details.Duration,
		Exhausted: exhausted,
		Err:       err,
	}
}

func (e *Executor) record(ctx context.Context, name, action string, level audit.Level, metadata map[string]any) {
	audit.Record(ctx, e.sink, audit.Event{
		Category: auditCategory,
		Action:   action,
		Key:      name,
		Level:    level,
		Metadata: metadata,
	})
}
