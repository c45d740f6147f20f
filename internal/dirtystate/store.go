// Package dirtystate keeps an editable working copy of an aggregate next to
// its last persisted baseline and reconciles the two through a repository.
package dirtystate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jnst/tender-ledger/internal/eventbus"
	"github.com/jnst/tender-ledger/internal/repository"
	"github.com/jnst/tender-ledger/internal/retry"
)

var (
	// ErrNotLoaded is returned by Update when no aggregate has been loaded.
	ErrNotLoaded = errors.New("no aggregate loaded")
	// ErrInvalidPatch is returned by Update for unknown fields or mistyped values.
	ErrInvalidPatch = errors.New("invalid patch")
)

// State is a point-in-time copy of a store's state.
type State[T any] struct {
	ID          string
	Baseline    *T
	Working     *T
	DirtyFields []string
	IsDirty     bool
	IsSaving    bool
	LastSaved   time.Time
	Err         error
}

type options struct {
	name     string
	executor *retry.Executor
	bus      eventbus.Bus
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Store.
type Option func(*options)

// WithName sets the name used for retry operations and log records.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithExecutor sets the executor wrapping repository calls.
func WithExecutor(executor *retry.Executor) Option {
	return func(o *options) {
		o.executor = executor
	}
}

// WithBus sets the bus that receives change notifications.
func WithBus(bus eventbus.Bus) Option {
	return func(o *options) {
		o.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Store tracks edits to one aggregate. Save overwrites the stored record
// with the working copy; there is no conflict detection.
type Store[T any] struct {
	repo     repository.Repository[T]
	executor *retry.Executor
	bus      eventbus.Bus
	logger   *slog.Logger
	now      func() time.Time
	name     string
	origin   eventbus.Origin

	mu          sync.Mutex
	id          string
	baseline    *T
	working     *T
	dirty       map[string]struct{}
	saving      bool
	lastSaved   time.Time
	err         error
	unsubscribe []func()
}

// New creates a Store over repo. Without WithExecutor, repository calls are
// retried with retry.DefaultPolicy and repository.IsRetryable.
func New[T any](repo repository.Repository[T], opts ...Option) (*Store[T], error) {
	o := options{
		name:   "aggregate",
		logger: slog.Default(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(&o)
	}

	if o.executor == nil {
		policy := retry.DefaultPolicy()
		policy.IsRetryable = repository.IsRetryable

		executor, err := retry.New(policy, retry.WithLogger(o.logger))
		if err != nil {
			return nil, err
		}

		o.executor = executor
	}

	return &Store[T]{
		repo:     repo,
		executor: o.executor,
		bus:      o.bus,
		logger:   o.logger.With(slog.String("store", o.name)),
		now:      o.now,
		name:     o.name,
		origin:   eventbus.NewOrigin(),
		dirty:    make(map[string]struct{}),
	}, nil
}

// Origin returns the token this store stamps on its writes.
func (s *Store[T]) Origin() eventbus.Origin {
	return s.origin
}

// Load fetches id and makes it both the baseline and the working copy,
// discarding any edits and errors.
func (s *Store[T]) Load(ctx context.Context, id string) error {
	aggregate, err := retry.Do(ctx, s.executor, s.name+".get", func(ctx context.Context) (T, error) {
		return s.repo.Get(ctx, id)
	})
	if err != nil {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()

		return fmt.Errorf("failed to load %s %s: %w", s.name, id, err)
	}

	working, err := clone(aggregate)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.id = id
	s.baseline = &aggregate
	s.working = &working
	s.dirty = make(map[string]struct{})
	s.err = nil

	return nil
}

// Update merges patch into the working copy. Keys must be the exact
// top-level JSON field names of T; only fields whose encoded value actually
// changes become dirty.
func (s *Store[T]) Update(patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.working == nil {
		return ErrNotLoaded
	}

	fields, err := fieldsOf(*s.working)
	if err != nil {
		return err
	}

	known := fieldNames[T](fields)
	merged := make(map[string]json.RawMessage, len(fields)+len(patch))
	for key, value := range fields {
		merged[key] = value
	}

	for key, value := range patch {
		if _, ok := known[key]; !ok {
			return fmt.Errorf("%w: unknown field %q", ErrInvalidPatch, key)
		}

		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("%w: field %q: %w", ErrInvalidPatch, key, err)
		}

		merged[key] = raw
	}

	next, err := fromFields[T](merged)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPatch, err)
	}

	nextFields, err := fieldsOf(next)
	if err != nil {
		return err
	}

	changed := diffFields(fields, nextFields)
	if len(changed) == 0 {
		return nil
	}

	s.working = &next
	for _, key := range changed {
		s.dirty[key] = struct{}{}
	}

	return nil
}

// Save persists the working copy. It is a no-op when nothing is loaded or
// nothing changed. On failure the dirty state is kept so Save can be called again.
func (s *Store[T]) Save(ctx context.Context) error {
	id, snapshot, ok, err := s.beginWrite(true)
	if err != nil || !ok {
		return err
	}

	err = s.persist(ctx, id, snapshot, false)

	s.mu.Lock()
	s.saving = false
	if err != nil {
		if s.id == id {
			s.err = err
		}
		s.mu.Unlock()

		return fmt.Errorf("failed to save %s %s: %w", s.name, id, err)
	}
	s.mu.Unlock()

	s.commit(ctx, id, snapshot)

	return nil
}

// AutoSave persists the working copy like Save but never reports an error,
// never flags the store as saving, and marks the write so this store does not
// refresh itself from the resulting notification.
func (s *Store[T]) AutoSave(ctx context.Context) {
	id, snapshot, ok, err := s.beginWrite(false)
	if err != nil {
		s.logger.Warn("auto-save skipped", slog.String("error", err.Error()))
		return
	}

	if !ok {
		return
	}

	if err := s.persist(ctx, id, snapshot, true); err != nil {
		s.logger.Warn("auto-save failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)

		return
	}

	s.commit(ctx, id, snapshot)
}

// Cancel replaces the working copy with the baseline, discarding edits.
func (s *Store[T]) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.baseline == nil {
		s.working = nil
	} else {
		working, err := clone(*s.baseline)
		if err != nil {
			return err
		}

		s.working = &working
	}

	s.dirty = make(map[string]struct{})
	s.err = nil

	return nil
}

// Restore makes baseline the last persisted state and working the working
// copy. Fields where the two differ become dirty.
func (s *Store[T]) Restore(baseline, working T) error {
	base, err := clone(baseline)
	if err != nil {
		return err
	}

	next, err := clone(working)
	if err != nil {
		return err
	}

	persisted, err := fieldsOf(base)
	if err != nil {
		return err
	}

	current, err := fieldsOf(next)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.baseline = &base
	s.working = &next
	s.dirty = make(map[string]struct{})
	for _, key := range diffFields(persisted, current) {
		s.dirty[key] = struct{}{}
	}

	return nil
}

// Reset is Cancel.
func (s *Store[T]) Reset() error {
	return s.Cancel()
}

// Working returns a copy of the working aggregate.
func (s *Store[T]) Working() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.working == nil {
		var zero T
		return zero, false
	}

	working, err := clone(*s.working)
	if err != nil {
		return working, false
	}

	return working, true
}

// IsDirty reports whether the working copy has unsaved edits.
func (s *Store[T]) IsDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.dirty) > 0
}

// Snapshot returns a copy of the store state.
func (s *Store[T]) Snapshot() State[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := State[T]{
		ID:          s.id,
		DirtyFields: s.dirtyFields(),
		IsDirty:     len(s.dirty) > 0,
		IsSaving:    s.saving,
		LastSaved:   s.lastSaved,
		Err:         s.err,
	}

	if s.baseline != nil {
		if baseline, err := clone(*s.baseline); err == nil {
			state.Baseline = &baseline
		}
	}

	if s.working != nil {
		if working, err := clone(*s.working); err == nil {
			state.Working = &working
		}
	}

	return state
}

// Watch subscribes the store to change notifications. Notifications about
// the loaded aggregate trigger a reload unless they echo this store's own
// write or the store holds unsaved edits.
func (s *Store[T]) Watch() {
	if s.bus == nil {
		return
	}

	unsubscribeOne := s.bus.Subscribe(eventbus.EventTypeEntityUpdated, s.onEvent)
	unsubscribeAll := s.bus.Subscribe(eventbus.EventTypeEntitiesUpdated, s.onEvent)

	s.mu.Lock()
	s.unsubscribe = append(s.unsubscribe, unsubscribeOne, unsubscribeAll)
	s.mu.Unlock()
}

// Close removes the subscriptions made by Watch.
func (s *Store[T]) Close() {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	for _, fn := range unsubscribe {
		fn()
	}
}

func (s *Store[T]) onEvent(ctx context.Context, event eventbus.Event) error {
	if event.Payload.IsFrom(s.origin) {
		return nil
	}

	s.mu.Lock()
	id := s.id
	dirty := len(s.dirty) > 0
	s.mu.Unlock()

	if id == "" {
		return nil
	}

	if event.Type == eventbus.EventTypeEntityUpdated && event.Payload.EntityID != id {
		return nil
	}

	if dirty {
		s.logger.Warn("skipping refresh of edited aggregate",
			slog.String("id", id),
			slog.String("event_type", string(event.Type)),
		)

		return nil
	}

	s.logger.Debug("refreshing aggregate", slog.String("id", id))

	return s.Load(ctx, id)
}

// beginWrite captures the working copy for persistence. ok is false when
// there is nothing to write.
func (s *Store[T]) beginWrite(markSaving bool) (id string, snapshot T, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.working == nil || len(s.dirty) == 0 {
		return "", snapshot, false, nil
	}

	snapshot, err = clone(*s.working)
	if err != nil {
		return "", snapshot, false, err
	}

	if markSaving {
		s.saving = true
	}

	return s.id, snapshot, true, nil
}

func (s *Store[T]) persist(ctx context.Context, id string, snapshot T, skipEvent bool) error {
	opts := repository.SaveOptions{SkipEvent: skipEvent, Origin: s.origin}

	return s.executor.Execute(ctx, s.name+".save", func(ctx context.Context) error {
		return s.repo.Save(ctx, id, snapshot, opts)
	})
}

// commit makes the persisted snapshot the new baseline and notifies the bus.
// Edits made while the write was in flight stay dirty. A write that finishes
// after another aggregate was loaded leaves the store untouched.
func (s *Store[T]) commit(ctx context.Context, id string, snapshot T) {
	s.mu.Lock()

	if loaded := s.id; loaded != id {
		s.mu.Unlock()
		s.logger.Debug("discarding write for unloaded aggregate",
			slog.String("id", id),
			slog.String("loaded_id", loaded),
		)

		return
	}

	baseline := snapshot
	s.baseline = &baseline
	s.lastSaved = s.now()
	s.err = nil
	s.dirty = make(map[string]struct{})

	if s.working != nil {
		persisted, errA := fieldsOf(snapshot)
		current, errB := fieldsOf(*s.working)
		if errA == nil && errB == nil {
			for _, key := range diffFields(persisted, current) {
				s.dirty[key] = struct{}{}
			}
		}
	}

	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Emit(ctx, eventbus.EventTypeEntityUpdated, eventbus.Payload{
			EntityID:    id,
			SkipRefresh: true,
			Origin:      s.origin,
		})
	}
}

func (s *Store[T]) dirtyFields() []string {
	fields := make([]string, 0, len(s.dirty))
	for k := range s.dirty {
		fields = append(fields, k)
	}

	sort.Strings(fields)

	return fields
}
