package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

type subscription struct {
	id      uint64
	handler Handler
	active  atomic.Bool
}

// MemoryBus is an in-process Bus. Emit is synchronous: every handler has run
// when it returns. Handlers are called in registration order over a snapshot
// taken when Emit starts, so they may subscribe or unsubscribe freely.
type MemoryBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[EventType][]*subscription
	logger *slog.Logger
}

// NewMemoryBus creates an empty bus. A nil logger falls back to slog.Default.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}

	return &MemoryBus{
		subs:   make(map[EventType][]*subscription),
		logger: logger,
	}
}

// Subscribe registers handler for eventType. The returned function removes
// it and is safe to call more than once.
func (b *MemoryBus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{id: b.nextID, handler: handler}
	sub.active.Store(true)
	b.subs[eventType] = append(b.subs[eventType], sub)

	var once sync.Once

	return func() {
		once.Do(func() {
			sub.active.Store(false)
			b.remove(eventType, sub.id)
		})
	}
}

// Emit delivers the event to the current subscribers of eventType.
func (b *MemoryBus) Emit(ctx context.Context, eventType EventType, payload Payload) {
	b.mu.RLock()
	snapshot := make([]*subscription, len(b.subs[eventType]))
	copy(snapshot, b.subs[eventType])
	b.mu.RUnlock()

	event := Event{Type: eventType, Payload: payload}

	for _, sub := range snapshot {
		if !sub.active.Load() {
			continue
		}

		if err := b.deliver(ctx, sub, event); err != nil {
			b.logger.Error("event handler failed",
				slog.String("event_type", string(eventType)),
				slog.String("entity_id", payload.EntityID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// SubscriberCount returns the number of handlers registered for eventType.
func (b *MemoryBus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs[eventType])
}

func (*MemoryBus) deliver(ctx context.Context, sub *subscription, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return sub.handler(ctx, event)
}

func (b *MemoryBus) remove(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[eventType]
	for i, sub := range subs {
		if sub.id != id {
			continue
		}

		next := make([]*subscription, 0, len(subs)-1)
		next = append(next, subs[:i]...)
		next = append(next, subs[i+1:]...)

		if len(next) == 0 {
			delete(b.subs, eventType)
		} else {
			b.subs[eventType] = next
		}

		return
	}
}
