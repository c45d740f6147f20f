// Package eventbus provides the publish/subscribe channel stores use to tell
// each other that an aggregate changed.
package eventbus

import (
	"context"

	"github.com/google/uuid"
)

// EventType tags an event.
type EventType string

const (
	// EventTypeEntityUpdated signals that a single aggregate changed.
	EventTypeEntityUpdated EventType = "ENTITY_UPDATED"
	// EventTypeEntitiesUpdated invalidates every aggregate of a kind.
	EventTypeEntitiesUpdated EventType = "ENTITIES_UPDATED"
)

// Origin identifies the writer that caused an event. Stores compare it
// against their own token to ignore the echo of their writes.
type Origin string

// NewOrigin returns a fresh origin token.
func NewOrigin() Origin {
	return Origin(uuid.NewString())
}

// Payload is the body of an event.
type Payload struct {
	EntityID    string `json:"entity_id,omitempty"`
	SkipRefresh bool   `json:"skip_refresh"`
	Origin      Origin `json:"origin,omitempty"`
}

// IsFrom reports whether the payload asks origin to skip its own refresh.
func (p Payload) IsFrom(origin Origin) bool {
	return p.SkipRefresh && origin != "" && p.Origin == origin
}

// Event is a single notification.
type Event struct {
	Type    EventType `json:"type"`
	Payload Payload   `json:"payload"`
}

// Handler reacts to an event. A returned error is logged by the bus and does
// not affect other handlers.
type Handler func(ctx context.Context, event Event) error

// Bus fans events out to subscribers.
type Bus interface {
	Emit(ctx context.Context, eventType EventType, payload Payload)
	Subscribe(eventType EventType, handler Handler) (unsubscribe func())
}
