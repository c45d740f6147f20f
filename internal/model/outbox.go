package model

import "time"

// OutboxEvent is a change notification written in the same transaction as
// the document it describes and relayed to the event stream afterwards.
// AggregateID is the document id, EventType an eventbus event type such as
// ENTITY_UPDATED, and Payload the JSON form of eventbus.Payload:
//
//	{"entity_id":"sheet-1","skip_refresh":false,"origin":"<uuid>"}
//
// PublishedAt stays nil until the relay has delivered the event.
type OutboxEvent struct {
	ID          int64      `json:"id"`
	AggregateID string     `json:"aggregate_id"`
	EventType   string     `json:"event_type"`
	Payload     []byte     `json:"payload"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at"`
}

// CreateOutboxEventParams carries the columns set when a document write
// records its notification.
type CreateOutboxEventParams struct {
	AggregateID string
	EventType   string
	Payload     []byte
}
