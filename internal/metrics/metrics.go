// Package metrics turns audit events into Prometheus counters.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jnst/tender-ledger/internal/audit"
)

// Sink is an audit.Sink counting events by category, action and level.
type Sink struct {
	events *prometheus.CounterVec
}

// NewSink creates a Sink and registers its collector with reg.
func NewSink(reg prometheus.Registerer) (*Sink, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tender_ledger",
		Name:      "persistence_events_total",
		Help:      "Retry and transaction outcomes recorded by the persistence core.",
	}, []string{"category", "action", "level"})

	if err := reg.Register(events); err != nil {
		return nil, err
	}

	return &Sink{events: events}, nil
}

// RecordEvent increments the counter for the event.
func (s *Sink) RecordEvent(_ context.Context, event audit.Event) {
	s.events.WithLabelValues(event.Category, event.Action, string(event.Level)).Inc()
}
