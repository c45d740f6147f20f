// Package audit provides the fire-and-forget audit sink used by the persistence core.
package audit

import (
	"context"
	"log/slog"
)

// Level is the severity of an audit event.
type Level string

const (
	// LevelInfo marks routine outcomes.
	LevelInfo Level = "info"
	// LevelWarn marks recoverable failures.
	LevelWarn Level = "warn"
	// LevelError marks terminal failures.
	LevelError Level = "error"
)

// Event is a single audit record.
type Event struct {
	Category string
	Action   string
	Key      string
	Level    Level
	Metadata map[string]any
}

// Sink receives audit events. Implementations must not block for long and
// must swallow their own failures.
type Sink interface {
	RecordEvent(ctx context.Context, event Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event Event)

// RecordEvent calls f.
func (f SinkFunc) RecordEvent(ctx context.Context, event Event) {
	f(ctx, event)
}

// Nop discards every event.
var Nop Sink = SinkFunc(func(context.Context, Event) {})

// SlogSink writes audit events as structured log records.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink logging through logger, or slog.Default when nil.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}

	return &SlogSink{logger: logger}
}

// RecordEvent logs the event at the matching slog level.
func (s *SlogSink) RecordEvent(ctx context.Context, event Event) {
	attrs := make([]slog.Attr, 0, len(event.Metadata)+3)
	attrs = append(attrs,
		slog.String("category", event.Category),
		slog.String("action", event.Action),
		slog.String("key", event.Key),
	)

	for k, v := range event.Metadata {
		attrs = append(attrs, slog.Any(k, v))
	}

	s.logger.LogAttrs(ctx, event.Level.slogLevel(), "audit event", attrs...)
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MultiSink fans an event out to several sinks. A panicking sink does not
// prevent the others from receiving the event.
type MultiSink []Sink

// RecordEvent forwards the event to every sink.
func (m MultiSink) RecordEvent(ctx context.Context, event Event) {
	for _, sink := range m {
		record(ctx, sink, event)
	}
}

// Record delivers event to sink, recovering from panics. A nil sink is ignored.
func Record(ctx context.Context, sink Sink, event Event) {
	if sink == nil {
		return
	}

	record(ctx, sink, event)
}

func record(ctx context.Context, sink Sink, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("audit sink panicked",
				slog.String("category", event.Category),
				slog.String("action", event.Action),
				slog.Any("panic", r),
			)
		}
	}()

	sink.RecordEvent(ctx, event)
}
