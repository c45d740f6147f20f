package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/rueidis"
)

const (
	fieldEventType = "event_type"
	fieldEntityID  = "entity_id"
	fieldPayload   = "payload"

	streamBlockTimeout = 1000 // milliseconds
	streamErrorBackoff = time.Second
)

var (
	// ErrMalformedMessage is returned for stream entries missing required fields.
	ErrMalformedMessage = errors.New("malformed stream message")
)

// StreamPublisher appends events to a Redis stream so that other processes
// can re-emit them on their own bus.
type StreamPublisher struct {
	client rueidis.Client
	stream string
}

// NewStreamPublisher creates a publisher writing to stream.
func NewStreamPublisher(client rueidis.Client, stream string) *StreamPublisher {
	return &StreamPublisher{client: client, stream: stream}
}

// Publish appends event to the stream.
func (p *StreamPublisher) Publish(ctx context.Context, event Event) error {
	fields, err := encodeFields(event)
	if err != nil {
		return err
	}

	cmd := p.client.B().Xadd().Key(p.stream).Id("*").
		FieldValue().
		FieldValue(fieldEventType, fields[fieldEventType]).
		FieldValue(fieldEntityID, fields[fieldEntityID]).
		FieldValue(fieldPayload, fields[fieldPayload]).
		Build()

	if err := p.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to publish %s to stream %s: %w", event.Type, p.stream, err)
	}

	return nil
}

// StreamConsumer reads a Redis stream through a consumer group and
// re-emits each entry on a local Bus.
type StreamConsumer struct {
	client   rueidis.Client
	bus      Bus
	stream   string
	group    string
	consumer string
	logger   *slog.Logger
}

// NewStreamConsumer creates a consumer. A nil logger falls back to slog.Default.
func NewStreamConsumer(
	client rueidis.Client, bus Bus, stream, group, consumer string, logger *slog.Logger,
) *StreamConsumer {
	if logger == nil {
		logger = slog.Default()
	}

	return &StreamConsumer{
		client:   client,
		bus:      bus,
		stream:   stream,
		group:    group,
		consumer: consumer,
		logger:   logger,
	}
}

// EnsureGroup creates the consumer group. An existing group is not an error.
func (c *StreamConsumer) EnsureGroup(ctx context.Context) {
	cmd := c.client.B().XgroupCreate().Key(c.stream).Group(c.group).Id("0").Mkstream().Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		c.logger.Info("consumer group creation result (may already exist)", slog.String("error", err.Error()))
	}
}

// Run consumes until ctx is cancelled.
func (c *StreamConsumer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("stream consumer stopped", slog.String("stream", c.stream))
			return
		default:
			if err := c.ConsumeOnce(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("error consuming stream", slog.String("error", err.Error()))
				time.Sleep(streamErrorBackoff)
			}
		}
	}
}

// ConsumeOnce reads at most one batch, emits every decodable entry and
// acknowledges it. Malformed entries are acknowledged and dropped.
func (c *StreamConsumer) ConsumeOnce(ctx context.Context) error {
	readCmd := c.client.B().Xreadgroup().Group(c.group, c.consumer).
		Count(1).
		Block(streamBlockTimeout).
		Streams().
		Key(c.stream).
		Id(">").
		Build()

	streams, err := c.client.Do(ctx, readCmd).AsXRead()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil
		}

		return err
	}

	for _, entries := range streams {
		for _, entry := range entries {
			event, err := decodeFields(entry.FieldValues)
			if err != nil {
				c.logger.Warn("dropping stream message",
					slog.String("message_id", entry.ID),
					slog.String("error", err.Error()),
				)
			} else {
				c.bus.Emit(ctx, event.Type, event.Payload)
			}

			c.ack(ctx, entry.ID)
		}
	}

	return nil
}

func (c *StreamConsumer) ack(ctx context.Context, messageID string) {
	cmd := c.client.B().Xack().Key(c.stream).Group(c.group).Id(messageID).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		c.logger.Error("failed to ACK message",
			slog.String("message_id", messageID),
			slog.String("error", err.Error()),
		)
	}
}

func encodeFields(event Event) (map[string]string, error) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	return map[string]string{
		fieldEventType: string(event.Type),
		fieldEntityID:  event.Payload.EntityID,
		fieldPayload:   string(payload),
	}, nil
}

func decodeFields(fields map[string]string) (Event, error) {
	eventType, ok := fields[fieldEventType]
	if !ok || eventType == "" {
		return Event{}, fmt.Errorf("%w: missing %s", ErrMalformedMessage, fieldEventType)
	}

	raw, ok := fields[fieldPayload]
	if !ok {
		return Event{}, fmt.Errorf("%w: missing %s", ErrMalformedMessage, fieldPayload)
	}

	var payload Payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	return Event{Type: EventType(eventType), Payload: payload}, nil
}
