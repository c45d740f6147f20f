package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitDeliversInRegistrationOrder(t *testing.T) {
	bus := NewMemoryBus(nil)
	var order []string

	bus.Subscribe(EventTypeEntityUpdated, func(_ context.Context, e Event) error {
		order = append(order, "first:"+e.Payload.EntityID)
		return nil
	})
	bus.Subscribe(EventTypeEntityUpdated, func(_ context.Context, e Event) error {
		order = append(order, "second:"+e.Payload.EntityID)
		return nil
	})
	bus.Subscribe(EventTypeEntitiesUpdated, func(context.Context, Event) error {
		order = append(order, "bulk")
		return nil
	})

	bus.Emit(context.Background(), EventTypeEntityUpdated, Payload{EntityID: "sheet-1"})

	assert.Equal(t, []string{"first:sheet-1", "second:sheet-1"}, order)
}

func TestEmitIsolatesFailingHandlers(t *testing.T) {
	bus := NewMemoryBus(nil)
	calls := 0

	bus.Subscribe(EventTypeEntityUpdated, func(context.Context, Event) error {
		return errors.New("refresh failed")
	})
	bus.Subscribe(EventTypeEntityUpdated, func(context.Context, Event) error {
		panic("handler bug")
	})
	bus.Subscribe(EventTypeEntityUpdated, func(context.Context, Event) error {
		calls++
		return nil
	})

	assert.NotPanics(t, func() {
		bus.Emit(context.Background(), EventTypeEntityUpdated, Payload{EntityID: "x"})
	})
	assert.Equal(t, 1, calls)
}

func TestUnsubscribeDuringEmit(t *testing.T) {
	bus := NewMemoryBus(nil)
	var calls []string

	var unsubscribeSecond func()
	unsubscribeFirst := bus.Subscribe(EventTypeEntityUpdated, func(context.Context, Event) error {
		calls = append(calls, "first")
		unsubscribeSecond()
		return nil
	})
	unsubscribeSecond = bus.Subscribe(EventTypeEntityUpdated, func(context.Context, Event) error {
		calls = append(calls, "second")
		return nil
	})
	bus.Subscribe(EventTypeEntityUpdated, func(context.Context, Event) error {
		calls = append(calls, "third")
		return nil
	})

	bus.Emit(context.Background(), EventTypeEntityUpdated, Payload{})
	assert.Equal(t, []string{"first", "third"}, calls)
	assert.Equal(t, 2, bus.SubscriberCount(EventTypeEntityUpdated))

	unsubscribeFirst()
	unsubscribeFirst()
	assert.Equal(t, 1, bus.SubscriberCount(EventTypeEntityUpdated))
}

func TestSubscribeDuringEmitIsNotDelivered(t *testing.T) {
	bus := NewMemoryBus(nil)
	late := 0

	bus.Subscribe(EventTypeEntityUpdated, func(context.Context, Event) error {
		bus.Subscribe(EventTypeEntityUpdated, func(context.Context, Event) error {
			late++
			return nil
		})
		return nil
	})

	bus.Emit(context.Background(), EventTypeEntityUpdated, Payload{})
	assert.Zero(t, late)

	bus.Emit(context.Background(), EventTypeEntityUpdated, Payload{})
	assert.Equal(t, 1, late)
}

func TestPayloadIsFrom(t *testing.T) {
	origin := NewOrigin()

	assert.True(t, Payload{SkipRefresh: true, Origin: origin}.IsFrom(origin))
	assert.False(t, Payload{SkipRefresh: false, Origin: origin}.IsFrom(origin))
	assert.False(t, Payload{SkipRefresh: true, Origin: NewOrigin()}.IsFrom(origin))
	assert.False(t, Payload{SkipRefresh: true}.IsFrom(""))
}

func TestStreamFieldsCarryPayload(t *testing.T) {
	origin := NewOrigin()
	in := Event{
		Type:    EventTypeEntityUpdated,
		Payload: Payload{EntityID: "sheet-7", SkipRefresh: true, Origin: origin},
	}

	fields, err := encodeFields(in)
	require.NoError(t, err)
	assert.Equal(t, "sheet-7", fields[fieldEntityID])

	out, err := decodeFields(fields)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decodeFields(map[string]string{fieldPayload: "{}"})
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = decodeFields(map[string]string{fieldEventType: "ENTITY_UPDATED", fieldPayload: "{"})
	assert.ErrorIs(t, err, ErrMalformedMessage)
}
