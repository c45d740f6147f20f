package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/tender-ledger/internal/audit"
)

func TestSinkCountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewSink(reg)
	require.NoError(t, err)

	ctx := context.Background()
	sink.RecordEvent(ctx, audit.Event{Category: "retry", Action: "attempt", Level: audit.LevelWarn})
	sink.RecordEvent(ctx, audit.Event{Category: "retry", Action: "attempt", Level: audit.LevelWarn})
	sink.RecordEvent(ctx, audit.Event{Category: "transaction", Action: "commit", Level: audit.LevelInfo})

	assert.InDelta(t, 2, testutil.ToFloat64(sink.events.WithLabelValues("retry", "attempt", "warn")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(sink.events.WithLabelValues("transaction", "commit", "info")), 0)

	_, err = NewSink(reg)
	assert.Error(t, err)
}
