package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestNoopTelemetry(t *testing.T) {
	tel := NewNoop()

	ctx, span := tel.StartSpan(context.Background(), "test.op", attribute.String("k", "v"))
	assert.NotNil(t, ctx)
	span.End()

	assert.NotPanics(t, func() {
		tel.TasksEnqueued.Add(ctx, 1)
		tel.QueueDepth.Add(ctx, 1)
		tel.QueueDepth.Add(ctx, -1)
		tel.RecordRoutingLatency(ctx, 12.5, "multi-armed-bandit")
		tel.RecordVerdict(ctx, "REJECTED")
	})

	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestSpanHelpersWithoutSpan(t *testing.T) {
	// No span in context: helpers are no-ops, never panics.
	assert.NotPanics(t, func() {
		AddSpanEvent(context.Background(), "event", attribute.Int("n", 1))
		RecordSpanError(context.Background(), errors.New("x"))
		RecordSpanError(context.Background(), nil)
	})
}

func TestSpanHelpersWithSpan(t *testing.T) {
	tel := NewNoop()
	ctx, span := tel.StartSpan(context.Background(), "op")
	defer span.End()

	assert.NotPanics(t, func() {
		AddSpanEvent(ctx, "milestone")
		RecordSpanError(ctx, errors.New("boom"))
	})
}
