package model

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func endedSpans(t *testing.T, record func(ctx context.Context, tracer oteltrace.Tracer)) []sdktrace.ReadOnlySpan {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	record(context.Background(), tp.Tracer("model_test"))
	spans := recorder.Ended()
	require.NotEmpty(t, spans)
	return spans
}

func TestFromReadOnlySpan(t *testing.T) {
	spans := endedSpans(t, func(ctx context.Context, tracer oteltrace.Tracer) {
		ctx, root := tracer.Start(ctx, "invoke_agent",
			oteltrace.WithSpanKind(oteltrace.SpanKindServer),
			oteltrace.WithAttributes(
				AttrTenantID.String("t1"),
				AttrAgentID.String("a1"),
			),
		)
		_, child := tracer.Start(ctx, "execute_tool lookup_order")
		child.RecordError(errors.New("order not found"))
		child.SetStatus(codes.Error, "order not found")
		child.End()
		root.End()
	})
	require.Len(t, spans, 2)

	child := FromReadOnlySpan(spans[0])
	root := FromReadOnlySpan(spans[1])

	assert.Equal(t, root.TraceID, child.TraceID)
	assert.Equal(t, root.SpanID, child.ParentSpanID)
	assert.True(t, root.IsRoot())
	assert.False(t, child.IsRoot())

	assert.Equal(t, "invoke_agent", root.Name)
	assert.Equal(t, oteltrace.SpanKindServer, root.Kind)
	assert.Equal(t, "t1", root.Attr(AttrTenantID))
	assert.Equal(t, "a1", root.Attr(AttrAgentID))
	assert.Equal(t, "", root.Attr("missing"))
	assert.False(t, root.StartTime.IsZero())
	assert.False(t, root.EndTime.IsZero())
	assert.Equal(t, "model_test", root.Scope.Name)
	assert.NotEmpty(t, root.Resource)

	assert.Equal(t, codes.Error, child.StatusCode)
	assert.Equal(t, "order not found", child.StatusMessage)
	// RecordError produces an exception event.
	require.NotEmpty(t, child.Events)
	assert.Equal(t, "exception", child.Events[0].Name)
}

func TestFromReadOnlySpan_Links(t *testing.T) {
	linked := oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID: oteltrace.TraceID{0x01},
		SpanID:  oteltrace.SpanID{0x02},
	})
	spans := endedSpans(t, func(ctx context.Context, tracer oteltrace.Tracer) {
		_, span := tracer.Start(ctx, "op",
			oteltrace.WithLinks(oteltrace.Link{
				SpanContext: linked,
				Attributes:  []attribute.KeyValue{attribute.String("reason", "retry_of")},
			}),
		)
		span.End()
	})

	rec := FromReadOnlySpan(spans[0])
	require.Len(t, rec.Links, 1)
	assert.Equal(t, linked.TraceID(), rec.Links[0].SpanContext.TraceID())
	assert.Equal(t, "retry_of", rec.Links[0].Attributes[0].Value.AsString())
}

func TestKindName(t *testing.T) {
	assert.Equal(t, "INTERNAL", KindName(oteltrace.SpanKindInternal))
	assert.Equal(t, "SERVER", KindName(oteltrace.SpanKindServer))
	assert.Equal(t, "CLIENT", KindName(oteltrace.SpanKindClient))
	assert.Equal(t, "PRODUCER", KindName(oteltrace.SpanKindProducer))
	assert.Equal(t, "CONSUMER", KindName(oteltrace.SpanKindConsumer))
	assert.Equal(t, "UNSPECIFIED", KindName(oteltrace.SpanKindUnspecified))
}

func TestStatusName(t *testing.T) {
	assert.Equal(t, "OK", StatusName(codes.Ok))
	assert.Equal(t, "ERROR", StatusName(codes.Error))
	assert.Equal(t, "UNSET", StatusName(codes.Unset))
}
