// Package runtracer is a thin convenience layer over the OpenTelemetry
// trace API for instrumenting agent runs. It stamps every span with the
// tenant and agent identity attributes the export pipeline partitions by,
// and with gen_ai semantic-convention attributes for model and tool calls.
//
// Instrumentation built directly on the otel API works identically; this
// package only saves the attribute bookkeeping.
package runtracer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	agent365 "github.com/microsoft/agent365-go"
)

const (
	attrRunID attribute.Key = "a365.run.id"

	opInvokeAgent = "invoke_agent"
	opChat        = "chat"
	opExecuteTool = "execute_tool"
)

// Tracer creates identity-stamped spans for one agent.
type Tracer struct {
	tracer   oteltrace.Tracer
	identity agent365.Identity
}

// New returns a Tracer that opens spans on tracer and attaches identity
// to each of them.
func New(tracer oteltrace.Tracer, identity agent365.Identity) *Tracer {
	return &Tracer{tracer: tracer, identity: identity}
}

// Run is one top-level agent invocation. Its span is the root of the
// trace; child spans opened from the returned context aggregate under it.
type Run struct {
	ID   string
	span oteltrace.Span
}

// StartRun opens the root span for an agent invocation. The returned
// context carries the span; pass it to Model and Tool so their spans
// become children of the run.
func (t *Tracer) StartRun(ctx context.Context, name string) (context.Context, *Run) {
	runID := uuid.NewString()
	ctx, span := t.tracer.Start(ctx, name,
		oteltrace.WithSpanKind(oteltrace.SpanKindServer),
		oteltrace.WithAttributes(append(t.identity.Attributes(),
			agent365.AttrOperationName.String(opInvokeAgent),
			attrRunID.String(runID),
		)...),
	)
	return ctx, &Run{ID: runID, span: span}
}

// End closes the run span. A non-nil err records it and marks the span
// with error status.
func (r *Run) End(err error) {
	endSpan(r.span, err)
}

// ModelCall is a single model invocation within a run.
type ModelCall struct {
	span oteltrace.Span
}

// Model opens a child span for a model call.
func (t *Tracer) Model(ctx context.Context, model string) (context.Context, *ModelCall) {
	ctx, span := t.tracer.Start(ctx, opChat+" "+model,
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(append(t.identity.Attributes(),
			agent365.AttrOperationName.String(opChat),
			agent365.AttrRequestModel.String(model),
		)...),
	)
	return ctx, &ModelCall{span: span}
}

// SetUsage records token consumption on the model-call span.
func (c *ModelCall) SetUsage(inputTokens, outputTokens int64) {
	c.span.SetAttributes(
		agent365.AttrUsageInputTokens.Int64(inputTokens),
		agent365.AttrUsageOutputTokens.Int64(outputTokens),
	)
}

// End closes the model-call span.
func (c *ModelCall) End(err error) {
	endSpan(c.span, err)
}

// ToolCall is a single tool invocation within a run.
type ToolCall struct {
	span oteltrace.Span
}

// Tool opens a child span for a tool call.
func (t *Tracer) Tool(ctx context.Context, name string) (context.Context, *ToolCall) {
	ctx, span := t.tracer.Start(ctx, opExecuteTool+" "+name,
		oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
		oteltrace.WithAttributes(append(t.identity.Attributes(),
			agent365.AttrOperationName.String(opExecuteTool),
			agent365.AttrToolName.String(name),
		)...),
	)
	return ctx, &ToolCall{span: span}
}

// End closes the tool-call span.
func (c *ToolCall) End(err error) {
	endSpan(c.span, err)
}

func endSpan(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End(oteltrace.WithTimestamp(time.Now()))
}
