// Package model defines the in-memory span representation shared by the
// aggregation and export pipeline.
package model

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys the export pipeline reads from spans. Both identity keys
// must be present and non-empty for a span to be exported.
const (
	AttrTenantID attribute.Key = "a365.tenant.id"
	AttrAgentID  attribute.Key = "a365.agent.id"
)

// ScopeInfo identifies the instrumentation scope a span was produced under.
type ScopeInfo struct {
	Name    string
	Version string
}

// Event is a timestamped named annotation on a span.
type Event struct {
	Name       string
	Time       time.Time
	Attributes []attribute.KeyValue
}

// Link points at a span in another trace.
type Link struct {
	SpanContext trace.SpanContext
	Attributes  []attribute.KeyValue
}

// SpanRecord is one completed unit of work. TraceID and SpanID are immutable
// once the record exists. Timestamps carry nanosecond precision.
type SpanRecord struct {
	TraceID       trace.TraceID
	SpanID        trace.SpanID
	ParentSpanID  trace.SpanID
	Name          string
	Kind          trace.SpanKind
	StartTime     time.Time
	EndTime       time.Time
	StatusCode    codes.Code
	StatusMessage string
	Attributes    []attribute.KeyValue
	Events        []Event
	Links         []Link
	Scope         ScopeInfo
	// Resource holds the resource attributes shared by every span in one
	// export batch. Taken from the batch's first span at encode time.
	Resource []attribute.KeyValue
}

// IsRoot reports whether the span has no parent within its trace
// (the parent span ID is absent or all-zero).
func (s SpanRecord) IsRoot() bool {
	return !s.ParentSpanID.IsValid()
}

// Attr returns the string form of the named attribute, or "" when absent.
func (s SpanRecord) Attr(key attribute.Key) string {
	for _, kv := range s.Attributes {
		if kv.Key == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

// FromReadOnlySpan converts a completed OpenTelemetry SDK span into a
// SpanRecord. The SDK hands spans to OnEnd immutable, so the slices returned
// by the accessors are safe to retain.
func FromReadOnlySpan(s sdktrace.ReadOnlySpan) SpanRecord {
	sc := s.SpanContext()
	rec := SpanRecord{
		TraceID:       sc.TraceID(),
		SpanID:        sc.SpanID(),
		Name:          s.Name(),
		Kind:          s.SpanKind(),
		StartTime:     s.StartTime(),
		EndTime:       s.EndTime(),
		StatusCode:    s.Status().Code,
		StatusMessage: s.Status().Description,
		Attributes:    s.Attributes(),
		Scope: ScopeInfo{
			Name:    s.InstrumentationScope().Name,
			Version: s.InstrumentationScope().Version,
		},
	}
	if parent := s.Parent(); parent.SpanID().IsValid() {
		rec.ParentSpanID = parent.SpanID()
	}
	for _, e := range s.Events() {
		rec.Events = append(rec.Events, Event{
			Name:       e.Name,
			Time:       e.Time,
			Attributes: e.Attributes,
		})
	}
	for _, l := range s.Links() {
		rec.Links = append(rec.Links, Link{
			SpanContext: l.SpanContext,
			Attributes:  l.Attributes,
		})
	}
	if res := s.Resource(); res != nil {
		rec.Resource = res.Attributes()
	}
	return rec
}

// KindName maps a span kind to its canonical wire name.
// Unrecognized kinds map to UNSPECIFIED.
func KindName(k trace.SpanKind) string {
	switch k {
	case trace.SpanKindInternal:
		return "INTERNAL"
	case trace.SpanKindServer:
		return "SERVER"
	case trace.SpanKindClient:
		return "CLIENT"
	case trace.SpanKindProducer:
		return "PRODUCER"
	case trace.SpanKindConsumer:
		return "CONSUMER"
	default:
		return "UNSPECIFIED"
	}
}

// StatusName maps a status code to its canonical wire name.
// Unrecognized codes map to UNSET.
func StatusName(c codes.Code) string {
	switch c {
	case codes.Ok:
		return "OK"
	case codes.Error:
		return "ERROR"
	default:
		return "UNSET"
	}
}
