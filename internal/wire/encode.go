// Package wire encodes span batches into the OTLP-shaped JSON document the
// ingestion service accepts: one resource wrapping scope groups wrapping
// spans. Empty attribute/event/link lists are omitted rather than serialized
// as empty containers to keep payloads compact.
package wire

import (
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/microsoft/agent365-go/internal/model"
)

// ExportBatch is the top-level export document. Built fresh per export call
// and discarded once the HTTP request completes.
type ExportBatch struct {
	Resource   Resource     `json:"resource"`
	ScopeSpans []ScopeSpans `json:"scopeSpans"`
}

// Resource carries the attributes shared by every span in the batch.
type Resource struct {
	Attributes []KeyValue `json:"attributes,omitempty"`
}

// ScopeSpans groups the spans produced under one instrumentation scope.
type ScopeSpans struct {
	Scope Scope  `json:"scope"`
	Spans []Span `json:"spans"`
}

// Scope is an instrumentation scope identity.
type Scope struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Span is one encoded span. IDs are fixed-width lowercase hex: 32 characters
// for the trace ID, 16 for span and parent IDs. The parent field is omitted
// when absent or all-zero.
type Span struct {
	TraceID           string     `json:"traceId"`
	SpanID            string     `json:"spanId"`
	ParentSpanID      string     `json:"parentSpanId,omitempty"`
	Name              string     `json:"name"`
	Kind              string     `json:"kind"`
	StartTimeUnixNano int64      `json:"startTimeUnixNano"`
	EndTimeUnixNano   int64      `json:"endTimeUnixNano"`
	Status            Status     `json:"status"`
	Attributes        []KeyValue `json:"attributes,omitempty"`
	Events            []Event    `json:"events,omitempty"`
	Links             []Link     `json:"links,omitempty"`
}

// Status is the span outcome: UNSET, OK, or ERROR.
type Status struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Event is an encoded span event.
type Event struct {
	Name         string     `json:"name"`
	TimeUnixNano int64      `json:"timeUnixNano"`
	Attributes   []KeyValue `json:"attributes,omitempty"`
}

// Link is an encoded span link.
type Link struct {
	TraceID    string     `json:"traceId"`
	SpanID     string     `json:"spanId"`
	Attributes []KeyValue `json:"attributes,omitempty"`
}

// KeyValue is one encoded attribute.
type KeyValue struct {
	Key   string `json:"key"`
	Value Value  `json:"value"`
}

// Value holds one scalar or array attribute value; exactly one field is set.
type Value struct {
	StringValue *string     `json:"stringValue,omitempty"`
	BoolValue   *bool       `json:"boolValue,omitempty"`
	IntValue    *int64      `json:"intValue,omitempty"`
	DoubleValue *float64    `json:"doubleValue,omitempty"`
	ArrayValue  *ArrayValue `json:"arrayValue,omitempty"`
}

// ArrayValue holds the elements of a slice-valued attribute.
type ArrayValue struct {
	Values []Value `json:"values"`
}

// Encode builds one ExportBatch from spans sharing one identity group.
// Spans are grouped by instrumentation scope in first-seen order; resource
// attributes are taken once from the first span, since every span in one
// export shares a resource.
func Encode(spans []model.SpanRecord) ExportBatch {
	batch := ExportBatch{}
	if len(spans) == 0 {
		return batch
	}
	batch.Resource.Attributes = encodeAttributes(spans[0].Resource)

	index := make(map[model.ScopeInfo]int)
	for _, s := range spans {
		i, ok := index[s.Scope]
		if !ok {
			i = len(batch.ScopeSpans)
			index[s.Scope] = i
			batch.ScopeSpans = append(batch.ScopeSpans, ScopeSpans{
				Scope: Scope{Name: s.Scope.Name, Version: s.Scope.Version},
			})
		}
		batch.ScopeSpans[i].Spans = append(batch.ScopeSpans[i].Spans, encodeSpan(s))
	}
	return batch
}

func encodeSpan(s model.SpanRecord) Span {
	out := Span{
		TraceID:           s.TraceID.String(),
		SpanID:            s.SpanID.String(),
		Name:              s.Name,
		Kind:              model.KindName(s.Kind),
		StartTimeUnixNano: UnixNanos(s.StartTime),
		EndTimeUnixNano:   UnixNanos(s.EndTime),
		Status: Status{
			Code:    model.StatusName(s.StatusCode),
			Message: s.StatusMessage,
		},
		Attributes: encodeAttributes(s.Attributes),
	}
	if s.ParentSpanID.IsValid() {
		out.ParentSpanID = s.ParentSpanID.String()
	}
	for _, e := range s.Events {
		out.Events = append(out.Events, Event{
			Name:         e.Name,
			TimeUnixNano: UnixNanos(e.Time),
			Attributes:   encodeAttributes(e.Attributes),
		})
	}
	for _, l := range s.Links {
		out.Links = append(out.Links, Link{
			TraceID:    l.SpanContext.TraceID().String(),
			SpanID:     l.SpanContext.SpanID().String(),
			Attributes: encodeAttributes(l.Attributes),
		})
	}
	return out
}

func encodeAttributes(attrs []attribute.KeyValue) []KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		out = append(out, KeyValue{
			Key:   string(kv.Key),
			Value: encodeValue(kv.Value),
		})
	}
	return out
}

func encodeValue(v attribute.Value) Value {
	switch v.Type() {
	case attribute.STRING:
		s := v.AsString()
		return Value{StringValue: &s}
	case attribute.BOOL:
		b := v.AsBool()
		return Value{BoolValue: &b}
	case attribute.INT64:
		n := v.AsInt64()
		return Value{IntValue: &n}
	case attribute.FLOAT64:
		f := v.AsFloat64()
		return Value{DoubleValue: &f}
	case attribute.STRINGSLICE:
		arr := &ArrayValue{}
		for _, s := range v.AsStringSlice() {
			s := s
			arr.Values = append(arr.Values, Value{StringValue: &s})
		}
		return Value{ArrayValue: arr}
	case attribute.BOOLSLICE:
		arr := &ArrayValue{}
		for _, b := range v.AsBoolSlice() {
			b := b
			arr.Values = append(arr.Values, Value{BoolValue: &b})
		}
		return Value{ArrayValue: arr}
	case attribute.INT64SLICE:
		arr := &ArrayValue{}
		for _, n := range v.AsInt64Slice() {
			n := n
			arr.Values = append(arr.Values, Value{IntValue: &n})
		}
		return Value{ArrayValue: arr}
	case attribute.FLOAT64SLICE:
		arr := &ArrayValue{}
		for _, f := range v.AsFloat64Slice() {
			f := f
			arr.Values = append(arr.Values, Value{DoubleValue: &f})
		}
		return Value{ArrayValue: arr}
	default:
		s := v.Emit()
		return Value{StringValue: &s}
	}
}

// UnixNanos normalizes a timestamp to nanoseconds since the Unix epoch.
func UnixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// UnixNanosFromParts normalizes a two-part (seconds, nanoseconds) timestamp
// to nanoseconds since the Unix epoch.
func UnixNanosFromParts(seconds, nanos int64) int64 {
	return seconds*int64(time.Second) + nanos
}
