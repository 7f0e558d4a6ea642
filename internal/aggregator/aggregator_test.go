package aggregator

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace"

	"github.com/microsoft/agent365-go/internal/export"
	"github.com/microsoft/agent365-go/internal/model"
)

// fakeExporter records every batch it receives.
type fakeExporter struct {
	mu      sync.Mutex
	batches [][]model.SpanRecord
	tokens  []string
	err     error
}

func (f *fakeExporter) ExportSpans(ctx context.Context, spans []model.SpanRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, spans)
	f.tokens = append(f.tokens, export.TokenFromContext(ctx))
	return f.err
}

func (f *fakeExporter) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeExporter) batch(i int) []model.SpanRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[i]
}

func testIDs(traceByte byte) (trace.TraceID, trace.SpanID, trace.SpanID) {
	return trace.TraceID{traceByte, 1}, trace.SpanID{traceByte, 0xA0}, trace.SpanID{traceByte, 0xB0}
}

func spanCtx(traceID trace.TraceID, spanID trace.SpanID) trace.SpanContext {
	return trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
}

func record(traceID trace.TraceID, spanID, parentID trace.SpanID, name string) model.SpanRecord {
	return model.SpanRecord{
		TraceID:      traceID,
		SpanID:       spanID,
		ParentSpanID: parentID,
		Name:         name,
	}
}

func newTestAggregator(t *testing.T, cfg Config, exp Exporter) *Aggregator {
	t.Helper()
	a := New(cfg, exp, slog.Default())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestCompletedTraceFlushesOnce(t *testing.T) {
	exp := &fakeExporter{}
	a := newTestAggregator(t, Config{}, exp)

	traceID, rootID, childID := testIDs(1)
	ctx := context.Background()

	a.SpanStarted(ctx, spanCtx(traceID, rootID), trace.SpanContext{})
	a.SpanStarted(ctx, spanCtx(traceID, childID), spanCtx(traceID, rootID))
	a.SpanEnded(record(traceID, childID, rootID, "child"))

	// Root still open: nothing flushed yet.
	assert.Zero(t, exp.batchCount())
	assert.Equal(t, 1, a.TrackedTraces())

	a.SpanEnded(record(traceID, rootID, trace.SpanID{}, "root"))

	require.Eventually(t, func() bool { return exp.batchCount() == 1 }, time.Second, 5*time.Millisecond)
	batch := exp.batch(0)
	require.Len(t, batch, 2)
	assert.Equal(t, "child", batch[0].Name)
	assert.Equal(t, "root", batch[1].Name)
	assert.Zero(t, a.TrackedTraces())
}

func TestGracePeriodFlushesPartialTrace(t *testing.T) {
	exp := &fakeExporter{}
	a := newTestAggregator(t, Config{GracePeriod: 30 * time.Millisecond}, exp)

	traceID, rootID, childID := testIDs(2)
	ctx := context.Background()

	a.SpanStarted(ctx, spanCtx(traceID, rootID), trace.SpanContext{})
	a.SpanStarted(ctx, spanCtx(traceID, childID), spanCtx(traceID, rootID))
	a.SpanEnded(record(traceID, rootID, trace.SpanID{}, "root"))

	// Child is still open, so the grace period has to elapse first.
	assert.Zero(t, exp.batchCount())

	require.Eventually(t, func() bool { return exp.batchCount() == 1 }, time.Second, 5*time.Millisecond)
	batch := exp.batch(0)
	require.Len(t, batch, 1)
	assert.Equal(t, "root", batch[0].Name)
}

func TestLateSpanEndExportsAsOrphan(t *testing.T) {
	exp := &fakeExporter{}
	a := newTestAggregator(t, Config{GracePeriod: 20 * time.Millisecond}, exp)

	traceID, rootID, childID := testIDs(3)
	ctx := context.Background()

	a.SpanStarted(ctx, spanCtx(traceID, rootID), trace.SpanContext{})
	a.SpanStarted(ctx, spanCtx(traceID, childID), spanCtx(traceID, rootID))
	a.SpanEnded(record(traceID, rootID, trace.SpanID{}, "root"))

	require.Eventually(t, func() bool { return exp.batchCount() == 1 }, time.Second, 5*time.Millisecond)

	// The child ends after its trace was already flushed.
	a.SpanEnded(record(traceID, childID, rootID, "late-child"))

	require.Eventually(t, func() bool { return exp.batchCount() == 2 }, time.Second, 5*time.Millisecond)
	batch := exp.batch(1)
	require.Len(t, batch, 1)
	assert.Equal(t, "late-child", batch[0].Name)
}

func TestExportContextCarriesRootToken(t *testing.T) {
	exp := &fakeExporter{}
	a := newTestAggregator(t, Config{}, exp)

	traceID, rootID, _ := testIDs(4)
	ctx, cancel := context.WithCancel(export.ContextWithToken(context.Background(), "root-token"))

	a.SpanStarted(ctx, spanCtx(traceID, rootID), trace.SpanContext{})

	// Cancelling the request context must not invalidate the captured one.
	cancel()
	a.SpanEnded(record(traceID, rootID, trace.SpanID{}, "root"))

	require.Eventually(t, func() bool { return exp.batchCount() == 1 }, time.Second, 5*time.Millisecond)
	exp.mu.Lock()
	defer exp.mu.Unlock()
	assert.Equal(t, "root-token", exp.tokens[0])
}

func TestRootContextWinsOverChildFallback(t *testing.T) {
	exp := &fakeExporter{}
	a := newTestAggregator(t, Config{}, exp)

	traceID, rootID, childID := testIDs(5)
	childCtx := export.ContextWithToken(context.Background(), "child-token")
	rootCtx := export.ContextWithToken(context.Background(), "root-token")

	// Child start is observed before the root's (out-of-order delivery).
	a.SpanStarted(childCtx, spanCtx(traceID, childID), spanCtx(traceID, rootID))
	a.SpanStarted(rootCtx, spanCtx(traceID, rootID), trace.SpanContext{})

	a.SpanEnded(record(traceID, childID, rootID, "child"))
	a.SpanEnded(record(traceID, rootID, trace.SpanID{}, "root"))

	require.Eventually(t, func() bool { return exp.batchCount() == 1 }, time.Second, 5*time.Millisecond)
	exp.mu.Lock()
	defer exp.mu.Unlock()
	assert.Equal(t, "root-token", exp.tokens[0])
}

func TestMaxAgeFlushesStuckTrace(t *testing.T) {
	exp := &fakeExporter{}
	a := newTestAggregator(t, Config{
		GracePeriod: 10 * time.Millisecond,
		MaxTraceAge: 40 * time.Millisecond,
	}, exp)

	traceID, rootID, _ := testIDs(6)

	// Root never ends; only the age limit can flush this trace.
	a.SpanStarted(context.Background(), spanCtx(traceID, rootID), trace.SpanContext{})
	a.SpanEnded(record(traceID, rootID, rootID, "not-root")) // keeps buffer non-empty

	require.Eventually(t, func() bool { return exp.batchCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, a.TrackedTraces())
}

func TestTraceCapEvictsLeastRecentlyActive(t *testing.T) {
	exp := &fakeExporter{}
	a := newTestAggregator(t, Config{MaxTraces: 2}, exp)

	ctx := context.Background()
	t1, r1, c1 := testIDs(7)
	t2, r2, _ := testIDs(8)
	t3, r3, _ := testIDs(9)

	a.SpanStarted(ctx, spanCtx(t1, r1), trace.SpanContext{})
	a.SpanEnded(record(t1, c1, r1, "t1-child")) // buffered span, root still open
	a.SpanStarted(ctx, spanCtx(t2, r2), trace.SpanContext{})

	// Third trace exceeds the cap: trace 1 is the least recently active.
	a.SpanStarted(ctx, spanCtx(t3, r3), trace.SpanContext{})

	assert.Equal(t, 2, a.TrackedTraces())
	require.Eventually(t, func() bool { return exp.batchCount() == 1 }, time.Second, 5*time.Millisecond)
	batch := exp.batch(0)
	require.Len(t, batch, 1)
	assert.Equal(t, "t1-child", batch[0].Name)
}

func TestSpanCapDropsExcessSpans(t *testing.T) {
	exp := &fakeExporter{}
	a := newTestAggregator(t, Config{MaxSpansPerTrace: 2}, exp)

	traceID, rootID, _ := testIDs(10)
	ctx := context.Background()

	a.SpanStarted(ctx, spanCtx(traceID, rootID), trace.SpanContext{})
	for i := byte(0); i < 4; i++ {
		childID := trace.SpanID{0x10, i + 1}
		a.SpanEnded(record(traceID, childID, rootID, "child"))
	}
	a.SpanEnded(record(traceID, rootID, trace.SpanID{}, "root"))

	require.Eventually(t, func() bool { return exp.batchCount() == 1 }, time.Second, 5*time.Millisecond)
	// Cap of 2 plus three more ends: two children kept, root and one child dropped.
	assert.Len(t, exp.batch(0), 2)
	assert.Equal(t, int64(3), a.DroppedSpans())
}

func TestDuplicateSpanStartIsIdempotent(t *testing.T) {
	exp := &fakeExporter{}
	a := newTestAggregator(t, Config{}, exp)

	traceID, rootID, _ := testIDs(11)
	ctx := context.Background()

	a.SpanStarted(ctx, spanCtx(traceID, rootID), trace.SpanContext{})
	a.SpanStarted(ctx, spanCtx(traceID, rootID), trace.SpanContext{})

	// A single end still completes the trace; the duplicate start did not
	// inflate the open count.
	a.SpanEnded(record(traceID, rootID, trace.SpanID{}, "root"))
	require.Eventually(t, func() bool { return exp.batchCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSpanEndWithoutStartDoesNotBlockCompletion(t *testing.T) {
	exp := &fakeExporter{}
	a := newTestAggregator(t, Config{}, exp)

	traceID, rootID, childID := testIDs(12)
	ctx := context.Background()

	a.SpanStarted(ctx, spanCtx(traceID, rootID), trace.SpanContext{})
	// End for a span whose start was never observed.
	a.SpanEnded(record(traceID, childID, rootID, "unstarted-child"))
	a.SpanEnded(record(traceID, rootID, trace.SpanID{}, "root"))

	require.Eventually(t, func() bool { return exp.batchCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, exp.batch(0), 2)
}

func TestNoExportContextDropsTrace(t *testing.T) {
	exp := &fakeExporter{}
	a := newTestAggregator(t, Config{}, exp)

	traceID, rootID, _ := testIDs(13)

	a.SpanStarted(nil, spanCtx(traceID, rootID), trace.SpanContext{}) //nolint:staticcheck // nil context is the case under test
	a.SpanEnded(record(traceID, rootID, trace.SpanID{}, "root"))

	// No context was ever captured, so the trace is dropped, not exported.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, exp.batchCount())
	assert.Zero(t, a.TrackedTraces())
}

func TestForceFlushFlushesIncompleteTraces(t *testing.T) {
	exp := &fakeExporter{}
	a := newTestAggregator(t, Config{GracePeriod: time.Minute, MaxTraceAge: time.Hour}, exp)

	traceID, rootID, childID := testIDs(14)
	ctx := context.Background()

	a.SpanStarted(ctx, spanCtx(traceID, rootID), trace.SpanContext{})
	a.SpanEnded(record(traceID, childID, rootID, "child"))

	require.NoError(t, a.ForceFlush(context.Background()))
	require.Equal(t, 1, exp.batchCount())
	assert.Zero(t, a.TrackedTraces())
}

func TestShutdownFlushesAndRejectsFurtherSpans(t *testing.T) {
	exp := &fakeExporter{}
	a := New(Config{GracePeriod: time.Minute, MaxTraceAge: time.Hour}, exp, slog.Default())

	traceID, rootID, childID := testIDs(15)
	ctx := context.Background()

	a.SpanStarted(ctx, spanCtx(traceID, rootID), trace.SpanContext{})
	a.SpanEnded(record(traceID, childID, rootID, "child"))

	require.NoError(t, a.Shutdown(context.Background()))
	require.Equal(t, 1, exp.batchCount())

	// Shutdown is idempotent and further span events are ignored.
	require.NoError(t, a.Shutdown(context.Background()))
	a.SpanStarted(ctx, spanCtx(traceID, rootID), trace.SpanContext{})
	a.SpanEnded(record(traceID, rootID, trace.SpanID{}, "root"))
	assert.Equal(t, 1, exp.batchCount())
	assert.Zero(t, a.TrackedTraces())
}

func hasMetric(rm metricdata.ResourceMetrics, name string) bool {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return true
			}
		}
	}
	return false
}

func TestShutdownUnregistersMetricCallbacks(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(mp)
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	a := New(Config{}, &fakeExporter{}, slog.Default())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.True(t, hasMetric(rm, "a365.aggregator.tracked_traces"))
	require.True(t, hasMetric(rm, "a365.aggregator.dropped_spans_total"))

	require.NoError(t, a.Shutdown(context.Background()))

	// The gauges stop observing once the aggregator is shut down.
	rm = metricdata.ResourceMetrics{}
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.False(t, hasMetric(rm, "a365.aggregator.tracked_traces"))
	assert.False(t, hasMetric(rm, "a365.aggregator.dropped_spans_total"))
}

func TestConcurrentTracesStayIsolated(t *testing.T) {
	exp := &fakeExporter{}
	a := newTestAggregator(t, Config{}, exp)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := byte(1); i <= 8; i++ {
		wg.Add(1)
		go func(i byte) {
			defer wg.Done()
			traceID := trace.TraceID{0xF0, i}
			rootID := trace.SpanID{0xF0, i}
			childID := trace.SpanID{0xF1, i}
			a.SpanStarted(ctx, spanCtx(traceID, rootID), trace.SpanContext{})
			a.SpanStarted(ctx, spanCtx(traceID, childID), spanCtx(traceID, rootID))
			a.SpanEnded(record(traceID, childID, rootID, "child"))
			a.SpanEnded(record(traceID, rootID, trace.SpanID{}, "root"))
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return exp.batchCount() == 8 }, time.Second, 5*time.Millisecond)
	for i := 0; i < 8; i++ {
		batch := exp.batch(i)
		require.Len(t, batch, 2)
		// Spans within one batch never mix traces.
		assert.Equal(t, batch[0].TraceID, batch[1].TraceID)
	}
	assert.Zero(t, a.TrackedTraces())
}
