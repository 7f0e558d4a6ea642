// Package aggregator buffers spans per trace and decides when a trace is
// complete enough to hand to the export pipeline. One buffer exists per
// tracked trace from its first span-start until its single flush; late
// span-ends arriving after the flush are exported as single-span batches.
package aggregator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/microsoft/agent365-go/internal/model"
	"github.com/microsoft/agent365-go/internal/telemetry"
)

// Exporter receives a flushed trace's spans. ctx is the export context
// captured for the trace.
type Exporter interface {
	ExportSpans(ctx context.Context, spans []model.SpanRecord) error
}

// FlushReason names why a trace left the buffer. Logged with every flush.
type FlushReason string

const (
	ReasonCompleted    FlushReason = "trace completed"
	ReasonGraceExpired FlushReason = "grace period expired"
	ReasonMaxAge       FlushReason = "max age exceeded"
	ReasonEvicted      FlushReason = "trace cap eviction"
	ReasonForceFlush   FlushReason = "force flush"
	ReasonShutdown     FlushReason = "shutdown"
	ReasonOrphan       FlushReason = "orphaned span"
)

// Config holds the aggregator guardrails. Zero values take the defaults.
type Config struct {
	// MaxTraces caps concurrently buffered traces; the least-recently-active
	// trace is evicted (and its partial contents flushed) to admit a new one.
	MaxTraces int
	// MaxSpansPerTrace caps spans retained per trace; excess spans are
	// dropped with a rate-limited warning.
	MaxSpansPerTrace int
	// GracePeriod is how long to wait for outstanding children after the
	// root span ends.
	GracePeriod time.Duration
	// MaxTraceAge force-flushes a trace this long after creation regardless
	// of completion state.
	MaxTraceAge time.Duration
}

const (
	defaultMaxTraces        = 1000
	defaultMaxSpansPerTrace = 5000
	defaultGracePeriod      = 250 * time.Millisecond
	defaultMaxTraceAge      = 5 * time.Minute

	minSweepInterval = 10 * time.Millisecond
	maxSweepInterval = 250 * time.Millisecond

	// dropLogInterval rate-limits per-trace span-drop warnings.
	dropLogInterval = 100
)

func (c Config) withDefaults() Config {
	if c.MaxTraces <= 0 {
		c.MaxTraces = defaultMaxTraces
	}
	if c.MaxSpansPerTrace <= 0 {
		c.MaxSpansPerTrace = defaultMaxSpansPerTrace
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = defaultGracePeriod
	}
	if c.MaxTraceAge <= 0 {
		c.MaxTraceAge = defaultMaxTraceAge
	}
	return c
}

// traceBuffer is the mutable aggregation state for one trace.
type traceBuffer struct {
	traceID trace.TraceID

	// spans holds completed spans in end-observation order, which is not
	// guaranteed to be causal order.
	spans []model.SpanRecord

	// open tracks span IDs that have started but not yet ended. Using a set
	// rather than a bare counter makes duplicate start/end calls for the
	// same span ID harmless.
	open map[trace.SpanID]struct{}

	rootEnded    bool
	createdAt    time.Time
	rootEndedAt  time.Time
	lastActivity time.Time

	// exportCtx is the captured per-request correlation handle. The root
	// span's start context always wins over a fallback from the first span.
	exportCtx       context.Context
	rootCtxCaptured bool

	dropped int
}

// Aggregator tracks trace buffers and flushes them into an Exporter.
// All methods are safe for concurrent use.
type Aggregator struct {
	cfg      Config
	exporter Exporter
	logger   *slog.Logger

	sweepInterval time.Duration

	mu           sync.Mutex
	traces       map[trace.TraceID]*traceBuffer
	sweepRunning bool
	sweepStop    chan struct{}
	shutdown     bool

	exports sync.WaitGroup

	droppedSpans atomic.Int64
	flushes      metric.Int64Counter
	metricReg    metric.Registration
}

// New creates an Aggregator flushing into exporter.
func New(cfg Config, exporter Exporter, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	interval := cfg.GracePeriod
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	if interval > maxSweepInterval {
		interval = maxSweepInterval
	}

	a := &Aggregator{
		cfg:           cfg,
		exporter:      exporter,
		logger:        logger,
		sweepInterval: interval,
		traces:        make(map[trace.TraceID]*traceBuffer),
	}
	a.registerMetrics()
	return a
}

// SpanStarted records a span-start event. ctx is the span's start context,
// captured as the trace's export context when the span is the trace root
// (or as a fallback when no context has been captured yet).
func (a *Aggregator) SpanStarted(ctx context.Context, sc, parent trace.SpanContext) {
	if !sc.TraceID().IsValid() {
		return
	}

	var evicted *traceBuffer
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return
	}

	now := time.Now()
	tb, ok := a.traces[sc.TraceID()]
	if !ok {
		if len(a.traces) >= a.cfg.MaxTraces {
			evicted = a.evictOldestLocked()
		}
		tb = &traceBuffer{
			traceID:      sc.TraceID(),
			open:         make(map[trace.SpanID]struct{}),
			createdAt:    now,
			lastActivity: now,
		}
		a.traces[sc.TraceID()] = tb
		a.ensureSweepLocked()
		a.logger.Debug("aggregator: trace buffer created", "trace_id", sc.TraceID().String())
	}

	isRoot := !parent.SpanID().IsValid()
	if ctx != nil {
		if isRoot {
			tb.exportCtx = context.WithoutCancel(ctx)
			tb.rootCtxCaptured = true
		} else if !tb.rootCtxCaptured && tb.exportCtx == nil {
			tb.exportCtx = context.WithoutCancel(ctx)
		}
	}

	if _, dup := tb.open[sc.SpanID()]; dup {
		a.logger.Warn("aggregator: duplicate span start ignored",
			"trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	} else {
		tb.open[sc.SpanID()] = struct{}{}
	}
	tb.lastActivity = now
	a.mu.Unlock()

	if evicted != nil {
		a.dispatch(evicted, ReasonEvicted)
	}
}

// SpanEnded records a completed span. When the trace buffer is gone (already
// flushed, or never seen) the span is exported as a single-span batch.
func (a *Aggregator) SpanEnded(rec model.SpanRecord) {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return
	}

	tb, ok := a.traces[rec.TraceID]
	if !ok {
		a.mu.Unlock()
		a.logger.Debug("aggregator: span ended after its trace was flushed, exporting as orphan",
			"trace_id", rec.TraceID.String(), "span_id", rec.SpanID.String())
		a.exportOrphan(rec)
		return
	}

	now := time.Now()
	if len(tb.spans) >= a.cfg.MaxSpansPerTrace {
		tb.dropped++
		a.droppedSpans.Add(1)
		if tb.dropped == 1 || tb.dropped%dropLogInterval == 0 {
			a.logger.Warn("aggregator: per-trace span cap reached, dropping spans",
				"trace_id", rec.TraceID.String(),
				"cap", a.cfg.MaxSpansPerTrace,
				"dropped", tb.dropped,
			)
		}
	} else {
		tb.spans = append(tb.spans, rec)
	}

	if _, open := tb.open[rec.SpanID]; open {
		delete(tb.open, rec.SpanID)
	} else {
		// An end without a matching start. The open count floors at zero
		// instead of going negative.
		a.logger.Warn("aggregator: span end without matching start",
			"trace_id", rec.TraceID.String(), "span_id", rec.SpanID.String())
	}

	if rec.IsRoot() {
		tb.rootEnded = true
		tb.rootEndedAt = now
	}
	tb.lastActivity = now

	if tb.rootEnded && len(tb.open) == 0 {
		delete(a.traces, rec.TraceID)
		a.mu.Unlock()
		a.dispatch(tb, ReasonCompleted)
		return
	}
	a.mu.Unlock()
}

// ForceFlush flushes every tracked trace regardless of completion state and
// waits for the resulting exports, bounded by ctx.
func (a *Aggregator) ForceFlush(ctx context.Context) error {
	a.flushAll(ReasonForceFlush)
	return a.waitExports(ctx)
}

// Shutdown force-flushes everything, stops the sweep, waits for in-flight
// exports, and rejects all further span events.
func (a *Aggregator) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return nil
	}
	a.shutdown = true
	buffers := a.takeAllLocked()
	a.stopSweepLocked()
	a.mu.Unlock()

	// Unregister outside the lock: collection callbacks take a.mu.
	if a.metricReg != nil {
		_ = a.metricReg.Unregister()
		a.metricReg = nil
	}

	for _, tb := range buffers {
		a.dispatch(tb, ReasonShutdown)
	}
	return a.waitExports(ctx)
}

// TrackedTraces returns the number of currently buffered traces.
func (a *Aggregator) TrackedTraces() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.traces)
}

// DroppedSpans returns the total spans dropped by the per-trace span cap.
// A non-zero value indicates data loss.
func (a *Aggregator) DroppedSpans() int64 {
	return a.droppedSpans.Load()
}

func (a *Aggregator) flushAll(reason FlushReason) {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return
	}
	buffers := a.takeAllLocked()
	a.stopSweepLocked()
	a.mu.Unlock()

	for _, tb := range buffers {
		a.dispatch(tb, reason)
	}
}

func (a *Aggregator) takeAllLocked() []*traceBuffer {
	buffers := make([]*traceBuffer, 0, len(a.traces))
	for _, tb := range a.traces {
		buffers = append(buffers, tb)
	}
	a.traces = make(map[trace.TraceID]*traceBuffer)
	return buffers
}

// evictOldestLocked removes the least-recently-active trace to make room.
// The caller dispatches the returned buffer after releasing the lock.
func (a *Aggregator) evictOldestLocked() *traceBuffer {
	var oldest *traceBuffer
	for _, tb := range a.traces {
		if oldest == nil || tb.lastActivity.Before(oldest.lastActivity) {
			oldest = tb
		}
	}
	if oldest == nil {
		return nil
	}
	delete(a.traces, oldest.traceID)
	a.logger.Warn("aggregator: buffered-trace cap reached, evicting least-recently-active trace",
		"trace_id", oldest.traceID.String(),
		"cap", a.cfg.MaxTraces,
		"spans", len(oldest.spans),
	)
	return oldest
}

// dispatch hands one flushed buffer to the exporter on a tracked goroutine.
// Never called with the lock held.
func (a *Aggregator) dispatch(tb *traceBuffer, reason FlushReason) {
	if tb == nil || len(tb.spans) == 0 {
		return
	}
	if tb.exportCtx == nil {
		// Without a captured context there is no correlation handle to
		// authenticate the export with. Documented data-loss mode.
		a.logger.Error("aggregator: no export context captured for trace, dropping spans",
			"trace_id", tb.traceID.String(), "spans", len(tb.spans))
		return
	}

	a.logger.Info("aggregator: flushing trace",
		"trace_id", tb.traceID.String(),
		"reason", string(reason),
		"spans", len(tb.spans),
		"dropped", tb.dropped,
	)
	a.countFlush(reason)

	a.exports.Add(1)
	go func() {
		defer a.exports.Done()
		if err := a.exporter.ExportSpans(tb.exportCtx, tb.spans); err != nil {
			a.logger.Error("aggregator: export failed",
				"trace_id", tb.traceID.String(),
				"reason", string(reason),
				"error", err,
			)
		}
	}()
}

func (a *Aggregator) exportOrphan(rec model.SpanRecord) {
	a.countFlush(ReasonOrphan)
	a.exports.Add(1)
	go func() {
		defer a.exports.Done()
		if err := a.exporter.ExportSpans(context.Background(), []model.SpanRecord{rec}); err != nil {
			a.logger.Error("aggregator: orphan export failed",
				"trace_id", rec.TraceID.String(),
				"span_id", rec.SpanID.String(),
				"error", err,
			)
		}
	}()
}

func (a *Aggregator) waitExports(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.exports.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ensureSweepLocked lazily starts the periodic sweep when the first trace
// appears. The sweep stops itself once no traces remain, so an idle
// aggregator runs no background work.
func (a *Aggregator) ensureSweepLocked() {
	if a.sweepRunning {
		return
	}
	a.sweepRunning = true
	a.sweepStop = make(chan struct{})
	go a.sweepLoop(a.sweepStop)
}

func (a *Aggregator) stopSweepLocked() {
	if a.sweepRunning {
		close(a.sweepStop)
		a.sweepRunning = false
	}
}

func (a *Aggregator) sweepLoop(stop chan struct{}) {
	ticker := time.NewTicker(a.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if a.sweepOnce() {
				return
			}
		}
	}
}

// sweepOnce applies the grace-period and max-age rules to every tracked
// trace. Returns true when the sweep should stop because no traces remain.
func (a *Aggregator) sweepOnce() bool {
	type pending struct {
		tb     *traceBuffer
		reason FlushReason
	}

	a.mu.Lock()
	now := time.Now()
	var flushes []pending
	for id, tb := range a.traces {
		switch {
		case now.Sub(tb.createdAt) >= a.cfg.MaxTraceAge:
			delete(a.traces, id)
			flushes = append(flushes, pending{tb, ReasonMaxAge})
		case tb.rootEnded && now.Sub(tb.rootEndedAt) >= a.cfg.GracePeriod:
			delete(a.traces, id)
			flushes = append(flushes, pending{tb, ReasonGraceExpired})
		}
	}
	stopped := len(a.traces) == 0
	if stopped {
		a.sweepRunning = false
	}
	a.mu.Unlock()

	for _, p := range flushes {
		a.dispatch(p.tb, p.reason)
	}
	return stopped
}

func (a *Aggregator) countFlush(reason FlushReason) {
	if a.flushes != nil {
		a.flushes.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("reason", string(reason))))
	}
}

// registerMetrics registers observable gauges for aggregator health. The
// callback registration is retained so Shutdown can unregister it; otherwise
// short-lived aggregators would leave callbacks on the meter.
func (a *Aggregator) registerMetrics() {
	meter := telemetry.Meter("agent365/aggregator")

	a.flushes, _ = meter.Int64Counter("a365.aggregator.flushes",
		metric.WithDescription("Trace flushes by reason"),
	)

	tracked, err := meter.Int64ObservableGauge("a365.aggregator.tracked_traces",
		metric.WithDescription("Currently buffered traces"),
	)
	if err != nil {
		return
	}
	dropped, err := meter.Int64ObservableGauge("a365.aggregator.dropped_spans_total",
		metric.WithDescription("Total spans dropped by the per-trace span cap"),
	)
	if err != nil {
		return
	}

	a.metricReg, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(tracked, int64(a.TrackedTraces()))
		o.ObserveInt64(dropped, a.DroppedSpans())
		return nil
	}, tracked, dropped)
}
