// Package agent365 exports agent telemetry to the Agent 365 ingestion
// service.
//
// The Processor is an OpenTelemetry span processor: register it on a
// TracerProvider and every span the host application records flows through
// the per-request aggregation and export pipeline.
//
//	proc, err := agent365.New(
//	    agent365.WithEndpoint("https://ingest.example.com"),
//	    agent365.WithTokenResolver(myResolver),
//	    agent365.WithLogger(logger),
//	)
//	if err != nil { ... }
//	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(proc))
//
// Spans are buffered per trace until the trace completes (root span ended
// and no children outstanding), then partitioned by tenant/agent identity,
// encoded, and posted, one HTTP request per identity group. Spans missing
// the AttrTenantID/AttrAgentID attributes are excluded from export.
//
// The import graph enforces a strict no-cycle rule: agent365 (root) imports
// internal/*, but internal/* never imports agent365 (root).
package agent365

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/microsoft/agent365-go/internal/aggregator"
	"github.com/microsoft/agent365-go/internal/config"
	"github.com/microsoft/agent365-go/internal/export"
	"github.com/microsoft/agent365-go/internal/model"
	"github.com/microsoft/agent365-go/internal/telemetry"
)

// Processor buffers, partitions, and exports spans. Construct with New().
// It implements sdktrace.SpanProcessor and is safe for concurrent use.
type Processor struct {
	agg          *aggregator.Aggregator
	deliverer    *export.Deliverer
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
}

var _ sdktrace.SpanProcessor = (*Processor)(nil)

// New builds the export pipeline. Configuration is read from A365_*
// environment variables first; options override. Either WithEndpoint or
// WithEndpointResolver must be provided.
func New(opts ...Option) (*Processor, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("agent365: load config: %w", err)
	}
	o.apply(&cfg)

	logger := o.logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: cfg.Level(),
		}))
	}

	if cfg.EndpointOverride == "" && o.endpointResolver == nil {
		return nil, errors.New("agent365: an ingestion endpoint is required: use WithEndpoint or WithEndpointResolver")
	}

	version := o.version
	if version == "" {
		version = "dev"
	}

	// Self-metrics only; disabled unless an OTLP endpoint is configured.
	otelShutdown, err := telemetry.Init(context.Background(),
		cfg.MetricsEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("agent365: telemetry: %w", err)
	}

	resolveBase := func(ctx context.Context, tenantID string) (string, error) {
		if cfg.EndpointOverride != "" {
			return cfg.EndpointOverride, nil
		}
		return o.endpointResolver.ResolveEndpoint(ctx, tenantID)
	}
	var resolveToken func(ctx context.Context, agentID, tenantID string) (string, error)
	if o.tokenResolver != nil {
		resolveToken = o.tokenResolver.ResolveToken
	}

	deliverer := export.New(export.Options{
		Client:             o.httpClient,
		Logger:             logger,
		ResolveBase:        resolveBase,
		ResolveToken:       resolveToken,
		UseServiceEndpoint: cfg.UseServiceEndpoint,
		SendTenantHeader:   cfg.SendTenantHeader,
		Timeout:            cfg.HTTPTimeout,
		Retries:            cfg.Retries,
		RetryBackoff:       cfg.RetryBackoff,
		MaxConcurrent:      cfg.MaxConcurrentExports,
	})

	agg := aggregator.New(aggregator.Config{
		MaxTraces:        cfg.MaxBufferedTraces,
		MaxSpansPerTrace: cfg.MaxSpansPerTrace,
		GracePeriod:      cfg.GracePeriod,
		MaxTraceAge:      cfg.MaxTraceAge,
	}, deliverer, logger)

	logger.Debug("agent365: processor ready",
		"endpoint_override", cfg.EndpointOverride != "",
		"service_endpoint", cfg.UseServiceEndpoint,
		"max_buffered_traces", cfg.MaxBufferedTraces,
	)

	return &Processor{
		agg:          agg,
		deliverer:    deliverer,
		otelShutdown: otelShutdown,
		logger:       logger,
	}, nil
}

// OnStart records a span-start. parent is the context the span was started
// under; for root spans it becomes the trace's export context, carrying any
// token stashed with ContextWithToken.
func (p *Processor) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {
	p.agg.SpanStarted(parent, s.SpanContext(), s.Parent())
}

// OnEnd records a completed span.
func (p *Processor) OnEnd(s sdktrace.ReadOnlySpan) {
	p.agg.SpanEnded(model.FromReadOnlySpan(s))
}

// ForceFlush flushes every buffered trace and waits for the resulting
// exports, bounded by ctx.
func (p *Processor) ForceFlush(ctx context.Context) error {
	return p.agg.ForceFlush(ctx)
}

// Shutdown force-flushes, waits for in-flight exports, then rejects all
// further spans and exports. Idempotent.
func (p *Processor) Shutdown(ctx context.Context) error {
	flushErr := p.agg.Shutdown(ctx)
	p.deliverer.Close()
	metricsErr := p.otelShutdown(ctx)
	return errors.Join(flushErr, metricsErr)
}

// ContextWithToken returns a context carrying a bearer token for spans
// recorded under it. The pipeline captures one context per trace (the root
// span's start context wins) and uses the token at export time when no
// TokenResolver is configured.
func ContextWithToken(ctx context.Context, token string) context.Context {
	return export.ContextWithToken(ctx, token)
}
