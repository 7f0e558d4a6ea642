package agent365

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/microsoft/agent365-go/internal/config"
)

// Option configures a Processor.
type Option func(*resolvedOptions)

// resolvedOptions holds all settings after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	logger           *slog.Logger
	httpClient       *http.Client
	tokenResolver    TokenResolver
	endpointResolver EndpointResolver
	version          string

	endpoint             string
	useServiceEndpoint   *bool
	sendTenantHeader     *bool
	gracePeriod          time.Duration
	maxTraceAge          time.Duration
	maxBufferedTraces    int
	maxSpansPerTrace     int
	maxConcurrentExports *int
	httpTimeout          time.Duration
	retries              *int
}

// apply overlays programmatic options on the env-loaded configuration.
func (o *resolvedOptions) apply(cfg *config.Config) {
	if o.endpoint != "" {
		cfg.EndpointOverride = o.endpoint
	}
	if o.useServiceEndpoint != nil {
		cfg.UseServiceEndpoint = *o.useServiceEndpoint
	}
	if o.sendTenantHeader != nil {
		cfg.SendTenantHeader = *o.sendTenantHeader
	}
	if o.gracePeriod > 0 {
		cfg.GracePeriod = o.gracePeriod
	}
	if o.maxTraceAge > 0 {
		cfg.MaxTraceAge = o.maxTraceAge
	}
	if o.maxBufferedTraces > 0 {
		cfg.MaxBufferedTraces = o.maxBufferedTraces
	}
	if o.maxSpansPerTrace > 0 {
		cfg.MaxSpansPerTrace = o.maxSpansPerTrace
	}
	if o.maxConcurrentExports != nil {
		cfg.MaxConcurrentExports = *o.maxConcurrentExports
	}
	if o.httpTimeout > 0 {
		cfg.HTTPTimeout = o.httpTimeout
	}
	if o.retries != nil {
		cfg.Retries = *o.retries
	}
}

// WithLogger sets the structured logger for the pipeline.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithHTTPClient sets a custom HTTP client for deliveries. Per-delivery
// timeouts are still enforced via request contexts.
func WithHTTPClient(client *http.Client) Option {
	return func(o *resolvedOptions) { o.httpClient = client }
}

// WithEndpoint sets a static ingestion base URL, bypassing per-tenant
// endpoint discovery entirely (A365_ENDPOINT env var).
func WithEndpoint(url string) Option {
	return func(o *resolvedOptions) { o.endpoint = url }
}

// WithEndpointResolver sets the per-tenant endpoint discovery collaborator.
// Ignored when a static endpoint is configured.
func WithEndpointResolver(r EndpointResolver) Option {
	return func(o *resolvedOptions) { o.endpointResolver = r }
}

// WithTokenResolver sets the bearer-token collaborator. Without one, the
// token carried by each trace's export context (see ContextWithToken) is
// used; a missing token downgrades to an unauthenticated request, logged.
func WithTokenResolver(r TokenResolver) Option {
	return func(o *resolvedOptions) { o.tokenResolver = r }
}

// WithServiceEndpoint selects the service endpoint path variant
// (A365_USE_SERVICE_ENDPOINT env var).
func WithServiceEndpoint(enabled bool) Option {
	return func(o *resolvedOptions) { o.useServiceEndpoint = &enabled }
}

// WithTenantHeader sends the tenant ID as a request header, required on
// custom-domain endpoints (A365_SEND_TENANT_HEADER env var).
func WithTenantHeader(enabled bool) Option {
	return func(o *resolvedOptions) { o.sendTenantHeader = &enabled }
}

// WithGracePeriod sets how long to wait for outstanding children after the
// root span ends before flushing anyway (A365_GRACE_PERIOD env var).
func WithGracePeriod(d time.Duration) Option {
	return func(o *resolvedOptions) { o.gracePeriod = d }
}

// WithMaxTraceAge sets the age at which an incomplete trace is flushed
// regardless of span activity (A365_MAX_TRACE_AGE env var).
func WithMaxTraceAge(d time.Duration) Option {
	return func(o *resolvedOptions) { o.maxTraceAge = d }
}

// WithMaxBufferedTraces caps concurrently tracked traces; the
// least-recently-active trace is evicted and flushed to admit a new one
// (A365_MAX_BUFFERED_TRACES env var).
func WithMaxBufferedTraces(n int) Option {
	return func(o *resolvedOptions) { o.maxBufferedTraces = n }
}

// WithMaxSpansPerTrace caps spans retained per trace; excess spans are
// dropped with a rate-limited warning (A365_MAX_SPANS_PER_TRACE env var).
func WithMaxSpansPerTrace(n int) Option {
	return func(o *resolvedOptions) { o.maxSpansPerTrace = n }
}

// WithMaxConcurrentExports bounds parallel HTTP deliveries. Zero or negative
// disables the bound (A365_MAX_CONCURRENT_EXPORTS env var).
func WithMaxConcurrentExports(n int) Option {
	return func(o *resolvedOptions) { o.maxConcurrentExports = &n }
}

// WithHTTPTimeout bounds each delivery attempt (A365_HTTP_TIMEOUT env var).
func WithHTTPTimeout(d time.Duration) Option {
	return func(o *resolvedOptions) { o.httpTimeout = d }
}

// WithRetries sets the number of additional delivery attempts after the
// first (A365_RETRIES env var).
func WithRetries(n int) Option {
	return func(o *resolvedOptions) { o.retries = &n }
}

// WithVersion sets the version string reported in self-metrics resources.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}
