// Package export delivers encoded span batches to the per-tenant ingestion
// endpoint: identity partitioning, OTLP-shaped JSON encoding, bearer-token
// injection, bounded concurrency, and retry-with-backoff on transient
// failure. Telemetry failures must never surface as panics to the host
// application, so every delivery path returns an error instead.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/microsoft/agent365-go/internal/model"
	"github.com/microsoft/agent365-go/internal/partition"
	"github.com/microsoft/agent365-go/internal/wire"
)

const (
	// servicePathPrefix is inserted before /agents when the service endpoint
	// variant is enabled.
	servicePathPrefix = "/service"

	// apiVersion is the fixed query parameter on every trace ingestion call.
	apiVersion = "1"

	// tenantHeader carries the tenant ID on the custom-domain endpoint
	// variant, where the tenant cannot be derived from the host name.
	tenantHeader = "x-a365-tenant-id"

	// operationIDHeader is the backend-supplied correlation ID echoed in
	// delivery logs.
	operationIDHeader = "x-ms-operation-id"
)

// Options configures a Deliverer. ResolveBase is required; everything else
// has a default.
type Options struct {
	// Client is the HTTP client used for posts. Per-delivery timeouts are
	// enforced via request contexts, not the client's Timeout field.
	Client *http.Client

	Logger *slog.Logger

	// ResolveBase maps a tenant to the base URL of its ingestion cluster.
	ResolveBase func(ctx context.Context, tenantID string) (string, error)

	// ResolveToken supplies a bearer token for one (agent, tenant) delivery.
	// Nil falls back to the token carried by the export context. An empty
	// token is not an error; the request is sent without an Authorization
	// header.
	ResolveToken func(ctx context.Context, agentID, tenantID string) (string, error)

	// UseServiceEndpoint selects the service path variant.
	UseServiceEndpoint bool

	// SendTenantHeader adds the tenant header (custom-domain variant).
	SendTenantHeader bool

	// Timeout bounds each HTTP attempt. Default 30s.
	Timeout time.Duration

	// Retries is the number of additional attempts after the first.
	// Default 3 (four attempts total). Negative means no retries.
	Retries int

	// RetryBackoff is the base backoff; attempt n waits n times this.
	// Default 200ms.
	RetryBackoff time.Duration

	// MaxConcurrent bounds parallel deliveries. Zero or negative is
	// unbounded.
	MaxConcurrent int
}

// Deliverer posts span batches. Safe for concurrent use.
type Deliverer struct {
	client       *http.Client
	logger       *slog.Logger
	resolveBase  func(ctx context.Context, tenantID string) (string, error)
	resolveToken func(ctx context.Context, agentID, tenantID string) (string, error)
	useService   bool
	tenantHdr    bool
	timeout      time.Duration
	retries      int
	backoff      time.Duration
	limiter      *Limiter
	closed       atomic.Bool
}

// New creates a Deliverer from opts, applying defaults.
func New(opts Options) *Deliverer {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	retries := opts.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := opts.RetryBackoff
	if backoff == 0 {
		backoff = 200 * time.Millisecond
	}
	return &Deliverer{
		client:       client,
		logger:       logger,
		resolveBase:  opts.ResolveBase,
		resolveToken: opts.ResolveToken,
		useService:   opts.UseServiceEndpoint,
		tenantHdr:    opts.SendTenantHeader,
		timeout:      timeout,
		retries:      retries,
		backoff:      backoff,
		limiter:      NewLimiter(opts.MaxConcurrent),
	}
}

// ExportSpans partitions spans by identity and delivers each group
// independently. It returns nil only when every group succeeded; spans
// without identity are excluded, not a failure. ctx is the export context
// captured for the trace; it carries the fallback bearer token.
func (d *Deliverer) ExportSpans(ctx context.Context, spans []model.SpanRecord) error {
	if d.closed.Load() {
		return ErrShutdown
	}
	groups := partition.ByIdentity(d.logger, spans)
	if len(groups) == 0 {
		return nil
	}

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, g := range groups {
		wg.Add(1)
		go func(g *partition.Group) {
			defer wg.Done()
			if err := d.deliver(ctx, g); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(g)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Close makes subsequent ExportSpans calls fail fast. In-flight deliveries
// run to completion.
func (d *Deliverer) Close() {
	d.closed.Store(true)
}

// deliver posts one identity group, gated by the concurrency limiter.
// A misbehaving resolver or transport must not take down the caller's
// flush loop, so panics are converted to delivery failures here.
func (d *Deliverer) deliver(ctx context.Context, g *partition.Group) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("export: panic during delivery",
				"tenant_id", g.TenantID, "agent_id", g.AgentID, "panic", r)
			err = &DeliveryError{
				TenantID: g.TenantID,
				AgentID:  g.AgentID,
				Err:      fmt.Errorf("panic: %v", r),
			}
		}
	}()

	if err := d.limiter.Acquire(ctx); err != nil {
		return &DeliveryError{
			TenantID: g.TenantID,
			AgentID:  g.AgentID,
			Err:      fmt.Errorf("acquire delivery slot: %w", err),
		}
	}
	defer d.limiter.Release()

	return d.post(ctx, g)
}

func (d *Deliverer) post(ctx context.Context, g *partition.Group) error {
	endpoint, err := d.traceURL(ctx, g.TenantID, g.AgentID)
	if err != nil {
		return &DeliveryError{TenantID: g.TenantID, AgentID: g.AgentID, Err: err}
	}

	token, err := d.token(ctx, g.AgentID, g.TenantID)
	if err != nil {
		return &DeliveryError{TenantID: g.TenantID, AgentID: g.AgentID, Err: err}
	}
	if token == "" {
		d.logger.Warn("export: no bearer token available, sending unauthenticated",
			"tenant_id", g.TenantID, "agent_id", g.AgentID)
	}

	body, err := json.Marshal(wire.Encode(g.Spans))
	if err != nil {
		return &DeliveryError{TenantID: g.TenantID, AgentID: g.AgentID,
			Err: fmt.Errorf("marshal batch: %w", err)}
	}

	total := d.retries + 1
	var lastStatus int
	var lastErr error
	for attempt := 1; attempt <= total; attempt++ {
		status, opID, sendErr := d.send(ctx, endpoint, token, g.TenantID, body)
		if sendErr == nil && status >= 200 && status < 300 {
			d.logger.Info("export: batch delivered",
				"tenant_id", g.TenantID,
				"agent_id", g.AgentID,
				"spans", len(g.Spans),
				"status", status,
				"attempts", attempt,
				"operation_id", opID,
			)
			return nil
		}

		lastStatus, lastErr = status, sendErr
		if !retryable(status, sendErr) || attempt == total {
			d.logger.Error("export: batch delivery failed",
				"tenant_id", g.TenantID,
				"agent_id", g.AgentID,
				"spans", len(g.Spans),
				"status", status,
				"attempts", attempt,
				"operation_id", opID,
				"error", sendErr,
			)
			return &DeliveryError{
				TenantID:   g.TenantID,
				AgentID:    g.AgentID,
				StatusCode: lastStatus,
				Attempts:   attempt,
				Err:        lastErr,
			}
		}

		// Linear backoff: attempt n waits n * base before the next try.
		select {
		case <-time.After(time.Duration(attempt) * d.backoff):
		case <-ctx.Done():
			return &DeliveryError{
				TenantID:   g.TenantID,
				AgentID:    g.AgentID,
				StatusCode: lastStatus,
				Attempts:   attempt,
				Err:        ctx.Err(),
			}
		}
	}
	// Unreachable: the loop always returns from its final attempt.
	return &DeliveryError{TenantID: g.TenantID, AgentID: g.AgentID, StatusCode: lastStatus, Attempts: total, Err: lastErr}
}

// send performs one HTTP attempt under the per-delivery timeout.
func (d *Deliverer) send(ctx context.Context, endpoint, token, tenantID string, body []byte) (int, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", errCreateRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if d.tenantHdr {
		req.Header.Set(tenantHeader, tenantID)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("post batch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, resp.Header.Get(operationIDHeader), nil
}

// traceURL resolves the destination for one identity group:
// {base}[/service]/agents/{agentId}/traces?api-version=1.
func (d *Deliverer) traceURL(ctx context.Context, tenantID, agentID string) (string, error) {
	base, err := d.resolveBase(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("resolve endpoint: %w", err)
	}
	base = strings.TrimRight(base, "/")
	prefix := ""
	if d.useService {
		prefix = servicePathPrefix
	}
	return fmt.Sprintf("%s%s/agents/%s/traces?api-version=%s",
		base, prefix, url.PathEscape(agentID), apiVersion), nil
}

// token resolves the bearer token for one delivery: the configured resolver
// wins; without one, the token stashed in the export context is used.
func (d *Deliverer) token(ctx context.Context, agentID, tenantID string) (string, error) {
	if d.resolveToken == nil {
		return TokenFromContext(ctx), nil
	}
	token, err := d.resolveToken(ctx, agentID, tenantID)
	if err != nil {
		return "", fmt.Errorf("resolve token: %w", err)
	}
	return token, nil
}

// errCreateRequest marks a failure building the HTTP request itself, such
// as a malformed resolved URL. No retry can repair it.
var errCreateRequest = errors.New("create request")

// retryable reports whether a failed attempt is worth repeating: any
// network-level failure (including timeouts), request timeout, throttling,
// or a server error. Request-construction failures are terminal.
func retryable(status int, err error) bool {
	if err != nil {
		return !errors.Is(err, errCreateRequest)
	}
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
}
