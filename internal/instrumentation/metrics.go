package instrumentation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys.
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrOperation = "operation"
	attrService   = "service"
	attrResult    = "result"
	attrOutcome   = "outcome"
)

// Metrics provides methods for recording observability metrics. The zero
// value is a no-op recorder: every method checks that its instruments were
// initialized, so uninstrumented tests and disabled deployments can share
// the same call sites.
type Metrics struct {
	// HTTP metrics
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram
	activeConversations metric.Int64UpDownCounter

	// Upstream gateway metrics (Gmail, OpenAI)
	gatewayOperationsTotal   metric.Int64Counter
	gatewayOperationDuration metric.Float64Histogram

	// OAuth metrics
	oauthAuthTotal         metric.Int64Counter
	oauthTokenRefreshTotal metric.Int64Counter

	// Reconciliation metrics
	reconcilePassesTotal  metric.Int64Counter
	reconcilePassDuration metric.Float64Histogram
	runsStartedTotal      metric.Int64Counter
	drainTimeoutsTotal    metric.Int64Counter
	repliesSentTotal      metric.Int64Counter
}

// NewMetrics creates a Metrics instance with all instruments initialized.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error

	m.httpRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	m.httpRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_request_duration_seconds histogram: %w", err)
	}

	m.activeConversations, err = meter.Int64UpDownCounter(
		"active_conversations",
		metric.WithDescription("Number of conversations currently in the ACTIVE state"),
		metric.WithUnit("{conversation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active_conversations gauge: %w", err)
	}

	m.gatewayOperationsTotal, err = meter.Int64Counter(
		"gateway_operations_total",
		metric.WithDescription("Total number of upstream API operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway_operations_total counter: %w", err)
	}

	m.gatewayOperationDuration, err = meter.Float64Histogram(
		"gateway_operation_duration_seconds",
		metric.WithDescription("Upstream API operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway_operation_duration_seconds histogram: %w", err)
	}

	m.oauthAuthTotal, err = meter.Int64Counter(
		"oauth_auth_total",
		metric.WithDescription("Total number of OAuth authentication attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth_auth_total counter: %w", err)
	}

	m.oauthTokenRefreshTotal, err = meter.Int64Counter(
		"oauth_token_refresh_total",
		metric.WithDescription("Total number of OAuth token refresh attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth_token_refresh_total counter: %w", err)
	}

	m.reconcilePassesTotal, err = meter.Int64Counter(
		"reconcile_passes_total",
		metric.WithDescription("Total number of reconciliation passes"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconcile_passes_total counter: %w", err)
	}

	m.reconcilePassDuration, err = meter.Float64Histogram(
		"reconcile_pass_duration_seconds",
		metric.WithDescription("Reconciliation pass duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1.0, 5.0, 15.0, 30.0, 60.0, 120.0, 300.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconcile_pass_duration_seconds histogram: %w", err)
	}

	m.runsStartedTotal, err = meter.Int64Counter(
		"reconcile_runs_started_total",
		metric.WithDescription("Total number of AI runs started"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconcile_runs_started_total counter: %w", err)
	}

	m.drainTimeoutsTotal, err = meter.Int64Counter(
		"reconcile_drain_timeouts_total",
		metric.WithDescription("Total number of passes aborted because a stale run stayed non-terminal"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconcile_drain_timeouts_total counter: %w", err)
	}

	m.repliesSentTotal, err = meter.Int64Counter(
		"replies_sent_total",
		metric.WithDescription("Total number of outbound reply attempts"),
		metric.WithUnit("{reply}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create replies_sent_total counter: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with method, path, status code,
// and duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.httpRequestsTotal == nil || m.httpRequestDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrMethod, method),
		attribute.String(attrPath, path),
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	}

	m.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.httpRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordGatewayOperation records one upstream API call.
//
// Parameters:
//   - service: upstream name (ServiceGmail, ServiceOpenAI)
//   - operation: operation name (history.list, runs.create, send, ...)
//   - status: StatusSuccess or StatusError
//   - duration: time taken for the call
func (m *Metrics) RecordGatewayOperation(ctx context.Context, service, operation, status string, duration time.Duration) {
	if m == nil || m.gatewayOperationsTotal == nil || m.gatewayOperationDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrService, service),
		attribute.String(attrOperation, operation),
		attribute.String(attrStatus, status),
	}

	m.gatewayOperationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.gatewayOperationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordOAuthAuth records an OAuth authentication attempt.
// Result should be OAuthResultSuccess or OAuthResultFailure.
func (m *Metrics) RecordOAuthAuth(ctx context.Context, result string) {
	if m == nil || m.oauthAuthTotal == nil {
		return
	}
	m.oauthAuthTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, result)))
}

// RecordOAuthTokenRefresh records an OAuth token refresh attempt.
// Result should be OAuthResultSuccess or OAuthResultFailure.
func (m *Metrics) RecordOAuthTokenRefresh(ctx context.Context, result string) {
	if m == nil || m.oauthTokenRefreshTotal == nil {
		return
	}
	m.oauthTokenRefreshTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, result)))
}

// RecordReconcilePass records a completed reconciliation pass with its
// outcome ("DONE" or "FAILED") and total duration.
func (m *Metrics) RecordReconcilePass(ctx context.Context, outcome string, duration time.Duration) {
	if m == nil || m.reconcilePassesTotal == nil || m.reconcilePassDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{attribute.String(attrOutcome, outcome)}
	m.reconcilePassesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.reconcilePassDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordRunStarted counts one AI run started by a reconciliation pass.
func (m *Metrics) RecordRunStarted(ctx context.Context) {
	if m == nil || m.runsStartedTotal == nil {
		return
	}
	m.runsStartedTotal.Add(ctx, 1)
}

// RecordDrainTimeout counts one pass aborted by an undrainable stale run.
func (m *Metrics) RecordDrainTimeout(ctx context.Context) {
	if m == nil || m.drainTimeoutsTotal == nil {
		return
	}
	m.drainTimeoutsTotal.Add(ctx, 1)
}

// RecordReplySent counts one outbound reply attempt.
// Result should be StatusSuccess or StatusError.
func (m *Metrics) RecordReplySent(ctx context.Context, result string) {
	if m == nil || m.repliesSentTotal == nil {
		return
	}
	m.repliesSentTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, result)))
}

// IncrementActiveConversations increments the active conversations gauge.
func (m *Metrics) IncrementActiveConversations(ctx context.Context) {
	if m == nil || m.activeConversations == nil {
		return
	}
	m.activeConversations.Add(ctx, 1)
}

// DecrementActiveConversations decrements the active conversations gauge.
func (m *Metrics) DecrementActiveConversations(ctx context.Context) {
	if m == nil || m.activeConversations == nil {
		return
	}
	m.activeConversations.Add(ctx, -1)
}
