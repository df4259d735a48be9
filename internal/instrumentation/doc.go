// Package instrumentation provides OpenTelemetry instrumentation for the
// replyflow service.
//
// # Metrics
//
// The package exposes the following metric categories:
//
// Server/HTTP metrics:
//   - http_requests_total: Counter of HTTP requests by method, path, and status
//   - http_request_duration_seconds: Histogram of HTTP request durations
//   - active_conversations: Gauge of conversations currently in the ACTIVE state
//
// Gateway metrics (Gmail and OpenAI calls):
//   - gateway_operations_total: Counter of upstream API operations by service, operation, status
//   - gateway_operation_duration_seconds: Histogram of upstream API operation durations
//
// OAuth metrics:
//   - oauth_auth_total: Counter of OAuth authentication events by result
//   - oauth_token_refresh_total: Counter of token refresh attempts by result
//
// Reconciliation metrics:
//   - reconcile_passes_total: Counter of reconciliation passes by outcome
//   - reconcile_pass_duration_seconds: Histogram of pass durations
//   - reconcile_runs_started_total: Counter of AI runs started
//   - reconcile_drain_timeouts_total: Counter of passes aborted because a stale run would not die
//   - replies_sent_total: Counter of outbound replies by result
//
// # Configuration
//
// Instrumentation is configured via environment variables:
//   - INSTRUMENTATION_ENABLED: Enable/disable instrumentation (default: true)
//   - METRICS_EXPORTER: Metrics exporter type (prometheus, otlp, stdout, default: prometheus)
//   - TRACING_EXPORTER: Tracing exporter type (otlp, stdout, none, default: none)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint for traces/metrics
//   - OTEL_TRACES_SAMPLER_ARG: Sampling rate (0.0 to 1.0, default: 0.1)
//   - OTEL_SERVICE_NAME: Service name (default: replyflow)
package instrumentation
