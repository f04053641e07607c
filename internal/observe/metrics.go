// Package observe provides application-wide observability primitives for
// inferd: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all inferd metrics.
const meterName = "github.com/inferd-run/inferd"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// InferenceDuration tracks end-to-end Infer/Stream latency.
	InferenceDuration metric.Float64Histogram

	// TokenDuration tracks per-token decode latency within the executor loop.
	TokenDuration metric.Float64Histogram

	// ToolExecutionDuration tracks MCP tool call latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// InferenceRequests counts provider calls. Use with attributes:
	//   attribute.String("model", ...), attribute.String("status", ...)
	InferenceRequests metric.Int64Counter

	// TokensGenerated counts completion tokens produced, for a tokens/sec
	// derivation alongside InferenceDuration.
	TokensGenerated metric.Int64Counter

	// ToolCalls counts MCP tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// CircuitBreakerTransitions counts state transitions. Use with
	// attributes: attribute.String("provider", ...), attribute.String("from", ...), attribute.String("to", ...)
	CircuitBreakerTransitions metric.Int64Counter

	// --- Error counters ---

	// InferenceErrors counts provider errors. Use with attributes:
	//   attribute.String("model", ...), attribute.String("kind", ...)
	InferenceErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of leased pool sessions across all
	// (tenantId, modelId) pools.
	ActiveSessions metric.Int64UpDownCounter

	// MCPConnections tracks the number of live MCP server connections.
	MCPConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// both single-token decode latency and whole-request inference latency.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.InferenceDuration, err = m.Float64Histogram("inferd.inference.duration",
		metric.WithDescription("Latency of a complete Infer or Stream call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TokenDuration, err = m.Float64Histogram("inferd.token.duration",
		metric.WithDescription("Latency of a single decode+sample iteration."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("inferd.tool_execution.duration",
		metric.WithDescription("Latency of MCP tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.InferenceRequests, err = m.Int64Counter("inferd.inference.requests",
		metric.WithDescription("Total inference requests by model and status."),
	); err != nil {
		return nil, err
	}
	if met.TokensGenerated, err = m.Int64Counter("inferd.tokens.generated",
		metric.WithDescription("Total completion tokens generated, by model."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("inferd.tool.calls",
		metric.WithDescription("Total MCP tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.CircuitBreakerTransitions, err = m.Int64Counter("inferd.circuit_breaker.transitions",
		metric.WithDescription("Total circuit breaker state transitions by provider, from and to state."),
	); err != nil {
		return nil, err
	}

	if met.InferenceErrors, err = m.Int64Counter("inferd.inference.errors",
		metric.WithDescription("Total inference errors by model and error kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("inferd.active_sessions",
		metric.WithDescription("Number of leased session-pool sessions."),
	); err != nil {
		return nil, err
	}
	if met.MCPConnections, err = m.Int64UpDownCounter("inferd.mcp_connections",
		metric.WithDescription("Number of live MCP server connections."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("inferd.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordInferenceRequest is a convenience method that records an inference
// request counter increment with the standard attribute set.
func (m *Metrics) RecordInferenceRequest(ctx context.Context, model, status string) {
	m.InferenceRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordCircuitBreakerTransition is a convenience method that records a
// breaker state transition counter increment.
func (m *Metrics) RecordCircuitBreakerTransition(ctx context.Context, provider, from, to string) {
	m.CircuitBreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordInferenceError is a convenience method that records an inference
// error counter increment.
func (m *Metrics) RecordInferenceError(ctx context.Context, model, kind string) {
	m.InferenceErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("kind", kind),
		),
	)
}
