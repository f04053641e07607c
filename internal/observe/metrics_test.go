package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *metric.ManualReader) {
	t.Helper()
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *metric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			m := m
			if m.Name == name {
				return &m
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	t.Parallel()
	m, _ := newTestMetrics(t)
	if m.InferenceDuration == nil {
		t.Error("InferenceDuration instrument is nil")
	}
	if m.ToolCalls == nil {
		t.Error("ToolCalls instrument is nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		record func(m *Metrics)
	}{
		{"inferd.inference.duration", func(m *Metrics) { m.InferenceDuration.Record(context.Background(), 0.25) }},
		{"inferd.token.duration", func(m *Metrics) { m.TokenDuration.Record(context.Background(), 0.01) }},
		{"inferd.tool_execution.duration", func(m *Metrics) { m.ToolExecutionDuration.Record(context.Background(), 0.5) }},
		{"inferd.http.request.duration", func(m *Metrics) { m.HTTPRequestDuration.Record(context.Background(), 0.05) }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, reader := newTestMetrics(t)
			tt.record(m)
			rm := collect(t, reader)
			if findMetric(rm, tt.name) == nil {
				t.Errorf("metric %q not found after recording", tt.name)
			}
		})
	}
}

func TestCounterIncrement(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	m.RecordInferenceRequest(context.Background(), "llama-3-8b-instruct", "ok")

	rm := collect(t, reader)
	metricData := findMetric(rm, "inferd.inference.requests")
	if metricData == nil {
		t.Fatal("inferd.inference.requests metric not found")
	}
	sum, ok := metricData.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Errorf("unexpected counter data: %+v", metricData.Data)
	}
}

func TestToolCallsCounter(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	m.RecordToolCall(context.Background(), "search_code", "success")
	m.RecordToolCall(context.Background(), "search_code", "error")

	rm := collect(t, reader)
	metricData := findMetric(rm, "inferd.tool.calls")
	if metricData == nil {
		t.Fatal("inferd.tool.calls metric not found")
	}
	sum, ok := metricData.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) != 2 {
		t.Fatalf("expected 2 distinct attribute sets, got: %+v", metricData.Data)
	}
}

func TestCircuitBreakerTransitionsCounter(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	m.RecordCircuitBreakerTransition(context.Background(), "local-runtime", "closed", "open")

	rm := collect(t, reader)
	metricData := findMetric(rm, "inferd.circuit_breaker.transitions")
	if metricData == nil {
		t.Fatal("inferd.circuit_breaker.transitions metric not found")
	}
	sum, ok := metricData.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Errorf("unexpected counter data: %+v", metricData.Data)
	}
}

func TestInferenceErrorsCounter(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	m.RecordInferenceError(context.Background(), "llama-3-8b-instruct", "timeout")

	rm := collect(t, reader)
	metricData := findMetric(rm, "inferd.inference.errors")
	if metricData == nil {
		t.Fatal("inferd.inference.errors metric not found")
	}
	sum, ok := metricData.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) != 1 {
		t.Errorf("unexpected counter data: %+v", metricData.Data)
	}
}

func TestGauges(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	m.ActiveSessions.Add(context.Background(), 3)
	m.ActiveSessions.Add(context.Background(), -1)
	m.MCPConnections.Add(context.Background(), 2)

	rm := collect(t, reader)

	sessions := findMetric(rm, "inferd.active_sessions")
	if sessions == nil {
		t.Fatal("inferd.active_sessions metric not found")
	}
	sum, ok := sessions.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 2 {
		t.Errorf("unexpected ActiveSessions data: %+v", sessions.Data)
	}

	conns := findMetric(rm, "inferd.mcp_connections")
	if conns == nil {
		t.Fatal("inferd.mcp_connections metric not found")
	}
	sum, ok = conns.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 2 {
		t.Errorf("unexpected MCPConnections data: %+v", conns.Data)
	}
}

func TestTokensGeneratedCounter(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	m.TokensGenerated.Add(context.Background(), 128)

	rm := collect(t, reader)
	metricData := findMetric(rm, "inferd.tokens.generated")
	if metricData == nil {
		t.Fatal("inferd.tokens.generated metric not found")
	}
	sum, ok := metricData.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 128 {
		t.Errorf("unexpected counter data: %+v", metricData.Data)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	m1 := DefaultMetrics()
	m2 := DefaultMetrics()
	if m1 != m2 {
		t.Error("DefaultMetrics() returned different instances across calls")
	}
}
