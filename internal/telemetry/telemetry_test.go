package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNormalizeOTLPEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		hostport string
		urlPath  string
		insecure bool
		resolved string
		wantErr  bool
	}{
		{"default localhost", "http://localhost:4318", "localhost:4318", "/v1/traces", true, "http://localhost:4318/v1/traces", false},
		{"trailing slash base", "http://collector:4318/", "collector:4318", "/v1/traces", true, "http://collector:4318/v1/traces", false},
		{"already traces path", "http://collector:4318/v1/traces", "collector:4318", "/v1/traces", true, "http://collector:4318/v1/traces", false},
		{"custom base path", "https://otlp.example.com:4318/otlp", "otlp.example.com:4318", "/otlp/v1/traces", false, "https://otlp.example.com:4318/otlp/v1/traces", false},
		{"invalid no scheme", "collector:4318", "", "", true, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hp, path, insecure, resolved, err := normalizeOTLPEndpoint(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.hostport, hp)
			assert.Equal(t, tt.urlPath, path)
			assert.Equal(t, tt.insecure, insecure)
			assert.Equal(t, tt.resolved, resolved)
		})
	}
}

func TestOTLPLogsEndpoint(t *testing.T) {
	hp, path, insecure, err := OTLPLogsEndpoint("https://otlp.example.com/otlp")
	require.NoError(t, err)
	assert.Equal(t, "otlp.example.com", hp)
	assert.Equal(t, "/otlp/v1/logs", path)
	assert.False(t, insecure)
}

// Test DefaultConfig function
func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.NotNil(t, config)
	assert.True(t, config.Enabled)
	assert.Equal(t, ServiceName, config.ServiceName)
	assert.Equal(t, "otlp", config.Exporter)
}

func TestInitTelemetry_Disabled(t *testing.T) {
	provider, err := InitTelemetry(TelemetryConfig{Enabled: false})
	require.NoError(t, err)

	_, span := provider.Tracer("test").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, provider.Shutdown(context.Background()))
}

func TestInitTelemetry_UnknownExporter(t *testing.T) {
	_, err := InitTelemetry(TelemetryConfig{Enabled: true, Exporter: "zipkin"})
	assert.Error(t, err)
}

func TestInitTelemetry_InvalidEndpoint(t *testing.T) {
	_, err := InitTelemetry(TelemetryConfig{Enabled: true, Exporter: "otlp", OTLPEndpoint: "collector:4318"})
	assert.Error(t, err)
}

func TestBusinessTracer_RecordsBatchSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	bt := NewBusinessTracer(tp.Tracer("test"))
	_, span := bt.TraceBatch(context.Background(), 3)
	bt.RecordBatchMetrics(span, BatchMetrics{Size: 40, Spots: 2, Contracts: 38, Emergency: true, Duration: 12 * time.Millisecond})
	bt.RecordError(span, errors.New("bulk upsert failed"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "consumer_batch", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range ended[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, int64(3), attrs["consumer.worker"].AsInt64())
	assert.Equal(t, int64(40), attrs["batch.size"].AsInt64())
	assert.True(t, attrs["batch.emergency"].AsBool())
}

func TestBusinessTracer_RecordErrorNil(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	bt := NewBusinessTracer(tp.Tracer("test"))
	_, span := bt.TraceUpsert(context.Background(), "upsert_bulk", 10)
	bt.RecordError(span, nil)
	span.End()

	require.Len(t, recorder.Ended(), 1)
	assert.Equal(t, codes.Unset, recorder.Ended()[0].Status().Code)
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics("test")
	m.TicksReceived.Add(5)
	m.QueueDepth.Set(42)
	m.TicksDropped.WithLabelValues("unknown_instrument").Inc()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "test_feed_ticks_received_total 5")
	assert.Contains(t, string(body), "test_queue_depth 42")
	assert.Contains(t, string(body), `test_consumer_ticks_dropped_total{reason="unknown_instrument"} 1`)
}

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics("dup")
		NewMetrics("dup")
	})
}
