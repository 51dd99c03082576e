package infrastructure

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"licensegate/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOTelInitialization(t *testing.T) {
	providers, err := InitializeOTel(context.Background(), config.TelemetryConfig{
		ServiceName:    "licensegate-test",
		Environment:    "test",
		TraceExporter:  config.ExporterStdout,
		MetricExporter: config.ExporterPrometheus,
		SampleRatio:    1,
	}, discardLogger())
	require.NoError(t, err)
	require.NotNil(t, providers)

	assert.NotNil(t, providers.TracerProvider)
	assert.NotNil(t, providers.Tracer)
	assert.NotNil(t, providers.MeterProvider)
	assert.NotNil(t, providers.Meter)
	assert.NotNil(t, providers.PrometheusHTTP)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, providers.Shutdown(ctx))
}

func TestOTelDisabled(t *testing.T) {
	providers, err := InitializeOTel(context.Background(), config.TelemetryConfig{
		TraceExporter:  config.ExporterNone,
		MetricExporter: config.ExporterNone,
	}, discardLogger())
	require.NoError(t, err)

	assert.Nil(t, providers.TracerProvider)
	assert.Nil(t, providers.MeterProvider)
	assert.Nil(t, providers.PrometheusHTTP)
	assert.NotNil(t, providers.Tracer)
	assert.NotNil(t, providers.Meter)
	assert.NoError(t, providers.Shutdown(context.Background()))
}

func TestOTelRejectsUnknownExporter(t *testing.T) {
	_, err := InitializeOTel(context.Background(), config.TelemetryConfig{
		TraceExporter:  "jaeger",
		MetricExporter: config.ExporterNone,
	}, discardLogger())
	assert.ErrorContains(t, err, "unsupported trace exporter")

	_, err = InitializeOTel(context.Background(), config.TelemetryConfig{
		TraceExporter:  config.ExporterNone,
		MetricExporter: "statsd",
	}, discardLogger())
	assert.ErrorContains(t, err, "unsupported metric exporter")
}

func TestTraceCorrelation(t *testing.T) {
	providers, err := InitializeOTel(context.Background(), config.TelemetryConfig{
		TraceExporter:  config.ExporterStdout,
		MetricExporter: config.ExporterNone,
		SampleRatio:    1,
	}, discardLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	ctx, span := otel.Tracer("test").Start(context.Background(), "test-operation")
	defer span.End()

	traceID := TraceIDFromContext(ctx)
	assert.NotEmpty(t, traceID)
	assert.Equal(t, span.SpanContext().TraceID().String(), traceID)

	assert.Empty(t, TraceIDFromContext(context.Background()))
}

func TestPrometheusEndpoint(t *testing.T) {
	providers, err := InitializeOTel(context.Background(), config.TelemetryConfig{
		TraceExporter:  config.ExporterNone,
		MetricExporter: config.ExporterPrometheus,
	}, discardLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	counter, err := providers.Meter.Int64Counter("test_requests_total",
		metric.WithDescription("test counter"))
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	providers.PrometheusHTTP.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "test_requests_total")
	assert.Contains(t, body, "runtime_goroutines")
}
