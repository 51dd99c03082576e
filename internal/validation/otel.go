package validation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	TracerName = "licensegate/validation"
	MeterName  = "licensegate/validation"
)

// Metrics holds the pipeline instruments
type Metrics struct {
	Checks   metric.Int64Counter
	Duration metric.Float64Histogram
	Stage    metric.Int64Counter
}

// NewMetrics creates the pipeline instruments on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Checks, err = meter.Int64Counter(
		"license_validation_checks_total",
		metric.WithDescription("License validation outcomes by result and code"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation checks counter: %w", err)
	}

	m.Duration, err = meter.Float64Histogram(
		"license_validation_duration_seconds",
		metric.WithDescription("License validation pipeline duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation duration histogram: %w", err)
	}

	m.Stage, err = meter.Int64Counter(
		"license_validation_side_effect_failures_total",
		metric.WithDescription("Post acceptance side effects that failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create side effect failure counter: %w", err)
	}

	return m, nil
}

func (m *Metrics) record(ctx context.Context, o Outcome) {
	if m == nil {
		return
	}
	result := "failure"
	if o.Success {
		result = "success"
	}
	code := string(o.Code)
	if code == "" {
		code = "OK"
	}
	attrs := metric.WithAttributes(
		attribute.String("result", result),
		attribute.String("code", code),
	)
	m.Checks.Add(ctx, 1, attrs)
	m.Duration.Record(ctx, o.Elapsed.Seconds(), attrs)
}

func (m *Metrics) sideEffectFailed(ctx context.Context, step string) {
	if m == nil {
		return
	}
	m.Stage.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step)))
}
