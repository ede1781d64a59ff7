package assembler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "storyteller.assembler"

type metrics struct {
	stageDuration metric.Float64Histogram
}

func newMetrics() *metrics {
	m := otel.GetMeterProvider().Meter(meterName)
	stageDuration, _ := m.Float64Histogram("assembly_stage_duration_seconds", metric.WithUnit("s"))
	return &metrics{stageDuration: stageDuration}
}

func (m *metrics) recordStage(ctx context.Context, stage string, d time.Duration, ok bool) {
	if m == nil || m.stageDuration == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	))
}
