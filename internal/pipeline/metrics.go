package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "storyteller.pipeline"

type metrics struct {
	jobCounter  metric.Int64Counter
	jobDuration metric.Float64Histogram
}

func newMetrics() *metrics {
	m := otel.GetMeterProvider().Meter(meterName)
	jobCounter, _ := m.Int64Counter("render_jobs_total")
	jobDuration, _ := m.Float64Histogram("render_job_duration_seconds", metric.WithUnit("s"))
	return &metrics{jobCounter: jobCounter, jobDuration: jobDuration}
}

func (m *metrics) recordJob(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	if m.jobCounter != nil {
		m.jobCounter.Add(ctx, 1, attrs)
	}
	if m.jobDuration != nil {
		m.jobDuration.Record(ctx, d.Seconds(), attrs)
	}
}
