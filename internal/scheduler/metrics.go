package scheduler

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "storyteller.scheduler"

type metrics struct {
	attemptCounter metric.Int64Counter
	segmentCounter metric.Int64Counter
}

func newMetrics() *metrics {
	m := otel.GetMeterProvider().Meter(meterName)
	attemptCounter, _ := m.Int64Counter("generation_provider_attempts_total")
	segmentCounter, _ := m.Int64Counter("generation_segments_total")
	return &metrics{attemptCounter: attemptCounter, segmentCounter: segmentCounter}
}

func (m *metrics) recordAttempt(ctx context.Context, provider, outcome string) {
	if m == nil || m.attemptCounter == nil {
		return
	}
	m.attemptCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	))
}

func (m *metrics) recordSegment(ctx context.Context, provider string, survived bool) {
	if m == nil || m.segmentCounter == nil {
		return
	}
	result := "failure"
	if survived {
		result = "success"
	}
	m.segmentCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("result", result),
	))
}
