package router

import (
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/fyrsmithlabs/autodoc/internal/router"

type metrics struct {
	attempts  metric.Int64Counter
	duration  metric.Float64Histogram
	cooldowns metric.Int64Counter
	exhausted metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	var (
		m   metrics
		err error
	)
	m.attempts, err = meter.Int64Counter(
		"autodoc.router.attempts",
		metric.WithDescription("Provider attempts by provider and outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}
	m.duration, err = meter.Float64Histogram(
		"autodoc.router.attempt.duration",
		metric.WithDescription("Duration of provider attempts"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	m.cooldowns, err = meter.Int64Counter(
		"autodoc.router.cooldowns",
		metric.WithDescription("Providers moved into cooldown after a rate-limit signal"),
		metric.WithUnit("{cooldown}"),
	)
	if err != nil {
		return nil, err
	}
	m.exhausted, err = meter.Int64Counter(
		"autodoc.router.exhausted",
		metric.WithDescription("Generations where every provider failed"),
		metric.WithUnit("{generation}"),
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
