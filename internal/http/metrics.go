package http

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fyrsmithlabs/autodoc/internal/router"
)

// HTTPMetrics holds the ops server's own request metrics.
type HTTPMetrics struct {
	requestsTotal  *prometheus.CounterVec
	requestDur     *prometheus.HistogramVec
	activeRequests prometheus.Gauge
}

// NewHTTPMetrics creates HTTPMetrics and registers them with reg.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "autodoc",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total ops HTTP requests by method, endpoint and status",
			},
			[]string{"method", "endpoint", "status"},
		),
		requestDur: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "autodoc",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Ops HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		activeRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "autodoc",
				Subsystem: "http",
				Name:      "active_requests",
				Help:      "Number of currently active ops HTTP requests",
			},
		),
	}
	reg.MustRegister(m.requestsTotal, m.requestDur, m.activeRequests)
	return m
}

// Middleware returns an Echo middleware that records request metrics.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			m.activeRequests.Inc()
			defer m.activeRequests.Dec()

			err := next(c)
			if err != nil {
				// Let echo write the error so the recorded status is final.
				c.Error(err)
			}

			endpoint := normalizePath(c.Path())
			method := c.Request().Method
			m.requestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(c.Response().Status)).Inc()
			m.requestDur.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// normalizePath keeps endpoint labels bounded. Routes are fixed, so only
// unmatched requests need folding.
func normalizePath(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}

var (
	providerAvailableDesc = prometheus.NewDesc(
		"autodoc_provider_available",
		"1 when the provider is available, 0 while it is cooling down",
		[]string{"provider", "type"}, nil,
	)
	providerCooldownDesc = prometheus.NewDesc(
		"autodoc_provider_cooldown_remaining_seconds",
		"Seconds until a cooling provider is tried again",
		[]string{"provider"}, nil,
	)
)

// providerCollector reads cooldown state at scrape time.
type providerCollector struct {
	providers ProviderLister
	now       func() time.Time
}

func newProviderCollector(p ProviderLister) *providerCollector {
	return &providerCollector{providers: p, now: time.Now}
}

func (c *providerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- providerAvailableDesc
	ch <- providerCooldownDesc
}

func (c *providerCollector) Collect(ch chan<- prometheus.Metric) {
	now := c.now()
	for _, p := range c.providers.Providers() {
		available := 0.0
		if p.State == router.StateAvailable {
			available = 1
		}
		ch <- prometheus.MustNewConstMetric(providerAvailableDesc, prometheus.GaugeValue, available, p.Name, p.Type)

		remaining := 0.0
		if p.State == router.StateCoolingDown && p.CoolingUntil.After(now) {
			remaining = p.CoolingUntil.Sub(now).Seconds()
		}
		ch <- prometheus.MustNewConstMetric(providerCooldownDesc, prometheus.GaugeValue, remaining, p.Name)
	}
}
