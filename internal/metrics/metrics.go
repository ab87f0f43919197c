package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "anneal"

// Metrics collects orchestrator counters on a private registry. A nil
// *Metrics is a valid no-op collector, so instrumentation points never
// need nil checks at call sites.
type Metrics struct {
	appliesTotal   *prometheus.CounterVec
	applyDuration  *prometheus.HistogramVec
	teardownsTotal *prometheus.CounterVec
	inflight       prometheus.Gauge

	registry *prometheus.Registry
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		appliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "applies_total",
				Help:      "Total resource applies by kind, phase and status",
			},
			[]string{"kind", "phase", "status"},
		),
		applyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "apply_duration_seconds",
				Help:      "Duration of resource applies in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind", "phase"},
		),
		teardownsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "teardown_deletes_total",
				Help:      "Total teardown deletions by status",
			},
			[]string{"status"},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_applies",
				Help:      "Number of applies currently running",
			},
		),
	}

	registry.MustRegister(m.appliesTotal, m.applyDuration, m.teardownsTotal, m.inflight)
	return m
}

// ObserveApply records one finished apply.
func (m *Metrics) ObserveApply(kind, phase, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.appliesTotal.WithLabelValues(kind, phase, status).Inc()
	m.applyDuration.WithLabelValues(kind, phase).Observe(d.Seconds())
}

// ObserveTeardown records one teardown deletion.
func (m *Metrics) ObserveTeardown(status string) {
	if m == nil {
		return
	}
	m.teardownsTotal.WithLabelValues(status).Inc()
}

// ApplyStarted marks an apply in flight until the returned func runs.
func (m *Metrics) ApplyStarted() func() {
	if m == nil {
		return func() {}
	}
	m.inflight.Inc()
	return m.inflight.Dec
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
