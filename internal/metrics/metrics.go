// Package metrics exposes Prometheus counters for registration runs and the
// artifact decisions they make.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"seqreg/internal/registration"
)

// Metrics owns a private registry so several instances can coexist in tests.
// A nil *Metrics ignores every call.
type Metrics struct {
	registry    *prometheus.Registry
	runs        *prometheus.CounterVec
	inflight    prometheus.Gauge
	runDuration prometheus.Histogram
	artifacts   *prometheus.CounterVec
	artifactDur *prometheus.HistogramVec
	estimations prometheus.Counter
}

// New registers the seqreg collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seqreg",
			Name:      "runs_total",
			Help:      "Registration runs by final status.",
		}, []string{"status"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "seqreg",
			Name:      "runs_inflight",
			Help:      "Registration runs currently executing.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "seqreg",
			Name:      "run_duration_seconds",
			Help:      "Wall time of registration runs.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "seqreg",
			Name:      "artifacts_total",
			Help:      "Artifact decisions by stage, kind and outcome.",
		}, []string{"stage", "kind", "decision"}),
		artifactDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "seqreg",
			Name:      "artifact_compute_seconds",
			Help:      "Time spent computing one artifact.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage", "kind"}),
		estimations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "seqreg",
			Name:      "estimations_total",
			Help:      "Calls into the transform estimator.",
		}),
	}
	m.registry.MustRegister(m.runs, m.inflight, m.runDuration, m.artifacts, m.artifactDur, m.estimations)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Artifact implements registration.Observer.
func (m *Metrics) Artifact(ev registration.ArtifactEvent) {
	if m == nil {
		return
	}
	decision := "reused"
	if ev.Computed {
		decision = "computed"
		m.artifactDur.WithLabelValues(string(ev.Stage), ev.Kind).Observe(ev.Duration.Seconds())
	}
	m.artifacts.WithLabelValues(string(ev.Stage), ev.Kind, decision).Inc()
}

// RunStarted marks a run as in flight.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

// RunFinished records the outcome of a run started with RunStarted.
func (m *Metrics) RunFinished(status string, sum *registration.Summary, d time.Duration) {
	if m == nil {
		return
	}
	m.inflight.Dec()
	m.runs.WithLabelValues(status).Inc()
	m.runDuration.Observe(d.Seconds())
	if sum != nil {
		m.estimations.Add(float64(sum.Estimations))
	}
}
