package pipeline

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/you/modpipe/internal/core"
)

// Metrics bundles Prometheus collectors for one pipeline process.
type Metrics struct {
	registry       *prometheus.Registry
	recordsTotal   *prometheus.CounterVec
	remoteAttempts *prometheus.CounterVec
	runsTotal      *prometheus.CounterVec
	runDuration    prometheus.Histogram
	flaggedUsers   prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		recordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modpipe",
			Name:      "records_total",
			Help:      "Message records handled, by outcome",
		}, []string{"outcome"}),
		remoteAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modpipe",
			Name:      "remote_attempts_total",
			Help:      "Collaborator call attempts, by service and result",
		}, []string{"service", "result"}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modpipe",
			Name:      "runs_total",
			Help:      "Pipeline runs, by final state",
		}, []string{"state"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "modpipe",
			Name:      "run_duration_seconds",
			Help:      "Wall time of pipeline runs",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		flaggedUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "modpipe",
			Name:      "flagged_users",
			Help:      "Users flagged by the last finalized run",
		}),
	}

	registry.MustRegister(
		m.recordsTotal,
		m.remoteAttempts,
		m.runsTotal,
		m.runDuration,
		m.flaggedUsers,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRecord counts one record reaching an outcome (scored, failed,
// skipped, resumed).
func (m *Metrics) ObserveRecord(outcome string) {
	if m == nil {
		return
	}
	m.recordsTotal.WithLabelValues(outcome).Inc()
}

// ObserveAttempt counts one collaborator call attempt.
func (m *Metrics) ObserveAttempt(service string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.remoteAttempts.WithLabelValues(service, result).Inc()
}

// ObserveRun records the final state and duration of a run.
func (m *Metrics) ObserveRun(state core.RunState, dur time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(string(state)).Inc()
	m.runDuration.Observe(dur.Seconds())
}

// SetFlaggedUsers records how many users the last run flagged.
func (m *Metrics) SetFlaggedUsers(n int) {
	if m == nil {
		return
	}
	m.flaggedUsers.Set(float64(n))
}
