// Package metrics exposes prometheus collectors for escrow reads and writes.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/osazeejedi/escrow-interact/internal/types"
)

const namespace = "escrow"

type Metrics struct {
	registry *prometheus.Registry

	fetches          *prometheus.CounterVec
	fetchDuration    prometheus.Histogram
	fetchAttempts    prometheus.Histogram
	snapshotDuration prometheus.Histogram
	snapshotItems    prometheus.Gauge
	operations       *prometheus.CounterVec
}

// New registers the collectors on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Escrow record reads by outcome.",
		}, []string{"outcome"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Time to read one escrow record, retries included.",
			Buckets:   prometheus.DefBuckets,
		}),
		fetchAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_attempts",
			Help:      "Attempts needed per escrow read.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}),
		snapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_duration_seconds",
			Help:      "Time to take a snapshot of all escrows.",
			Buckets:   prometheus.DefBuckets,
		}),
		snapshotItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_items",
			Help:      "Escrows in the latest snapshot.",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Submitted writes by kind and final state.",
		}, []string{"kind", "state"}),
	}

	m.registry.MustRegister(
		m.fetches,
		m.fetchDuration,
		m.fetchAttempts,
		m.snapshotDuration,
		m.snapshotItems,
		m.operations,
		collectors.NewGoCollector(),
	)
	return m
}

// ObserveFetch records one escrow read
func (m *Metrics) ObserveFetch(err error, attempts int, elapsed time.Duration) {
	m.fetches.WithLabelValues(Outcome(err)).Inc()
	m.fetchAttempts.Observe(float64(attempts))
	m.fetchDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveSnapshot(items, _ int, elapsed time.Duration) {
	m.snapshotItems.Set(float64(items))
	m.snapshotDuration.Observe(elapsed.Seconds())
}

// ObserveOperation counts a write reaching a pending, confirmed or failed state
func (m *Metrics) ObserveOperation(kind, state string) {
	m.operations.WithLabelValues(kind, state).Inc()
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Outcome labels an error by kind
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, types.ErrMalformedRecord):
		return "malformed"
	}
	if kind := types.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}
