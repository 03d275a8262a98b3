// Package metrics exposes prometheus collectors for the scheduler, batch
// and gc loops and serves them over HTTP next to a health endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "runboor"

// Metrics holds the collectors shared by the background loops.
type Metrics struct {
	Ticks        prometheus.Counter
	TickDuration prometheus.Histogram
	BuildActions *prometheus.CounterVec
	BuildErrors  *prometheus.CounterVec
	Batches      *prometheus.CounterVec
	GCBuilds     *prometheus.CounterVec
	GCDatabases  prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Ticks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Number of scheduler ticks run.",
		}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of a scheduler tick.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		BuildActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "build_actions_total",
			Help:      "Build transitions driven by the scheduler, by action.",
		}, []string{"action"}),
		BuildErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "build_errors_total",
			Help:      "Per-build failures logged by the scheduler, by phase.",
		}, []string{"phase"}),
		Batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "processed_total",
			Help:      "Batches processed by the batch loop, by outcome.",
		}, []string{"outcome"}),
		GCBuilds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "builds_total",
			Help:      "Builds handled by the retention sweep, by kind.",
		}, []string{"kind"}),
		GCDatabases: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "databases_dropped_total",
			Help:      "Per-build databases dropped by the retention sweep.",
		}),
	}
}

// Discard returns collectors registered on a private registry.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveTick records one scheduler tick that started at start.
func (m *Metrics) ObserveTick(start time.Time) {
	m.Ticks.Inc()
	m.TickDuration.Observe(time.Since(start).Seconds())
}
