// Package monitoring exposes the pipeline counters and the cross-check
// error gauges as prometheus metrics.
package monitoring

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "density_bench"

// Task statuses
const (
	StatusDone    = "done"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

type Metrics struct {
	// Pipeline metrics
	TasksTotal   *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec

	// Cross-check metrics
	CrosscheckLog10Error *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers the metrics with reg. A nil reg gets a fresh
// registry, so tests and binaries never touch the global one.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Metrics{
		TasksTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Number of pipeline tasks by outcome",
			},
			[]string{"phase", "status"}, // status: done/skipped/failed
		),
		TaskDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of pipeline tasks in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"phase"},
		),
		CrosscheckLog10Error: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "crosscheck_log10_error",
				Help:      "log10 of the largest disagreement between two evaluators",
			},
			[]string{"model", "comparison"}, // comparison: row/graph/estimator
		),
		gatherer: reg,
	}
}

// Task records one finished task. Safe on a nil receiver.
func (m *Metrics) Task(phase, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(phase, status).Inc()
	if status != StatusSkipped {
		m.TaskDuration.WithLabelValues(phase).Observe(d.Seconds())
	}
}

// Crosscheck records one comparison. Exact agreement (-Inf) is stored as
// the smallest float64 exponent so the gauge stays plottable.
func (m *Metrics) Crosscheck(model, comparison string, log10Err float64) {
	if m == nil {
		return
	}
	if math.IsInf(log10Err, -1) {
		log10Err = -math.MaxFloat64
	}
	m.CrosscheckLog10Error.WithLabelValues(model, comparison).Set(log10Err)
}

// WriteTextfile dumps every metric in the text exposition format, for the
// node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	return errors.Wrapf(prometheus.WriteToTextfile(path, m.gatherer), "write metrics to %s", path)
}
