package monitoring_test

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0madic/go-density-bench/monitoring"
)

func TestTaskCounters(t *testing.T) {
	m := monitoring.NewMetrics(prometheus.NewRegistry())
	m.Task("phase1", monitoring.StatusDone, time.Second)
	m.Task("phase1", monitoring.StatusDone, time.Second)
	m.Task("phase1", monitoring.StatusSkipped, 0)
	m.Task("phase2", monitoring.StatusFailed, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TasksTotal.WithLabelValues("phase1", monitoring.StatusDone)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksTotal.WithLabelValues("phase1", monitoring.StatusSkipped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksTotal.WithLabelValues("phase2", monitoring.StatusFailed)))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *monitoring.Metrics
	assert.NotPanics(t, func() {
		m.Task("phase1", monitoring.StatusDone, time.Second)
		m.Crosscheck("MoG", "row", -12)
	})
}

func TestCrosscheckGauge(t *testing.T) {
	m := monitoring.NewMetrics(nil)
	m.Crosscheck("MoG", "row", -13.5)
	m.Crosscheck("IGN", "graph", math.Inf(-1))
	assert.Equal(t, -13.5, testutil.ToFloat64(m.CrosscheckLog10Error.WithLabelValues("MoG", "row")))
	assert.Equal(t, -math.MaxFloat64, testutil.ToFloat64(m.CrosscheckLog10Error.WithLabelValues("IGN", "graph")))
}

func TestWriteTextfile(t *testing.T) {
	m := monitoring.NewMetrics(nil)
	m.Task("phase2", monitoring.StatusDone, time.Second)
	path := filepath.Join(t.TempDir(), "bench.prom")
	require.NoError(t, m.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `density_bench_tasks_total{phase="phase2",status="done"} 1`)
}
