package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewPrometheusRecorder(reg)

	r.RunStarted()
	r.RunStarted()
	r.RunFinished("completed", 2*time.Second)
	r.DecisionApplied("dispatch")
	r.DecisionApplied("dispatch")
	r.DecisionDiscarded("DANGLING_DEPENDENCY")
	r.WorkerCall("command", "failed", time.Second)
	r.OracleCall("timeout", time.Second)
	r.EventEmitted("run.started")

	assert.Equal(t, float64(1), testutil.ToFloat64(r.runsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.runsTotal.WithLabelValues("completed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(r.decisionsTotal.WithLabelValues("dispatch")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.discardedTotal.WithLabelValues("DANGLING_DEPENDENCY")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.workerCallsTotal.WithLabelValues("command", "failed")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewPrometheusRecorder_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheusRecorder(prometheus.NewRegistry())
		NewPrometheusRecorder(prometheus.NewRegistry())
	})
}
