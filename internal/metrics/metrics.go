// Package metrics records orchestration metrics with Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives orchestration measurements.
type Recorder interface {
	RunStarted()
	RunFinished(terminal string, duration time.Duration)
	DecisionApplied(decisionType string)
	DecisionDiscarded(code string)
	OracleCall(outcome string, duration time.Duration)
	WorkerCall(capability, status string, duration time.Duration)
	EventEmitted(kind string)
}

// Nop discards all measurements.
type Nop struct{}

func (Nop) RunStarted() {}
func (Nop) RunFinished(string, time.Duration) {}
func (Nop) DecisionApplied(string) {}
func (Nop) DecisionDiscarded(string) {}
func (Nop) OracleCall(string, time.Duration) {}
func (Nop) WorkerCall(string, string, time.Duration) {}
func (Nop) EventEmitted(string) {}

// PrometheusRecorder implements Recorder using Prometheus collectors.
type PrometheusRecorder struct {
	runsActive       prometheus.Gauge
	runsTotal        *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	decisionsTotal   *prometheus.CounterVec
	discardedTotal   *prometheus.CounterVec
	oracleCallsTotal *prometheus.CounterVec
	oracleDuration   prometheus.Histogram
	workerCallsTotal *prometheus.CounterVec
	workerDuration   *prometheus.HistogramVec
	eventsTotal      *prometheus.CounterVec
}

// NewPrometheusRecorder registers the conductor collectors on reg.
// A nil reg uses the default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PrometheusRecorder{
		runsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_runs_active",
			Help: "Number of runs whose loop is still live",
		}),
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_runs_total",
			Help: "Finished runs by terminal status",
		}, []string{"terminal_status"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_run_duration_seconds",
			Help:    "Wall time from run start to terminal status",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"terminal_status"}),
		decisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_decisions_applied_total",
			Help: "Applied oracle decisions by type",
		}, []string{"decision_type"}),
		discardedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_decisions_discarded_total",
			Help: "Discarded oracle decisions by error code",
		}, []string{"code"}),
		oracleCallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_oracle_calls_total",
			Help: "Oracle evaluations by outcome",
		}, []string{"outcome"}),
		oracleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "conductor_oracle_duration_seconds",
			Help:    "Duration of oracle evaluations",
			Buckets: prometheus.DefBuckets,
		}),
		workerCallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_worker_calls_total",
			Help: "Worker calls by capability and status",
		}, []string{"capability", "status"}),
		workerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_worker_call_duration_seconds",
			Help:    "Duration of worker calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"capability"}),
		eventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_events_total",
			Help: "Emitted lifecycle events by kind",
		}, []string{"kind"}),
	}
}

func (p *PrometheusRecorder) RunStarted() {
	p.runsActive.Inc()
}

func (p *PrometheusRecorder) RunFinished(terminal string, duration time.Duration) {
	p.runsActive.Dec()
	p.runsTotal.WithLabelValues(terminal).Inc()
	p.runDuration.WithLabelValues(terminal).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) DecisionApplied(decisionType string) {
	p.decisionsTotal.WithLabelValues(decisionType).Inc()
}

func (p *PrometheusRecorder) DecisionDiscarded(code string) {
	p.discardedTotal.WithLabelValues(code).Inc()
}

func (p *PrometheusRecorder) OracleCall(outcome string, duration time.Duration) {
	p.oracleCallsTotal.WithLabelValues(outcome).Inc()
	p.oracleDuration.Observe(duration.Seconds())
}

func (p *PrometheusRecorder) WorkerCall(capability, status string, duration time.Duration) {
	p.workerCallsTotal.WithLabelValues(capability, status).Inc()
	p.workerDuration.WithLabelValues(capability).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) EventEmitted(kind string) {
	p.eventsTotal.WithLabelValues(kind).Inc()
}
