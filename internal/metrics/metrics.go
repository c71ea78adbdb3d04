package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pluginjobs"

// Metrics tracks queue and worker metrics on a private registry
type Metrics struct {
	registry *prometheus.Registry

	submittedJobs      prometheus.Counter
	finishedJobs       *prometheus.CounterVec
	storeWriteFailures prometheus.Counter
	storeCorrupt       prometheus.Counter
	jobDuration        *prometheus.HistogramVec
	workerBusy         prometheus.Gauge
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submittedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted into the queue.",
		}),
		finishedJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal status.",
		}, []string{"status"}),
		storeWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_write_failures_total",
			Help:      "Failed writes to the job store.",
		}),
		storeCorrupt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_corrupt_total",
			Help:      "Times the job store could not be decoded and was backed up.",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from claim to terminal status.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		}, []string{"action"}),
		workerBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_busy",
			Help:      "1 while the worker is executing a job.",
		}),
	}

	m.registry.MustRegister(
		m.submittedJobs,
		m.finishedJobs,
		m.storeWriteFailures,
		m.storeCorrupt,
		m.jobDuration,
		m.workerBusy,
		collectors.NewGoCollector(),
	)
	return m
}

// IncrementSubmittedJobs counts one accepted submission
func (m *Metrics) IncrementSubmittedJobs() {
	m.submittedJobs.Inc()
}

// RecordFinishedJob counts a job reaching status and observes its run time.
// A zero duration (job never ran) is not observed.
func (m *Metrics) RecordFinishedJob(action, status string, d time.Duration) {
	m.finishedJobs.WithLabelValues(status).Inc()
	if d > 0 {
		m.jobDuration.WithLabelValues(action).Observe(d.Seconds())
	}
}

// IncrementStoreWriteFailures counts one failed store write
func (m *Metrics) IncrementStoreWriteFailures() {
	m.storeWriteFailures.Inc()
}

// IncrementStoreCorrupt counts one corrupt store load
func (m *Metrics) IncrementStoreCorrupt() {
	m.storeCorrupt.Inc()
}

// SetWorkerBusy records whether the worker is executing a job
func (m *Metrics) SetWorkerBusy(busy bool) {
	if busy {
		m.workerBusy.Set(1)
		return
	}
	m.workerBusy.Set(0)
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
