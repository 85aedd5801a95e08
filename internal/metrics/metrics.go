// Package metrics exports job lifecycle metrics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/buildos/buildos/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records job lifecycle events. It implements registry.Observer.
type Collector struct {
	gatherer prometheus.Gatherer

	jobsEnqueued  prometheus.Counter
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	killRequests  prometheus.Counter
	logLines      prometheus.Counter

	jobDuration  prometheus.Histogram
	jobQueueWait prometheus.Histogram

	jobsQueued  prometheus.Gauge
	jobsRunning prometheus.Gauge
}

// jobBuckets spans a few seconds up to the default one hour job timeout.
var jobBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400, 3600}

// NewCollector creates the metrics and registers them with reg. A nil reg
// uses a fresh registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		gatherer: reg,
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buildos_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buildos_jobs_started_total",
			Help: "Total number of jobs admitted to the worker",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buildos_jobs_completed_total",
			Help: "Total number of jobs that reached a terminal status",
		}, []string{"status"}),
		killRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buildos_kill_requests_total",
			Help: "Total number of kill requests",
		}),
		logLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buildos_log_lines_total",
			Help: "Total number of job log lines appended",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "buildos_job_duration_seconds",
			Help:    "Time from job start to its terminal status",
			Buckets: jobBuckets,
		}),
		jobQueueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "buildos_job_queue_wait_seconds",
			Help:    "Time a job spent queued before it started",
			Buckets: jobBuckets,
		}),
		jobsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buildos_jobs_queued",
			Help: "Number of jobs waiting in the queue",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buildos_jobs_running",
			Help: "Number of jobs currently running",
		}),
	}

	reg.MustRegister(
		c.jobsEnqueued,
		c.jobsStarted,
		c.jobsCompleted,
		c.killRequests,
		c.logLines,
		c.jobDuration,
		c.jobQueueWait,
		c.jobsQueued,
		c.jobsRunning,
	)

	return c
}

// JobEnqueued implements registry.Observer.
func (c *Collector) JobEnqueued(models.Job) {
	c.jobsEnqueued.Inc()
}

// JobStarted implements registry.Observer.
func (c *Collector) JobStarted(job models.Job) {
	c.jobsStarted.Inc()
	if job.StartedAt != nil {
		c.jobQueueWait.Observe(job.StartedAt.Sub(job.CreatedAt).Seconds())
	}
}

// JobCompleted implements registry.Observer.
func (c *Collector) JobCompleted(job models.Job) {
	c.jobsCompleted.WithLabelValues(string(job.Status)).Inc()
	if job.StartedAt != nil && job.FinishedAt != nil {
		c.jobDuration.Observe(job.FinishedAt.Sub(*job.StartedAt).Seconds())
	}
}

// QueueChanged implements registry.Observer.
func (c *Collector) QueueChanged(queued, running int) {
	c.jobsQueued.Set(float64(queued))
	c.jobsRunning.Set(float64(running))
}

// KillRequested counts one kill request.
func (c *Collector) KillRequested() {
	c.killRequests.Inc()
}

// LogLineAppended counts one log line. It matches logstore.WithAppendHook.
func (c *Collector) LogLineAppended(string) {
	c.logLines.Inc()
}

// Handler serves the registered metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
