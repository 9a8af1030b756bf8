package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors the queue updates as jobs move
// through their lifecycle.
type Metrics struct {
	JobsEnqueued  prometheus.Counter
	JobsProcessed *prometheus.CounterVec
	ActiveJobs    prometheus.Gauge
}

// NewMetrics builds and registers the queue collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reclaim",
			Subsystem: "queue",
			Name:      "jobs_enqueued_total",
			Help:      "Number of jobs accepted by the queue.",
		}),
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reclaim",
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Number of jobs that reached a final dispatch outcome.",
		}, []string{"status"}),
		ActiveJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "reclaim",
			Subsystem: "queue",
			Name:      "active_jobs",
			Help:      "Number of jobs currently executing.",
		}),
	}
	reg.MustRegister(m.JobsEnqueued, m.JobsProcessed, m.ActiveJobs)
	return m
}
