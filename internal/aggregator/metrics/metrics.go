// Package metrics holds Prometheus metrics for the submission pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks submission attempts and terminal outcomes.
type Metrics struct {
	Attempts        *prometheus.CounterVec
	Outcomes        *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec
}

// New creates and registers all aggregator metrics.
func New() *Metrics {
	return &Metrics{
		Attempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "carebridge_aggregator_attempts_total",
			Help: "Submission attempts by aggregator and result (accepted, rejected, retry)",
		}, []string{"aggregator", "result"}),
		Outcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "carebridge_aggregator_submissions_total",
			Help: "Submissions reaching a terminal status by aggregator",
		}, []string{"aggregator", "status"}),
		AttemptDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carebridge_aggregator_attempt_duration_seconds",
			Help:    "Wall time of one submission attempt against the aggregator API",
			Buckets: prometheus.DefBuckets,
		}, []string{"aggregator"}),
	}
}
