// Package metrics holds Prometheus metrics for the visit state machine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks clock transitions and record finalization outcomes.
type Metrics struct {
	ClockIns         *prometheus.CounterVec
	ClockOuts        *prometheus.CounterVec
	RecordsFinalized *prometheus.CounterVec
}

// New creates and registers all visit metrics.
func New() *Metrics {
	return &Metrics{
		ClockIns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "carebridge_visit_clock_ins_total",
			Help: "Clock-in attempts by result (accepted, rejected_geofence)",
		}, []string{"result"}),
		ClockOuts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "carebridge_visit_clock_outs_total",
			Help: "Clock-out attempts by result (accepted, rejected_critical_tasks)",
		}, []string{"result"}),
		RecordsFinalized: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "carebridge_evv_records_finalized_total",
			Help: "EVV records finalized by compliance status",
		}, []string{"status"}),
	}
}
