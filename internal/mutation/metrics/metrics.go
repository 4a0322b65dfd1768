// Package metrics holds Prometheus metrics for the mutation endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks ingestion outcomes. Replays are the idempotency hit rate:
// how often devices resend mutations the server already applied.
type Metrics struct {
	Ingested *prometheus.CounterVec
	Replays  *prometheus.CounterVec
}

// New creates and registers all mutation metrics.
func New() *Metrics {
	return &Metrics{
		Ingested: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "carebridge_mutations_ingested_total",
			Help: "Mutations ingested by operation and disposition (APPLIED, DEFERRED, REJECTED)",
		}, []string{"operation", "status"}),
		Replays: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "carebridge_mutation_replays_total",
			Help: "Idempotent replays answered from the mutation log, by operation",
		}, []string{"operation"}),
	}
}
