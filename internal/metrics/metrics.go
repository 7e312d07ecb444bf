// Package metrics exposes the Prometheus instruments shared by the
// collection components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BatchesBuilt = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sepa_batches_built_total",
		Help: "Number of direct-debit batches built.",
	})

	BatchEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sepa_batch_entries_total",
		Help: "Number of collection entries across all built batches.",
	})

	CoverageGaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sepa_coverage_gaps_total",
		Help: "Invoices excluded from collection because no usable mandate covers them.",
	})

	RetriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sepa_retries_scheduled_total",
		Help: "Failed collections scheduled for another attempt.",
	})

	RetriesEscalated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sepa_retries_escalated_total",
		Help: "Failed collections handed over to manual handling.",
	})

	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sepa_bank_breaker_state",
		Help: "Circuit breaker state of the bank interface: 0 closed, 1 half-open, 2 open.",
	})

	ReconOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sepa_reconciliation_outcomes_total",
		Help: "Return-file transaction outcomes by kind.",
	}, []string{"kind"})

	ReturnFilesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sepa_return_files_ingested_total",
		Help: "Number of bank return files processed.",
	})
)

// ObserveBreaker maps a breaker state name onto the gauge.
func ObserveBreaker(state string) {
	switch state {
	case "closed":
		BreakerState.Set(0)
	case "half-open":
		BreakerState.Set(1)
	case "open":
		BreakerState.Set(2)
	}
}
