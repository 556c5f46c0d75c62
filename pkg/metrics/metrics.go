package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// LedgerOps counts ledger operations by kind (deposit, withdraw, make, cancel, fill) and result
var LedgerOps = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tokenbook_ledger_operations_total",
		Help: "Total number of ledger operations by kind and result",
	},
	[]string{"op", "result"},
)

// EventLogLength tracks the number of events in the ledger log
var EventLogLength = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "tokenbook_event_log_length",
		Help: "Number of events appended to the ledger event log",
	},
)

// Read model metrics
var (
	ViewRebuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenbook_view_rebuilds_total",
			Help: "Materialized view rebuilds by outcome (published, superseded, unchanged)",
		},
		[]string{"outcome"},
	)

	ViewFetchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokenbook_view_fetch_failures_total",
			Help: "Event fetches that failed or were discarded, by reason",
		},
		[]string{"reason"},
	)

	ViewHead = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tokenbook_view_head_seq",
			Help: "Event sequence number the published view was built from",
		},
	)
)

func init() {
	prometheus.MustRegister(LedgerOps, EventLogLength)
	prometheus.MustRegister(ViewRebuilds, ViewFetchFailures, ViewHead)
}
