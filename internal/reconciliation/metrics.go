package reconciliation

import (
	"github.com/mbd888/marketledger/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Number of accounts whose stored balances differ from the replayed log in the last run.",
	})

	reconcileConservationDrift = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "conservation_drift",
		Help:      "Sum of all buckets minus net deposits in the last run, in EGP.",
	})

	reconcileLastRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time of the last completed reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation run errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileConservationDrift,
		reconcileLastRun,
		reconcileDuration,
		reconcileErrors,
	)
}
