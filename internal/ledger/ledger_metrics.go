package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	opDeposit         = "deposit"
	opWithdraw        = "withdraw"
	opTransferPending = "transfer_pending"
)

var (
	// OpsTotal counts ledger operations by type and outcome code.
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketledger",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type and result.",
		},
		[]string{"type", "result"},
	)

	// OpDuration observes operation latency by type.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketledger",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(OpsTotal, OpDuration)
}

// observeOp returns a function that records duration and the outcome of
// *errp. Use as: defer observeOp("deposit", &err)().
func observeOp(opType string, errp *error) func() {
	start := time.Now()
	return func() {
		OpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
		result := "ok"
		if errp != nil && *errp != nil {
			result = CodeOf(*errp)
		}
		OpsTotal.WithLabelValues(opType, result).Inc()
	}
}
