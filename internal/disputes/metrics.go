package disputes

import (
	"time"

	"github.com/mbd888/marketledger/internal/ledger"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	resolutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketledger",
		Subsystem: "disputes",
		Name:      "resolutions_total",
		Help:      "Dispute resolution attempts by resolution and result.",
	}, []string{"resolution", "result"})

	resolveDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "marketledger",
		Subsystem: "disputes",
		Name:      "resolve_duration_seconds",
		Help:      "Duration of dispute resolutions in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
	})

	splitRemainders = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketledger",
		Subsystem: "disputes",
		Name:      "split_remainder_total",
		Help:      "Split resolutions whose amounts did not cover the escrowed price.",
	})

	releasesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketledger",
		Subsystem: "orders",
		Name:      "escrow_releases_total",
		Help:      "Escrow release attempts by trigger and result.",
	}, []string{"trigger", "result"})

	opsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketledger",
		Subsystem: "disputes",
		Name:      "operations_total",
		Help:      "Dispute thread operations by type and result.",
	}, []string{"type", "result"})
)

func init() {
	prometheus.MustRegister(resolutionsTotal, resolveDuration, splitRemainders, releasesTotal, opsTotal)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return ledger.CodeOf(err)
}

func observeResolve(r Resolution, errp *error) func() {
	start := time.Now()
	return func() {
		resolveDuration.Observe(time.Since(start).Seconds())
		label := string(r)
		if !r.Valid() {
			label = "invalid"
		}
		resolutionsTotal.WithLabelValues(label, outcome(*errp)).Inc()
	}
}

func observeRelease(trigger string, errp *error) func() {
	return func() {
		releasesTotal.WithLabelValues(trigger, outcome(*errp)).Inc()
	}
}

func observeDisputeOp(op string, errp *error) func() {
	return func() {
		opsTotal.WithLabelValues(op, outcome(*errp)).Inc()
	}
}
