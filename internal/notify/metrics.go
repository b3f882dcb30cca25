package notify

import "github.com/prometheus/client_golang/prometheus"

var (
	emittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketledger",
		Subsystem: "notify",
		Name:      "emitted_total",
		Help:      "Notifications accepted for delivery by kind.",
	}, []string{"kind"})

	droppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketledger",
		Subsystem: "notify",
		Name:      "dropped_total",
		Help:      "Notifications dropped before delivery by reason.",
	}, []string{"reason"})

	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketledger",
		Subsystem: "notify",
		Name:      "deliveries_total",
		Help:      "Notification deliveries by sink and result.",
	}, []string{"sink", "result"})
)

func init() {
	prometheus.MustRegister(emittedTotal, droppedTotal, deliveriesTotal)
}
