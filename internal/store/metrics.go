package store

import "github.com/prometheus/client_golang/prometheus"

var (
	storeOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_store_operations_total",
			Help: "Message store operations by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	pendingGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_store_pending_statuses",
			Help: "Statuses waiting for their message to arrive.",
		},
	)

	pendingApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_store_pending_applied_total",
			Help: "Deferred statuses applied to a message.",
		},
	)

	pendingEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_store_pending_evicted_total",
			Help: "Deferred statuses dropped after their TTL.",
		},
	)
)

func init() {
	prometheus.MustRegister(storeOps, pendingGauge, pendingApplied, pendingEvicted)
}

func observe(op string, o Outcome) {
	storeOps.WithLabelValues(op, o.String()).Inc()
}
