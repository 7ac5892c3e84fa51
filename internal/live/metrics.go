package live

import "github.com/prometheus/client_golang/prometheus"

var (
	connects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_live_connect_attempts_total",
		Help: "Handshakes started on the live channel.",
	})

	reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_live_reconnects_total",
		Help: "Reconnects scheduled after a stream failure.",
	})

	connectionLost = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_live_connection_lost_total",
		Help: "Times reconnects were exhausted.",
	})

	// channelState mirrors State: 0 disconnected, 1 connecting, 2 open, 3 closed.
	channelState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_live_state",
		Help: "Current live channel state.",
	})

	eventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_live_events_total",
			Help: "Classified live events by kind.",
		},
		[]string{"kind"},
	)

	eventsDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_live_events_discarded_total",
		Help: "Live payloads that could not be classified.",
	})
)

func init() {
	prometheus.MustRegister(connects, reconnects, connectionLost, channelState, eventsReceived, eventsDiscarded)
}
