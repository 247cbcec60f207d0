// Package metrics holds the prometheus collectors shared across this
// module's components (edge, queue, relay), grounded on the teacher's own
// promauto-based metric vars in queue/queue.go and metrics/panic.go.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var Panic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relaylib_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{"pkg"},
)

func PanicInc(pkg string) {
	Panic.WithLabelValues(pkg).Inc()
}

var Connection = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relaylib_edge_connection_total",
		Help: "Edge connections accepted, by result.",
	},
	[]string{"result"}, // "ok", "rejected", "timeout", "error"
)

var RelayConnection = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relaylib_relay_connection_total",
		Help: "Outgoing relay connections, by result.",
	},
	[]string{"result"}, // "ok", "timeout", "canceled", "error"
)

var Delivery = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "relaylib_queue_delivery_duration_seconds",
		Help:    "Queue delivery attempt duration to a single destination.",
		Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60, 120},
	},
	[]string{
		"attempt", // attempt number
		"result",  // ok, timeout, canceled, temperror, permerror, error
	},
)

var QueueDepth = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "relaylib_queue_depth",
		Help: "Messages currently queued for delivery, across all destinations.",
	},
)

var QueueHold = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "relaylib_queue_hold",
		Help: "Queued messages currently on hold (not scheduled for delivery).",
	},
)
