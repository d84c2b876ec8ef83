// Package metrics provides Prometheus instrumentation for the trade engine.
// It exposes gauges for connection and room counts, counters for message and
// trade-transition throughput, and a histogram for delivery latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tradeengine_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of live trade rooms.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tradeengine_active_rooms",
		Help: "Current number of live trade rooms",
	})

	// MessagesTotal counts persisted messages, labeled by delivery status at
	// creation time: "sent", "delivered", or the "system" type for
	// server-synthesized messages.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeengine_messages_total",
		Help: "Total number of messages persisted",
	}, []string{"type"})

	// MessageLatency records message processing latency in seconds, measured
	// from envelope decode to broadcast.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradeengine_message_latency_seconds",
		Help:    "Message processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// TradeTransitionsTotal counts trade status transitions, labeled by the
	// status entered.
	TradeTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeengine_trade_transitions_total",
		Help: "Total number of trade status transitions",
	}, []string{"status"})

	// PresenceEventsTotal counts presence updates fanned out to trade partners.
	PresenceEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tradeengine_presence_events_total",
		Help: "Total number of presence updates delivered",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveRooms,
		MessagesTotal,
		MessageLatency,
		TradeTransitionsTotal,
		PresenceEventsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
