// Package metrics provides Prometheus instrumentation for the LunchConnect
// group chat client and relay. Counters cover message flow through a
// session (received, sent, dropped) and the reconnect loop; gauges cover
// live sessions and relay connections.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons recorded on MessagesDropped.
const (
	DropCrossGroup = "cross_group"
	DropMalformed  = "malformed"
	DropLate       = "late"
	DropSelfEcho   = "self_echo"
)

var (
	// ActiveSessions tracks the number of open chat sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lunchchat_active_sessions",
		Help: "Current number of open group chat sessions",
	})

	// MessagesReceived counts inbound broker events materialized as messages.
	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lunchchat_messages_received_total",
		Help: "Total inbound messages appended to sessions",
	})

	// MessagesSent counts outbound publishes.
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lunchchat_messages_sent_total",
		Help: "Total messages published to the broker",
	})

	// MessagesDropped counts discarded inbound events, labeled by reason:
	// "cross_group", "malformed", "late", or "self_echo".
	MessagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lunchchat_messages_dropped_total",
		Help: "Total inbound events discarded before rendering",
	}, []string{"reason"})

	// Reconnects counts reconnection attempts scheduled after a failure.
	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lunchchat_reconnects_total",
		Help: "Total broker reconnect attempts",
	})

	// RelayConnections tracks active WebSocket connections on the relay.
	RelayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lunchrelay_connections_total",
		Help: "Current number of active relay WebSocket connections",
	})

	// RelayMessages counts frames through the relay, labeled by direction:
	// "in" (client SEND) or "out" (MESSAGE delivered to a subscriber).
	RelayMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lunchrelay_messages_total",
		Help: "Total chat frames relayed",
	}, []string{"direction"})

	// RelayRateLimited counts sends rejected by the rate limiter.
	RelayRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lunchrelay_rate_limited_total",
		Help: "Total sends rejected by rate limiting",
	})
)

func init() {
	prometheus.MustRegister(
		ActiveSessions,
		MessagesReceived,
		MessagesSent,
		MessagesDropped,
		Reconnects,
		RelayConnections,
		RelayMessages,
		RelayRateLimited,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
