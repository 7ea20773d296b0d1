package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event bus
var (
	BusHandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_bus_handler_failures_total",
			Help: "Event handler failures by event type",
		},
		[]string{"event"},
	)
)

// Realtime core
var (
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connections_current",
			Help: "Registered client connections",
		},
	)

	ConnectionRejects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_connection_rejects_total",
			Help: "Rejected connection attempts by error code",
		},
		[]string{"code"},
	)

	HeartbeatPongs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_heartbeat_pongs_total",
			Help: "Heartbeat pongs received from clients",
		},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_deliveries_total",
			Help: "Messages handed to the transport by scope (session, poll) and event",
		},
		[]string{"scope", "event"},
	)

	BroadcastErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_broadcast_errors_total",
			Help: "Failed broadcasts by event type",
		},
		[]string{"event"},
	)

	Replays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_replays_total",
			Help: "Replay requests by outcome (replayed, unavailable, failed)",
		},
		[]string{"outcome"},
	)
)

// WebSocket transport
var (
	SocketsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_sockets_open",
			Help: "Open WebSocket connections",
		},
	)

	SlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_slow_clients_evicted_total",
			Help: "Clients evicted because their send buffer was full",
		},
	)

	InboundDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_inbound_dropped_total",
			Help: "Inbound client messages dropped by reason",
		},
		[]string{"reason"},
	)
)

// Vote store
var (
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)

	TallyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vote_tally_duration_seconds",
			Help:    "Vote tally query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"store"},
	)
)

// Ingest
var (
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_events_total",
			Help: "Domain events accepted from out of process collaborators by source and event",
		},
		[]string{"source", "event"},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_events_rejected_total",
			Help: "Domain events rejected at ingest by source",
		},
		[]string{"source"},
	)
)

// ObserveBusFailure counts a failed event handler. It is an event bus observer.
func ObserveBusFailure(name string, _ error) {
	BusHandlerFailures.WithLabelValues(name).Inc()
}
