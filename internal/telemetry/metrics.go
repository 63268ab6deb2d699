// Package telemetry centralizes the Prometheus collectors shared across
// beacon's components. It is adapted from the teacher's flat metrics.go
// (a single init()-time MustRegister block against the default registerer)
// into one package-level Registry so multiple beacon.Server and
// beacon.LogContext instances constructed within the same process — as
// tests routinely do — don't collide on double-registration.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Registry is the registry every beacon collector registers into. It is
// distinct from prometheus.DefaultRegisterer so embedding a beacon server
// never surprises an application that already scrapes its own default
// registry. No beacon package serves it over HTTP.
var Registry = prometheus.NewRegistry()

var (
	// SinkLogErrorsTotal counts Sink.Log failures or panics, by channel
	// topic (spec.md §7 SinkError: "internal (logged, isolated)").
	SinkLogErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_sink_log_errors_total",
		Help: "Total Sink.Log failures, isolated per sink.",
	}, []string{"topic"})

	// ConnectionsTotal counts accepted WebSocket connections.
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beacon_ws_connections_total",
		Help: "Total WebSocket connections accepted.",
	})

	// ConnectionsRejected counts connections rejected by admission control.
	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_ws_connections_rejected_total",
		Help: "Total WebSocket connections rejected, by reason.",
	}, []string{"reason"})

	// ConnectionsActive is the current live connection count.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "beacon_ws_connections_active",
		Help: "Current live WebSocket connections.",
	})

	// MessagesSentTotal counts frames written to clients.
	MessagesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "beacon_ws_messages_sent_total",
		Help: "Total frames written to WebSocket clients.",
	})

	// MessagesDroppedTotal counts ring-buffer drop-oldest evictions, by
	// client id — bounded cardinality because client ids churn but the
	// label set only grows with concurrently-connected clients.
	MessagesDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_ws_messages_dropped_total",
		Help: "Total outbound frames dropped (oldest-first) due to a full client queue.",
	}, []string{"client_id"})

	// ServiceCallsTotal counts accepted service calls, by service name and
	// outcome ("ok", "error").
	ServiceCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_service_calls_total",
		Help: "Total service calls dispatched, by service and outcome.",
	}, []string{"service", "outcome"})

	// ServiceCallsRejectedTotal counts calls rejected before dispatch, by
	// reason (unknown, overloaded, call_id_reused, encoding_mismatch).
	ServiceCallsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "beacon_service_calls_rejected_total",
		Help: "Total service calls rejected before dispatch, by reason.",
	}, []string{"reason"})

	// ServiceCallDuration observes handler latency by service name.
	ServiceCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "beacon_service_call_duration_seconds",
		Help:    "Service handler latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"service"})

	// ServiceCallsInFlight is the current number of in-flight calls.
	ServiceCallsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "beacon_service_calls_in_flight",
		Help: "Current in-flight service calls across all clients.",
	})
)

func init() {
	Registry.MustRegister(
		SinkLogErrorsTotal,
		ConnectionsTotal,
		ConnectionsRejected,
		ConnectionsActive,
		MessagesSentTotal,
		MessagesDroppedTotal,
		ServiceCallsTotal,
		ServiceCallsRejectedTotal,
		ServiceCallDuration,
		ServiceCallsInFlight,
	)
}
