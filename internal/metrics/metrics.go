// Package metrics holds the Prometheus collectors for the broker and intake
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connections

	Connections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swim_connections",
			Help: "Live websocket sessions",
		},
		[]string{"tier"},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swim_connections_rejected_total",
			Help: "Connection attempts closed during the handshake",
		},
		[]string{"reason"}, // auth_failed, connection_limit
	)

	// Messages

	FramesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swim_frames_received_total",
			Help: "Frames received from clients",
		},
	)

	FramesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swim_frames_rejected_total",
			Help: "Client frames answered with an error frame",
		},
		[]string{"code"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swim_events_published_total",
			Help: "Events published to the broker",
		},
		[]string{"namespace"},
	)

	FramesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swim_frames_delivered_total",
			Help: "Frames queued for delivery to sessions",
		},
	)

	SlowConsumers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swim_slow_consumers_total",
			Help: "Sessions disconnected because their outbound buffer was full",
		},
	)

	// Intake

	IntakePending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "swim_intake_pending",
			Help: "Events waiting in the intake queue",
		},
	)

	IntakeDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swim_intake_dropped_total",
			Help: "Oldest events dropped because the intake queue was full",
		},
	)

	IntakeRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swim_intake_requests_total",
			Help: "Intake requests by outcome",
		},
		[]string{"status"},
	)

	// Credentials

	CredentialLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swim_credential_lookups_total",
			Help: "Credential resolutions by result",
		},
		[]string{"result"}, // cache_hit, store_hit, denied, error, debug
	)

	BreakerOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "swim_credential_breaker_open",
			Help: "1 when the credential store circuit breaker is open",
		},
	)
)
