// Package metrics registers the Prometheus collectors of the chat core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline
	MessagesSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paychat_messages_submitted_total",
			Help: "Messages accepted by the pipeline, by kind",
		},
		[]string{"kind"},
	)

	SubmitRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paychat_submit_rejected_total",
			Help: "Submissions rejected before persistence, by reason",
		},
		[]string{"reason"},
	)

	SubmitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "paychat_submit_duration_seconds",
			Help:    "Time from submit to broadcast",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReadAcks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paychat_read_acks_total",
			Help: "Messages marked read by acknowledgments",
		},
	)

	// Commands and ledger
	CommandsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paychat_commands_processed_total",
			Help: "In-band commands processed, by command word",
		},
		[]string{"command"},
	)

	LedgerDebits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paychat_ledger_debits_total",
			Help: "Debit attempts by outcome",
		},
		[]string{"outcome"}, // ok, insufficient, error
	)

	// Scheduler
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paychat_status_transitions_total",
			Help: "Message status transitions applied",
		},
		[]string{"status"},
	)

	ScheduledPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "paychat_scheduler_pending",
			Help: "Delivery transitions waiting for their timer",
		},
	)

	// Bus and websocket
	BusSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "paychat_bus_subscriptions",
			Help: "Active room subscriptions",
		},
	)

	BusDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "paychat_bus_dropped_subscribers_total",
			Help: "Subscribers dropped because their buffer was full",
		},
	)

	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "paychat_ws_connections",
			Help: "Open websocket connections",
		},
	)

	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "paychat_online_users",
			Help: "Users with at least one open session",
		},
	)

	// HTTP
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paychat_http_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paychat_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Broker
	OutboxRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paychat_outbox_relayed_total",
			Help: "Outbox events relayed to the broker by outcome",
		},
		[]string{"outcome"},
	)

	PushRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paychat_push_requests_total",
			Help: "Push notification requests by stage",
		},
		[]string{"stage"}, // queued, sent, dropped
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paychat_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

// ObserveSubmit records how long a submit took.
func ObserveSubmit(start time.Time) {
	SubmitDuration.Observe(time.Since(start).Seconds())
}
