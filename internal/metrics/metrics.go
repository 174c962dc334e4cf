package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	BrokerPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helpdesk_broker_published_total",
			Help: "Broker publishes by routing key and result",
		},
		[]string{"routing_key", "result"}, // ok|error|circuit_open
	)

	BrokerConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helpdesk_broker_consumed_total",
			Help: "Settled deliveries by queue and outcome",
		},
		[]string{"queue", "outcome"}, // ack|requeue|drop
	)

	OutboxRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helpdesk_outbox_relayed_total",
			Help: "Outbox records handled by the relay",
		},
		[]string{"type", "result"}, // published|failed|undecodable
	)

	OutboxStalled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "helpdesk_outbox_stalled",
			Help: "Unprocessed outbox records that reached the retry cap",
		},
	)

	OutboxLag = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "helpdesk_outbox_lag_seconds",
			Help:    "Time between staging and successful publish",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
	)

	SchedulerTickets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helpdesk_scheduler_tickets_total",
			Help: "Tickets touched by lifecycle jobs",
		},
		[]string{"job", "result"}, // ok|failed
	)

	SchedulerRuns = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "helpdesk_scheduler_run_seconds",
			Help:    "Lifecycle job run duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	PushConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "helpdesk_push_connections",
			Help: "Open websocket connections",
		},
	)

	PushSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helpdesk_push_sent_total",
			Help: "Push frames by event and result",
		},
		[]string{"event", "result"}, // sent|dropped
	)

	NotificationsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helpdesk_notifications_enqueued_total",
			Help: "Notifications written to user queues",
		},
		[]string{"type"},
	)

	SessionOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helpdesk_session_ops_total",
			Help: "Session store operations",
		},
		[]string{"op"}, // created|revoked|swept
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		BrokerPublished,
		BrokerConsumed,
		OutboxRelayed,
		OutboxStalled,
		OutboxLag,
		SchedulerTickets,
		SchedulerRuns,
		PushConnections,
		PushSent,
		NotificationsEnqueued,
		SessionOps,
	)
}
