package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NotificationsTotal counts handled push notifications
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailbridge_notifications_total",
			Help: "Total number of push notifications handled",
		},
		[]string{"outcome"}, // done, failed, stale, duplicate, invalid, unknown_mailbox, unauthorized, cancelled
	)

	// MessagesTotal counts candidate messages by outcome
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailbridge_messages_total",
			Help: "Total number of candidate messages processed",
		},
		[]string{"outcome"}, // persisted, skipped, failed
	)

	// HistoryEventsTotal counts change events returned by history resolution
	HistoryEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailbridge_history_events_total",
			Help: "Total number of history change events resolved",
		},
		[]string{"kind"},
	)

	// BatchDuration tracks notification batch latency
	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailbridge_batch_duration_seconds",
			Help:    "Notification batch duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)

	// OutboxTotal counts outbox dispatch attempts
	OutboxTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailbridge_outbox_total",
			Help: "Total number of outbox messages dispatched",
		},
		[]string{"status"}, // published, duplicate, retry
	)
)

// IncNotification records a handled notification
func IncNotification(outcome string) {
	NotificationsTotal.WithLabelValues(outcome).Inc()
}

// IncMessage records a candidate outcome
func IncMessage(outcome string) {
	MessagesTotal.WithLabelValues(outcome).Inc()
}

// AddHistoryEvents records resolved events of a kind
func AddHistoryEvents(kind string, n int) {
	HistoryEventsTotal.WithLabelValues(kind).Add(float64(n))
}

// ObserveBatch records batch duration
func ObserveBatch(d time.Duration) {
	BatchDuration.Observe(d.Seconds())
}

// IncOutbox records an outbox dispatch attempt
func IncOutbox(status string) {
	OutboxTotal.WithLabelValues(status).Inc()
}
