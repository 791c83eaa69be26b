package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection Manager

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections_active",
		Help: "Number of connections currently in the registry.",
	})

	ConnectionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_connection_transitions_total",
		Help: "Connection status transitions by target status.",
	}, []string{"status"})

	InboundMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_inbound_messages_total",
		Help: "Inbound messages accepted into per-recipient queues.",
	})

	InboundDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_inbound_dropped_total",
		Help: "Inbound messages dropped as malformed.",
	})

	InboundBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_inbound_batches_total",
		Help: "Inbound drain cycles that dispatched at least one message.",
	})

	// Subscription Manager

	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_subscriptions_active",
		Help: "Number of live deduplicated subscriptions.",
	})

	SubscriptionUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_subscription_updates_total",
		Help: "Upstream updates received, by subscription group.",
	}, []string{"group"})

	SubscriptionBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_subscription_batches_total",
		Help: "Delivery windows that merged more than one update.",
	})

	// Event Stream Optimizer

	EventsBuffered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_events_buffered_total",
		Help: "Events accepted into the stream buffer.",
	})

	EventsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_events_deduped_total",
		Help: "Events dropped as duplicates inside the dedup window.",
	})

	EventFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_event_flushes_total",
		Help: "Stream buffer flushes.",
	})

	EventCompressionSavings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_event_compression_saved_bytes_total",
		Help: "Bytes saved by compressing flushed event batches.",
	})

	// Notification Batcher

	NotificationsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_notifications_queued_total",
		Help: "Notifications accepted into recipient queues.",
	})

	NotificationsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_notifications_deduped_total",
		Help: "Notifications dropped as duplicates inside the dedup window.",
	})

	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_notifications_sent_total",
		Help: "Notifications handed to the delivery service, by priority.",
	}, []string{"priority"})

	NotificationsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_notifications_failed_total",
		Help: "Notification batches the delivery service rejected.",
	})
)
