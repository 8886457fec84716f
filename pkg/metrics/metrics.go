package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LiveConnections tracks currently open websocket connections per transport (chat|notifications).
	LiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "matcha_live_connections",
			Help: "Currently connected websocket clients",
		},
		[]string{"transport"},
	)

	// MatchActions counts like/pass actions by outcome (pending|matched|rejected|conflict).
	MatchActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matcha_match_actions_total",
			Help: "Total number of match actions processed",
		},
		[]string{"outcome"},
	)

	// MessagesSent counts persisted chat messages by type.
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matcha_messages_sent_total",
			Help: "Total number of chat messages persisted",
		},
		[]string{"type"},
	)

	// NotificationsDispatched counts notification channel deliveries by channel and result (ok|error|skipped).
	NotificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matcha_notifications_dispatched_total",
			Help: "Total number of notification channel deliveries attempted",
		},
		[]string{"channel", "result"},
	)

	// APILatency observes request duration per method, route and status.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "matcha_api_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// RoomBroadcasts counts fire-and-forget room broadcasts by event name.
	RoomBroadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matcha_room_broadcasts_total",
			Help: "Total number of room broadcasts emitted",
		},
		[]string{"event"},
	)
)
