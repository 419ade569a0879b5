// Package metrics provides Prometheus metrics collection for the dealroom realtime core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebSocketConnections tracks the current number of active connections
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dealroom_websocket_connections",
		Help: "Current number of active WebSocket connections",
	})

	// UpgradeRejections tracks WebSocket upgrades refused before admission by reason
	UpgradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealroom_upgrade_rejections_total",
		Help: "Total number of refused WebSocket upgrades by reason",
	}, []string{"reason"})

	// ConnectionsTotal tracks every connection admitted by the manager
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dealroom_connections_total",
		Help: "Total number of connections admitted",
	})

	// Reconnects tracks connections that superseded or resumed a previous one
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dealroom_reconnects_total",
		Help: "Total number of reconnects",
	})

	// Disconnects tracks retired connections by reason
	Disconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealroom_disconnects_total",
		Help: "Total number of retired connections by reason",
	}, []string{"reason"})

	// MessagesReceived tracks the total number of frames received from clients by kind
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealroom_messages_received_total",
		Help: "Total number of frames received from clients by kind",
	}, []string{"kind"})

	// InboundDrops tracks client frames ignored before dispatch by reason
	InboundDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealroom_inbound_drops_total",
		Help: "Total number of client frames ignored before dispatch by reason",
	}, []string{"reason"})

	// MessagesSent tracks the total number of envelopes accepted for delivery
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dealroom_messages_sent_total",
		Help: "Total number of envelopes accepted for delivery",
	})

	// BytesSent tracks the total number of encoded bytes accepted for delivery
	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dealroom_bytes_sent_total",
		Help: "Total number of encoded bytes accepted for delivery",
	})

	// RateLimitedDrops tracks sends dropped by the per-connection rate limiter
	RateLimitedDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dealroom_rate_limited_drops_total",
		Help: "Total number of sends dropped by the per-connection rate limiter",
	})

	// BackpressureDrops tracks sends dropped because the outbound channel was full
	BackpressureDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dealroom_backpressure_drops_total",
		Help: "Total number of sends dropped because the outbound channel was full",
	})

	// ShutdownDrops tracks sends dropped after the manager shut down
	ShutdownDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dealroom_shutdown_drops_total",
		Help: "Total number of sends dropped after shutdown",
	})

	// OfflineQueued tracks envelopes stored for offline users
	OfflineQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dealroom_offline_queued_total",
		Help: "Total number of envelopes queued for offline users",
	})

	// OfflineEvicted tracks queued envelopes evicted by overflow
	OfflineEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dealroom_offline_evicted_total",
		Help: "Total number of queued envelopes evicted by overflow",
	})

	// OfflineReplayed tracks queued envelopes flushed on reconnect
	OfflineReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dealroom_offline_replayed_total",
		Help: "Total number of queued envelopes replayed on reconnect",
	})

	// HeartbeatTimeouts tracks connections retired for missing pongs
	HeartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dealroom_heartbeat_timeouts_total",
		Help: "Total number of connections retired by the heartbeat supervisor",
	})

	// Broadcasts tracks room broadcasts by room kind
	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealroom_broadcasts_total",
		Help: "Total number of room broadcasts by room kind",
	}, []string{"room"})

	// MessageErrors tracks the total number of message processing errors
	MessageErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dealroom_message_errors_total",
		Help: "Total number of message processing errors",
	})

	// GoroutinePanics tracks panics recovered in background goroutines
	GoroutinePanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealroom_goroutine_panics_total",
		Help: "Total number of recovered goroutine panics by component",
	}, []string{"component"})

	// NotificationsEmitted tracks facade events by type
	NotificationsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealroom_notifications_total",
		Help: "Total number of notifications emitted by type",
	}, []string{"type"})

	// NotificationsThrottled tracks progress events suppressed by the throttle
	NotificationsThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dealroom_notifications_throttled_total",
		Help: "Total number of progress notifications suppressed by throttling",
	})

	// EventsReceived tracks domain events consumed from the event bus by outcome
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealroom_events_received_total",
		Help: "Total number of domain events received by outcome",
	}, []string{"outcome"})

	// PresenceErrors tracks failed presence store writes
	PresenceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealroom_presence_errors_total",
		Help: "Total number of presence store failures by operation",
	}, []string{"operation"})

	// HistoryOperationDuration tracks connection history store latency
	HistoryOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dealroom_history_operation_duration_seconds",
		Help:    "Duration of connection history operations in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// HTTPRequestDuration tracks HTTP request latency
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dealroom_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)
