package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Credential Manager Metrics
var (
	// TokenOperationsTotal tracks token operations by kind and status
	TokenOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "token_operations_total",
			Help: "Total token operations by kind (refresh/exchange/authorize) and status",
		},
		[]string{"kind", "status"},
	)

	// TokenRefreshDuration tracks token refresh latency in seconds
	TokenRefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "token_refresh_duration_seconds",
			Help:    "Token refresh round-trip duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
)

// Session Manager Metrics
var (
	// SessionFramesTotal tracks inbound EventSub frames by message type
	SessionFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventsub_frames_total",
			Help: "Total inbound EventSub frames by message type",
		},
		[]string{"message_type"},
	)

	// SessionReconnectsTotal tracks session reconnects by reason
	SessionReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventsub_reconnects_total",
			Help: "Total session reconnects by reason (keepalive_timeout/remote_request/read_error)",
		},
		[]string{"reason"},
	)

	// SessionState tracks the current session state (0=disconnected, 1=connecting, 2=active, 3=reconnecting)
	SessionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventsub_session_state",
			Help: "Current session state (0=disconnected, 1=connecting, 2=active, 3=reconnecting)",
		},
	)
)

// Subscription Metrics
var (
	// SubscriptionsTotal tracks subscription registrations by event type and status
	SubscriptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventsub_subscriptions_total",
			Help: "Total subscription registrations by event type and status",
		},
		[]string{"event_type", "status"},
	)
)

// Dispatcher Metrics
var (
	// NotificationsDispatchedTotal tracks dispatched notifications by event type
	NotificationsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_dispatched_total",
			Help: "Total notifications dispatched by event type",
		},
		[]string{"event_type"},
	)

	// NotificationsDroppedTotal tracks notifications dropped because no handler was registered
	NotificationsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifications_dropped_total",
			Help: "Total notifications dropped because no handler was registered for the type",
		},
	)

	// HandlerErrorsTotal tracks handler invocation failures by event type
	HandlerErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handler_errors_total",
			Help: "Total handler invocation failures by event type",
		},
		[]string{"event_type"},
	)

	// HandlerDuration tracks handler invocation duration in seconds
	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "handler_duration_seconds",
			Help:    "Handler invocation duration in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"event_type"},
	)
)
