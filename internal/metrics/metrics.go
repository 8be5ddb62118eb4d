package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_connections",
			Help: "Currently registered connections",
		},
	)

	EventsIn = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_events_in_total",
			Help: "Inbound socket events",
		},
		[]string{"type", "result"}, // result: ok, error, rate_limited, unknown
	)

	EventsOut = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_events_out_total",
			Help: "Outbound socket events",
		},
		[]string{"type"},
	)

	SlowConsumers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_slow_consumers_total",
			Help: "Connections dropped because their send queue was full",
		},
	)

	PresenceBroadcasts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_presence_broadcasts_total",
			Help: "Full presence set recomputations pushed to all connections",
		},
	)

	// Message metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_messages_sent_total",
			Help: "Messages persisted",
		},
		[]string{"kind"}, // "direct" or "group"
	)

	OfflineFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parley_offline_fallbacks_total",
			Help: "Direct messages whose recipient was unreachable",
		},
	)

	DeliveryTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_delivery_transitions_total",
			Help: "Message state changes",
		},
		[]string{"to"},
	)

	StaleEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_stale_events_total",
			Help: "Duplicate or stale events ignored",
		},
		[]string{"op"},
	)

	// Call metrics
	CallSignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_call_signals_total",
			Help: "Call signaling relays",
		},
		[]string{"kind", "result"},
	)

	// Outbox metrics (client side)
	OutboxDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "parley_outbox_depth",
			Help: "Entries waiting in the outbox",
		},
	)

	OutboxReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parley_outbox_replays_total",
			Help: "Outbox replay passes",
		},
		[]string{"result"}, // drained, aborted
	)

	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "parley_http_request_duration_seconds",
			Help:    "REST request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route", "status"},
	)
)
