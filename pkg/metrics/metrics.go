package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LiveConnections tracks registered realtime connections.
	LiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meetup_live_connections",
			Help: "Number of live realtime connections",
		},
	)

	// SignalingFrames counts inbound frames by type (unknown types are folded into "unknown").
	SignalingFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetup_signaling_frames_total",
			Help: "Inbound signaling frames by type",
		},
		[]string{"type"},
	)

	// CallOutcomes counts terminal call transitions (answered|busy|canceled|timed_out|offline|unauthenticated).
	CallOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetup_call_outcomes_total",
			Help: "Call negotiation outcomes",
		},
		[]string{"outcome"},
	)

	// PresenceLookups counts presence resolutions by the source that answered (live|cache|store|error).
	PresenceLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetup_presence_lookups_total",
			Help: "Presence lookups by answering source",
		},
		[]string{"source"},
	)

	// FanoutPublished counts notification events published by the fan-out pipeline, per mode.
	FanoutPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetup_fanout_published_total",
			Help: "Notifications published on the event bus",
		},
		[]string{"mode"},
	)

	// FanoutPages counts broadcast pages published.
	FanoutPages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meetup_fanout_pages_total",
			Help: "Broadcast fan-out pages published",
		},
	)

	// SubscriptionDeliveries counts filter decisions per topic (delivered|dropped).
	SubscriptionDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meetup_subscription_deliveries_total",
			Help: "Subscription filter decisions",
		},
		[]string{"topic", "result"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meetup_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
