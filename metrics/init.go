package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initConnectionMetrics() {
	r.ConnectionState = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opclink_connection_state",
			Help: "Connection state per server (1 for the current state)",
		},
		[]string{"connection", "protocol", "state"},
	)

	r.ReconnectsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "opclink_reconnects_total",
			Help: "Reconnection attempts per server",
		},
		[]string{"connection", "result"},
	)

	r.NotificationsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "opclink_notification_items_total",
			Help: "Monitored item values received in notifications",
		},
		[]string{"connection"},
	)

	r.NotificationsDropped = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "opclink_notifications_dropped_total",
			Help: "Notifications dropped because the dispatch queue was full",
		},
		[]string{"connection"},
	)

	r.SubscriptionsStale = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opclink_subscription_stale",
			Help: "1 while a subscription has missed its keep-alive deadline",
		},
		[]string{"connection", "subscription"},
	)
}

func (r *Registry) initBufferMetrics() {
	r.BufferItems = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opclink_buffer_items",
			Help: "Items currently held in the resilience buffer",
		},
		[]string{"buffer"},
	)

	r.BufferEvictions = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "opclink_buffer_evicted_total",
			Help: "Items lost to buffer overflow",
		},
		[]string{"buffer"},
	)

	r.BufferPublished = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "opclink_buffer_drained_total",
			Help: "Buffered items published during drains",
		},
		[]string{"buffer"},
	)

	r.BufferDropped = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "opclink_buffer_drain_dropped_total",
			Help: "Buffered items dropped because a drain publish failed",
		},
		[]string{"buffer"},
	)
}

func (r *Registry) initWriteMetrics() {
	r.WriteDecisions = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "opclink_write_decisions_total",
			Help: "Write requests by outcome",
		},
		[]string{"outcome", "reason"},
	)
}

func (r *Registry) initInferenceMetrics() {
	r.InferenceTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "opclink_inference_total",
			Help: "Inference calls by model and status",
		},
		[]string{"model", "status"},
	)

	r.InferenceDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opclink_inference_duration_seconds",
			Help:    "Inference latency in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"model"},
	)

	r.ModelsLoaded = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "opclink_models_loaded",
			Help: "Models with an active version",
		},
	)
}

func (r *Registry) initTransportMetrics() {
	r.TransportPublishes = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "opclink_transport_publishes_total",
			Help: "Batches published per transport, kind and result",
		},
		[]string{"publisher", "kind", "result"},
	)
}

func (r *Registry) initHTTPMetrics() {
	r.HTTPRequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "opclink_http_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"method", "route", "status"},
	)

	r.HTTPRequestDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opclink_http_request_duration_seconds",
			Help:    "HTTP API latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
}
