// Package metrics exposes runtime measurements in Prometheus format.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all metrics for the runtime.
type Registry struct {
	// Connection Metrics
	ConnectionState      *prometheus.GaugeVec
	ReconnectsTotal      *prometheus.CounterVec
	NotificationsTotal   *prometheus.CounterVec
	NotificationsDropped *prometheus.CounterVec
	SubscriptionsStale   *prometheus.GaugeVec

	// Buffer Metrics
	BufferItems     *prometheus.GaugeVec
	BufferEvictions *prometheus.CounterVec
	BufferPublished *prometheus.CounterVec
	BufferDropped   *prometheus.CounterVec

	// Write Metrics
	WriteDecisions *prometheus.CounterVec

	// Inference Metrics
	InferenceTotal    *prometheus.CounterVec
	InferenceDuration *prometheus.HistogramVec
	ModelsLoaded      prometheus.Gauge

	// Transport Metrics
	TransportPublishes *prometheus.CounterVec

	// HTTP Metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
	mu       sync.Mutex
	models   map[string]bool
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a registry with all metrics initialized.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Registry{
		registry: reg,
		models:   make(map[string]bool),
	}

	r.initConnectionMetrics()
	r.initBufferMetrics()
	r.initWriteMetrics()
	r.initInferenceMetrics()
	r.initTransportMetrics()
	r.initHTTPMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
