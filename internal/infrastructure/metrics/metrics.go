// Package metrics exposes Prometheus counters for box registration,
// firmware provisioning, measurement ingestion and the HTTP API.
//
// A Metrics value owns its registry so tests can create as many as they
// need without colliding on the default registerer.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sensemap"

// Metrics holds every collector of the service.
type Metrics struct {
	registry *prometheus.Registry

	boxesCreated         *prometheus.CounterVec
	firmwareRendered     *prometheus.CounterVec
	measurementsAccepted *prometheus.CounterVec
	measurementsRejected *prometheus.CounterVec
	httpRequests         *prometheus.CounterVec
	httpDuration         *prometheus.HistogramVec
	wsClients            prometheus.Gauge
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.initMetrics()

	if err := m.registry.Register(m); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	if err := m.registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("registering go collector: %w", err)
	}
	if err := m.registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("registering process collector: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.boxesCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "boxes_created_total",
		Help:      "Total number of registered boxes by model",
	}, []string{"model"})

	m.firmwareRendered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "firmware_rendered_total",
		Help:      "Total number of firmware sketch renderings by outcome",
	}, []string{"status"})

	m.measurementsAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "measurements_accepted_total",
		Help:      "Total number of stored measurements by transport",
	}, []string{"transport"})

	m.measurementsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "measurements_rejected_total",
		Help:      "Total number of rejected measurements by transport and error code",
	}, []string{"transport", "code"})

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "route", "status_code"})

	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Time taken for HTTP requests",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	m.wsClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "websocket_clients",
		Help:      "Current number of connected WebSocket clients",
	})
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.boxesCreated,
		m.firmwareRendered,
		m.measurementsAccepted,
		m.measurementsRejected,
		m.httpRequests,
		m.httpDuration,
		m.wsClients,
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

// BoxCreated counts a registered box.
func (m *Metrics) BoxCreated(model string) {
	if model == "" {
		model = "custom"
	}
	m.boxesCreated.WithLabelValues(model).Inc()
}

// FirmwareRendered counts a provisioning outcome.
func (m *Metrics) FirmwareRendered(ok bool) {
	status := "success"
	if !ok {
		status = "error"
	}
	m.firmwareRendered.WithLabelValues(status).Inc()
}

// MeasurementAccepted counts a stored measurement.
func (m *Metrics) MeasurementAccepted(transport string) {
	m.measurementsAccepted.WithLabelValues(transport).Inc()
}

// MeasurementRejected counts a measurement refused with the given error code.
func (m *Metrics) MeasurementRejected(transport, code string) {
	m.measurementsRejected.WithLabelValues(transport, code).Inc()
}

// ObserveHTTPRequest records one finished request. route is the matched
// route pattern, never the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// WebSocketClients sets the connected client gauge.
func (m *Metrics) WebSocketClients(n int) {
	m.wsClients.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}
