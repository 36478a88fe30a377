// Package observability provides Prometheus instrumentation for the HTTP API,
// the job runner, and the item processor.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the application collectors, registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestsTotal   *prometheus.CounterVec

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration *prometheus.HistogramVec
	JobsTotal   *prometheus.CounterVec
	JobsActive  prometheus.Gauge
	QueueDepth  prometheus.Gauge

	// Item metrics
	ItemsTotal      *prometheus.CounterVec
	LocatorsTotal   *prometheus.CounterVec
	LocatorDuration *prometheus.HistogramVec
	CallbacksTotal  *prometheus.CounterVec
	UploadsRejected prometheus.Counter
}

// NewMetrics creates and registers all collectors, plus the Go runtime and
// process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imagebatch_job_duration_seconds",
			Help:    "Wall time of a job run",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"status"}),
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagebatch_jobs_total",
			Help: "Jobs that reached a terminal status",
		}, []string{"status"}),
		JobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imagebatch_jobs_active",
			Help: "Jobs currently running",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imagebatch_queue_depth",
			Help: "Jobs waiting for a worker",
		}),
		ItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagebatch_items_total",
			Help: "Items that reached a terminal status",
		}, []string{"status"}),
		LocatorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagebatch_locators_total",
			Help: "Image locators processed, by outcome",
		}, []string{"outcome"}),
		LocatorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imagebatch_locator_duration_seconds",
			Help:    "Fetch, recompress and store time per locator",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		CallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagebatch_callbacks_total",
			Help: "Completion callbacks attempted, by result",
		}, []string{"result"}),
		UploadsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagebatch_uploads_rate_limited_total",
			Help: "Uploads rejected by the rate limiter",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestDuration,
		m.HTTPRequestsTotal,
		m.JobDuration,
		m.JobsTotal,
		m.JobsActive,
		m.QueueDepth,
		m.ItemsTotal,
		m.LocatorsTotal,
		m.LocatorDuration,
		m.CallbacksTotal,
		m.UploadsRejected,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

func (m *Metrics) JobStarted() {
	m.JobsActive.Inc()
}

func (m *Metrics) JobFinished(status string, d time.Duration) {
	m.JobsActive.Dec()
	m.JobsTotal.WithLabelValues(status).Inc()
	m.JobDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) ItemFinished(status string) {
	m.ItemsTotal.WithLabelValues(status).Inc()
}

// ObserveLocator records one processed image locator.
func (m *Metrics) ObserveLocator(outcome string, d time.Duration) {
	m.LocatorsTotal.WithLabelValues(outcome).Inc()
	m.LocatorDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveCallback(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.CallbacksTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) UploadRateLimited() {
	m.UploadsRejected.Inc()
}
