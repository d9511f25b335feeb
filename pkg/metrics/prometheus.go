// Package metrics exposes the Prometheus counters and histograms the
// pipeline records as it processes documents and batches.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the global metrics container.
type Metrics struct {
	// HTTP Core (C1)
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Documents / classification
	DocumentsProcessedTotal *prometheus.CounterVec
	ClassificationDuration  *prometheus.HistogramVec
	ClassificationSourceTotal *prometheus.CounterVec

	// LLM classifier (C8)
	LLMCallsTotal     *prometheus.CounterVec
	LLMCallDuration   prometheus.Histogram
	LLMQueueDepth     prometheus.Gauge
	LLMCostUSDTotal   prometheus.Counter

	// Batch orchestrator (C10)
	BatchDuration     *prometheus.HistogramVec
	BatchDocumentsTotal *prometheus.CounterVec

	// System
	MemoryUsage *prometheus.GaugeVec
	Goroutines  prometheus.Gauge
	ServiceInfo *prometheus.GaugeVec
}

var defaultMetrics *Metrics

// InitMetrics initializes the metrics container under the given namespace/subsystem.
func InitMetrics(namespace, subsystem string) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of outbound HTTP requests made by the HTTP core",
			},
			[]string{"method", "status"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of outbound HTTP requests",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method"},
		),

		DocumentsProcessedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "documents_processed_total",
				Help:      "Total number of documents processed",
			},
			[]string{"box_type", "status"},
		),

		ClassificationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "classification_duration_seconds",
				Help:      "Duration of per-document classification",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"source"},
		),

		ClassificationSourceTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "classification_source_total",
				Help:      "Number of documents classified, broken down by classification source",
			},
			[]string{"source"},
		),

		LLMCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "llm_calls_total",
				Help:      "Total number of LLM classification calls",
			},
			[]string{"stage", "status"},
		),

		LLMCallDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "llm_call_duration_seconds",
				Help:      "Duration of LLM classification calls",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 20},
			},
		),

		LLMQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "llm_queue_depth",
				Help:      "Current number of documents waiting for the LLM semaphore",
			},
		),

		LLMCostUSDTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "llm_cost_usd_total",
				Help:      "Total estimated LLM cost in USD",
			},
		),

		BatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "batch_duration_seconds",
				Help:      "Duration of batch runs",
				Buckets:   []float64{1, 5, 10, 30, 60, 300, 600, 1800},
			},
			[]string{"status"},
		),

		BatchDocumentsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "batch_documents_total",
				Help:      "Total documents handled per batch outcome",
			},
			[]string{"outcome"},
		),

		MemoryUsage: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage",
			},
			[]string{"type"},
		),

		Goroutines: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "goroutines",
				Help:      "Current number of goroutines",
			},
		),

		ServiceInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "service_info",
				Help:      "Service information",
			},
			[]string{"version", "environment"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics container, initializing it with default
// namespace/subsystem if it hasn't been set up yet.
func Get() *Metrics {
	if defaultMetrics == nil {
		return InitMetrics("atlas", "")
	}
	return defaultMetrics
}

// RecordHTTPRequest records metrics for one outbound HTTP request.
func (m *Metrics) RecordHTTPRequest(method string, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordDocumentProcessed records the terminal outcome of one document.
func (m *Metrics) RecordDocumentProcessed(boxType, status string) {
	m.DocumentsProcessedTotal.WithLabelValues(boxType, status).Inc()
}

// RecordClassification records the duration and source of one classification.
func (m *Metrics) RecordClassification(source string, duration time.Duration) {
	m.ClassificationDuration.WithLabelValues(source).Observe(duration.Seconds())
	m.ClassificationSourceTotal.WithLabelValues(source).Inc()
}

// RecordLLMCall records one LLM call's stage, outcome and duration.
func (m *Metrics) RecordLLMCall(stage, status string, duration time.Duration, costUSD float64) {
	m.LLMCallsTotal.WithLabelValues(stage, status).Inc()
	m.LLMCallDuration.Observe(duration.Seconds())
	m.LLMCostUSDTotal.Add(costUSD)
}

// RecordBatch records the outcome of one batch run.
func (m *Metrics) RecordBatch(status string, duration time.Duration, success, failure int) {
	m.BatchDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.BatchDocumentsTotal.WithLabelValues("success").Add(float64(success))
	m.BatchDocumentsTotal.WithLabelValues("failure").Add(float64(failure))
}

// SetServiceInfo sets the service_info gauge to 1 for the given labels.
func (m *Metrics) SetServiceInfo(version, environment string) {
	m.ServiceInfo.WithLabelValues(version, environment).Set(1)
}

// Handler returns the HTTP handler serving /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer starts an HTTP server exposing /metrics and /health.
func StartMetricsServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK")) //nolint:errcheck // health endpoint, write failure is not actionable
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
