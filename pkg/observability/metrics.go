package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the metric pipeline
type Metrics struct {
	// Request metrics (results API)
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestErrors   *prometheus.CounterVec

	// Extraction metrics
	ImagesProcessed  *prometheus.CounterVec
	BatchDuration    prometheus.Histogram
	ExtractionErrors prometheus.Counter

	// Cache metrics
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	CacheCorruptions prometheus.Counter
	CacheSize        prometheus.Gauge

	// Metric computation
	MetricDuration *prometheus.HistogramVec
	MetricFailures *prometheus.CounterVec
	MetricSkips    *prometheus.CounterVec

	// Aggregation
	ReduceDuration   prometheus.Histogram
	PartialsReceived prometheus.Counter
	WorldSize        prometheus.Gauge
}

// NewMetrics creates all metrics and registers them on reg. A nil registerer
// leaves the metrics unregistered, which is what most tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synthmetrics_requests_total",
				Help: "Total number of API requests by method and status",
			},
			[]string{"method", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "synthmetrics_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method"},
		),
		RequestErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synthmetrics_request_errors_total",
				Help: "Total number of API request errors by method and error type",
			},
			[]string{"method", "error_type"},
		),

		ImagesProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synthmetrics_images_processed_total",
				Help: "Total number of images pushed through the extractor by dataset role",
			},
			[]string{"role"},
		),
		BatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "synthmetrics_batch_duration_seconds",
				Help:    "Time to load, extract and accumulate one batch",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		ExtractionErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "synthmetrics_extraction_errors_total",
				Help: "Total number of failed batch extractions",
			},
		),

		CacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "synthmetrics_cache_hits_total",
				Help: "Total number of statistics cache hits",
			},
		),
		CacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "synthmetrics_cache_misses_total",
				Help: "Total number of statistics cache misses",
			},
		),
		CacheCorruptions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "synthmetrics_cache_corruptions_total",
				Help: "Total number of cache entries rejected as corrupt",
			},
		),
		CacheSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "synthmetrics_cache_size",
				Help: "Current number of entries in the in-memory statistics cache",
			},
		),

		MetricDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "synthmetrics_metric_duration_seconds",
				Help:    "Metric computation time by metric kind",
				Buckets: []float64{.001, .01, .1, .5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"metric"},
		),
		MetricFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synthmetrics_metric_failures_total",
				Help: "Total number of failed metric computations by metric kind",
			},
			[]string{"metric"},
		),
		MetricSkips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synthmetrics_metric_skips_total",
				Help: "Total number of metrics skipped for insufficient samples",
			},
			[]string{"metric"},
		),

		ReduceDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "synthmetrics_reduce_duration_seconds",
				Help:    "Time to gather and merge partial statistics",
				Buckets: []float64{.001, .01, .1, .5, 1, 5, 30, 120},
			},
		),
		PartialsReceived: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "synthmetrics_partials_received_total",
				Help: "Total number of partial statistics received from ranks",
			},
		),
		WorldSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "synthmetrics_world_size",
				Help: "Number of ranks participating in the current run",
			},
		),
	}

	return m
}

// RecordRequest records a request with duration and status
func (m *Metrics) RecordRequest(method, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, status).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(method, errorType string) {
	m.RequestErrors.WithLabelValues(method, errorType).Inc()
}

// RecordBatch records one processed batch for the given dataset role.
func (m *Metrics) RecordBatch(role string, images int, duration time.Duration) {
	m.ImagesProcessed.WithLabelValues(role).Add(float64(images))
	m.BatchDuration.Observe(duration.Seconds())
}

// RecordExtractionError records a failed batch.
func (m *Metrics) RecordExtractionError() {
	m.ExtractionErrors.Inc()
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit() {
	m.CacheHits.Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss() {
	m.CacheMisses.Inc()
}

// RecordCacheCorruption records a rejected cache entry
func (m *Metrics) RecordCacheCorruption() {
	m.CacheCorruptions.Inc()
}

// UpdateCacheSize updates cache size
func (m *Metrics) UpdateCacheSize(size int) {
	m.CacheSize.Set(float64(size))
}

// RecordMetric records a metric computation and its outcome.
func (m *Metrics) RecordMetric(metric string, duration time.Duration, err error, skipped bool) {
	m.MetricDuration.WithLabelValues(metric).Observe(duration.Seconds())
	switch {
	case skipped:
		m.MetricSkips.WithLabelValues(metric).Inc()
	case err != nil:
		m.MetricFailures.WithLabelValues(metric).Inc()
	}
}

// RecordReduce records a reduction over the given number of partials.
func (m *Metrics) RecordReduce(duration time.Duration, partials int) {
	m.ReduceDuration.Observe(duration.Seconds())
	m.PartialsReceived.Add(float64(partials))
}

// UpdateWorldSize updates the world size gauge
func (m *Metrics) UpdateWorldSize(world int) {
	m.WorldSize.Set(float64(world))
}
