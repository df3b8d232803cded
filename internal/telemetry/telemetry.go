// Package telemetry provides OpenTelemetry instrumentation for mailtriage.
// It exports Prometheus metrics and provides tracing capabilities.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "mailtriage"

// Metrics holds all mailtriage Prometheus metrics.
type Metrics struct {
	// Batch pipeline metrics
	MessagesProcessed *prometheus.CounterVec
	BatchesTotal      *prometheus.CounterVec
	ChunkDuration     prometheus.Histogram
	AnalysisDuration  *prometheus.HistogramVec

	// Admission control metrics
	QueueDepth      *prometheus.GaugeVec
	BucketTokens    *prometheus.GaugeVec
	SemaphoreActive *prometheus.GaugeVec
	RetriesTotal    prometheus.Counter

	// Cache metrics
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	// Tagging metrics
	TagsApplied prometheus.Counter
	TagsFlagged prometheus.Counter
}

// Provider wraps telemetry providers. Construct exactly once per process;
// metrics register with the default Prometheus registry.
type Provider struct {
	Tracer  trace.Tracer
	Metrics *Metrics
}

// NewProvider initializes telemetry with Prometheus metrics.
func NewProvider() *Provider {
	return &Provider{
		Tracer:  otel.Tracer(serviceName),
		Metrics: initMetrics(),
	}
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func (p *Provider) Handler() http.Handler {
	return promhttp.Handler()
}

func initMetrics() *Metrics {
	m := &Metrics{}
	initPipelineMetrics(m)
	initAdmissionMetrics(m)
	initCacheMetrics(m)
	initTaggingMetrics(m)
	return m
}

func initPipelineMetrics(m *Metrics) {
	m.MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailtriage_messages_processed_total",
		Help: "Messages processed by outcome (success, failed)",
	}, []string{"outcome"})

	m.BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailtriage_batches_total",
		Help: "Batch runs by terminal status (completed, cancelled, error)",
	}, []string{"status"})

	m.ChunkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailtriage_chunk_duration_seconds",
		Help:    "Wall time to process one chunk",
		Buckets: prometheus.DefBuckets,
	})

	m.AnalysisDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailtriage_analysis_duration_seconds",
		Help:    "Backend analysis call duration per backend",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend"})
}

func initAdmissionMetrics(m *Metrics) {
	m.QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailtriage_queue_depth",
		Help: "Pending tasks per backend queue",
	}, []string{"backend"})

	m.BucketTokens = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailtriage_bucket_tokens",
		Help: "Available quota tokens per backend",
	}, []string{"backend"})

	m.SemaphoreActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailtriage_semaphore_active",
		Help: "In-flight calls per backend/model pair",
	}, []string{"backend", "model"})

	m.RetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailtriage_retries_total",
		Help: "Retried backend calls",
	})
}

func initCacheMetrics(m *Metrics) {
	m.CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailtriage_cache_hits_total",
		Help: "Analysis results served from cache",
	})

	m.CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailtriage_cache_misses_total",
		Help: "Analysis cache misses",
	})
}

func initTaggingMetrics(m *Metrics) {
	m.TagsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailtriage_tags_applied_total",
		Help: "Tags applied after passing their confidence threshold",
	})

	m.TagsFlagged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailtriage_tags_flagged_total",
		Help: "Tags withheld for review after missing their threshold",
	})
}
