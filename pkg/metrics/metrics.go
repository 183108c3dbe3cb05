// Package metrics defines the Prometheus collectors charsearch exports and
// helpers to record into them. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "charsearch"

// DefaultBuckets are the default histogram buckets (in seconds).
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Metrics groups every collector. Create it with New.
type Metrics struct {
	HarvestPages     *prometheus.CounterVec // status: ok, failed
	HarvestDownloads *prometheus.CounterVec // status: ok, failed
	IngestFiles      *prometheus.CounterVec // status: embedded, failed
	IngestBatches    prometheus.Counter
	UpsertDuration   prometheus.Histogram
	SearchRequests   *prometheus.CounterVec   // kind, status
	SearchDuration   *prometheus.HistogramVec // kind
	EnrichLookups    *prometheus.CounterVec   // status: found, missing, failed, skipped
	RateLimitWait    *prometheus.HistogramVec // limiter
	EmbeddingCache   *prometheus.CounterVec   // result: hit, miss
	BreakerState     *prometheus.GaugeVec     // breaker; 0 closed, 1 open, 2 half-open
	HTTPRequests     *prometheus.CounterVec   // method, path, status
	HTTPDuration     *prometheus.HistogramVec // method, path, status

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. A nil reg uses a
// fresh private registry, which keeps tests independent.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		HarvestPages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "harvest_pages_total",
			Help: "Catalog pages fetched, by outcome",
		}, []string{"status"}),
		HarvestDownloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "harvest_downloads_total",
			Help: "Image downloads, by outcome",
		}, []string{"status"}),
		IngestFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ingest_files_total",
			Help: "Corpus files processed by ingestion, by outcome",
		}, []string{"status"}),
		IngestBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ingest_batches_total",
			Help: "Batches upserted into the index",
		}),
		UpsertDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "index_upsert_duration_seconds",
			Help: "Index upsert duration in seconds", Buckets: DefaultBuckets,
		}),
		SearchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "search_requests_total",
			Help: "Search requests, by query kind and outcome",
		}, []string{"kind", "status"}),
		SearchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "search_duration_seconds",
			Help: "Search latency in seconds, encode included", Buckets: DefaultBuckets,
		}, []string{"kind"}),
		EnrichLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "enrich_lookups_total",
			Help: "External lookups, by outcome",
		}, []string{"status"}),
		RateLimitWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "ratelimit_wait_seconds",
			Help: "Time spent waiting for a rate-limit slot", Buckets: DefaultBuckets,
		}, []string{"limiter"}),
		EmbeddingCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "embedding_cache_total",
			Help: "Text embedding cache hits and misses",
		}, []string{"result"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		}, []string{"breaker"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help: "HTTP request duration in seconds", Buckets: DefaultBuckets,
		}, []string{"method", "path", "status"}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.HarvestPages, m.HarvestDownloads,
		m.IngestFiles, m.IngestBatches, m.UpsertDuration,
		m.SearchRequests, m.SearchDuration,
		m.EnrichLookups, m.RateLimitWait, m.EmbeddingCache, m.BreakerState,
		m.HTTPRequests, m.HTTPDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Page records one catalog page outcome.
func (m *Metrics) Page(ok bool) {
	if m != nil {
		m.HarvestPages.WithLabelValues(outcome(ok, "ok", "failed")).Inc()
	}
}

// Download records one image download outcome.
func (m *Metrics) Download(ok bool) {
	if m != nil {
		m.HarvestDownloads.WithLabelValues(outcome(ok, "ok", "failed")).Inc()
	}
}

// IngestFile records one embedded or failed corpus file.
func (m *Metrics) IngestFile(ok bool) {
	if m != nil {
		m.IngestFiles.WithLabelValues(outcome(ok, "embedded", "failed")).Inc()
	}
}

// Batch records one upserted batch and how long the upsert took.
func (m *Metrics) Batch(d time.Duration) {
	if m != nil {
		m.IngestBatches.Inc()
		m.UpsertDuration.Observe(d.Seconds())
	}
}

// Search records a finished query of the given kind (text, image).
func (m *Metrics) Search(kind, status string, d time.Duration) {
	if m != nil {
		m.SearchRequests.WithLabelValues(kind, status).Inc()
		m.SearchDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
}

// Lookup records an enrichment lookup outcome.
func (m *Metrics) Lookup(status string) {
	if m != nil {
		m.EnrichLookups.WithLabelValues(status).Inc()
	}
}

// Wait records time spent blocked on a named limiter. Its signature matches
// resilience.WindowOpts.OnWait.
func (m *Metrics) Wait(limiter string, d time.Duration) {
	if m != nil {
		m.RateLimitWait.WithLabelValues(limiter).Observe(d.Seconds())
	}
}

// Cache records an embedding cache hit or miss.
func (m *Metrics) Cache(hit bool) {
	if m != nil {
		m.EmbeddingCache.WithLabelValues(outcome(hit, "hit", "miss")).Inc()
	}
}

// Breaker records the numeric state of a named circuit breaker.
func (m *Metrics) Breaker(name string, state int) {
	if m != nil {
		m.BreakerState.WithLabelValues(name).Set(float64(state))
	}
}

func outcome(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
