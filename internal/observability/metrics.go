package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the reader and optimize engine.
type Metrics struct {
	// Job metrics
	JobsTotal        *prometheus.CounterVec
	JobsActive       prometheus.Gauge
	JobDuration      prometheus.Histogram
	BytesUploadedTotal   *prometheus.CounterVec
	ChunksWrittenTotal   prometheus.Counter
	ChunksDownloadedTotal prometheus.Counter
	UserFnRetriesTotal   *prometheus.CounterVec

	// Object store metrics
	ObjectStoreRequestsTotal   *prometheus.CounterVec
	ObjectStoreRequestDuration prometheus.Histogram
	ObjectStoreRetriesTotal    *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CacheEvictionsTotal prometheus.Counter
	CacheBytesResident  prometheus.Gauge

	// Crypto metrics
	CryptoOperationsTotal   *prometheus.CounterVec
	CryptoOperationDuration prometheus.Histogram

	// Index merge metrics
	IndexMergeDuration   prometheus.Histogram
	IndexMergeWaitTotal  *prometheus.CounterVec

	activeJobs int64
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		JobsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ltdc_jobs_total",
				Help: "Total optimize/map jobs started",
			},
			[]string{"kind", "status"},
		),

		JobsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ltdc_jobs_active",
				Help: "Currently running optimize/map jobs",
			},
		),

		JobDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ltdc_job_duration_seconds",
				Help:    "Job completion time distribution",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 3600},
			},
		),

		BytesUploadedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ltdc_bytes_uploaded_total",
				Help: "Total chunk/output bytes transferred, by direction (upload or download)",
			},
			[]string{"direction"},
		),

		ChunksWrittenTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ltdc_chunks_written_total",
				Help: "Total chunks closed by optimize workers",
			},
		),

		ChunksDownloadedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ltdc_chunks_downloaded_total",
				Help: "Total chunks downloaded by the streaming reader",
			},
		),

		UserFnRetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ltdc_user_fn_retries_total",
				Help: "Retries of a caller-supplied fn before job abort",
			},
			[]string{"outcome"},
		),

		ObjectStoreRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ltdc_objstore_requests_total",
				Help: "Object store requests by operation and result",
			},
			[]string{"op", "result"},
		),

		ObjectStoreRequestDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ltdc_objstore_request_duration_seconds",
				Help:    "Object store request latency",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
			},
		),

		ObjectStoreRetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ltdc_objstore_retries_total",
				Help: "Object store operation retries",
			},
			[]string{"op"},
		),

		CacheHitsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ltdc_cache_hits_total",
				Help: "Local chunk cache hits",
			},
		),

		CacheMissesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ltdc_cache_misses_total",
				Help: "Local chunk cache misses",
			},
		),

		CacheEvictionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ltdc_cache_evictions_total",
				Help: "Local chunk cache evictions",
			},
		),

		CacheBytesResident: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ltdc_cache_bytes_resident",
				Help: "Bytes currently resident in the local chunk cache",
			},
		),

		CryptoOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ltdc_crypto_operations_total",
				Help: "Cryptographic operations performed on chunk payloads",
			},
			[]string{"operation"},
		),

		CryptoOperationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ltdc_crypto_operation_duration_seconds",
				Help:    "Crypto operation latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
		),

		IndexMergeDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ltdc_index_merge_duration_seconds",
				Help:    "Leader's wait-plus-merge time for partial indices",
				Buckets: []float64{0.1, 1, 5, 10, 30, 60, 300},
			},
		),

		IndexMergeWaitTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ltdc_index_merge_wait_total",
				Help: "Leader merge completions by result",
			},
			[]string{"result"},
		),
	}

	return m
}

// RecordJobStart increments active job counters.
func (m *Metrics) RecordJobStart() {
	atomic.AddInt64(&m.activeJobs, 1)
	m.JobsActive.Set(float64(atomic.LoadInt64(&m.activeJobs)))
}

// RecordJobComplete records job completion metrics.
func (m *Metrics) RecordJobComplete(kind string, success bool, durationSeconds float64) {
	atomic.AddInt64(&m.activeJobs, -1)
	m.JobsActive.Set(float64(atomic.LoadInt64(&m.activeJobs)))

	status := "success"
	if !success {
		status = "failure"
	}

	m.JobsTotal.WithLabelValues(kind, status).Inc()
	m.JobDuration.Observe(durationSeconds)
}

// RecordChunkWritten updates metrics for a chunk closed and uploaded.
func (m *Metrics) RecordChunkWritten(bytes int64) {
	m.ChunksWrittenTotal.Inc()
	m.BytesUploadedTotal.WithLabelValues("upload").Add(float64(bytes))
}

// RecordChunkDownloaded updates metrics for a chunk pulled by the reader.
func (m *Metrics) RecordChunkDownloaded(bytes int64) {
	m.ChunksDownloadedTotal.Inc()
	m.BytesUploadedTotal.WithLabelValues("download").Add(float64(bytes))
}

// RecordUserFnRetry records a retry of a caller-supplied fn.
func (m *Metrics) RecordUserFnRetry(outcome string) {
	m.UserFnRetriesTotal.WithLabelValues(outcome).Inc()
}

// RecordObjectStoreRequest logs an object store request outcome and latency.
func (m *Metrics) RecordObjectStoreRequest(op string, success bool, durationSeconds float64) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.ObjectStoreRequestsTotal.WithLabelValues(op, result).Inc()
	m.ObjectStoreRequestDuration.Observe(durationSeconds)
}

// RecordObjectStoreRetry increments the retry counter for op.
func (m *Metrics) RecordObjectStoreRetry(op string) {
	m.ObjectStoreRetriesTotal.WithLabelValues(op).Inc()
}

// RecordCacheHit increments the cache hit counter.
func (m *Metrics) RecordCacheHit() {
	m.CacheHitsTotal.Inc()
}

// RecordCacheMiss increments the cache miss counter.
func (m *Metrics) RecordCacheMiss() {
	m.CacheMissesTotal.Inc()
}

// RecordCacheEviction increments the cache eviction counter.
func (m *Metrics) RecordCacheEviction() {
	m.CacheEvictionsTotal.Inc()
}

// SetCacheBytesResident sets the current cache-resident byte count.
func (m *Metrics) SetCacheBytesResident(bytes int64) {
	m.CacheBytesResident.Set(float64(bytes))
}

// RecordCryptoOperation records cryptographic operation duration.
func (m *Metrics) RecordCryptoOperation(operation string, durationSeconds float64) {
	m.CryptoOperationsTotal.WithLabelValues(operation).Inc()
	m.CryptoOperationDuration.Observe(durationSeconds)
}

// RecordIndexMerge records a leader merge pass's duration and outcome.
func (m *Metrics) RecordIndexMerge(success bool, durationSeconds float64) {
	result := "success"
	if !success {
		result = "timeout"
	}
	m.IndexMergeWaitTotal.WithLabelValues(result).Inc()
	m.IndexMergeDuration.Observe(durationSeconds)
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
