// Package metrics provides Prometheus metrics for the stowage service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the stowage service.
type Metrics struct {
	// Upload metrics
	UploadsStarted   prometheus.Counter
	UploadsCompleted *prometheus.CounterVec
	UploadsFailed    *prometheus.CounterVec
	ChunksRecorded   prometheus.Counter
	ChunksDuplicate  prometheus.Counter

	// Repackaging metrics
	RepackDuration  prometheus.Histogram
	RepackBytes     prometheus.Histogram
	PartsUploaded   prometheus.Counter
	PartUploadTime  prometheus.Histogram
	InFlightParts   prometheus.Gauge
	ActiveRepacks   prometheus.Gauge
	DrainTimeouts   prometheus.Counter
	MultipartAborts prometheus.Counter

	// Artifact metrics
	ArtifactsSwept    prometheus.Counter
	ArtifactDownloads prometheus.Counter

	// Error metrics
	StorageErrors *prometheus.CounterVec
	RetryAttempts *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "stowage"
	}

	m := &Metrics{
		UploadsStarted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_started_total",
				Help:      "Total number of logical uploads begun",
			},
		),
		UploadsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_completed_total",
				Help:      "Total number of uploads completed",
			},
			[]string{"path"}, // "repack" or "copy"
		),
		UploadsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_failed_total",
				Help:      "Total number of uploads that failed",
			},
			[]string{"reason"},
		),
		ChunksRecorded: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_recorded_total",
				Help:      "Total number of distinct chunks recorded in the ledger",
			},
		),
		ChunksDuplicate: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_duplicate_total",
				Help:      "Total number of duplicate chunk confirmations",
			},
		),
		RepackDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "repack_duration_seconds",
				Help:      "Time to repackage an upload into its artifact",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
			},
		),
		RepackBytes: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "repack_bytes",
				Help:      "Total source bytes repackaged per upload",
				Buckets:   prometheus.ExponentialBuckets(1024*1024, 4, 10), // 1MB to ~256GB
			},
		),
		PartsUploaded: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "parts_uploaded_total",
				Help:      "Total number of artifact parts uploaded",
			},
		),
		PartUploadTime: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "part_upload_duration_seconds",
				Help:      "Time to upload one artifact part",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
		),
		InFlightParts: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_parts",
				Help:      "Number of part uploads currently in flight",
			},
		),
		ActiveRepacks: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_repackagings",
				Help:      "Number of repackaging runs currently active",
			},
		),
		DrainTimeouts: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drain_timeouts_total",
				Help:      "Total number of part pipeline drains that hit the ceiling",
			},
		),
		MultipartAborts: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "multipart_aborts_total",
				Help:      "Total number of aborted artifact multipart uploads",
			},
		),
		ArtifactsSwept: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifacts_swept_total",
				Help:      "Total number of expired artifacts removed by the sweeper",
			},
		),
		ArtifactDownloads: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifact_downloads_total",
				Help:      "Total number of artifact download resolutions",
			},
		),
		StorageErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of storage errors",
			},
			[]string{"backend", "operation"},
		),
		RetryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// IncUploadsStarted increments the uploads started counter.
func (m *Metrics) IncUploadsStarted() {
	m.UploadsStarted.Inc()
}

// IncUploadsCompleted increments the completed counter for the given path.
func (m *Metrics) IncUploadsCompleted(path string) {
	m.UploadsCompleted.WithLabelValues(path).Inc()
}

// IncUploadsFailed increments the failed counter for the given reason.
func (m *Metrics) IncUploadsFailed(reason string) {
	m.UploadsFailed.WithLabelValues(reason).Inc()
}

// IncChunksRecorded increments the distinct-chunks counter.
func (m *Metrics) IncChunksRecorded() {
	m.ChunksRecorded.Inc()
}

// IncChunksDuplicate increments the duplicate-chunks counter.
func (m *Metrics) IncChunksDuplicate() {
	m.ChunksDuplicate.Inc()
}

// ObserveRepackDuration records the time spent repackaging one upload.
func (m *Metrics) ObserveRepackDuration(seconds float64) {
	m.RepackDuration.Observe(seconds)
}

// ObserveRepackBytes records the source bytes repackaged for one upload.
func (m *Metrics) ObserveRepackBytes(bytes float64) {
	m.RepackBytes.Observe(bytes)
}

// IncPartsUploaded increments the parts uploaded counter.
func (m *Metrics) IncPartsUploaded() {
	m.PartsUploaded.Inc()
}

// ObservePartUploadTime records the time to upload one part.
func (m *Metrics) ObservePartUploadTime(seconds float64) {
	m.PartUploadTime.Observe(seconds)
}

// IncStorageErrors increments the storage errors counter.
func (m *Metrics) IncStorageErrors(backend, operation string) {
	m.StorageErrors.WithLabelValues(backend, operation).Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(operation string) {
	m.RetryAttempts.WithLabelValues(operation).Inc()
}
