package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	scanTotal     *prometheus.CounterVec
	scanDuration  *prometheus.HistogramVec
	scanFiles     *prometheus.CounterVec
	trackedFiles  *prometheus.GaugeVec
	vectorDeletes *prometheus.CounterVec

	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	jobTotal     *prometheus.CounterVec
	jobRetries   *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	activeJobs   prometheus.Gauge

	embeddingDuration prometheus.Histogram
	embeddingCache    *prometheus.CounterVec
	vectorUpserts     *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			scanTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "docsync_scan_total",
					Help: "Total folder scans by folder.",
				},
				[]string{"folder"},
			),
			scanDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "docsync_scan_duration_seconds",
					Help:    "Folder scan duration in seconds by folder.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"folder"},
			),
			scanFiles: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "docsync_scan_files_total",
					Help: "Files classified by scans, by folder and outcome.",
				},
				[]string{"folder", "outcome"},
			),
			trackedFiles: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "docsync_tracked_files",
					Help: "Tracked files by status.",
				},
				[]string{"status"},
			),
			vectorDeletes: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "docsync_vector_deletes_total",
					Help: "Best-effort vector deletes by status.",
				},
				[]string{"status"},
			),
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "docsync_queue_jobs",
					Help: "Jobs currently held by the queue, by state.",
				},
				[]string{"state"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "docsync_enqueue_total",
					Help: "Total enqueued jobs by kind.",
				},
				[]string{"kind"},
			),
			jobTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "docsync_jobs_total",
					Help: "Terminal job outcomes by kind and status.",
				},
				[]string{"kind", "status"},
			),
			jobRetries: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "docsync_job_retries_total",
					Help: "Job attempts that failed and were rescheduled, by kind.",
				},
				[]string{"kind"},
			),
			jobDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "docsync_job_attempt_duration_seconds",
					Help:    "Single job attempt duration in seconds by kind.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"kind"},
			),
			activeJobs: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "docsync_active_jobs",
					Help: "Jobs currently executing in worker lanes.",
				},
			),
			embeddingDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "docsync_embedding_duration_seconds",
					Help:    "Embedding provider call duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			embeddingCache: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "docsync_embedding_cache_total",
					Help: "Embedding cache lookups by result.",
				},
				[]string{"result"},
			),
			vectorUpserts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "docsync_vector_upserts_total",
					Help: "Vector upserts by status.",
				},
				[]string{"status"},
			),
		}

		prometheus.MustRegister(
			m.scanTotal,
			m.scanDuration,
			m.scanFiles,
			m.trackedFiles,
			m.vectorDeletes,
			m.queueSize,
			m.enqueueTotal,
			m.jobTotal,
			m.jobRetries,
			m.jobDuration,
			m.activeJobs,
			m.embeddingDuration,
			m.embeddingCache,
			m.vectorUpserts,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordScan(folder string, duration time.Duration, added, modified, unchanged, deleted, errors int) {
	m := getMetrics()
	m.scanTotal.WithLabelValues(folder).Inc()
	m.scanDuration.WithLabelValues(folder).Observe(duration.Seconds())
	m.scanFiles.WithLabelValues(folder, "added").Add(float64(added))
	m.scanFiles.WithLabelValues(folder, "modified").Add(float64(modified))
	m.scanFiles.WithLabelValues(folder, "unchanged").Add(float64(unchanged))
	m.scanFiles.WithLabelValues(folder, "deleted").Add(float64(deleted))
	m.scanFiles.WithLabelValues(folder, "error").Add(float64(errors))
}

func SetTrackedFiles(status string, count int) {
	m := getMetrics()
	m.trackedFiles.WithLabelValues(status).Set(float64(count))
}

func RecordVectorDelete(success bool) {
	m := getMetrics()
	m.vectorDeletes.WithLabelValues(statusLabel(success)).Inc()
}

func RecordVectorUpsert(success bool) {
	m := getMetrics()
	m.vectorUpserts.WithLabelValues(statusLabel(success)).Inc()
}

func RecordQueueEnqueue(kind string) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(kind).Inc()
}

func SetQueueSize(state string, size int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(state).Set(float64(size))
}

func RecordJobAttempt(kind string, duration time.Duration) {
	m := getMetrics()
	m.jobDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordJobRetry(kind string) {
	m := getMetrics()
	m.jobRetries.WithLabelValues(kind).Inc()
}

func RecordJobCompletion(kind string, success bool) {
	m := getMetrics()
	m.jobTotal.WithLabelValues(kind, statusLabel(success)).Inc()
}

func SetActiveJobs(count int) {
	m := getMetrics()
	m.activeJobs.Set(float64(count))
}

func RecordEmbedding(duration time.Duration) {
	m := getMetrics()
	m.embeddingDuration.Observe(duration.Seconds())
}

func RecordEmbeddingCache(hit bool) {
	m := getMetrics()
	result := "miss"
	if hit {
		result = "hit"
	}
	m.embeddingCache.WithLabelValues(result).Inc()
}
