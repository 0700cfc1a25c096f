// Package metrics provides Prometheus metrics for the basket server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "basket_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "basket_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Content transfer metrics
	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "basket_content_bytes_downloaded_total",
			Help: "Total bytes served by download and share endpoints",
		},
	)

	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "basket_content_bytes_uploaded_total",
			Help: "Total bytes received by write and upload endpoints",
		},
	)

	contentUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "basket_content_uploads_total",
			Help: "Total number of completed uploads",
		},
		[]string{"status"},
	)

	// Chunked upload metrics
	uploadSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "basket_upload_sessions_active",
			Help: "Number of open chunked upload sessions",
		},
	)

	uploadPartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "basket_upload_parts_total",
			Help: "Total upload parts received",
		},
		[]string{"status"},
	)

	uploadSessionsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "basket_upload_sessions_expired_total",
			Help: "Upload sessions aborted by the expiry sweeper",
		},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "basket_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "basket_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	// Trash metrics
	trashOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "basket_trash_operations_total",
			Help: "Total trash operations",
		},
		[]string{"operation"},
	)

	// Sharing metrics
	shareLinksCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "basket_share_links_created_total",
			Help: "Total share links created",
		},
	)

	shareDownloadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "basket_share_downloads_total",
			Help: "Total downloads via share links",
		},
	)

	// Archive metrics
	archivesBuiltTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "basket_archives_built_total",
			Help: "Total archives built",
		},
		[]string{"format", "mode", "status"},
	)

	archiveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "basket_archive_duration_seconds",
			Help:    "Archive build duration in seconds",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300},
		},
		[]string{"format"},
	)

	// S3 metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "basket_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "basket_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)
)

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordContentDownload records bytes served to a client.
func RecordContentDownload(bytes int64) {
	contentBytesDownloaded.Add(float64(bytes))
}

// RecordContentUpload records a finished upload.
func RecordContentUpload(bytes int64, success bool) {
	contentBytesUploaded.Add(float64(bytes))
	contentUploadsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// SetUploadSessionsActive sets the number of open upload sessions.
func SetUploadSessionsActive(count int) {
	uploadSessionsActive.Set(float64(count))
}

// RecordUploadPart records one received upload part.
func RecordUploadPart(bytes int64, success bool) {
	if success {
		contentBytesUploaded.Add(float64(bytes))
	}
	uploadPartsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordUploadExpired records a session aborted by the sweeper.
func RecordUploadExpired() {
	uploadSessionsExpired.Inc()
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// RecordTrashOperation records a trash operation such as "delete" or "restore".
func RecordTrashOperation(operation string) {
	trashOperationsTotal.WithLabelValues(operation).Inc()
}

// RecordShareCreated records a newly minted share link.
func RecordShareCreated() {
	shareLinksCreated.Inc()
}

// RecordShareDownload records a share link download.
func RecordShareDownload() {
	shareDownloadsTotal.Inc()
}

// RecordArchive records an archive build.
func RecordArchive(format, mode string, duration time.Duration, success bool) {
	archivesBuiltTotal.WithLabelValues(format, mode, statusLabel(success)).Inc()
	archiveDuration.WithLabelValues(format).Observe(duration.Seconds())
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	s3OperationsTotal.WithLabelValues(operation, statusLabel(success)).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics. Requests
// are labelled by their mux pattern so path values do not explode the series.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
