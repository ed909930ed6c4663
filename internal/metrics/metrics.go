// Package metrics provides Prometheus metrics for the snapshot converter.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the snapshot converter.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Run metrics
	Conversions    *prometheus.CounterVec
	InFlight       prometheus.Gauge
	LastSuccessful *prometheus.GaugeVec

	// Timing metrics
	ConversionDuration *prometheus.HistogramVec
	UploadDuration     *prometheus.HistogramVec

	// Size metrics
	RowsWritten  *prometheus.CounterVec
	BytesWritten *prometheus.CounterVec
	FileRows     *prometheus.HistogramVec
	FileBytes    *prometheus.HistogramVec

	// Side effect metrics
	CleanupWarnings prometheus.Counter
	CatalogErrors   prometheus.Counter
	AuditErrors     prometheus.Counter
}

// Init registers the metrics with the default registry, which Handler
// serves. Call this once at startup.
func Init(namespace string) *Metrics {
	return New(prometheus.DefaultRegisterer, namespace)
}

// New registers a fresh set of metrics with reg.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "snapshot_converter"
	}
	factory := promauto.With(reg)

	return &Metrics{
		Conversions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversions_total",
				Help:      "Total number of conversion runs by outcome",
			},
			[]string{"dataset", "outcome"},
		),
		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "conversions_in_flight",
				Help:      "Number of conversion runs currently executing",
			},
		),
		LastSuccessful: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last successful conversion",
			},
			[]string{"dataset"},
		),
		ConversionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "conversion_duration_seconds",
				Help:      "End-to-end time of a conversion run",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
			},
			[]string{"dataset", "outcome"},
		),
		UploadDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upload_duration_seconds",
				Help:      "Time to upload a parquet file to storage",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"dataset"},
		),
		RowsWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_written_total",
				Help:      "Total number of records written to published files",
			},
			[]string{"dataset"},
		),
		BytesWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_written_total",
				Help:      "Total bytes of published parquet files",
			},
			[]string{"dataset"},
		),
		FileRows: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "file_rows",
				Help:      "Number of rows per published file",
				Buckets:   prometheus.ExponentialBuckets(10, 10, 8), // 10 to 1e9
			},
			[]string{"dataset"},
		),
		FileBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "file_bytes",
				Help:      "Size in bytes of published files",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 12), // 1KB to ~4GB
			},
			[]string{"dataset"},
		),
		CleanupWarnings: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_warnings_total",
				Help:      "Temporary files that could not be removed",
			},
		),
		CatalogErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_errors_total",
				Help:      "Failed catalog writes after a successful publish",
			},
		),
		AuditErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_errors_total",
				Help:      "Failed audit event emissions after a successful publish",
			},
		),
	}
}

// Handler returns the scrape handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewServer builds an HTTP server exposing /metrics and /health.
func NewServer(address string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// RunStarted marks a run as in flight.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

// RunFinished records the outcome and duration of a run. outcome is
// "success" or the error kind.
func (m *Metrics) RunFinished(dataset, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.InFlight.Dec()
	m.Conversions.WithLabelValues(dataset, outcome).Inc()
	m.ConversionDuration.WithLabelValues(dataset, outcome).Observe(d.Seconds())
	if outcome == "success" {
		m.LastSuccessful.WithLabelValues(dataset).SetToCurrentTime()
	}
}

// ObserveFile records the size of a published file.
func (m *Metrics) ObserveFile(dataset string, rows, bytes int64) {
	if m == nil {
		return
	}
	m.RowsWritten.WithLabelValues(dataset).Add(float64(rows))
	m.BytesWritten.WithLabelValues(dataset).Add(float64(bytes))
	m.FileRows.WithLabelValues(dataset).Observe(float64(rows))
	m.FileBytes.WithLabelValues(dataset).Observe(float64(bytes))
}

// ObserveUpload records the time spent uploading.
func (m *Metrics) ObserveUpload(dataset string, d time.Duration) {
	if m == nil {
		return
	}
	m.UploadDuration.WithLabelValues(dataset).Observe(d.Seconds())
}

// IncCleanupWarnings counts a failed temporary file removal.
func (m *Metrics) IncCleanupWarnings() {
	if m == nil {
		return
	}
	m.CleanupWarnings.Inc()
}

// IncCatalogErrors counts a failed catalog write.
func (m *Metrics) IncCatalogErrors() {
	if m == nil {
		return
	}
	m.CatalogErrors.Inc()
}

// IncAuditErrors counts a failed audit emission.
func (m *Metrics) IncAuditErrors() {
	if m == nil {
		return
	}
	m.AuditErrors.Inc()
}
