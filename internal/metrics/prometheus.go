package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rowbus"

// Metrics is a centralized registry of all sync metrics.
type Metrics struct {
	// Engine metrics
	RowsFetched         *prometheus.CounterVec
	RowsPublished       *prometheus.CounterVec
	PublishFailures     *prometheus.CounterVec
	FetchErrors         *prometheus.CounterVec
	NormalizationErrors *prometheus.CounterVec
	SkippedRows         *prometheus.CounterVec
	Watermark           *prometheus.GaugeVec

	// Scheduler metrics
	Cycles           prometheus.Counter
	CycleDuration    prometheus.Histogram
	ConnectionErrors prometheus.Counter
	SourcePanics     *prometheus.CounterVec

	// Checkpoint metrics
	CheckpointLoadErrors prometheus.Counter
	CheckpointSaveErrors prometheus.Counter
	CheckpointSaves      prometheus.Counter

	// Bus metrics
	BusPublished      *prometheus.CounterVec
	BusPublishRetries *prometheus.CounterVec
	BusAckFailures    *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RowsFetched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "rows_fetched_total",
			Help: "Total number of rows fetched per source",
		}, []string{"source"}),
		RowsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "rows_published_total",
			Help: "Total number of rows acknowledged by the bus per source",
		}, []string{"source"}),
		PublishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "publish_failures_total",
			Help: "Total number of rows that could not be published per source",
		}, []string{"source"}),
		FetchErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "fetch_errors_total",
			Help: "Total number of failed fetches per source",
		}, []string{"source"}),
		NormalizationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "normalization_errors_total",
			Help: "Total number of rows that failed normalization per source",
		}, []string{"source"}),
		SkippedRows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "skipped_rows_total",
			Help: "Total number of invalid rows skipped under the skip policy",
		}, []string{"source"}),
		Watermark: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "engine", Name: "watermark_seconds",
			Help: "Current watermark per source as unix seconds (wall clock read as UTC)",
		}, []string{"source"}),

		Cycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "cycles_total",
			Help: "Total number of completed sync cycles",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "cycle_duration_seconds",
			Help:    "Duration of a full pass over all sources",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),
		ConnectionErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "connection_errors_total",
			Help: "Total number of failed database connection attempts",
		}),
		SourcePanics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "source_panics_total",
			Help: "Total number of panics recovered while syncing a source",
		}, []string{"source"}),

		CheckpointLoadErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "checkpoint", Name: "load_errors_total",
			Help: "Total number of unreadable checkpoint loads",
		}),
		CheckpointSaveErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "checkpoint", Name: "save_errors_total",
			Help: "Total number of failed checkpoint saves",
		}),
		CheckpointSaves: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "checkpoint", Name: "saves_total",
			Help: "Total number of successful checkpoint saves",
		}),

		BusPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "published_total",
			Help: "Total number of messages acknowledged by the bus",
		}, []string{"bus"}),
		BusPublishRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "publish_retries_total",
			Help: "Total number of publish attempts that were retried",
		}, []string{"bus"}),
		BusAckFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "ack_failures_total",
			Help: "Total number of publishes rejected or not acknowledged by the bus",
		}, []string{"bus"}),
	}
}

// SetWatermark records t as the current watermark of source.
func (m *Metrics) SetWatermark(source string, t time.Time) {
	m.Watermark.WithLabelValues(source).Set(float64(t.Unix()))
}

// Global metrics instance, registered with the default Prometheus registry.
var GlobalMetrics = NewMetrics(prometheus.DefaultRegisterer)
