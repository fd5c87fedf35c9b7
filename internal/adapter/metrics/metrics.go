package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chialog"

// IngestMetrics holds all Prometheus metrics for the ingester.
type IngestMetrics struct {
	RunsTotal          *prometheus.CounterVec
	SkippedTicks       prometheus.Counter
	RunDuration        prometheus.Histogram
	LastSuccess        prometheus.Gauge
	FilesTotal         *prometheus.CounterVec
	LinesTotal         *prometheus.CounterVec
	RecordsInserted    prometheus.Counter
	BatchWriteDuration prometheus.Histogram
	PublishErrors      prometheus.Counter
	WALActive          prometheus.Gauge
}

// NewIngestMetrics initializes the metrics and registers them with reg.
func NewIngestMetrics(reg prometheus.Registerer) *IngestMetrics {
	factory := promauto.With(reg)
	return &IngestMetrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "total",
			Help:      "Total number of ingestion runs by outcome.",
		}, []string{"status"}), // status: ok, failed
		SkippedTicks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "skipped_ticks_total",
			Help:      "Scheduler ticks skipped because the previous run was still in flight.",
		}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of ingestion runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		LastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last run in which every file was marked.",
		}),
		FilesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "files_total",
			Help:      "Total number of processed log files by outcome.",
		}, []string{"status"}), // status: marked, open_error (marked without records), write_error, stat_error, marker_error, deferred
		LinesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "lines_total",
			Help:      "Total number of log lines read by parse result.",
		}, []string{"result"}), // result: matched, skipped_debug, malformed
		RecordsInserted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "records_inserted_total",
			Help:      "Total number of records inserted into the store.",
		}),
		BatchWriteDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "batch_write_duration_seconds",
			Help:      "Duration of batched record writes.",
			Buckets:   prometheus.DefBuckets,
		}),
		PublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "errors_total",
			Help:      "Total number of record batches that could not be published.",
		}),
		WALActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "publish",
			Name:      "wal_active_gauge",
			Help:      "Indicates if the publisher spools to the WAL (1 for active, 0 for inactive).",
		}),
	}
}
