// Package metrics provides Prometheus metrics for the backup engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the backup engine. All methods
// are safe to call on a nil *Metrics.
type Metrics struct {
	// Table metrics
	TablesCopied   *prometheus.CounterVec
	TablesDeferred *prometheus.CounterVec
	TablesVanished *prometheus.CounterVec
	TablesFailed   *prometheus.CounterVec

	// Log metrics
	SegmentsCopied prometheus.Counter
	TailBytes      prometheus.Counter

	// Size metrics
	BytesCopied *prometheus.CounterVec

	// Timing metrics
	TaskDuration  *prometheus.HistogramVec
	StageDuration *prometheus.HistogramVec

	// Pool metrics
	InFlightTasks prometheus.Gauge

	// DDL log replay
	DDLEntriesReplayed *prometheus.CounterVec

	// Run outcome
	Backups *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics registered on
// the default registry. Call this once at startup.
func Init(namespace string) *Metrics {
	defaultMetrics = New(namespace, prometheus.DefaultRegisterer)
	return defaultMetrics
}

// New creates metrics registered on reg.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "hotbackup"
	}
	f := promauto.With(reg)

	return &Metrics{
		TablesCopied: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tables_copied_total",
				Help:      "Total number of tables copied",
			},
			[]string{"engine", "mode"},
		),
		TablesDeferred: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tables_deferred_total",
				Help:      "Total number of tables deferred to the offline copy",
			},
			[]string{"engine"},
		),
		TablesVanished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tables_vanished_total",
				Help:      "Total number of tables dropped or renamed before they could be opened",
			},
			[]string{"engine"},
		),
		TablesFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tables_failed_total",
				Help:      "Total number of tables that failed to copy",
			},
			[]string{"engine"},
		),
		SegmentsCopied: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_segments_copied_total",
				Help:      "Total number of rotated recovery log segments copied",
			},
		),
		TailBytes: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_tail_bytes_total",
				Help:      "Bytes copied from the active recovery log segment",
			},
		),
		BytesCopied: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_copied_total",
				Help:      "Bytes written to the backup destination",
			},
			[]string{"kind"},
		),
		TaskDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Time to run one copy task",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4m
			},
			[]string{"kind"},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Time spent in each backup stage",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms to ~45m
			},
			[]string{"stage"},
		),
		InFlightTasks: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_tasks",
				Help:      "Number of copy tasks currently running",
			},
		),
		DDLEntriesReplayed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ddl_entries_replayed_total",
				Help:      "DDL log entries applied to the backup",
			},
			[]string{"kind"},
		),
		Backups: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backups_total",
				Help:      "Completed backup runs by outcome",
			},
			[]string{"status"},
		),
	}
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

// Copy modes.
const (
	ModeOnline  = "online"
	ModeOffline = "offline"
	ModeLocked  = "locked"
)

// IncTablesCopied increments the tables copied counter.
func (m *Metrics) IncTablesCopied(engine, mode string) {
	if m == nil {
		return
	}
	m.TablesCopied.WithLabelValues(engine, mode).Inc()
}

// IncTablesDeferred increments the tables deferred counter.
func (m *Metrics) IncTablesDeferred(engine string) {
	if m == nil {
		return
	}
	m.TablesDeferred.WithLabelValues(engine).Inc()
}

// IncTablesVanished increments the tables vanished counter.
func (m *Metrics) IncTablesVanished(engine string) {
	if m == nil {
		return
	}
	m.TablesVanished.WithLabelValues(engine).Inc()
}

// IncTablesFailed increments the tables failed counter.
func (m *Metrics) IncTablesFailed(engine string) {
	if m == nil {
		return
	}
	m.TablesFailed.WithLabelValues(engine).Inc()
}

// IncSegmentsCopied increments the rotated segments counter.
func (m *Metrics) IncSegmentsCopied() {
	if m == nil {
		return
	}
	m.SegmentsCopied.Inc()
}

// AddTailBytes adds bytes copied from the active segment.
func (m *Metrics) AddTailBytes(n int64) {
	if m == nil {
		return
	}
	m.TailBytes.Add(float64(n))
}

// AddBytesCopied adds bytes written for kind.
func (m *Metrics) AddBytesCopied(kind string, n int64) {
	if m == nil {
		return
	}
	m.BytesCopied.WithLabelValues(kind).Add(float64(n))
}

// TrackTask marks a task of kind as running and returns a func that records
// its duration when called.
func (m *Metrics) TrackTask(kind string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	m.InFlightTasks.Inc()
	return func() {
		m.InFlightTasks.Dec()
		m.TaskDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
}

// ObserveStageDuration records the time spent in a backup stage.
func (m *Metrics) ObserveStageDuration(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// IncDDLEntriesReplayed increments the replayed DDL entry counter.
func (m *Metrics) IncDDLEntriesReplayed(kind string) {
	if m == nil {
		return
	}
	m.DDLEntriesReplayed.WithLabelValues(kind).Inc()
}

// IncBackups records a finished backup run.
func (m *Metrics) IncBackups(status string) {
	if m == nil {
		return
	}
	m.Backups.WithLabelValues(status).Inc()
}
