// Package metrics exposes the snapshot engine's operational metrics as
// Prometheus collectors via github.com/prometheus/client_golang.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the snapshot engine reports.
type Metrics struct {
	registry *prometheus.Registry

	lastStartTime   prometheus.Gauge
	lastEndTime     prometheus.Gauge
	lastName        *prometheus.GaugeVec
	lastErrorMsg    *prometheus.GaugeVec
	lastErrorCount  prometheus.Counter
	snapshotsTotal  *prometheus.CounterVec
	localSnapshots  prometheus.Gauge
	transferBytes   *prometheus.CounterVec
	activeTransfers prometheus.Gauge
}

// New constructs a Metrics instance registered against its own registry, so
// multiple engine instances in one process (e.g. in tests) don't collide on
// the default global registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		lastStartTime: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "snapcluster_last_snapshot_start_time_seconds",
			Help: "Unix time the most recent snapshot attempt started.",
		}),
		lastEndTime: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "snapcluster_last_snapshot_end_time_seconds",
			Help: "Unix time the most recent snapshot attempt finished.",
		}),
		lastName: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "snapcluster_last_snapshot_info",
			Help: "Always 1; the snapshot name is carried in the 'name' label.",
		}, []string{"name"}),
		lastErrorMsg: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "snapcluster_last_snapshot_error_info",
			Help: "Always 1 while set; the most recent failure's message is carried in the 'message' label.",
		}, []string{"message"}),
		lastErrorCount: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "snapcluster_snapshot_errors_total",
			Help: "Count of snapshot attempts that ended in error.",
		}),
		snapshotsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "snapcluster_snapshots_total",
			Help: "Count of snapshot attempts by outcome.",
		}, []string{"outcome"}),
		localSnapshots: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "snapcluster_local_snapshot_count",
			Help: "Number of snapshot directories currently present on local disk.",
		}),
		transferBytes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "snapcluster_transfer_bytes_total",
			Help: "Bytes sent over remote-snapshot transmission channels, by codec.",
		}, []string{"codec"}),
		activeTransfers: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "snapcluster_active_remote_transfers",
			Help: "Number of in-flight remote snapshot requests.",
		}),
	}
	return m
}

// RecordStart marks a snapshot attempt's start at unixSeconds with the given
// name.
func (m *Metrics) RecordStart(name string, unixSeconds float64) {
	m.lastStartTime.Set(unixSeconds)
	m.lastName.Reset()
	m.lastName.WithLabelValues(name).Set(1)
}

// RecordEnd marks a snapshot attempt's completion, success or failure.
func (m *Metrics) RecordEnd(unixSeconds float64, err error) {
	m.lastEndTime.Set(unixSeconds)
	if err != nil {
		m.lastErrorCount.Inc()
		m.lastErrorMsg.Reset()
		m.lastErrorMsg.WithLabelValues(err.Error()).Set(1)
		m.snapshotsTotal.WithLabelValues("failed").Inc()
		return
	}
	m.snapshotsTotal.WithLabelValues("succeeded").Inc()
}

// SetLocalSnapshotCount updates the gauge of snapshot directories on disk.
func (m *Metrics) SetLocalSnapshotCount(n int) {
	m.localSnapshots.Set(float64(n))
}

// AddTransferBytes records n bytes sent on the wire compressed with codec.
func (m *Metrics) AddTransferBytes(codec string, n int64) {
	m.transferBytes.WithLabelValues(codec).Add(float64(n))
}

// SetActiveTransfers updates the in-flight remote-transfer gauge.
func (m *Metrics) SetActiveTransfers(n int) {
	m.activeTransfers.Set(float64(n))
}

// Handler returns an http.Handler serving this Metrics' collectors in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
