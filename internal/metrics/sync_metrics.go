package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SyncMetrics contains Prometheus metrics for delta application, the
// roster store and the performance monitor
type SyncMetrics struct {
	// Delta application
	DeltasAppliedTotal *prometheus.CounterVec
	ApplyDuration      prometheus.Histogram
	DeltaChangeCount   prometheus.Histogram

	// Roster state
	RosterParticipants prometheus.Gauge
	RosterVersion      prometheus.Gauge
	SnapshotReplaces   prometheus.Counter

	// Compression economics
	CompressionRatio prometheus.Histogram
	BytesSavedTotal  prometheus.Counter
	UpdateProcessing *prometheus.HistogramVec

	// Checkpoint persistence
	CheckpointWrites        *prometheus.CounterVec
	CheckpointWriteDuration prometheus.Histogram
}

func newSyncMetrics() *SyncMetrics {
	m := &SyncMetrics{}

	m.DeltasAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rostersync_deltas_applied_total",
			Help: "Delta packages applied by result",
		},
		[]string{"result"}, // ok, version_mismatch, duplicate_entity, unknown_entity, malformed
	)

	m.ApplyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rostersync_delta_apply_duration_seconds",
			Help:    "Time to apply one delta package",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 14), // 10us to ~82ms
		},
	)

	m.DeltaChangeCount = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rostersync_delta_change_count",
			Help:    "Entity changes per applied delta package",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 to 512
		},
	)

	m.RosterParticipants = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rostersync_roster_participants",
			Help: "Participants in the current roster snapshot",
		},
	)

	m.RosterVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rostersync_roster_version",
			Help: "Version of the current roster snapshot",
		},
	)

	m.SnapshotReplaces = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rostersync_snapshot_replaces_total",
			Help: "Times the current snapshot was swapped",
		},
	)

	m.CompressionRatio = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rostersync_compression_ratio",
			Help:    "Per-delta compression ratio (1 - delta/full)",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0.0 to 1.0
		},
	)

	m.BytesSavedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rostersync_bytes_saved_total",
			Help: "Bytes not transferred thanks to delta encoding",
		},
	)

	m.UpdateProcessing = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rostersync_update_processing_duration_seconds",
			Help:    "End-to-end processing time for one roster update",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 14),
		},
		[]string{"mode"}, // full, delta
	)

	m.CheckpointWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rostersync_checkpoint_writes_total",
			Help: "Roster checkpoint writes by result",
		},
		[]string{"result"}, // ok, error
	)

	m.CheckpointWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rostersync_checkpoint_write_duration_seconds",
			Help:    "Time to persist one roster checkpoint",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
	)

	return m
}
