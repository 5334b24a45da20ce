package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SourceMetrics contains Prometheus metrics for the roster source
type SourceMetrics struct {
	ClientsActive     prometheus.Gauge
	FramesSentTotal   *prometheus.CounterVec
	FramesDropped     prometheus.Counter
	RosterVersion     prometheus.Gauge
	SnapshotCacheOps  *prometheus.CounterVec
	BroadcastDuration prometheus.Histogram
}

func newSourceMetrics() *SourceMetrics {
	m := &SourceMetrics{}

	m.ClientsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rostersync_source_clients_active",
			Help: "Stream clients currently connected to the source",
		},
	)

	m.FramesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rostersync_source_frames_sent_total",
			Help: "Frames queued for delivery to clients by type",
		},
		[]string{"frame_type"},
	)

	m.FramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rostersync_source_frames_dropped_total",
			Help: "Frames dropped because a client send buffer was full",
		},
	)

	m.RosterVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rostersync_source_roster_version",
			Help: "Version of the authoritative roster",
		},
	)

	m.SnapshotCacheOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rostersync_source_snapshot_cache_ops_total",
			Help: "Encoded snapshot cache operations",
		},
		[]string{"op"}, // hit, miss, store
	)

	m.BroadcastDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rostersync_source_broadcast_duration_seconds",
			Help:    "Time to fan one frame out to all connected clients",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
	)

	return m
}
