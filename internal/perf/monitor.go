package perf

import (
	"context"
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/metrics"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/pkg/wire"
)

// Mode says how a roster update reached the local replica
type Mode string

const (
	// ModeFull means the whole roster was replaced from a snapshot
	ModeFull Mode = "full"
	// ModeDelta means the roster advanced by applying a delta package
	ModeDelta Mode = "delta"
)

// Record captures one observed roster update
type Record struct {
	Mode             Mode          `json:"mode"`
	FullSizeBytes    int           `json:"full_size_bytes"`
	DeltaSizeBytes   int           `json:"delta_size_bytes"`
	ChangeCount      int           `json:"change_count"`
	CompressionRatio float64       `json:"compression_ratio"`
	ProcessingTime   time.Duration `json:"processing_time_ns"`
	RecordedAt       time.Time     `json:"recorded_at"`
}

// Config controls how much history the monitor retains
type Config struct {
	// HistoryCapacity bounds the in-memory record ring
	HistoryCapacity int

	// LatencyWindow is the sample count for the latency moving averages
	LatencyWindow int
}

// DefaultConfig returns sensible bounds for a classroom-sized roster
func DefaultConfig() Config {
	return Config{
		HistoryCapacity: 256,
		LatencyWindow:   32,
	}
}

// Monitor tracks the economics of delta synchronization: how much
// bandwidth deltas save over full snapshots and how long updates take
// to process. History is a fixed-size ring, so memory stays bounded no
// matter how long a session runs.
type Monitor struct {
	config Config
	logger zerolog.Logger
	stats  *metrics.SyncMetrics

	mu    sync.Mutex
	ring  []Record
	start int
	count int

	totalBytesSaved int64
	sampleCount     int64
	fullCount       int64
	deltaCount      int64

	fullLatency  *movingaverage.MovingAverage
	deltaLatency *movingaverage.MovingAverage

	rosterVersion      int64
	rosterParticipants int
}

// NewMonitor creates a monitor with the given bounds
func NewMonitor(config Config) *Monitor {
	if config.HistoryCapacity <= 0 {
		config.HistoryCapacity = DefaultConfig().HistoryCapacity
	}
	if config.LatencyWindow <= 0 {
		config.LatencyWindow = DefaultConfig().LatencyWindow
	}

	return &Monitor{
		config:       config,
		logger:       log.With().Str("component", "perf").Logger(),
		stats:        metrics.GetMetrics().Sync,
		ring:         make([]Record, config.HistoryCapacity),
		fullLatency:  movingaverage.New(config.LatencyWindow),
		deltaLatency: movingaverage.New(config.LatencyWindow),
	}
}

// RecordFull notes a full snapshot replace of the given serialized size
func (m *Monitor) RecordFull(sizeBytes int, took time.Duration) {
	m.mu.Lock()
	m.push(Record{
		Mode:           ModeFull,
		FullSizeBytes:  sizeBytes,
		ProcessingTime: took,
		RecordedAt:     time.Now(),
	})
	m.fullCount++
	m.sampleCount++
	m.fullLatency.Add(took.Seconds())
	m.mu.Unlock()

	m.stats.UpdateProcessing.WithLabelValues(string(ModeFull)).Observe(took.Seconds())
}

// RecordDelta notes an applied delta package
func (m *Monitor) RecordDelta(pkg wire.DeltaPackage, took time.Duration) {
	saved := int64(pkg.Metadata.FullSizeBytes - pkg.Metadata.DeltaSizeBytes)

	m.mu.Lock()
	m.push(Record{
		Mode:             ModeDelta,
		FullSizeBytes:    pkg.Metadata.FullSizeBytes,
		DeltaSizeBytes:   pkg.Metadata.DeltaSizeBytes,
		ChangeCount:      pkg.Metadata.ChangeCount,
		CompressionRatio: pkg.Metadata.CompressionRatio,
		ProcessingTime:   took,
		RecordedAt:       time.Now(),
	})
	m.deltaCount++
	m.sampleCount++
	m.totalBytesSaved += saved
	m.deltaLatency.Add(took.Seconds())
	m.mu.Unlock()

	m.stats.CompressionRatio.Observe(pkg.Metadata.CompressionRatio)
	m.stats.DeltaChangeCount.Observe(float64(pkg.Metadata.ChangeCount))
	m.stats.UpdateProcessing.WithLabelValues(string(ModeDelta)).Observe(took.Seconds())
	if saved > 0 {
		// the counter only carries realized savings, exact accounting
		// including occasional negative samples lives in the monitor
		m.stats.BytesSavedTotal.Add(float64(saved))
	}
}

// ObserveRosterSize implements roster.SizeObserver
func (m *Monitor) ObserveRosterSize(version int64, participants int) {
	m.mu.Lock()
	m.rosterVersion = version
	m.rosterParticipants = participants
	m.mu.Unlock()

	m.stats.RosterVersion.Set(float64(version))
	m.stats.RosterParticipants.Set(float64(participants))
	m.stats.SnapshotReplaces.Inc()
}

// push appends to the ring, evicting the oldest record when full.
// Caller holds the lock.
func (m *Monitor) push(rec Record) {
	capacity := len(m.ring)
	if m.count < capacity {
		m.ring[(m.start+m.count)%capacity] = rec
		m.count++
		return
	}
	m.ring[m.start] = rec
	m.start = (m.start + 1) % capacity
}

// History returns the retained records, oldest first
func (m *Monitor) History() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, m.count)
	for i := 0; i < m.count; i++ {
		out = append(out, m.ring[(m.start+i)%len(m.ring)])
	}
	return out
}

// ModeBreakdown counts lifetime updates per mode
type ModeBreakdown struct {
	Full  int64 `json:"full"`
	Delta int64 `json:"delta"`
}

// Summary is a point-in-time digest of sync performance
type Summary struct {
	AverageCompressionRatio float64       `json:"average_compression_ratio"`
	TotalBytesSaved         int64         `json:"total_bytes_saved"`
	SampleCount             int64         `json:"sample_count"`
	ModeBreakdown           ModeBreakdown `json:"mode_breakdown"`
	AvgFullProcessingMs     float64       `json:"avg_full_processing_ms"`
	AvgDeltaProcessingMs    float64       `json:"avg_delta_processing_ms"`
	RosterParticipants      int           `json:"roster_participants"`
	RosterVersion           int64         `json:"roster_version"`
}

// Summary digests the current state. The compression average covers
// the delta records still in the history window; totals are lifetime.
func (m *Monitor) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ratioSum float64
	var deltaRecords int
	for i := 0; i < m.count; i++ {
		rec := m.ring[(m.start+i)%len(m.ring)]
		if rec.Mode == ModeDelta {
			ratioSum += rec.CompressionRatio
			deltaRecords++
		}
	}

	summary := Summary{
		TotalBytesSaved: m.totalBytesSaved,
		SampleCount:     m.sampleCount,
		ModeBreakdown: ModeBreakdown{
			Full:  m.fullCount,
			Delta: m.deltaCount,
		},
		AvgFullProcessingMs:  m.fullLatency.Avg() * 1000,
		AvgDeltaProcessingMs: m.deltaLatency.Avg() * 1000,
		RosterParticipants:   m.rosterParticipants,
		RosterVersion:        m.rosterVersion,
	}
	if deltaRecords > 0 {
		summary.AverageCompressionRatio = ratioSum / float64(deltaRecords)
	}
	return summary
}

// LogSummary writes the current digest at info level
func (m *Monitor) LogSummary() {
	s := m.Summary()
	m.logger.Info().
		Float64("avg_compression_ratio", s.AverageCompressionRatio).
		Int64("total_bytes_saved", s.TotalBytesSaved).
		Int64("samples", s.SampleCount).
		Int64("full_updates", s.ModeBreakdown.Full).
		Int64("delta_updates", s.ModeBreakdown.Delta).
		Int("roster_participants", s.RosterParticipants).
		Int64("roster_version", s.RosterVersion).
		Msg("Sync performance")
}

// Run logs the digest every interval until the context ends
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.LogSummary()
		}
	}
}
