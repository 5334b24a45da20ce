package source

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/metrics"
)

// frameCache keeps encoded full snapshot frames keyed by roster
// version. A burst of resync requests against the same version then
// costs one marshal instead of one per watcher.
type frameCache struct {
	frames *lru.TwoQueueCache
	stats  *metrics.SourceMetrics
}

func newFrameCache(capacity int) (*frameCache, error) {
	frames, err := lru.New2Q(capacity)
	if err != nil {
		return nil, err
	}
	return &frameCache{
		frames: frames,
		stats:  metrics.GetMetrics().Source,
	}, nil
}

func (c *frameCache) get(version int64) ([]byte, bool) {
	value, found := c.frames.Get(version)
	if !found {
		c.stats.SnapshotCacheOps.WithLabelValues("miss").Inc()
		return nil, false
	}
	c.stats.SnapshotCacheOps.WithLabelValues("hit").Inc()
	return value.([]byte), true
}

func (c *frameCache) put(version int64, data []byte) {
	c.frames.Add(version, data)
	c.stats.SnapshotCacheOps.WithLabelValues("store").Inc()
}
