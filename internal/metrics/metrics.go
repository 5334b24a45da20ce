package metrics

import (
	"sync"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics bundles all Prometheus metrics for the roster sync engine.
// Registration happens exactly once per process; constructing
// components repeatedly (tests do) always reuses the same families.
type Metrics struct {
	Broker *BrokerMetrics
	Sync   *SyncMetrics
	Source *SourceMetrics
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			Broker: newBrokerMetrics(),
			Sync:   newSyncMetrics(),
			Source: newSourceMetrics(),
		}
	})
	return instance
}
