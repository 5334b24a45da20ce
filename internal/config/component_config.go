package config

import (
	"time"

	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/api"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/broker"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/checkpoint"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/logging"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/perf"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/source"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/telemetry"
)

// ToBrokerConfig converts to the connection broker config
func (c *Config) ToBrokerConfig() broker.Config {
	return broker.Config{
		URL:                c.Upstream.URL,
		ClientID:           c.Upstream.ClientID,
		BaseDelay:          time.Duration(c.Backoff.BaseDelayMs) * time.Millisecond,
		Multiplier:         c.Backoff.Multiplier,
		MaxDelay:           time.Duration(c.Backoff.MaxDelayMs) * time.Millisecond,
		MaxAttempts:        c.Backoff.MaxAttempts,
		JitterFactor:       c.Backoff.JitterFactor,
		HeartbeatTimeout:   time.Duration(c.Heartbeat.TimeoutSec) * time.Second,
		HeartbeatInterval:  time.Duration(c.Heartbeat.IntervalSec) * time.Second,
		ViolationThreshold: c.Protocol.ViolationThreshold,
		ViolationWindow:    time.Duration(c.Protocol.ViolationWindowSec) * time.Second,
	}
}

// ToPerfConfig converts to the performance monitor config
func (c *Config) ToPerfConfig() perf.Config {
	return perf.Config{
		HistoryCapacity: c.Perf.HistoryCapacity,
		LatencyWindow:   c.Perf.LatencyWindow,
	}
}

// ToCheckpointConfig converts to the checkpoint store config
func (c *Config) ToCheckpointConfig() checkpoint.Config {
	return checkpoint.Config{
		DataDir: c.Checkpoint.DataDir,
	}
}

// ToAPIConfig converts to the debug API server config
func (c *Config) ToAPIConfig() api.Config {
	return api.Config{
		Addr:         c.API.Addr,
		ReadTimeout:  time.Duration(c.API.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(c.API.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(c.API.IdleTimeoutSec) * time.Second,
	}
}

// ToSourceConfig converts to the roster source config
func (c *Config) ToSourceConfig() source.Config {
	return source.Config{
		HeartbeatInterval: time.Duration(c.Source.HeartbeatIntervalSec) * time.Second,
		MaxIdleTime:       time.Duration(c.Source.MaxIdleSec) * time.Second,
		ClientBuffer:      c.Source.ClientBuffer,
		SnapshotCacheSize: c.Source.SnapshotCacheSize,
	}
}

// ToLoggingConfig converts to the logging config
func (c *Config) ToLoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	if c.Logging.Level != "" {
		cfg.Level = c.Logging.Level
	}
	if c.Logging.Format != "" {
		cfg.Format = logging.Format(c.Logging.Format)
	}
	cfg.IncludeCaller = c.Logging.IncludeCaller
	return cfg
}

// ToTelemetryConfig converts to the telemetry config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Enabled = c.Telemetry.Enabled
	if c.Telemetry.ServiceName != "" {
		cfg.ServiceName = c.Telemetry.ServiceName
	}
	if c.Telemetry.Endpoint != "" {
		cfg.Endpoint = c.Telemetry.Endpoint
	}
	if c.Telemetry.SamplingRatio > 0 {
		cfg.SamplingRatio = c.Telemetry.SamplingRatio
	}
	return cfg
}
