package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Backoff    BackoffConfig    `yaml:"backoff"`
	Heartbeat  HeartbeatConfig  `yaml:"heartbeat"`
	Protocol   ProtocolConfig   `yaml:"protocol"`
	Perf       PerfConfig       `yaml:"perf"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	API        APIConfig        `yaml:"api"`
	Source     SourceConfig     `yaml:"source"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// UpstreamConfig locates the roster source stream
type UpstreamConfig struct {
	URL      string `yaml:"url"`
	ClientID string `yaml:"client_id"`
}

// BackoffConfig shapes the reconnect schedule
type BackoffConfig struct {
	BaseDelayMs  int     `yaml:"base_delay_ms"`
	Multiplier   float64 `yaml:"multiplier"`
	MaxDelayMs   int     `yaml:"max_delay_ms"`
	MaxAttempts  int     `yaml:"max_attempts"`
	JitterFactor float64 `yaml:"jitter_factor"`
}

// HeartbeatConfig controls liveness on the stream connection
type HeartbeatConfig struct {
	TimeoutSec  int `yaml:"timeout_sec"`
	IntervalSec int `yaml:"interval_sec"`
}

// ProtocolConfig bounds tolerance for malformed upstream frames
type ProtocolConfig struct {
	ViolationThreshold int `yaml:"violation_threshold"`
	ViolationWindowSec int `yaml:"violation_window_sec"`
}

// PerfConfig bounds the performance monitor history
type PerfConfig struct {
	HistoryCapacity   int `yaml:"history_capacity"`
	LatencyWindow     int `yaml:"latency_window"`
	ReportIntervalSec int `yaml:"report_interval_sec"`
}

// CheckpointConfig controls roster persistence between restarts
type CheckpointConfig struct {
	Enabled     bool   `yaml:"enabled"`
	DataDir     string `yaml:"data_dir"`
	IntervalSec int    `yaml:"interval_sec"`
}

// APIConfig contains debug HTTP server settings
type APIConfig struct {
	Addr            string `yaml:"addr"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int    `yaml:"idle_timeout_sec"`
}

// SourceConfig contains the embedded roster source settings
type SourceConfig struct {
	Addr                 string         `yaml:"addr"`
	SnapshotCacheSize    int            `yaml:"snapshot_cache_size"`
	HeartbeatIntervalSec int            `yaml:"heartbeat_interval_sec"`
	MaxIdleSec           int            `yaml:"max_idle_sec"`
	ClientBuffer         int            `yaml:"client_buffer"`
	Simulate             SimulateConfig `yaml:"simulate"`
}

// SimulateConfig drives synthetic roster churn on the source
type SimulateConfig struct {
	Enabled      bool `yaml:"enabled"`
	Participants int  `yaml:"participants"`
	TickMs       int  `yaml:"tick_ms"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	IncludeCaller bool   `yaml:"include_caller"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool    `yaml:"enabled"`
	ServiceName   string  `yaml:"service_name"`
	Endpoint      string  `yaml:"endpoint"`
	SamplingRatio float64 `yaml:"sampling_ratio"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			URL:      "ws://localhost:8090/stream",
			ClientID: "",
		},
		Backoff: BackoffConfig{
			BaseDelayMs:  1000,
			Multiplier:   2.0,
			MaxDelayMs:   30000,
			MaxAttempts:  10,
			JitterFactor: 0.2,
		},
		Heartbeat: HeartbeatConfig{
			TimeoutSec:  15,
			IntervalSec: 5,
		},
		Protocol: ProtocolConfig{
			ViolationThreshold: 5,
			ViolationWindowSec: 30,
		},
		Perf: PerfConfig{
			HistoryCapacity:   256,
			LatencyWindow:     32,
			ReportIntervalSec: 60,
		},
		Checkpoint: CheckpointConfig{
			Enabled:     true,
			DataDir:     "./data",
			IntervalSec: 30,
		},
		API: APIConfig{
			Addr:            ":8091",
			ReadTimeoutSec:  5,
			WriteTimeoutSec: 10,
			IdleTimeoutSec:  120,
		},
		Source: SourceConfig{
			Addr:                 ":8090",
			SnapshotCacheSize:    64,
			HeartbeatIntervalSec: 5,
			MaxIdleSec:           30,
			ClientBuffer:         64,
			Simulate: SimulateConfig{
				Enabled:      false,
				Participants: 25,
				TickMs:       500,
			},
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: false,
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "rostersync",
			Endpoint:      "localhost:4317",
			SamplingRatio: 0.1,
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file, falling
// back to defaults when the file does not exist
func LoadConfigFromFile(filePath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables and
// flags, in that order of increasing priority
func LoadConfig(configFile string, upstreamURL string, apiAddr string, logLevel string) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	applyEnvOverrides(config)

	if upstreamURL != "" {
		config.Upstream.URL = upstreamURL
	}
	if apiAddr != "" {
		config.API.Addr = apiAddr
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(config *Config) {
	if url := os.Getenv("ROSTERSYNC_UPSTREAM_URL"); url != "" {
		config.Upstream.URL = url
	}
	if clientID := os.Getenv("ROSTERSYNC_CLIENT_ID"); clientID != "" {
		config.Upstream.ClientID = clientID
	}
	if addr := os.Getenv("ROSTERSYNC_API_ADDR"); addr != "" {
		config.API.Addr = addr
	}
	if addr := os.Getenv("ROSTERSYNC_SOURCE_ADDR"); addr != "" {
		config.Source.Addr = addr
	}
	if dataDir := os.Getenv("ROSTERSYNC_CHECKPOINT_DIR"); dataDir != "" {
		config.Checkpoint.DataDir = dataDir
	}
	if attemptsStr := os.Getenv("ROSTERSYNC_BACKOFF_MAX_ATTEMPTS"); attemptsStr != "" {
		if val, err := strconv.Atoi(attemptsStr); err == nil {
			config.Backoff.MaxAttempts = val
		}
	}
	if timeoutStr := os.Getenv("ROSTERSYNC_HEARTBEAT_TIMEOUT_SEC"); timeoutStr != "" {
		if val, err := strconv.Atoi(timeoutStr); err == nil {
			config.Heartbeat.TimeoutSec = val
		}
	}
	if level := os.Getenv("ROSTERSYNC_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("ROSTERSYNC_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
}
