package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/api"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/broker"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/checkpoint"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/config"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/logging"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/metrics"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/perf"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/roster"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/telemetry"
)

// Engine is the main coordinator of the roster watcher: it owns the
// roster store, the connection broker, the performance monitor, the
// checkpoint store and the debug API, and runs them as one unit.
type Engine struct {
	config      *config.Config
	store       *roster.Store
	monitor     *perf.Monitor
	broker      *broker.Broker
	checkpoints *checkpoint.Store
	api         *api.Server
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	telemetryFn func(context.Context) error
}

// CreateEngine creates an Engine with all components initialized
// from the configuration
func CreateEngine(cfg *config.Config) (*Engine, error) {
	// Logging first: components capture their loggers at construction
	if err := logging.Setup(cfg.ToLoggingConfig()); err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	logger := log.With().Str("component", "engine").Logger()

	monitor := perf.NewMonitor(cfg.ToPerfConfig())
	store := roster.NewStore(monitor)

	var checkpoints *checkpoint.Store
	if cfg.Checkpoint.Enabled {
		var err error
		checkpoints, err = checkpoint.NewStore(cfg.ToCheckpointConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize checkpoint store: %w", err)
		}
	}

	b := broker.New(cfg.ToBrokerConfig(), store, monitor)
	apiServer := api.NewServer(cfg.ToAPIConfig(), store, monitor, b)

	return &Engine{
		config:      cfg,
		store:       store,
		monitor:     monitor,
		broker:      b,
		checkpoints: checkpoints,
		api:         apiServer,
		logger:      logger,
		metrics:     metrics.GetMetrics(),
	}, nil
}

// Start runs all components until the context is canceled
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().Msg("Starting roster watcher")

	telShutdown, err := telemetry.Setup(ctx, e.config.ToTelemetryConfig())
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		e.telemetryFn = telShutdown
	}

	// Warm start: serve the checkpointed roster, clearly versioned,
	// while the upstream connection is still coming up. The broker
	// resyncs on connect, so stale state never outlives the session.
	if e.checkpoints != nil {
		snap, err := e.checkpoints.Load(ctx)
		if err != nil {
			e.logger.Warn().Err(err).Msg("Failed to load checkpoint, starting cold")
		} else if snap != nil {
			e.store.Replace(snap)
			e.logger.Info().
				Int64("version", snap.Version()).
				Int("participants", snap.Len()).
				Msg("Warm start from checkpoint")
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.broker.Start(ctx)
	})

	g.Go(func() error {
		return e.api.Start(ctx)
	})

	g.Go(func() error {
		interval := time.Duration(e.config.Perf.ReportIntervalSec) * time.Second
		e.monitor.Run(ctx, interval)
		return nil
	})

	if e.checkpoints != nil {
		g.Go(func() error {
			return e.runCheckpoints(ctx)
		})
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		return fmt.Errorf("error running watcher: %w", err)
	}

	e.logger.Info().Msg("Roster watcher stopped")
	return nil
}

// runCheckpoints persists the roster periodically
func (e *Engine) runCheckpoints(ctx context.Context) error {
	interval := time.Duration(e.config.Checkpoint.IntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.saveCheckpoint(ctx)
		}
	}
}

// saveCheckpoint writes the current roster if there is anything
// synchronized worth keeping
func (e *Engine) saveCheckpoint(ctx context.Context) {
	snap := e.store.Current()
	if snap.Version() == 0 {
		return
	}

	saveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.checkpoints.Save(saveCtx, snap); err != nil {
		e.logger.Warn().Err(err).Msg("Checkpoint write failed")
	}
}

// Shutdown stops the engine, flushing a final checkpoint
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down roster watcher")

	if err := e.broker.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down broker")
	}

	if e.checkpoints != nil {
		e.saveCheckpoint(ctx)
		if err := e.checkpoints.Close(); err != nil {
			e.logger.Error().Err(err).Msg("Failed to close checkpoint store")
		}
	}

	e.monitor.LogSummary()

	if e.telemetryFn != nil {
		if err := e.telemetryFn(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down telemetry")
		}
	}

	e.logger.Info().Msg("Roster watcher shut down successfully")
	return nil
}
