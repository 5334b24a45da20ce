package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/metrics"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/roster"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/pkg/wire"
)

// rosterKey is the only key in the checkpoint database: one roster,
// one record, overwritten in place
var rosterKey = []byte("checkpoint:roster")

// Config contains checkpoint store configuration
type Config struct {
	// Base directory for data files
	DataDir string
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		DataDir: "./data",
	}
}

// record is the persisted form of a roster snapshot
type record struct {
	Version      int64              `json:"version"`
	CapturedAt   time.Time          `json:"captured_at"`
	Participants []wire.Participant `json:"participants"`
}

// Store persists the most recently applied roster snapshot so a
// restarted watcher can serve stale-but-labeled state while the
// upstream connection is still coming up.
type Store struct {
	config Config
	db     *badger.DB
	logger zerolog.Logger
	stats  *metrics.SyncMetrics
}

// NewStore opens (creating if necessary) the checkpoint database
func NewStore(config Config) (*Store, error) {
	logger := log.With().Str("component", "checkpoint").Logger()

	if config.DataDir == "" {
		config.DataDir = DefaultConfig().DataDir
	}

	dbPath := filepath.Join(config.DataDir, "checkpoint")
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	// Configure Badger options
	options := badger.DefaultOptions(dbPath)
	options = options.WithLoggingLevel(badger.WARNING) // Reduce logging noise
	options = options.WithSyncWrites(true)             // A checkpoint must survive a crash

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}

	logger.Info().Str("path", dbPath).Msg("Checkpoint store opened")

	return &Store{
		config: config,
		db:     db,
		logger: logger,
		stats:  metrics.GetMetrics().Sync,
	}, nil
}

// Save writes the snapshot as the new checkpoint, replacing any
// previous one
func (s *Store) Save(ctx context.Context, snap *roster.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap == nil {
		return fmt.Errorf("cannot checkpoint a nil snapshot")
	}

	start := time.Now()
	data, err := json.Marshal(record{
		Version:      snap.Version(),
		CapturedAt:   snap.CapturedAt(),
		Participants: snap.Participants(),
	})
	if err != nil {
		s.stats.CheckpointWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(rosterKey, data)
	})
	if err != nil {
		s.stats.CheckpointWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}

	s.stats.CheckpointWrites.WithLabelValues("ok").Inc()
	s.stats.CheckpointWriteDuration.Observe(time.Since(start).Seconds())
	s.logger.Debug().
		Int64("version", snap.Version()).
		Int("participants", snap.Len()).
		Msg("Checkpoint written")
	return nil
}

// Load reads the last checkpoint. A store with no checkpoint yet
// returns (nil, nil).
func (s *Store) Load(ctx context.Context) (*roster.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(rosterKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			data = append([]byte{}, val...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}

	snap := roster.New(rec.Version, rec.CapturedAt, rec.Participants)
	s.logger.Info().
		Int64("version", snap.Version()).
		Int("participants", snap.Len()).
		Time("captured_at", snap.CapturedAt()).
		Msg("Checkpoint loaded")
	return snap, nil
}

// Close releases the underlying database
func (s *Store) Close() error {
	s.logger.Info().Msg("Checkpoint store closing")
	return s.db.Close()
}
