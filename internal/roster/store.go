package roster

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SizeObserver is notified with the roster shape after every replace
type SizeObserver interface {
	ObserveRosterSize(version int64, participants int)
}

// Store holds the single current snapshot for a session. Reads return
// the snapshot pointer; writes swap the pointer atomically under the
// lock, so readers always see a complete roster, never a partial one.
type Store struct {
	mu       sync.RWMutex
	current  *Snapshot
	observer SizeObserver
	logger   zerolog.Logger
}

// NewStore creates a store holding the empty version-zero snapshot.
// The observer may be nil.
func NewStore(observer SizeObserver) *Store {
	return &Store{
		current:  Empty(),
		observer: observer,
		logger:   log.With().Str("component", "roster").Logger(),
	}
}

// Current returns the latest snapshot
func (s *Store) Current() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Version returns the version of the latest snapshot
func (s *Store) Version() int64 {
	return s.Current().Version()
}

// Replace swaps in the next snapshot. Previously returned snapshots
// stay valid; they simply describe an older version.
func (s *Store) Replace(next *Snapshot) {
	if next == nil {
		s.logger.Warn().Msg("Ignoring nil snapshot replace")
		return
	}

	s.mu.Lock()
	prev := s.current
	s.current = next
	s.mu.Unlock()

	s.logger.Debug().
		Int64("from_version", prev.Version()).
		Int64("to_version", next.Version()).
		Int("participants", next.Len()).
		Msg("Roster snapshot replaced")

	if s.observer != nil {
		s.observer.ObserveRosterSize(next.Version(), next.Len())
	}
}
