package roster

import (
	"sort"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/pkg/wire"
)

// Snapshot is an immutable view of the classroom roster at a single
// version. All accessors return copies; nothing handed out can mutate
// the snapshot, so references may be shared freely across goroutines.
type Snapshot struct {
	version      int64
	capturedAt   time.Time
	participants map[string]wire.Participant
}

// Empty returns the version-zero snapshot a session starts from
func Empty() *Snapshot {
	return &Snapshot{participants: map[string]wire.Participant{}}
}

// New builds a snapshot from a participant list. Later entries win if
// the list carries the same id twice.
func New(version int64, capturedAt time.Time, participants []wire.Participant) *Snapshot {
	m := make(map[string]wire.Participant, len(participants))
	for _, p := range participants {
		m[p.Id] = p.Clone()
	}
	return &Snapshot{version: version, capturedAt: capturedAt, participants: m}
}

// FromMap builds a snapshot from an id-keyed map, copying every entry
func FromMap(version int64, capturedAt time.Time, participants map[string]wire.Participant) *Snapshot {
	m := make(map[string]wire.Participant, len(participants))
	for id, p := range participants {
		m[id] = p.Clone()
	}
	return &Snapshot{version: version, capturedAt: capturedAt, participants: m}
}

// FromWire converts a full snapshot frame received from the source
func FromWire(f *wire.FullSnapshotFrame) *Snapshot {
	var capturedAt time.Time
	if f.CapturedAt != nil {
		capturedAt = f.CapturedAt.AsTime()
	}
	return New(f.Version, capturedAt, f.Participants)
}

// Version returns the monotonically increasing roster version
func (s *Snapshot) Version() int64 {
	return s.version
}

// CapturedAt returns when this roster state was observed
func (s *Snapshot) CapturedAt() time.Time {
	return s.capturedAt
}

// Len returns the number of participants
func (s *Snapshot) Len() int {
	return len(s.participants)
}

// Get returns the participant with the given id, if present
func (s *Snapshot) Get(id string) (wire.Participant, bool) {
	p, ok := s.participants[id]
	if !ok {
		return wire.Participant{}, false
	}
	return p.Clone(), true
}

// Contains reports whether the id is part of the roster
func (s *Snapshot) Contains(id string) bool {
	_, ok := s.participants[id]
	return ok
}

// Ids returns all participant ids in ascending order
func (s *Snapshot) Ids() []string {
	ids := make([]string, 0, len(s.participants))
	for id := range s.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Participants returns all participants ordered by ascending id
func (s *Snapshot) Participants() []wire.Participant {
	out := make([]wire.Participant, 0, len(s.participants))
	for _, id := range s.Ids() {
		out = append(out, s.participants[id].Clone())
	}
	return out
}

// AsMap returns a fresh id-keyed copy suitable for mutation
func (s *Snapshot) AsMap() map[string]wire.Participant {
	m := make(map[string]wire.Participant, len(s.participants))
	for id, p := range s.participants {
		m[id] = p.Clone()
	}
	return m
}

// ToWire converts the snapshot into its frame form
func (s *Snapshot) ToWire() *wire.FullSnapshotFrame {
	frame := &wire.FullSnapshotFrame{
		Version:      s.version,
		Participants: s.Participants(),
	}
	if !s.capturedAt.IsZero() {
		frame.CapturedAt = timestamppb.New(s.capturedAt)
	}
	return frame
}

// Equal reports whether two snapshots carry the same version and the
// same participants field for field. Capture time is when the state
// was observed, not part of the roster content, so it is ignored.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if other == nil {
		return false
	}
	if s.version != other.version || len(s.participants) != len(other.participants) {
		return false
	}
	for id, p := range s.participants {
		op, ok := other.participants[id]
		if !ok || !p.Equal(op) {
			return false
		}
	}
	return true
}
