package wire

import (
	"google.golang.org/protobuf/types/known/timestamppb"
)

// ParticipantStatus describes the activity state a monitored learner
// session last reported
type ParticipantStatus string

const (
	StatusActive         ParticipantStatus = "active"
	StatusIdle           ParticipantStatus = "idle"
	StatusError          ParticipantStatus = "error"
	StatusHelpRequesting ParticipantStatus = "help_requesting"
	StatusUnknown        ParticipantStatus = "unknown"
)

// Participant is the full state of one learner session in a roster
type Participant struct {
	Id             string                 `json:"id"`
	Status         ParticipantStatus      `json:"status"`
	ExecutionCount int64                  `json:"execution_count"`
	ErrorCount     int64                  `json:"error_count"`
	Location       string                 `json:"location,omitempty"`
	LastActivity   *timestamppb.Timestamp `json:"last_activity,omitempty"`
}

// Clone returns a deep copy, so shared snapshots stay immutable
func (p Participant) Clone() Participant {
	out := p
	out.LastActivity = cloneTimestamp(p.LastActivity)
	return out
}

// Equal compares all fields, timestamps by instant rather than pointer
func (p Participant) Equal(other Participant) bool {
	return p.Id == other.Id &&
		p.Status == other.Status &&
		p.ExecutionCount == other.ExecutionCount &&
		p.ErrorCount == other.ErrorCount &&
		p.Location == other.Location &&
		timestampsEqual(p.LastActivity, other.LastActivity)
}

// ParticipantPatch carries only the fields of a participant that changed.
// Nil pointers mean "unchanged". Clearing a previously set last_activity
// cannot be expressed with a nil pointer, so it gets an explicit flag.
type ParticipantPatch struct {
	Status            *ParticipantStatus     `json:"status,omitempty"`
	ExecutionCount    *int64                 `json:"execution_count,omitempty"`
	ErrorCount        *int64                 `json:"error_count,omitempty"`
	Location          *string                `json:"location,omitempty"`
	LastActivity      *timestamppb.Timestamp `json:"last_activity,omitempty"`
	ClearLastActivity bool                   `json:"clear_last_activity,omitempty"`
}

// IsZero reports whether the patch changes nothing
func (p ParticipantPatch) IsZero() bool {
	return p.Status == nil &&
		p.ExecutionCount == nil &&
		p.ErrorCount == nil &&
		p.Location == nil &&
		p.LastActivity == nil &&
		!p.ClearLastActivity
}

// ApplyTo returns base with the patched fields overwritten
func (p ParticipantPatch) ApplyTo(base Participant) Participant {
	out := base.Clone()
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.ExecutionCount != nil {
		out.ExecutionCount = *p.ExecutionCount
	}
	if p.ErrorCount != nil {
		out.ErrorCount = *p.ErrorCount
	}
	if p.Location != nil {
		out.Location = *p.Location
	}
	if p.ClearLastActivity {
		out.LastActivity = nil
	} else if p.LastActivity != nil {
		out.LastActivity = cloneTimestamp(p.LastActivity)
	}
	return out
}

// ChangeOp identifies the kind of roster change an EntityChange carries
type ChangeOp string

const (
	OpCreated ChangeOp = "created"
	OpUpdated ChangeOp = "updated"
	OpRemoved ChangeOp = "removed"
)

// EntityChange is one element of a delta package. Exactly one of
// Participant (created) or Fields (updated) is set; removals carry
// only the id.
type EntityChange struct {
	Op          ChangeOp          `json:"op"`
	Id          string            `json:"id"`
	Participant *Participant      `json:"participant,omitempty"`
	Fields      *ParticipantPatch `json:"fields,omitempty"`
}

// Created builds an EntityChange that introduces a new participant
func Created(p Participant) EntityChange {
	clone := p.Clone()
	return EntityChange{Op: OpCreated, Id: p.Id, Participant: &clone}
}

// Updated builds an EntityChange that patches an existing participant
func Updated(id string, fields ParticipantPatch) EntityChange {
	return EntityChange{Op: OpUpdated, Id: id, Fields: &fields}
}

// Removed builds an EntityChange that drops a participant
func Removed(id string) EntityChange {
	return EntityChange{Op: OpRemoved, Id: id}
}

// Validate checks the structural rules for a single change
func (c EntityChange) Validate() error {
	if c.Id == "" {
		return errMissingField("id")
	}
	switch c.Op {
	case OpCreated:
		if c.Participant == nil {
			return errMissingField("participant")
		}
		if c.Participant.Id != c.Id {
			return errChangeIdMismatch(c.Id, c.Participant.Id)
		}
	case OpUpdated:
		if c.Fields == nil {
			return errMissingField("fields")
		}
	case OpRemoved:
		// id is all a removal needs
	default:
		return errUnknownOp(string(c.Op))
	}
	return nil
}

// DeltaMetadata summarizes the size economics of one delta package
type DeltaMetadata struct {
	ChangeCount      int     `json:"change_count"`
	FullSizeBytes    int     `json:"full_size_bytes"`
	DeltaSizeBytes   int     `json:"delta_size_bytes"`
	CompressionRatio float64 `json:"compression_ratio"`
}

// DeltaPackage describes the transition from one roster version to the
// next as an ordered list of entity changes
type DeltaPackage struct {
	BaseVersion   int64          `json:"base_version"`
	TargetVersion int64          `json:"target_version"`
	Changes       []EntityChange `json:"changes"`
	Metadata      DeltaMetadata  `json:"metadata"`
}

// Validate checks every change in the package
func (p DeltaPackage) Validate() error {
	for i := range p.Changes {
		if err := p.Changes[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// CompressionRatio computes 1 - delta/full clamped to [0, 1]. An empty
// roster has nothing to compress against, which counts as 0.
func CompressionRatio(fullSize, deltaSize int) float64 {
	if fullSize <= 0 {
		return 0
	}
	ratio := 1 - float64(deltaSize)/float64(fullSize)
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

func cloneTimestamp(ts *timestamppb.Timestamp) *timestamppb.Timestamp {
	if ts == nil {
		return nil
	}
	return &timestamppb.Timestamp{Seconds: ts.Seconds, Nanos: ts.Nanos}
}

func timestampsEqual(a, b *timestamppb.Timestamp) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.Seconds == b.Seconds && a.Nanos == b.Nanos
}

// TimestampsEqual reports whether two wire timestamps denote the same
// instant, treating nil as equal only to nil
func TimestampsEqual(a, b *timestamppb.Timestamp) bool {
	return timestampsEqual(a, b)
}

// CloneTimestamp returns an independent copy of ts, or nil for nil.
// Protobuf messages must not be copied by value, so callers clone
// through this instead of dereferencing.
func CloneTimestamp(ts *timestamppb.Timestamp) *timestamppb.Timestamp {
	return cloneTimestamp(ts)
}
