package delta

import (
	"errors"
	"fmt"
)

// DesyncKind classifies why a delta package could not be applied
type DesyncKind string

const (
	// VersionMismatch means the package base did not line up with the
	// local roster version
	VersionMismatch DesyncKind = "version_mismatch"
	// DuplicateEntity means a created participant already existed
	DuplicateEntity DesyncKind = "duplicate_entity"
	// UnknownEntity means an update referenced an absent participant
	UnknownEntity DesyncKind = "unknown_entity"
)

// DesyncError reports that the local roster has drifted from the
// source and must be recovered with a full resync. It is never fatal.
type DesyncError struct {
	Kind        DesyncKind
	EntityId    string
	WantVersion int64
	GotVersion  int64
}

func (e *DesyncError) Error() string {
	switch e.Kind {
	case VersionMismatch:
		return fmt.Sprintf("desync: package base version %d does not match roster version %d", e.GotVersion, e.WantVersion)
	case DuplicateEntity:
		return fmt.Sprintf("desync: created participant %q already present", e.EntityId)
	case UnknownEntity:
		return fmt.Sprintf("desync: update for unknown participant %q", e.EntityId)
	default:
		return fmt.Sprintf("desync: %s", e.Kind)
	}
}

// AsDesync unwraps err into a DesyncError if it is one
func AsDesync(err error) (*DesyncError, bool) {
	var de *DesyncError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

func newVersionMismatch(want, got int64) *DesyncError {
	return &DesyncError{Kind: VersionMismatch, WantVersion: want, GotVersion: got}
}

func newDuplicateEntity(id string) *DesyncError {
	return &DesyncError{Kind: DuplicateEntity, EntityId: id}
}

func newUnknownEntity(id string) *DesyncError {
	return &DesyncError{Kind: UnknownEntity, EntityId: id}
}
