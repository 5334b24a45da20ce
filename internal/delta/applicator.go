package delta

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/roster"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/pkg/wire"
)

// Apply replays a delta package on top of the current snapshot and
// returns the resulting one. The input snapshot is never modified.
//
// A returned DesyncError means the local roster no longer matches what
// the source diffed against; the caller must discard the package and
// request a full resync. Partially applied changes are never surfaced,
// the roster either advances to the target version or stays put.
func Apply(current *roster.Snapshot, pkg wire.DeltaPackage) (*roster.Snapshot, error) {
	if pkg.BaseVersion != current.Version() {
		return nil, newVersionMismatch(current.Version(), pkg.BaseVersion)
	}

	next := current.AsMap()
	for i := range pkg.Changes {
		change := pkg.Changes[i]
		switch change.Op {
		case wire.OpCreated:
			if change.Participant == nil {
				return nil, fmt.Errorf("created change for %q without participant", change.Id)
			}
			if _, exists := next[change.Id]; exists {
				return nil, newDuplicateEntity(change.Id)
			}
			next[change.Id] = change.Participant.Clone()

		case wire.OpUpdated:
			base, exists := next[change.Id]
			if !exists {
				return nil, newUnknownEntity(change.Id)
			}
			if change.Fields == nil {
				return nil, fmt.Errorf("updated change for %q without fields", change.Id)
			}
			next[change.Id] = change.Fields.ApplyTo(base)

		case wire.OpRemoved:
			if _, exists := next[change.Id]; !exists {
				// already gone, the end state matches anyway
				log.Warn().
					Str("component", "delta").
					Str("participant_id", change.Id).
					Int64("target_version", pkg.TargetVersion).
					Msg("Removal for absent participant, skipping")
				continue
			}
			delete(next, change.Id)

		default:
			return nil, fmt.Errorf("unknown change op %q for %q", change.Op, change.Id)
		}
	}

	return roster.FromMap(pkg.TargetVersion, time.Now(), next), nil
}
