package delta

import (
	"sort"

	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/roster"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/pkg/wire"
)

// Calculate compares two roster snapshots and produces the delta
// package that transforms prev into next. Changes come out in
// ascending participant id order, one entry per changed participant,
// so the same pair of snapshots always yields the same package.
//
// The source advances the roster one version per mutation, so packages
// it publishes always span exactly one version step; Calculate itself
// just records the versions of the snapshots it was given.
func Calculate(prev, next *roster.Snapshot) wire.DeltaPackage {
	ids := unionIds(prev, next)

	changes := make([]wire.EntityChange, 0, len(ids))
	for _, id := range ids {
		before, inPrev := prev.Get(id)
		after, inNext := next.Get(id)

		switch {
		case !inPrev:
			changes = append(changes, wire.Created(after))
		case !inNext:
			changes = append(changes, wire.Removed(id))
		default:
			if patch := diffParticipant(before, after); patch != nil {
				changes = append(changes, wire.Updated(id, *patch))
			}
		}
	}

	fullSize := wire.JSONSize(next.Participants())
	deltaSize := 0
	if len(changes) > 0 {
		deltaSize = wire.JSONSize(changes)
	}

	return wire.DeltaPackage{
		BaseVersion:   prev.Version(),
		TargetVersion: next.Version(),
		Changes:       changes,
		Metadata: wire.DeltaMetadata{
			ChangeCount:      len(changes),
			FullSizeBytes:    fullSize,
			DeltaSizeBytes:   deltaSize,
			CompressionRatio: wire.CompressionRatio(fullSize, deltaSize),
		},
	}
}

func unionIds(prev, next *roster.Snapshot) []string {
	seen := make(map[string]struct{}, prev.Len()+next.Len())
	ids := make([]string, 0, prev.Len()+next.Len())
	for _, id := range prev.Ids() {
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, id := range next.Ids() {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// diffParticipant returns the minimal patch turning before into after,
// or nil when nothing changed
func diffParticipant(before, after wire.Participant) *wire.ParticipantPatch {
	var patch wire.ParticipantPatch
	changed := false

	if before.Status != after.Status {
		status := after.Status
		patch.Status = &status
		changed = true
	}
	if before.ExecutionCount != after.ExecutionCount {
		count := after.ExecutionCount
		patch.ExecutionCount = &count
		changed = true
	}
	if before.ErrorCount != after.ErrorCount {
		count := after.ErrorCount
		patch.ErrorCount = &count
		changed = true
	}
	if before.Location != after.Location {
		location := after.Location
		patch.Location = &location
		changed = true
	}
	if !wire.TimestampsEqual(before.LastActivity, after.LastActivity) {
		if after.LastActivity == nil {
			patch.ClearLastActivity = true
		} else {
			patch.LastActivity = wire.CloneTimestamp(after.LastActivity)
		}
		changed = true
	}

	if !changed {
		return nil
	}
	return &patch
}
