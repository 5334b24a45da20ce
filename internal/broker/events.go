package broker

import (
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/roster"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/pkg/wire"
)

// EventType classifies broker notifications to local subscribers
type EventType string

const (
	// EventReset fires after a full snapshot replaced the roster
	EventReset EventType = "reset"

	// EventUpdate fires after a delta package advanced the roster
	EventUpdate EventType = "update"

	// EventState fires on every connection state transition
	EventState EventType = "state"
)

// Event is what subscriber callbacks receive. Which fields are set
// depends on Type: Snapshot for reset, Changes and ResultingVersion
// for update, State for state.
type Event struct {
	Type             EventType
	Snapshot         *roster.Snapshot
	Changes          []wire.EntityChange
	ResultingVersion int64
	State            ConnectionState
}

// Callback handles one event. Callbacks run synchronously on the
// broker's dispatch goroutine and must not block.
type Callback func(Event)

type subscriber struct {
	id         string
	eventTypes map[EventType]struct{}
	callback   Callback
}

// wants reports whether the subscriber asked for this event type.
// An empty type set means everything.
func (s *subscriber) wants(t EventType) bool {
	if len(s.eventTypes) == 0 {
		return true
	}
	_, ok := s.eventTypes[t]
	return ok
}
