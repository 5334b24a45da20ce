package api

import (
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/broker"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/perf"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/roster"
)

// RosterProvider exposes the watcher's working roster copy
type RosterProvider interface {
	Current() *roster.Snapshot
}

// SyncReporter exposes delta efficiency reporting
type SyncReporter interface {
	Summary() perf.Summary
	History() []perf.Record
}

// ConnectionController exposes the upstream connection for
// inspection and explicit nudges
type ConnectionController interface {
	State() broker.ConnectionState
	Connect()
	RequestResync()
}
