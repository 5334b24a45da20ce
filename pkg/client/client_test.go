package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/source"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/pkg/wire"
)

// apiStub serves canned debug API responses and records every request
type apiStub struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []string
}

func newAPIStub(t *testing.T) *apiStub {
	t.Helper()

	stub := &apiStub{}
	mux := http.NewServeMux()

	mux.HandleFunc("/roster", func(w http.ResponseWriter, r *http.Request) {
		stub.record(r)
		writeJSON(w, http.StatusOK, wire.FullSnapshotFrame{
			Version: 4,
			Participants: []wire.Participant{
				{Id: "s01", Status: wire.StatusActive, ExecutionCount: 7, Location: "lesson3.ipynb#cell-2"},
				{Id: "s02", Status: wire.StatusHelpRequesting, ErrorCount: 2},
			},
		})
	})
	mux.HandleFunc("/roster/", func(w http.ResponseWriter, r *http.Request) {
		stub.record(r)
		if r.URL.Path != "/roster/s01" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "participant not found"})
			return
		}
		writeJSON(w, http.StatusOK, wire.Participant{Id: "s01", Status: wire.StatusActive, ExecutionCount: 7})
	})
	mux.HandleFunc("/sync/summary", func(w http.ResponseWriter, r *http.Request) {
		stub.record(r)
		writeJSON(w, http.StatusOK, SyncSummary{
			AverageCompressionRatio: 0.85,
			TotalBytesSaved:         12345,
			SampleCount:             40,
			ModeBreakdown:           ModeBreakdown{Full: 2, Delta: 38},
			RosterParticipants:      24,
			RosterVersion:           312,
		})
	})
	mux.HandleFunc("/sync/history", func(w http.ResponseWriter, r *http.Request) {
		stub.record(r)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"count": 2,
			"records": []SyncRecord{
				{Mode: "full", FullSizeBytes: 2048, RecordedAt: time.Now()},
				{Mode: "delta", DeltaSizeBytes: 96, ChangeCount: 1, CompressionRatio: 0.05, RecordedAt: time.Now()},
			},
		})
	})
	mux.HandleFunc("/connection", func(w http.ResponseWriter, r *http.Request) {
		stub.record(r)
		retryAt := time.Now().Add(2 * time.Second)
		writeJSON(w, http.StatusOK, ConnectionStatus{Phase: "reconnecting", Attempt: 2, NextRetryAt: &retryAt})
	})
	mux.HandleFunc("/sync/resync", func(w http.ResponseWriter, r *http.Request) {
		stub.record(r)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "resync requested"})
	})
	mux.HandleFunc("/connection/reconnect", func(w http.ResponseWriter, r *http.Request) {
		stub.record(r)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnect requested"})
	})

	stub.server = httptest.NewServer(mux)
	t.Cleanup(stub.server.Close)

	return stub
}

func (a *apiStub) record(r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, fmt.Sprintf("%s %s", r.Method, r.URL.Path))
}

func (a *apiStub) saw(method, path string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, req := range a.requests {
		if req == fmt.Sprintf("%s %s", method, path) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func TestRosterFetch(t *testing.T) {
	stub := newAPIStub(t)
	c := New(stub.server.URL)

	snapshot, err := c.Roster(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(4), snapshot.Version)
	require.Len(t, snapshot.Participants, 2)
	assert.Equal(t, "lesson3.ipynb#cell-2", snapshot.Participants[0].Location)
}

func TestParticipantLookup(t *testing.T) {
	stub := newAPIStub(t)
	c := New(stub.server.URL)

	participant, err := c.Participant(context.Background(), "s01")
	require.NoError(t, err)
	assert.Equal(t, int64(7), participant.ExecutionCount)

	_, err = c.Participant(context.Background(), "ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API error (404): participant not found")
}

func TestSyncSummaryFetch(t *testing.T) {
	stub := newAPIStub(t)
	c := New(stub.server.URL)

	summary, err := c.SyncSummary(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, 0.85, summary.AverageCompressionRatio, 0.001)
	assert.Equal(t, int64(38), summary.ModeBreakdown.Delta)
	assert.Equal(t, int64(312), summary.RosterVersion)
}

func TestSyncHistoryFetch(t *testing.T) {
	stub := newAPIStub(t)
	c := New(stub.server.URL)

	records, err := c.SyncHistory(context.Background())
	require.NoError(t, err)

	require.Len(t, records, 2)
	assert.Equal(t, "full", records[0].Mode)
	assert.Equal(t, 96, records[1].DeltaSizeBytes)
}

func TestConnectionFetch(t *testing.T) {
	stub := newAPIStub(t)
	c := New(stub.server.URL)

	status, err := c.Connection(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "reconnecting", status.Phase)
	assert.Equal(t, 2, status.Attempt)
	require.NotNil(t, status.NextRetryAt)
}

func TestOperatorCommands(t *testing.T) {
	stub := newAPIStub(t)
	c := New(stub.server.URL, WithTimeout(2*time.Second))

	require.NoError(t, c.RequestResync(context.Background()))
	require.NoError(t, c.Reconnect(context.Background()))

	assert.True(t, stub.saw("POST", "/sync/resync"))
	assert.True(t, stub.saw("POST", "/connection/reconnect"))
}

func TestSubscribeStreamsLiveFrames(t *testing.T) {
	src, err := source.New(source.DefaultConfig())
	require.NoError(t, err)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	src.Register(app)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = app.Listener(ln)
	}()
	t.Cleanup(func() { app.Shutdown() })

	_, err = src.UpsertParticipant(wire.Participant{Id: "s01", Status: wire.StatusActive, ExecutionCount: 1})
	require.NoError(t, err)

	c := New("http://"+ln.Addr().String(), WithClientID("sdk-probe"))

	var sub *Subscription
	require.Eventually(t, func() bool {
		s, err := c.Subscribe(0)
		if err != nil {
			return false
		}
		sub = s
		return true
	}, 3*time.Second, 25*time.Millisecond)
	t.Cleanup(func() { sub.Close() })

	frame := nextFrame(t, sub)
	snapshot, ok := frame.(*wire.FullSnapshotFrame)
	require.True(t, ok, "expected a full snapshot first, got %s", frame.Type())
	assert.Equal(t, int64(1), snapshot.Version)
	require.Len(t, snapshot.Participants, 1)

	_, err = src.UpsertParticipant(wire.Participant{Id: "s02", Status: wire.StatusIdle})
	require.NoError(t, err)

	frame = nextFrame(t, sub)
	delta, ok := frame.(*wire.DeltaFrame)
	require.True(t, ok, "expected a delta, got %s", frame.Type())
	assert.Equal(t, int64(2), delta.TargetVersion)
}

func nextFrame(t *testing.T, sub *Subscription) wire.Frame {
	t.Helper()
	select {
	case frame, ok := <-sub.Frames:
		require.True(t, ok, "stream closed early")
		return frame
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}
