package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/broker"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/metrics"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/perf"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/roster"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/pkg/wire"
)

type fakeProvider struct {
	snap *roster.Snapshot
}

func (f *fakeProvider) Current() *roster.Snapshot { return f.snap }

type fakeReporter struct {
	summary perf.Summary
	history []perf.Record
}

func (f *fakeReporter) Summary() perf.Summary  { return f.summary }
func (f *fakeReporter) History() []perf.Record { return f.history }

type fakeConnection struct {
	state    broker.ConnectionState
	connects int
	resyncs  int
}

func (f *fakeConnection) State() broker.ConnectionState { return f.state }
func (f *fakeConnection) Connect()                      { f.connects++ }
func (f *fakeConnection) RequestResync()                { f.resyncs++ }

func setupTestServer(t *testing.T) (*Server, *fakeConnection) {
	t.Helper()

	snap := roster.New(4, time.Now(), []wire.Participant{
		{Id: "s01", Status: wire.StatusActive, ExecutionCount: 7, Location: "lesson3.ipynb#cell-2"},
		{Id: "s02", Status: wire.StatusHelpRequesting, ErrorCount: 2},
	})
	reporter := &fakeReporter{
		summary: perf.Summary{
			AverageCompressionRatio: 0.85,
			TotalBytesSaved:         12345,
			SampleCount:             9,
		},
		history: []perf.Record{
			{Mode: perf.ModeFull, FullSizeBytes: 2048},
			{Mode: perf.ModeDelta, DeltaSizeBytes: 128, CompressionRatio: 0.9},
		},
	}
	conn := &fakeConnection{state: broker.StateConnected()}

	server := NewServer(Config{Addr: ":0"}, &fakeProvider{snap: snap}, reporter, conn)
	return server, conn
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	return rec
}

func TestAPIHealthz(t *testing.T) {
	server, _ := setupTestServer(t)

	rec := doRequest(t, server, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestAPIReadinessTracksSync(t *testing.T) {
	conn := &fakeConnection{state: broker.StateConnecting()}
	server := NewServer(Config{}, &fakeProvider{snap: roster.Empty()}, &fakeReporter{}, conn)

	rec := doRequest(t, server, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	synced, _ := setupTestServer(t)
	rec = doRequest(t, synced, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIRosterEndpoint(t *testing.T) {
	server, _ := setupTestServer(t)

	rec := doRequest(t, server, http.MethodGet, "/roster")
	require.Equal(t, http.StatusOK, rec.Code)

	var frame wire.FullSnapshotFrame
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &frame))
	assert.Equal(t, int64(4), frame.Version)
	assert.Len(t, frame.Participants, 2)
}

func TestAPIParticipantEndpoint(t *testing.T) {
	server, _ := setupTestServer(t)

	rec := doRequest(t, server, http.MethodGet, "/roster/s01")
	require.Equal(t, http.StatusOK, rec.Code)

	var p wire.Participant
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "s01", p.Id)
	assert.Equal(t, "lesson3.ipynb#cell-2", p.Location)

	rec = doRequest(t, server, http.MethodGet, "/roster/ghost")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPISyncSummaryEndpoint(t *testing.T) {
	server, _ := setupTestServer(t)

	rec := doRequest(t, server, http.MethodGet, "/sync/summary")
	require.Equal(t, http.StatusOK, rec.Code)

	var summary perf.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 0.85, summary.AverageCompressionRatio)
	assert.Equal(t, int64(12345), summary.TotalBytesSaved)
}

func TestAPISyncHistoryEndpoint(t *testing.T) {
	server, _ := setupTestServer(t)

	rec := doRequest(t, server, http.MethodGet, "/sync/history")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count   int           `json:"count"`
		Records []perf.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	require.Len(t, body.Records, 2)
	assert.Equal(t, perf.ModeDelta, body.Records[1].Mode)
}

func TestAPIConnectionEndpoint(t *testing.T) {
	server, conn := setupTestServer(t)

	rec := doRequest(t, server, http.MethodGet, "/connection")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp connectionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "connected", resp.Phase)
	assert.Nil(t, resp.NextRetryAt)

	conn.state = broker.StateReconnecting(2, time.Now().Add(time.Second))
	rec = doRequest(t, server, http.MethodGet, "/connection")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "reconnecting", resp.Phase)
	assert.Equal(t, 2, resp.Attempt)
	require.NotNil(t, resp.NextRetryAt)
}

func TestAPIReconnectNudgesBroker(t *testing.T) {
	server, conn := setupTestServer(t)

	rec := doRequest(t, server, http.MethodPost, "/connection/reconnect")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, conn.connects)
}

func TestAPIResyncNudgesBroker(t *testing.T) {
	server, conn := setupTestServer(t)

	rec := doRequest(t, server, http.MethodPost, "/sync/resync")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, conn.resyncs)
}

func TestAPIMetricsEndpoint(t *testing.T) {
	metrics.GetMetrics()
	server, _ := setupTestServer(t)

	rec := doRequest(t, server, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "rostersync_"),
		"metrics exposition should include the rostersync families")
}
