package source

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/pkg/wire"
)

func startSource(t *testing.T, cfg Config) (*Source, string) {
	t.Helper()

	src, err := New(cfg)
	require.NoError(t, err)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	src.Register(app)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = app.Listener(ln)
	}()
	t.Cleanup(func() { app.Shutdown() })

	return src, "ws://" + ln.Addr().String() + "/stream"
}

func dialSource(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		c, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 3*time.Second, 25*time.Millisecond)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame wire.Frame) {
	t.Helper()
	data, err := wire.Encode(frame)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// readFrame returns the next non-heartbeat frame
func readFrame(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		frame, err := wire.Decode(data)
		require.NoError(t, err)
		if frame.Type() == wire.FrameHeartbeat {
			continue
		}
		return frame
	}
}

func clientCount(s *Source) int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func TestSourceVersionAdvancesPerMutation(t *testing.T) {
	src, err := New(Config{})
	require.NoError(t, err)

	v, err := src.UpsertParticipant(wire.Participant{Id: "s01", Status: wire.StatusActive})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = src.UpsertParticipant(wire.Participant{Id: "s02", Status: wire.StatusIdle})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	v, removed := src.RemoveParticipant("s01")
	assert.True(t, removed)
	assert.Equal(t, int64(3), v)

	// removing an unknown id is a no-op, version included
	v, removed = src.RemoveParticipant("ghost")
	assert.False(t, removed)
	assert.Equal(t, int64(3), v)

	snap := src.Roster()
	assert.Equal(t, 1, snap.Len())
	assert.True(t, snap.Contains("s02"))

	_, err = src.UpsertParticipant(wire.Participant{})
	assert.Error(t, err)
}

func TestSourceServesSnapshotOnResync(t *testing.T) {
	src, url := startSource(t, DefaultConfig())

	_, err := src.UpsertParticipant(wire.Participant{Id: "s01", Status: wire.StatusActive, ExecutionCount: 4})
	require.NoError(t, err)
	_, err = src.UpsertParticipant(wire.Participant{Id: "s02", Status: wire.StatusIdle})
	require.NoError(t, err)

	conn := dialSource(t, url)
	sendFrame(t, conn, &wire.SubscribeFrame{ClientId: "watcher-1"})
	sendFrame(t, conn, &wire.ResyncRequestFrame{LastKnownVersion: 0})

	snap, ok := readFrame(t, conn).(*wire.FullSnapshotFrame)
	require.True(t, ok)
	assert.Equal(t, int64(2), snap.Version)
	assert.Len(t, snap.Participants, 2)
}

func TestSourceStreamsDeltasInOrder(t *testing.T) {
	src, url := startSource(t, DefaultConfig())
	conn := dialSource(t, url)

	sendFrame(t, conn, &wire.SubscribeFrame{ClientId: "watcher-1"})
	sendFrame(t, conn, &wire.ResyncRequestFrame{})

	snap, ok := readFrame(t, conn).(*wire.FullSnapshotFrame)
	require.True(t, ok)
	assert.Equal(t, int64(0), snap.Version)
	assert.Empty(t, snap.Participants)

	_, err := src.UpsertParticipant(wire.Participant{Id: "s01", Status: wire.StatusActive, ExecutionCount: 1})
	require.NoError(t, err)
	_, err = src.UpsertParticipant(wire.Participant{Id: "s01", Status: wire.StatusActive, ExecutionCount: 2})
	require.NoError(t, err)
	_, removed := src.RemoveParticipant("s01")
	require.True(t, removed)

	first, ok := readFrame(t, conn).(*wire.DeltaFrame)
	require.True(t, ok)
	assert.Equal(t, int64(0), first.BaseVersion)
	assert.Equal(t, int64(1), first.TargetVersion)
	require.Len(t, first.Changes, 1)
	assert.Equal(t, wire.OpCreated, first.Changes[0].Op)

	second, ok := readFrame(t, conn).(*wire.DeltaFrame)
	require.True(t, ok)
	assert.Equal(t, int64(1), second.BaseVersion)
	assert.Equal(t, int64(2), second.TargetVersion)
	require.Len(t, second.Changes, 1)
	assert.Equal(t, wire.OpUpdated, second.Changes[0].Op)
	require.NotNil(t, second.Changes[0].Fields)
	require.NotNil(t, second.Changes[0].Fields.ExecutionCount)
	assert.Equal(t, int64(2), *second.Changes[0].Fields.ExecutionCount)

	third, ok := readFrame(t, conn).(*wire.DeltaFrame)
	require.True(t, ok)
	assert.Equal(t, int64(3), third.TargetVersion)
	require.Len(t, third.Changes, 1)
	assert.Equal(t, wire.OpRemoved, third.Changes[0].Op)
}

func TestSourceBroadcastsToAllWatchers(t *testing.T) {
	src, url := startSource(t, DefaultConfig())

	connA := dialSource(t, url)
	connB := dialSource(t, url)
	sendFrame(t, connA, &wire.SubscribeFrame{ClientId: "watcher-a"})
	sendFrame(t, connB, &wire.SubscribeFrame{ClientId: "watcher-b"})

	require.Eventually(t, func() bool { return clientCount(src) == 2 }, 2*time.Second, 25*time.Millisecond)

	_, err := src.UpsertParticipant(wire.Participant{Id: "s01", Status: wire.StatusActive})
	require.NoError(t, err)

	for _, conn := range []*websocket.Conn{connA, connB} {
		df, ok := readFrame(t, conn).(*wire.DeltaFrame)
		require.True(t, ok)
		assert.Equal(t, int64(1), df.TargetVersion)
	}
}

func TestSourceDropsIdleWatchers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIdleTime = 150 * time.Millisecond
	cfg.HeartbeatInterval = 50 * time.Millisecond

	src, url := startSource(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go src.Run(ctx)

	dialSource(t, url)
	require.Eventually(t, func() bool { return clientCount(src) == 1 }, 2*time.Second, 25*time.Millisecond)

	// a watcher that never sends anything ages out
	require.Eventually(t, func() bool { return clientCount(src) == 0 }, 2*time.Second, 25*time.Millisecond)
}

func TestSourceShutdownDisconnectsWatchers(t *testing.T) {
	src, url := startSource(t, DefaultConfig())

	conn := dialSource(t, url)
	require.Eventually(t, func() bool { return clientCount(src) == 1 }, 2*time.Second, 25*time.Millisecond)

	require.NoError(t, src.Shutdown(context.Background()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestSourceEnqueueDropsWhenBufferFull(t *testing.T) {
	src, err := New(Config{ClientBuffer: 1})
	require.NoError(t, err)

	cl := &client{id: "c1", frames: make(chan outFrame, 1)}
	src.clients[cl.id] = cl

	src.enqueue("c1", outFrame{kind: wire.FrameDelta})
	src.enqueue("c1", outFrame{kind: wire.FrameDelta})
	assert.Equal(t, 1, len(cl.frames))

	// enqueuing to an unknown client is a no-op
	src.enqueue("ghost", outFrame{kind: wire.FrameDelta})
}

func TestFrameCacheRoundTrip(t *testing.T) {
	cache, err := newFrameCache(4)
	require.NoError(t, err)

	_, ok := cache.get(1)
	assert.False(t, ok)

	cache.put(1, []byte("frame-v1"))
	data, ok := cache.get(1)
	require.True(t, ok)
	assert.Equal(t, []byte("frame-v1"), data)
}

func TestSourceSnapshotEncodingIsCached(t *testing.T) {
	src, err := New(Config{})
	require.NoError(t, err)

	_, err = src.UpsertParticipant(wire.Participant{Id: "s01", Status: wire.StatusActive})
	require.NoError(t, err)

	snap := src.Roster()
	first, err := src.encodeSnapshot(snap)
	require.NoError(t, err)

	cached, ok := src.cache.get(snap.Version())
	require.True(t, ok)
	assert.Equal(t, first, cached)
}
