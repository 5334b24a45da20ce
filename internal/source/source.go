package source

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/delta"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/metrics"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/roster"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/pkg/wire"
)

// Config contains roster source configuration
type Config struct {
	// Heartbeat cadence towards connected watchers
	HeartbeatInterval time.Duration

	// Maximum idle time before dropping a connection
	MaxIdleTime time.Duration

	// Per-client outbound frame buffer
	ClientBuffer int

	// Number of encoded snapshot frames kept, one per version
	SnapshotCacheSize int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		MaxIdleTime:       30 * time.Second,
		ClientBuffer:      64,
		SnapshotCacheSize: 128,
	}
}

// outFrame carries one encoded frame plus its type for metrics
type outFrame struct {
	kind wire.FrameType
	data []byte
}

// client represents one connected watcher
type client struct {
	id     string
	conn   *websocket.Conn
	frames chan outFrame

	mu         sync.Mutex
	name       string
	lastActive time.Time
}

func (cl *client) touch() {
	cl.mu.Lock()
	cl.lastActive = time.Now()
	cl.mu.Unlock()
}

func (cl *client) lastSeen() time.Time {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.lastActive
}

// generateID creates a unique client ID
var generateID = func() string {
	return uuid.NewString()
}

// Source is the authoritative side of the sync protocol: it owns the
// roster, bumps the version on every mutation and streams the
// resulting delta packages to all connected watchers. Full snapshots
// are served on demand for resyncs.
type Source struct {
	config  Config
	logger  zerolog.Logger
	metrics *metrics.SourceMetrics
	cache   *frameCache

	// rosterMu orders mutations and the broadcasts they produce, so
	// every watcher sees deltas in strictly ascending version order
	rosterMu sync.Mutex
	current  *roster.Snapshot

	clientsMu sync.RWMutex
	clients   map[string]*client
}

// New creates a roster source starting from an empty roster
func New(config Config) (*Source, error) {
	logger := log.With().Str("component", "source").Logger()

	defaults := DefaultConfig()
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.MaxIdleTime <= 0 {
		config.MaxIdleTime = defaults.MaxIdleTime
	}
	if config.ClientBuffer <= 0 {
		config.ClientBuffer = defaults.ClientBuffer
	}
	if config.SnapshotCacheSize <= 0 {
		config.SnapshotCacheSize = defaults.SnapshotCacheSize
	}

	cache, err := newFrameCache(config.SnapshotCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot cache: %w", err)
	}

	return &Source{
		config:  config,
		logger:  logger,
		metrics: metrics.GetMetrics().Source,
		cache:   cache,
		current: roster.Empty(),
		clients: make(map[string]*client),
	}, nil
}

// Register mounts the stream endpoint and operational routes
func (s *Source) Register(app *fiber.App) {
	// Middleware to upgrade connections to WebSocket
	app.Use("/stream", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/stream", websocket.New(func(conn *websocket.Conn) {
		s.handleClient(conn)
	}))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})

	app.Get("/metrics", func(c *fiber.Ctx) error {
		handler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
		handler(c.Context())
		return nil
	})

	app.Get("/roster", func(c *fiber.Ctx) error {
		return c.JSON(s.Roster().ToWire())
	})
}

// Run drives heartbeats and idle cleanup until the context ends
func (s *Source) Run(ctx context.Context) error {
	s.logger.Info().
		Dur("heartbeat_interval", s.config.HeartbeatInterval).
		Dur("max_idle", s.config.MaxIdleTime).
		Msg("Roster source running")

	heartbeat := time.NewTicker(s.config.HeartbeatInterval)
	defer heartbeat.Stop()
	cleanup := time.NewTicker(s.config.MaxIdleTime / 2)
	defer cleanup.Stop()

	for {
		select {
		case <-heartbeat.C:
			s.sendHeartbeats()
		case <-cleanup.C:
			s.dropIdleClients()
		case <-ctx.Done():
			return nil
		}
	}
}

// Roster returns the current authoritative snapshot
func (s *Source) Roster() *roster.Snapshot {
	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()
	return s.current
}

// Version returns the current roster version
func (s *Source) Version() int64 {
	return s.Roster().Version()
}

// UpsertParticipant creates or replaces one participant, advancing
// the roster version by exactly one. The resulting delta is streamed
// to every connected watcher. Returns the new version.
func (s *Source) UpsertParticipant(p wire.Participant) (int64, error) {
	if p.Id == "" {
		return 0, fmt.Errorf("participant id is required")
	}

	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()

	prev := s.current
	next := prev.AsMap()
	next[p.Id] = p.Clone()
	s.current = roster.FromMap(prev.Version()+1, time.Now(), next)

	s.afterMutation(prev)
	return s.current.Version(), nil
}

// RemoveParticipant drops one participant. Removing an id that is
// not on the roster changes nothing, not even the version.
func (s *Source) RemoveParticipant(id string) (int64, bool) {
	s.rosterMu.Lock()
	defer s.rosterMu.Unlock()

	prev := s.current
	if !prev.Contains(id) {
		return prev.Version(), false
	}
	next := prev.AsMap()
	delete(next, id)
	s.current = roster.FromMap(prev.Version()+1, time.Now(), next)

	s.afterMutation(prev)
	return s.current.Version(), true
}

// afterMutation runs under rosterMu, which keeps broadcast order
// aligned with version order
func (s *Source) afterMutation(prev *roster.Snapshot) {
	s.metrics.RosterVersion.Set(float64(s.current.Version()))

	pkg := delta.Calculate(prev, s.current)
	data, err := wire.Encode(&wire.DeltaFrame{DeltaPackage: pkg})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode delta frame")
		return
	}

	s.logger.Debug().
		Int64("version", s.current.Version()).
		Int("changes", len(pkg.Changes)).
		Msg("Broadcasting roster delta")
	s.broadcast(outFrame{kind: wire.FrameDelta, data: data})
}

// handleClient owns one watcher connection. It blocks for the
// connection's lifetime; returning hands the socket back to fiber
// for closing.
func (s *Source) handleClient(conn *websocket.Conn) {
	cl := &client{
		id:         generateID(),
		conn:       conn,
		frames:     make(chan outFrame, s.config.ClientBuffer),
		lastActive: time.Now(),
	}

	s.clientsMu.Lock()
	s.clients[cl.id] = cl
	count := len(s.clients)
	s.clientsMu.Unlock()

	s.metrics.ClientsActive.Set(float64(count))
	s.logger.Info().
		Str("client_id", cl.id).
		Int("clients", count).
		Msg("Watcher connected")

	// Writer drains the outbound buffer until removeClient closes it
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for frame := range cl.frames {
			if err := conn.WriteMessage(websocket.TextMessage, frame.data); err != nil {
				s.logger.Debug().
					Err(err).
					Str("client_id", cl.id).
					Msg("Watcher write error")
				continue
			}
			s.metrics.FramesSentTotal.WithLabelValues(string(frame.kind)).Inc()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug().
				Err(err).
				Str("client_id", cl.id).
				Msg("Watcher read ended")
			break
		}
		s.handleClientFrame(cl, data)
	}

	s.removeClient(cl.id)
	<-writerDone
}

// handleClientFrame processes one inbound frame from a watcher
func (s *Source) handleClientFrame(cl *client, data []byte) {
	cl.touch()

	frame, err := wire.Decode(data)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("client_id", cl.id).
			Msg("Undecodable frame from watcher")
		return
	}

	switch f := frame.(type) {
	case *wire.SubscribeFrame:
		cl.mu.Lock()
		cl.name = f.ClientId
		cl.mu.Unlock()
		s.logger.Info().
			Str("client_id", cl.id).
			Str("name", f.ClientId).
			Msg("Watcher subscribed")
	case *wire.ResyncRequestFrame:
		s.sendSnapshot(cl, f.LastKnownVersion)
	case *wire.HeartbeatFrame:
		// the touch above is all a heartbeat is for
	default:
		s.logger.Warn().
			Str("client_id", cl.id).
			Str("frame_type", string(frame.Type())).
			Msg("Unexpected frame from watcher")
	}
}

// sendSnapshot answers a resync request with the current full roster
func (s *Source) sendSnapshot(cl *client, lastKnown int64) {
	snap := s.Roster()

	data, err := s.encodeSnapshot(snap)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode snapshot frame")
		return
	}

	s.logger.Info().
		Str("client_id", cl.id).
		Int64("watcher_version", lastKnown).
		Int64("version", snap.Version()).
		Msg("Serving full snapshot")
	s.enqueue(cl.id, outFrame{kind: wire.FrameFullSnapshot, data: data})
}

func (s *Source) encodeSnapshot(snap *roster.Snapshot) ([]byte, error) {
	if data, ok := s.cache.get(snap.Version()); ok {
		return data, nil
	}
	data, err := wire.Encode(snap.ToWire())
	if err != nil {
		return nil, err
	}
	s.cache.put(snap.Version(), data)
	return data, nil
}

// enqueue hands a frame to one watcher's writer without ever
// blocking on a slow consumer
func (s *Source) enqueue(clientID string, frame outFrame) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	cl, ok := s.clients[clientID]
	if !ok {
		return
	}
	select {
	case cl.frames <- frame:
	default:
		s.metrics.FramesDropped.Inc()
		s.logger.Warn().
			Str("client_id", clientID).
			Str("frame_type", string(frame.kind)).
			Msg("Watcher buffer full, dropping frame")
	}
}

// broadcast fans one frame out to every connected watcher
func (s *Source) broadcast(frame outFrame) {
	start := time.Now()

	s.clientsMu.RLock()
	for id, cl := range s.clients {
		select {
		case cl.frames <- frame:
		default:
			s.metrics.FramesDropped.Inc()
			s.logger.Warn().
				Str("client_id", id).
				Str("frame_type", string(frame.kind)).
				Msg("Watcher buffer full, dropping frame")
		}
	}
	s.clientsMu.RUnlock()

	s.metrics.BroadcastDuration.Observe(time.Since(start).Seconds())
}

func (s *Source) sendHeartbeats() {
	data, err := wire.Encode(&wire.HeartbeatFrame{SentAt: timestamppb.Now()})
	if err != nil {
		return
	}
	s.broadcast(outFrame{kind: wire.FrameHeartbeat, data: data})
}

// dropIdleClients removes watchers that have sent nothing for longer
// than MaxIdleTime
func (s *Source) dropIdleClients() {
	cutoff := time.Now().Add(-s.config.MaxIdleTime)

	s.clientsMu.RLock()
	var idle []string
	for id, cl := range s.clients {
		if cl.lastSeen().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	s.clientsMu.RUnlock()

	for _, id := range idle {
		s.logger.Info().Str("client_id", id).Msg("Dropping idle watcher")
		s.removeClient(id)
	}
}

// removeClient is idempotent; the close of the frames channel is
// what terminates the client's writer goroutine
func (s *Source) removeClient(id string) {
	s.clientsMu.Lock()
	cl, ok := s.clients[id]
	if !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, id)
	close(cl.frames)
	count := len(s.clients)
	s.clientsMu.Unlock()

	cl.conn.Close()
	s.metrics.ClientsActive.Set(float64(count))
	s.logger.Info().
		Str("client_id", id).
		Int("clients", count).
		Msg("Watcher disconnected")
}

// Shutdown disconnects every watcher
func (s *Source) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Roster source shutting down")

	s.clientsMu.Lock()
	clients := s.clients
	s.clients = make(map[string]*client)
	s.clientsMu.Unlock()

	for _, cl := range clients {
		close(cl.frames)
		cl.conn.Close()
	}
	s.metrics.ClientsActive.Set(0)
	return nil
}

// Simulate churns the roster with synthetic learner activity until
// the context ends. Participants are named s01..sNN and mostly run
// cells, with occasional status flips, errors and dropouts.
func (s *Source) Simulate(ctx context.Context, participants int, tick time.Duration) {
	if participants <= 0 {
		participants = 8
	}
	if tick <= 0 {
		tick = time.Second
	}

	statuses := []wire.ParticipantStatus{wire.StatusActive, wire.StatusIdle, wire.StatusHelpRequesting}

	ids := make([]string, participants)
	for i := range ids {
		ids[i] = fmt.Sprintf("s%02d", i+1)
		s.UpsertParticipant(wire.Participant{
			Id:           ids[i],
			Status:       wire.StatusActive,
			Location:     fmt.Sprintf("lesson1.ipynb#cell-%d", rand.Intn(8)+1),
			LastActivity: timestamppb.Now(),
		})
	}
	s.logger.Info().
		Int("participants", participants).
		Dur("tick", tick).
		Msg("Simulated classroom started")

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		id := ids[rand.Intn(len(ids))]
		current, ok := s.Roster().Get(id)
		if !ok {
			// rejoin after a simulated dropout
			s.UpsertParticipant(wire.Participant{
				Id:           id,
				Status:       wire.StatusActive,
				Location:     fmt.Sprintf("lesson1.ipynb#cell-%d", rand.Intn(8)+1),
				LastActivity: timestamppb.Now(),
			})
			continue
		}

		switch roll := rand.Intn(100); {
		case roll < 5:
			s.RemoveParticipant(id)
		case roll < 15:
			current.Status = statuses[rand.Intn(len(statuses))]
			current.LastActivity = timestamppb.Now()
			s.UpsertParticipant(current)
		case roll < 25:
			current.ErrorCount++
			current.Status = wire.StatusHelpRequesting
			current.LastActivity = timestamppb.Now()
			s.UpsertParticipant(current)
		default:
			current.ExecutionCount++
			current.Status = wire.StatusActive
			current.Location = fmt.Sprintf("lesson%d.ipynb#cell-%d", rand.Intn(3)+1, rand.Intn(8)+1)
			current.LastActivity = timestamppb.Now()
			s.UpsertParticipant(current)
		}
	}
}
