package broker

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/delta"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/metrics"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/perf"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/roster"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/telemetry"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/pkg/wire"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
)

// generateID creates subscription identifiers, swappable in tests
var generateID = func() string {
	return uuid.NewString()
}

// Config contains connection broker settings
type Config struct {
	// Upstream stream endpoint (ws:// or wss://)
	URL string

	// Identifier announced in the subscribe frame
	ClientID string

	// Reconnect schedule: BaseDelay doubled per attempt up to MaxDelay
	BaseDelay    time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxAttempts  int
	JitterFactor float64

	// Connection is dropped when nothing arrives for HeartbeatTimeout
	HeartbeatTimeout  time.Duration
	HeartbeatInterval time.Duration

	// A reconnect is forced after ViolationThreshold undecodable
	// frames within ViolationWindow
	ViolationThreshold int
	ViolationWindow    time.Duration
}

// DefaultConfig returns default broker configuration
func DefaultConfig() Config {
	return Config{
		URL:                "ws://localhost:8090/stream",
		BaseDelay:          time.Second,
		Multiplier:         2.0,
		MaxDelay:           30 * time.Second,
		MaxAttempts:        10,
		JitterFactor:       0.2,
		HeartbeatTimeout:   15 * time.Second,
		HeartbeatInterval:  5 * time.Second,
		ViolationThreshold: 5,
		ViolationWindow:    30 * time.Second,
	}
}

func fillDefaults(config Config) Config {
	defaults := DefaultConfig()
	if config.URL == "" {
		config.URL = defaults.URL
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.Multiplier <= 1 {
		config.Multiplier = defaults.Multiplier
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = defaults.HeartbeatTimeout
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.ViolationThreshold <= 0 {
		config.ViolationThreshold = defaults.ViolationThreshold
	}
	if config.ViolationWindow <= 0 {
		config.ViolationWindow = defaults.ViolationWindow
	}
	return config
}

// Broker owns the single upstream stream connection and fans roster
// events out to local subscribers. Exactly one goroutine (the run
// loop started by Start) reads frames and applies them in arrival
// order, which keeps version ordering strict without extra locking.
type Broker struct {
	config  Config
	store   *roster.Store
	perf    *perf.Monitor
	logger  zerolog.Logger
	metrics *metrics.BrokerMetrics
	stats   *metrics.SyncMetrics
	dialer  *websocket.Dialer

	mu          sync.RWMutex
	state       ConnectionState
	subscribers map[string]*subscriber
	conn        *websocket.Conn

	// serializes writes to the upstream connection
	writeMu sync.Mutex

	// run-loop state, touched only by the Start goroutine
	backoff    *backoff.ExponentialBackOff
	attempt    int
	violations []time.Time

	connectCh chan struct{}
}

// New creates a broker bound to a roster store and perf monitor
func New(config Config, store *roster.Store, monitor *perf.Monitor) *Broker {
	config = fillDefaults(config)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = config.BaseDelay
	bo.Multiplier = config.Multiplier
	bo.MaxInterval = config.MaxDelay
	bo.RandomizationFactor = config.JitterFactor
	bo.MaxElapsedTime = 0
	bo.Reset()

	m := metrics.GetMetrics()
	b := &Broker{
		config:      config,
		store:       store,
		perf:        monitor,
		logger:      log.With().Str("component", "broker").Logger(),
		metrics:     m.Broker,
		stats:       m.Sync,
		dialer:      websocket.DefaultDialer,
		state:       StateDisconnected(),
		subscribers: make(map[string]*subscriber),
		backoff:     bo,
		connectCh:   make(chan struct{}, 1),
	}
	b.metrics.ConnectionState.Set(float64(PhaseDisconnected.gaugeValue()))
	return b
}

// Start runs the connection loop until the context is canceled. It
// dials immediately, retries with exponential backoff after failures
// and parks in degraded state once the retry budget is spent.
func (b *Broker) Start(ctx context.Context) error {
	b.logger.Info().
		Str("url", b.config.URL).
		Int("max_attempts", b.config.MaxAttempts).
		Msg("Connection broker starting")

	for {
		if ctx.Err() != nil {
			b.setState(StateDisconnected())
			return ctx.Err()
		}

		b.setState(StateConnecting())
		conn, err := b.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				b.setState(StateDisconnected())
				return ctx.Err()
			}
			b.metrics.ConnectFailures.Inc()
			b.logger.Warn().Err(err).Msg("Upstream dial failed")
		} else {
			b.metrics.ConnectsTotal.Inc()
			b.runSession(ctx, conn)
			if ctx.Err() != nil {
				b.setState(StateDisconnected())
				return ctx.Err()
			}
			b.logger.Warn().Msg("Upstream connection lost")
		}

		if b.config.MaxAttempts > 0 && b.attempt >= b.config.MaxAttempts {
			b.metrics.DegradedEntries.Inc()
			b.setState(StateDegraded())
			b.logger.Error().
				Int("attempts", b.attempt).
				Msg("Retry budget exhausted, staying degraded until explicitly reconnected")

			select {
			case <-ctx.Done():
				b.setState(StateDisconnected())
				return ctx.Err()
			case <-b.connectCh:
				b.attempt = 0
				b.backoff.Reset()
				b.logger.Info().Msg("Explicit reconnect requested, leaving degraded state")
			}
			continue
		}

		b.attempt++
		delay := b.nextDelay()
		b.setState(StateReconnecting(b.attempt, time.Now().Add(delay)))
		b.metrics.ReconnectsTotal.Inc()
		b.logger.Info().
			Int("attempt", b.attempt).
			Dur("delay", delay).
			Msg("Scheduling reconnect")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			b.setState(StateDisconnected())
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// dial establishes the upstream websocket connection
func (b *Broker) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := b.dialer.DialContext(dialCtx, b.config.URL, nil)
	return conn, err
}

// runSession drives one established connection until it dies
func (b *Broker) runSession(ctx context.Context, conn *websocket.Conn) {
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	// a successful connect resets the retry schedule and the
	// violation window, and invalidates any stale connect signal
	b.attempt = 0
	b.backoff.Reset()
	b.violations = b.violations[:0]
	select {
	case <-b.connectCh:
	default:
	}

	b.setState(StateConnected())
	b.logger.Info().Msg("Upstream connected")

	b.sendFrame(&wire.SubscribeFrame{ClientId: b.config.ClientID})
	// local state may be arbitrarily stale, resync unconditionally
	b.RequestResync()

	sessionDone := make(chan struct{})
	go b.heartbeatLoop(sessionDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-sessionDone:
		}
	}()

	b.readLoop(ctx, conn)

	close(sessionDone)
	b.mu.Lock()
	b.conn = nil
	b.mu.Unlock()
	conn.Close()
}

// readLoop applies inbound frames one at a time, in arrival order
func (b *Broker) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(b.config.HeartbeatTimeout)); err != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				b.metrics.HeartbeatTimeouts.Inc()
				b.logger.Warn().
					Dur("timeout", b.config.HeartbeatTimeout).
					Msg("Upstream went silent, dropping connection")
			} else {
				b.logger.Debug().Err(err).Msg("Upstream read ended")
			}
			return
		}
		b.handleFrame(ctx, data)
	}
}

// heartbeatLoop keeps the connection alive from our side
func (b *Broker) heartbeatLoop(done <-chan struct{}) {
	ticker := time.NewTicker(b.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			b.sendFrame(&wire.HeartbeatFrame{SentAt: timestamppb.Now()})
		}
	}
}

// handleFrame decodes and dispatches one inbound frame
func (b *Broker) handleFrame(ctx context.Context, data []byte) {
	frame, err := wire.Decode(data)
	if err != nil {
		b.metrics.ProtocolViolations.Inc()
		b.logger.Warn().Err(err).Msg("Protocol violation on upstream frame")
		b.RequestResync()
		if b.noteViolation() {
			b.logger.Error().
				Int("threshold", b.config.ViolationThreshold).
				Dur("window", b.config.ViolationWindow).
				Msg("Repeated protocol violations, forcing reconnect")
			b.closeConn()
		}
		return
	}

	b.metrics.FramesReceivedTotal.WithLabelValues(string(frame.Type())).Inc()

	switch f := frame.(type) {
	case *wire.HeartbeatFrame:
		// the read deadline was already pushed out, nothing else to do
	case *wire.FullSnapshotFrame:
		b.handleFullSnapshot(ctx, f)
	case *wire.DeltaFrame:
		b.handleDelta(ctx, f)
	default:
		// subscribe and resync frames only flow towards the source
		b.logger.Warn().
			Str("frame_type", string(frame.Type())).
			Msg("Unexpected inbound frame, ignoring")
	}
}

func (b *Broker) handleFullSnapshot(ctx context.Context, f *wire.FullSnapshotFrame) {
	// the span covers replace and fan-out, both run on this goroutine
	_, span := telemetry.StartSpan(ctx, "broker.apply_snapshot")
	defer span.End()

	start := time.Now()
	snap := roster.FromWire(f)
	b.store.Replace(snap)
	b.perf.RecordFull(wire.JSONSize(f.Participants), time.Since(start))

	span.SetAttributes(
		attribute.Int64("roster.version", snap.Version()),
		attribute.Int("roster.participants", snap.Len()),
	)

	b.logger.Info().
		Int64("version", snap.Version()).
		Int("participants", snap.Len()).
		Msg("Roster reset from full snapshot")

	b.emit(Event{Type: EventReset, Snapshot: snap})
}

func (b *Broker) handleDelta(ctx context.Context, f *wire.DeltaFrame) {
	_, span := telemetry.StartSpan(ctx, "broker.apply_delta")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("delta.target_version", f.TargetVersion),
		attribute.Int("delta.changes", len(f.Changes)),
	)

	start := time.Now()
	current := b.store.Current()

	next, err := delta.Apply(current, f.DeltaPackage)
	if err != nil {
		result := "malformed"
		if de, ok := delta.AsDesync(err); ok {
			result = string(de.Kind)
		}
		telemetry.RecordError(span, err)
		b.stats.DeltasAppliedTotal.WithLabelValues(result).Inc()
		b.logger.Warn().
			Err(err).
			Int64("base_version", f.BaseVersion).
			Int64("target_version", f.TargetVersion).
			Int64("local_version", current.Version()).
			Msg("Delta rejected, requesting resync")
		// the package is dropped for good, recovery is a full snapshot
		b.RequestResync()
		return
	}

	b.store.Replace(next)
	took := time.Since(start)
	b.stats.DeltasAppliedTotal.WithLabelValues("ok").Inc()
	b.stats.ApplyDuration.Observe(took.Seconds())
	b.perf.RecordDelta(f.DeltaPackage, took)

	b.emit(Event{
		Type:             EventUpdate,
		Changes:          f.Changes,
		ResultingVersion: next.Version(),
	})
}

// noteViolation records one violation and reports whether the
// threshold was crossed within the sliding window
func (b *Broker) noteViolation() bool {
	now := time.Now()
	cutoff := now.Add(-b.config.ViolationWindow)

	kept := b.violations[:0]
	for _, t := range b.violations {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.violations = append(kept, now)

	if len(b.violations) >= b.config.ViolationThreshold {
		b.violations = b.violations[:0]
		return true
	}
	return false
}

func (b *Broker) nextDelay() time.Duration {
	d := b.backoff.NextBackOff()
	if d == backoff.Stop {
		d = b.config.MaxDelay
	}
	return d
}

// Subscribe registers a callback for the given event types; an empty
// list subscribes to everything. Returns the subscription id.
func (b *Broker) Subscribe(eventTypes []EventType, callback Callback) string {
	id := generateID()
	types := make(map[EventType]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = struct{}{}
	}

	b.mu.Lock()
	b.subscribers[id] = &subscriber{id: id, eventTypes: types, callback: callback}
	count := len(b.subscribers)
	b.mu.Unlock()

	b.metrics.SubscribersActive.Set(float64(count))
	b.logger.Debug().
		Str("subscription_id", id).
		Int("subscribers", count).
		Msg("Subscriber registered")
	return id
}

// Unsubscribe removes a subscription. Unknown ids are a no-op, so
// calling it twice is safe. A removal racing an in-flight dispatch is
// honored before the next event is delivered.
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	_, existed := b.subscribers[id]
	if existed {
		delete(b.subscribers, id)
	}
	count := len(b.subscribers)
	b.mu.Unlock()

	if existed {
		b.metrics.SubscribersActive.Set(float64(count))
		b.logger.Debug().
			Str("subscription_id", id).
			Int("subscribers", count).
			Msg("Subscriber removed")
	}
}

// emit delivers an event to every interested subscriber. The id list
// is collected first, then each subscriber is re-checked right before
// its callback runs, so unsubscribes are honored mid-dispatch.
func (b *Broker) emit(event Event) {
	start := time.Now()

	b.mu.RLock()
	ids := make([]string, 0, len(b.subscribers))
	for id := range b.subscribers {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, id := range ids {
		b.mu.RLock()
		sub, ok := b.subscribers[id]
		b.mu.RUnlock()
		if !ok || !sub.wants(event.Type) {
			continue
		}
		sub.callback(event)
		delivered++
	}

	if delivered > 0 {
		b.metrics.EventsDeliveredTotal.
			WithLabelValues(string(event.Type)).
			Add(float64(delivered))
	}
	b.metrics.DispatchDuration.Observe(time.Since(start).Seconds())
}

// RequestResync asks the source for a fresh full snapshot carrying
// our last known version. Safe to call at any time; without a live
// connection it is a no-op.
func (b *Broker) RequestResync() {
	version := b.store.Version()
	if b.sendFrame(&wire.ResyncRequestFrame{LastKnownVersion: version}) {
		b.metrics.ResyncRequestsTotal.Inc()
		b.logger.Info().
			Int64("last_known_version", version).
			Msg("Requested full resync")
	}
}

// Connect asks the run loop to dial now. This is how a degraded
// broker is revived; in any other state the signal is absorbed.
func (b *Broker) Connect() {
	select {
	case b.connectCh <- struct{}{}:
	default:
	}
}

// State returns the current connection state
func (b *Broker) State() ConnectionState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// setState is only called from the run goroutine, so state events
// reach subscribers in transition order
func (b *Broker) setState(state ConnectionState) {
	b.mu.Lock()
	b.state = state
	b.mu.Unlock()

	b.metrics.ConnectionState.Set(float64(state.Phase.gaugeValue()))
	b.logger.Debug().Str("state", state.String()).Msg("Connection state changed")
	b.emit(Event{Type: EventState, State: state})
}

// sendFrame writes one frame upstream, reporting whether it was sent
func (b *Broker) sendFrame(frame wire.Frame) bool {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn == nil {
		b.logger.Debug().
			Str("frame_type", string(frame.Type())).
			Msg("Not connected, dropping outbound frame")
		return false
	}

	data, err := wire.Encode(frame)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to encode outbound frame")
		return false
	}

	b.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	b.writeMu.Unlock()
	if err != nil {
		b.logger.Warn().
			Err(err).
			Str("frame_type", string(frame.Type())).
			Msg("Failed to send frame upstream")
		return false
	}

	b.metrics.FramesSentTotal.WithLabelValues(string(frame.Type())).Inc()
	return true
}

func (b *Broker) closeConn() {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn != nil {
		conn.Close()
	}
}

// Shutdown closes the upstream connection and drops all subscribers
func (b *Broker) Shutdown(ctx context.Context) error {
	b.logger.Info().Msg("Connection broker shutting down")

	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	hadSubscribers := len(b.subscribers) > 0
	b.subscribers = make(map[string]*subscriber)
	b.mu.Unlock()

	if hadSubscribers {
		b.metrics.SubscribersActive.Set(0)
	}
	if conn != nil {
		b.writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		b.writeMu.Unlock()
		conn.Close()
	}
	return nil
}
