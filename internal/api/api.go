package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/logging"
	"github.com/masahiro-tsubouchi/cell-monitor-extension-sub003/internal/telemetry"
)

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// Timeouts
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:         ":8091",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// Server is the watcher's local debug and operations surface. It
// only reads state owned elsewhere; the single mutating thing it can
// do is nudge the connection broker.
type Server struct {
	config Config
	logger zerolog.Logger

	provider   RosterProvider
	reporter   SyncReporter
	connection ConnectionController

	server *http.Server
}

// NewServer creates a new API server instance
func NewServer(config Config, provider RosterProvider, reporter SyncReporter, connection ConnectionController) *Server {
	logger := log.With().Str("component", "api").Logger()

	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = DefaultConfig().ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = DefaultConfig().IdleTimeout
	}

	return &Server{
		config:     config,
		logger:     logger,
		provider:   provider,
		reporter:   reporter,
		connection: connection,
	}
}

// Start runs the API server until the context is canceled, then
// shuts it down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info().Str("addr", s.config.Addr).Msg("Starting API server")

	server := &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.routes(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	s.server = server

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.logger.Error().Err(err).Msg("API server error")
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// routes builds the router with the full middleware chain
func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(logging.HTTPMiddleware())
	r.Use(telemetry.HTTPMiddleware("api"))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Health checks
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/readyz", s.handleReady)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Roster endpoints
	r.Route("/roster", func(r chi.Router) {
		r.Get("/", s.handleRoster)
		r.Get("/{id}", s.handleParticipant)
	})

	// Sync reporting endpoints
	r.Route("/sync", func(r chi.Router) {
		r.Get("/summary", s.handleSyncSummary)
		r.Get("/history", s.handleSyncHistory)
		r.Post("/resync", s.handleResync)
	})

	// Connection endpoints
	r.Route("/connection", func(r chi.Router) {
		r.Get("/", s.handleConnection)
		r.Post("/reconnect", s.handleReconnect)
	})

	return r
}

// Helper method for sending JSON responses
func sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Helper method for sending error responses
func sendError(w http.ResponseWriter, status int, errMsg string) {
	sendJSON(w, status, map[string]string{"error": errMsg})
}

// handleReady reports ready once a roster version has been applied
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.provider.Current().Version() == 0 {
		sendError(w, http.StatusServiceUnavailable, "no roster synchronized yet")
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleRoster returns the full working roster
func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, s.provider.Current().ToWire())
}

// handleParticipant returns a single participant by id
func (s *Server) handleParticipant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	participant, ok := s.provider.Current().Get(id)
	if !ok {
		sendError(w, http.StatusNotFound, "participant not found")
		return
	}
	sendJSON(w, http.StatusOK, participant)
}

// handleSyncSummary returns the delta efficiency digest
func (s *Server) handleSyncSummary(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, s.reporter.Summary())
}

// handleSyncHistory returns the retained update records, oldest first
func (s *Server) handleSyncHistory(w http.ResponseWriter, r *http.Request) {
	records := s.reporter.History()
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(records),
		"records": records,
	})
}

type connectionResponse struct {
	Phase       string     `json:"phase"`
	Attempt     int        `json:"attempt,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// handleConnection reports the upstream connection state
func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	state := s.connection.State()

	resp := connectionResponse{
		Phase:   string(state.Phase),
		Attempt: state.Attempt,
	}
	if !state.NextRetryAt.IsZero() {
		t := state.NextRetryAt
		resp.NextRetryAt = &t
	}
	sendJSON(w, http.StatusOK, resp)
}

// handleReconnect asks the broker to dial now; this is how an
// operator revives a degraded watcher
func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	s.connection.Connect()
	s.logger.Info().Msg("Reconnect requested over API")
	sendJSON(w, http.StatusAccepted, map[string]string{"status": "reconnect requested"})
}

// handleResync asks the source for a fresh full snapshot
func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	s.connection.RequestResync()
	s.logger.Info().Msg("Resync requested over API")
	sendJSON(w, http.StatusAccepted, map[string]string{"status": "resync requested"})
}
