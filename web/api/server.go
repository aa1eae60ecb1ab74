// Package api exposes the tracking engine over HTTP: timer mutations,
// reconciliation queries, statistics, event history, and the WebSocket
// endpoint of the live channel. URL routing conventions beyond these
// paths (auth, prefixing, TLS) belong to the surrounding deployment.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/crewbase/timetrack/internal/eventbus"
	"github.com/crewbase/timetrack/internal/ledger"
	"github.com/crewbase/timetrack/internal/registry"
	"github.com/crewbase/timetrack/internal/stats"
)

// Server is the HTTP API server
type Server struct {
	store    *ledger.Store
	registry *registry.Registry
	stats    *stats.Aggregator
	hub      *eventbus.Hub
	addr     string
	mux      *http.ServeMux
	log      zerolog.Logger
}

// NewServer creates a new API server
func NewServer(store *ledger.Store, reg *registry.Registry, statsAgg *stats.Aggregator, hub *eventbus.Hub, addr string, log zerolog.Logger) *Server {
	s := &Server{
		store:    store,
		registry: reg,
		stats:    statsAgg,
		hub:      hub,
		addr:     addr,
		mux:      http.NewServeMux(),
		log:      log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/tasks/", s.taskRoutesHandler())
	s.mux.HandleFunc("/api/timer/", s.pauseTimerHandler())
	s.mux.HandleFunc("/api/users/", s.statsHandler())
	s.mux.HandleFunc("/api/events", s.eventsHandler())
	s.mux.HandleFunc("/api/activities", s.activitiesHandler())
	s.mux.HandleFunc("/ws", s.hub.HandleWS)
}

// Handler returns the routing handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start runs the HTTP server until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.addr).Msg("api listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func parseForm(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
