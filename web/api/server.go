// Package api exposes the orchestrator over HTTP: run submission, status
// queries, cancellation, and a websocket stream of lifecycle events.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hochfrequenz/pipeline-orchestrator/internal/domain"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/engine"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/runstate"
	"github.com/hochfrequenz/pipeline-orchestrator/internal/runstore"
)

// Store is the durable query surface the API reads from
type Store interface {
	GetRun(id string) (*domain.Run, error)
	ListRuns(opts runstore.ListOptions) ([]*domain.Run, error)
	GetRunTree(runID string) (*runstore.RunTree, error)
	CountRuns() (runstore.StatusCounts, error)
}

// Orchestrator accepts submissions and cancellations
type Orchestrator interface {
	Submit(req engine.RunRequest) (*domain.Run, error)
	Cancel(runID string) bool
}

// Server is the HTTP API server
type Server struct {
	store   Store
	orch    Orchestrator
	tracker *runstate.Tracker
	addr    string
	router  chi.Router
	hub     *EventHub
}

// NewServer creates an API server listening on addr
func NewServer(store Store, orch Orchestrator, tracker *runstate.Tracker, addr string) *Server {
	s := &Server{
		store:   store,
		orch:    orch,
		tracker: tracker,
		addr:    addr,
		hub:     NewEventHub(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Post("/", s.handleSubmitRun)
			r.Get("/{runID}", s.handleGetRun)
			r.Post("/{runID}/cancel", s.handleCancelRun)
		})
	})
	return r
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the HTTP server until it fails
func (s *Server) Start() error {
	go s.hub.Run()
	return http.ListenAndServe(s.addr, s.router)
}

// Broadcast publishes an event to all connected websocket clients
func (s *Server) Broadcast(event Event) {
	s.hub.Broadcast(event)
}

// BroadcastRunUpdate publishes a run status transition on the event stream.
// Wired as the engine's notifier so every transition, terminal ones
// included, reaches connected clients.
func (s *Server) BroadcastRunUpdate(run domain.Run) {
	s.hub.Broadcast(Event{Type: EventRunUpdated, Data: runToResponse(&run)})
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
