package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mcolombo/relaybot/internal/config"
	"github.com/mcolombo/relaybot/internal/history"
	"github.com/mcolombo/relaybot/internal/observability"
	"github.com/mcolombo/relaybot/internal/supervisor"
)

// Connection is the read/control surface the API needs from the supervisor.
type Connection interface {
	ID() string
	State() supervisor.State
	Challenge() string
	RequestLogout()
}

// Server exposes the ops surface: health, metrics, connection status and
// conversation inspection.
type Server struct {
	cfg     config.Config
	conn    Connection
	manager *history.Manager
	metrics *observability.Metrics
}

func New(cfg config.Config, conn Connection, manager *history.Manager, metrics *observability.Metrics) *Server {
	return &Server{cfg: cfg, conn: conn, manager: manager, metrics: metrics}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", observability.MetricsHandler())
	r.Get("/status", s.handleStatus)
	r.Get("/conversations/{userID}/{model}", s.handleGetConversation)
	r.Delete("/conversations/{userID}/{model}", s.handleResetConversation)
	r.Post("/cleanup", s.handleCleanup)
	r.Post("/logout", s.handleLogout)
	return r
}

type statusResponse struct {
	ConnectionID   string `json:"connection_id"`
	State          string `json:"state"`
	Pairing        string `json:"pairing_challenge,omitempty"`
	HistoryEnabled bool   `json:"history_enabled"`
	PendingFlush   int    `json:"pending_flush"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		ConnectionID:   s.conn.ID(),
		State:          string(s.conn.State()),
		Pairing:        s.conn.Challenge(),
		HistoryEnabled: s.manager.Enabled(),
		PendingFlush:   s.manager.PendingCount(),
	})
}

type conversationResponse struct {
	UserID string         `json:"user_id"`
	Model  string         `json:"model"`
	Turns  []history.Turn `json:"turns"`
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	model := chi.URLParam(r, "model")
	turns, err := s.manager.History(r.Context(), userID, model)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	if turns == nil {
		turns = []history.Turn{}
	}
	writeJSON(w, http.StatusOK, conversationResponse{UserID: userID, Model: model, Turns: turns})
}

func (s *Server) handleResetConversation(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	model := chi.URLParam(r, "model")
	if err := s.manager.Reset(r.Context(), userID, model); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
	defer cancel()
	removed, err := s.manager.RunCleanup(ctx, time.Now().UTC())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"removed": removed, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	s.conn.RequestLogout()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "logout_requested"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
