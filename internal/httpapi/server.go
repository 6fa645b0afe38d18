// Package httpapi exposes the local control surface: health, metrics,
// conversation status, recording control, and exercise history.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sabaq-lms/sabaq/internal/config"
	"github.com/sabaq-lms/sabaq/internal/history"
	"github.com/sabaq-lms/sabaq/internal/observability"
	"github.com/sabaq-lms/sabaq/internal/session"
	"github.com/sabaq-lms/sabaq/internal/socket"
)

// Conversation is the controller surface the API needs.
type Conversation interface {
	SessionID() string
	Snapshot() session.Snapshot
	StartRecording() error
	StopRecording() error
}

// Socket reports tutor link status.
type Socket interface {
	State() socket.State
	IsReady() bool
}

type Server struct {
	cfg    config.Config
	conv   Conversation
	sock   Socket
	store  history.Store
	stages *observability.StageWindow
	probe  *http.Client
}

func New(cfg config.Config, conv Conversation, sock Socket, store history.Store, stages *observability.StageWindow) *Server {
	return &Server{
		cfg:    cfg,
		conv:   conv,
		sock:   sock,
		store:  store,
		stages: stages,
		probe:  &http.Client{Timeout: 3 * time.Second},
	}
}

// tutorHealthy probes the tutoring service's health endpoint.
func (s *Server) tutorHealthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.TutorBaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := s.probe.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/session/status", s.handleStatus)
	r.Post("/v1/session/record/start", s.handleRecordStart)
	r.Post("/v1/session/record/stop", s.handleRecordStop)
	r.Get("/v1/session/history", s.handleHistory)
	r.Get("/v1/session/latency", s.handleLatency)

	return r
}

func (s *Server) connectionState() string {
	if s.sock == nil {
		return socket.StateClosed.String()
	}
	return s.sock.State().String()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"connection": s.connectionState(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.sock == nil || !s.sock.IsReady() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":     "not_ready",
			"connection": s.connectionState(),
		})
		return
	}
	if !s.tutorHealthy(r.Context()) {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":     "tutor_unreachable",
			"connection": s.connectionState(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"connection": s.connectionState(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"connection":   s.connectionState(),
		"conversation": s.conv.Snapshot(),
	})
}

func (s *Server) handleRecordStart(w http.ResponseWriter, _ *http.Request) {
	if err := s.conv.StartRecording(); err != nil {
		respondError(w, http.StatusConflict, "record_start_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "recording"})
}

func (s *Server) handleRecordStop(w http.ResponseWriter, _ *http.Request) {
	err := s.conv.StopRecording()
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]any{"status": "uploaded"})
	case errors.Is(err, session.ErrUtteranceTooShort):
		respondError(w, http.StatusUnprocessableEntity, "utterance_too_short", err.Error())
	default:
		respondError(w, http.StatusConflict, "record_stop_failed", err.Error())
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusNotImplemented, "history_disabled", "no history store configured")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	attempts, err := s.store.RecentAttempts(r.Context(), s.conv.SessionID(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_query_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": s.conv.SessionID(),
		"attempts":   attempts,
	})
}

func (s *Server) handleLatency(w http.ResponseWriter, _ *http.Request) {
	if s.stages == nil {
		respondJSON(w, http.StatusOK, observability.StageSnapshot{})
		return
	}
	respondJSON(w, http.StatusOK, s.stages.Snapshot())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
