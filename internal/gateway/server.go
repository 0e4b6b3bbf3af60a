// ABOUTME: HTTP API over the orchestration service using chi.
// ABOUTME: Maps the error taxonomy onto conventional REST status codes.

package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/fold-relay/internal/session"
	"github.com/2389/fold-relay/internal/store"
	"github.com/2389/fold-relay/internal/tracker"
	"github.com/2389/fold-relay/internal/transport"
)

// Server exposes the HTTP API.
type Server struct {
	service *Service
	logger  *slog.Logger
}

// NewServer creates the HTTP layer over the service.
func NewServer(service *Service) *Server {
	return &Server{
		service: service,
		logger:  slog.Default().With("component", "http"),
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/execute", s.handleExecute)
		r.Post("/callback", s.handleCallback)
		r.Get("/status/{requestID}", s.handleStatus)
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions", s.handleListSessions)
		r.Delete("/sessions/{workspace}", s.handleDeleteSession)
		r.Get("/health", s.handleHealth)
	})
	return r
}

type executeRequest struct {
	RequestID   string `json:"request_id,omitempty"`
	ChatID      string `json:"chat_id,omitempty"`
	Workspace   string `json:"workspace"`
	Prompt      string `json:"prompt"`
	Interactive bool   `json:"interactive,omitempty"`
	Async       bool   `json:"async,omitempty"`
	TimeoutMs   int64  `json:"timeout_ms,omitempty"`
}

type executeResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Stdout    string `json:"stdout,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := s.service.Execute(r.Context(), ExecuteInput{
		RequestID:   req.RequestID,
		ChatID:      req.ChatID,
		Workspace:   req.Workspace,
		Prompt:      req.Prompt,
		Interactive: req.Interactive,
		Async:       req.Async,
		Timeout:     time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		s.mapError(w, err)
		return
	}

	body := executeResponse{
		RequestID: result.RequestID,
		Status:    result.State,
		Duplicate: result.Duplicate,
		ExitCode:  result.ExitCode,
		Stdout:    result.Stdout,
		Stderr:    result.Stderr,
		Error:     result.Error,
	}

	switch {
	case result.Duplicate:
		s.writeJSON(w, http.StatusOK, body)
	case result.State == store.StateQueued || result.State == store.StateProcessing:
		s.writeJSON(w, http.StatusAccepted, body)
	case result.Cause != nil && errors.Is(result.Cause, transport.ErrCircuitOpen):
		s.writeJSON(w, http.StatusServiceUnavailable, body)
	case result.State == store.StateTimeout:
		s.writeJSON(w, http.StatusGatewayTimeout, body)
	default:
		s.writeJSON(w, http.StatusOK, body)
	}
}

type callbackRequest struct {
	RequestID string `json:"request_id"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Stdout    string `json:"stdout,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	record, duplicate, err := s.service.CompleteCallback(r.Context(), CallbackInput{
		RequestID: req.RequestID,
		ExitCode:  req.ExitCode,
		Stdout:    req.Stdout,
		Stderr:    req.Stderr,
		Error:     req.Error,
	})
	if err != nil {
		s.mapError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"request_id": record.ID,
		"status":     record.State,
		"duplicate":  duplicate,
	})
}

type statusResponse struct {
	RequestID     string  `json:"request_id"`
	ChatID        string  `json:"chat_id,omitempty"`
	Workspace     string  `json:"workspace"`
	State         string  `json:"state"`
	PreviousState string  `json:"previous_state,omitempty"`
	CreatedAt     string  `json:"created_at"`
	LastUpdatedAt string  `json:"last_updated_at"`
	ElapsedMs     int64   `json:"elapsed_ms"`
	ExitCode      *int    `json:"exit_code,omitempty"`
	Output        string  `json:"output,omitempty"`
	Error         string  `json:"error,omitempty"`
	TimedOut      bool    `json:"timed_out,omitempty"`
	CompletedAt   *string `json:"completed_at,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")

	req, err := s.service.GetStatus(r.Context(), requestID)
	if err != nil {
		s.mapError(w, err)
		return
	}

	elapsed := req.LastUpdatedAt.Sub(req.CreatedAt)
	if !store.IsTerminalState(req.State) {
		elapsed = time.Since(req.CreatedAt)
	}

	body := statusResponse{
		RequestID:     req.ID,
		ChatID:        req.ChatID,
		Workspace:     req.Workspace,
		State:         req.State,
		PreviousState: req.PreviousState,
		CreatedAt:     req.CreatedAt.Format(time.RFC3339),
		LastUpdatedAt: req.LastUpdatedAt.Format(time.RFC3339),
		ElapsedMs:     elapsed.Milliseconds(),
		ExitCode:      req.ExitCode,
		Output:        req.Output,
		Error:         req.Error,
		TimedOut:      req.TimedOut,
	}
	if req.CompletedAt != nil {
		done := req.CompletedAt.Format(time.RFC3339)
		body.CompletedAt = &done
	}
	s.writeJSON(w, http.StatusOK, body)
}

type createSessionRequest struct {
	Workspace string `json:"workspace"`
}

type sessionResponse struct {
	Workspace      string `json:"workspace"`
	SessionID      string `json:"session_id"`
	ContainerID    string `json:"container_id"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
	LastActivityAt string `json:"last_activity_at"`
	ActiveRequests int    `json:"active_requests"`
	TotalRequests  int    `json:"total_requests"`
}

func toSessionResponse(sess *store.Session) sessionResponse {
	return sessionResponse{
		Workspace:      sess.Workspace,
		SessionID:      sess.SessionID,
		ContainerID:    sess.ContainerID,
		Status:         sess.Status,
		CreatedAt:      sess.CreatedAt.Format(time.RFC3339),
		LastActivityAt: sess.LastActivityAt.Format(time.RFC3339),
		ActiveRequests: sess.ActiveRequests,
		TotalRequests:  sess.TotalRequests,
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sess, created, err := s.service.CreateSession(r.Context(), req.Workspace)
	if err != nil {
		s.mapError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, toSessionResponse(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.service.ListSessions()
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionResponse(sess))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": out,
		"total":    len(out),
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	workspace := chi.URLParam(r, "workspace")
	force := r.URL.Query().Get("force") == "true"

	if err := s.service.DeleteSession(r.Context(), workspace, force); err != nil {
		s.mapError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"workspace": workspace, "deleted": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.Health())
}

// mapError converts the error taxonomy to REST status codes: validation 400,
// not found 404, conflict 409, circuit open 503, timeout 504, otherwise 500.
func (s *Server) mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, tracker.ErrInvalidState):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, session.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrActiveRequests),
		errors.Is(err, store.ErrDuplicateRequest),
		errors.Is(err, store.ErrDuplicateSession),
		errors.Is(err, tracker.ErrTerminalState):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, transport.ErrCircuitOpen):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, transport.ErrTimeout):
		s.writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
