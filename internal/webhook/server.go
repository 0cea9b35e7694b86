// internal/webhook/server.go
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/user/remoteagent/internal/state"
	"github.com/user/remoteagent/internal/types"
)

// Dispatcher accepts inbound messages for processing.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg types.InboundMessage) error
}

// SessionLister lists sessions, most recent first.
type SessionLister interface {
	ListSessions(ctx context.Context, limit int) ([]*types.Session, error)
}

// Transcripts reads per-session event logs.
type Transcripts interface {
	Tail(ctx context.Context, sessionID types.SessionID, limit int) ([]*types.Event, error)
	Count(ctx context.Context, sessionID types.SessionID) (int64, error)
}

// Server is a lightweight HTTP handler for webhook endpoints.
type Server struct {
	tasks       *state.TaskStore
	dispatcher  Dispatcher
	sessions    SessionLister
	transcripts Transcripts
	github      http.Handler
	logger      *slog.Logger
	mux         *http.ServeMux
}

// Option configures optional Server endpoints.
type Option func(*Server)

// WithSessions enables the read-only session API.
func WithSessions(sessions SessionLister, transcripts Transcripts) Option {
	return func(s *Server) {
		s.sessions = sessions
		s.transcripts = transcripts
	}
}

// WithGitHub mounts the GitHub webhook receiver at /webhooks/github.
func WithGitHub(h http.Handler) Option {
	return func(s *Server) { s.github = h }
}

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a webhook Server that hands prompts to dispatcher.
func NewServer(tasks *state.TaskStore, dispatcher Dispatcher, opts ...Option) *Server {
	s := &Server{
		tasks:      tasks,
		dispatcher: dispatcher,
		logger:     slog.Default(),
		mux:        http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /webhook", s.handleAdHoc)
	s.mux.HandleFunc("POST /webhook/{name}", s.handleNamedTask)
	s.mux.HandleFunc("POST /webhooks/github", s.handleGitHub)
	s.mux.HandleFunc("GET /api/sessions", s.handleAPISessions)
	s.mux.HandleFunc("GET /api/sessions/{id}/events", s.handleAPISessionEvents)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// adHocRequest is the JSON body for POST /webhook.
type adHocRequest struct {
	Prompt         string `json:"prompt"`
	Platform       string `json:"platform"`
	ConversationID string `json:"conversation_id"`
}

func (s *Server) handleAdHoc(w http.ResponseWriter, r *http.Request) {
	var req adHocRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	if req.Prompt == "" || req.Platform == "" || req.ConversationID == "" {
		http.Error(w, `{"error":"prompt, platform and conversation_id are required"}`, http.StatusBadRequest)
		return
	}

	s.dispatch(w, r, types.InboundMessage{
		Platform:       req.Platform,
		ConversationID: req.ConversationID,
		UserID:         "webhook",
		Text:           req.Prompt,
	})
}

// namedTaskRequest is the optional JSON body for POST /webhook/{name}.
type namedTaskRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleNamedTask(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	task, err := s.tasks.Get(name)
	if errors.Is(err, state.ErrTaskNotFound) {
		http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("load task failed", "task", name, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	if !task.Enabled {
		http.Error(w, `{"error":"task is disabled"}`, http.StatusForbidden)
		return
	}

	msg := task.Target()

	// Allow body to override the prompt
	var body namedTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Prompt != "" {
		msg.Text = body.Prompt
	}

	s.dispatch(w, r, msg)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, msg types.InboundMessage) {
	if err := s.dispatcher.Dispatch(r.Context(), msg); err != nil {
		s.logger.Error("webhook dispatch failed", "platform", msg.Platform, "conversation_id", msg.ConversationID, "error", err)
		http.Error(w, `{"error":"could not queue message"}`, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleGitHub(w http.ResponseWriter, r *http.Request) {
	if s.github == nil {
		http.Error(w, `{"error":"github integration not configured"}`, http.StatusNotFound)
		return
	}
	s.github.ServeHTTP(w, r)
}

type sessionResponse struct {
	SessionID          string  `json:"session_id"`
	ConversationID     string  `json:"conversation_id"`
	CodebaseID         string  `json:"codebase_id,omitempty"`
	Assistant          string  `json:"assistant"`
	AssistantSessionID string  `json:"assistant_session_id,omitempty"`
	Active             bool    `json:"active"`
	StartedAt          string  `json:"started_at"`
	EndedAt            *string `json:"ended_at,omitempty"`
	EventCount         int64   `json:"event_count"`
}

func queryLimit(r *http.Request, def int) int {
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil || s.transcripts == nil {
		http.Error(w, `{"error":"session API not configured"}`, http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()
	sessions, err := s.sessions.ListSessions(ctx, queryLimit(r, 50))
	if err != nil {
		s.logger.Error("list sessions failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	result := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		count, err := s.transcripts.Count(ctx, sess.ID)
		if err != nil {
			s.logger.Warn("count events failed", "session_id", sess.ID, "error", err)
		}
		resp := sessionResponse{
			SessionID:          string(sess.ID),
			ConversationID:     string(sess.ConversationID),
			CodebaseID:         string(sess.CodebaseID),
			Assistant:          sess.AIAssistantType,
			AssistantSessionID: sess.AssistantSessionID,
			Active:             sess.Active,
			StartedAt:          sess.StartedAt.Format(time.RFC3339),
			EventCount:         count,
		}
		if sess.EndedAt != nil {
			ended := sess.EndedAt.Format(time.RFC3339)
			resp.EndedAt = &ended
		}
		result = append(result, resp)
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAPISessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.transcripts == nil {
		http.Error(w, `{"error":"session API not configured"}`, http.StatusServiceUnavailable)
		return
	}
	id := r.PathValue("id")
	if _, err := ulid.ParseStrict(id); err != nil {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	sessionID := types.SessionID(id)

	events, err := s.transcripts.Tail(r.Context(), sessionID, queryLimit(r, 200))
	if err != nil {
		s.logger.Error("tail events failed", "session_id", sessionID, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*types.Event{}
	}

	writeJSON(w, http.StatusOK, events)
}
