// Package web serves the branded chat application: an embedded UI, a JSON
// API over the chat service, SSE streaming, feedback capture, and PDF
// report downloads.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/osclabs/market-intelligence/chat"
	"github.com/osclabs/market-intelligence/config"
	"github.com/osclabs/market-intelligence/databricks"
)

const recentConversationLimit = 5

// FeedbackRecorder captures analyst feedback against traces. Best-effort:
// the booleans report whether the feedback was recorded.
type FeedbackRecorder interface {
	LogSatisfaction(ctx context.Context, traceID string, satisfied bool, userID string) bool
	LogReviewRequest(ctx context.Context, traceID, userID string) bool
	LogCorrection(ctx context.Context, traceID, correction, userID string) bool
}

// Server exposes HTTP handlers for the chat workflows.
type Server struct {
	cfg      config.Config
	logger   *log.Logger
	svc      *chat.Service
	feedback FeedbackRecorder
	fallback databricks.UserInfo
	sessions *Sessions
	handler  http.Handler
}

// Options wires the server's collaborators.
type Options struct {
	Config   config.Config
	Logger   *log.Logger
	Service  *chat.Service
	Feedback FeedbackRecorder
	// DefaultUser identifies requests that carry no forwarded identity
	// headers (local development against the workspace CLI profile).
	DefaultUser databricks.UserInfo
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New constructs the server and its routes.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	s := &Server{
		cfg:      opts.Config,
		logger:   logger,
		svc:      opts.Service,
		feedback: opts.Feedback,
		fallback: opts.DefaultUser,
		sessions: NewSessions(),
	}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.Handle("GET /static/", http.StripPrefix("/static/", s.staticHandler()))
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /v1/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /v1/conversations", s.handleListConversations)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.handleConversationMessages)
	mux.HandleFunc("GET /v1/conversations/{id}/report", s.handleConversationReport)

	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /v1/queries/{id}", s.handleQueryStatus)

	mux.HandleFunc("POST /v1/feedback", s.handleFeedback)
	mux.HandleFunc("POST /v1/review", s.handleReview)
	mux.HandleFunc("POST /v1/corrections", s.handleCorrection)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}

// userFor resolves the request's analyst identity. Deployed instances
// forward the end user in headers; local runs fall back to the workspace
// profile user resolved at startup.
func (s *Server) userFor(r *http.Request) databricks.UserInfo {
	if email := r.Header.Get("X-Forwarded-Email"); email != "" {
		display := r.Header.Get("X-Forwarded-Preferred-Username")
		if display == "" {
			display = email
		}
		return databricks.UserInfo{UserID: email, DisplayName: display, Active: true}
	}
	return s.fallback
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Printf("api error (%d): %v", status, err)
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}
	return nil
}
