package web

import (
	"fmt"
	"net/http"
	"strings"
)

type feedbackRequest struct {
	MessageID  int64  `json:"message_id"`
	TraceID    string `json:"trace_id"`
	Satisfied  *bool  `json:"satisfied,omitempty"`
	Correction string `json:"correction,omitempty"`
}

type feedbackResponse struct {
	Recorded bool `json:"recorded"`
}

// handleFeedback records a thumbs up/down against the answer's trace.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Satisfied == nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("satisfied is required"))
		return
	}

	session := s.sessions.Get(w, r)
	traceID := s.resolveTrace(req.TraceID, session)
	user := s.userFor(r)

	recorded := false
	if s.feedback != nil {
		recorded = s.feedback.LogSatisfaction(r.Context(), traceID, *req.Satisfied, user.UserID)
	}
	if req.MessageID != 0 {
		session.FeedbackFor(req.MessageID).Satisfied = req.Satisfied
	}
	s.writeJSON(w, http.StatusOK, feedbackResponse{Recorded: recorded})
}

// handleReview flags the answer for analyst review.
func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	session := s.sessions.Get(w, r)
	traceID := s.resolveTrace(req.TraceID, session)
	user := s.userFor(r)

	recorded := false
	if s.feedback != nil {
		recorded = s.feedback.LogReviewRequest(r.Context(), traceID, user.UserID)
	}
	if req.MessageID != 0 {
		session.FeedbackFor(req.MessageID).ReviewFlagged = true
	}
	s.writeJSON(w, http.StatusOK, feedbackResponse{Recorded: recorded})
}

// handleCorrection records the analyst's expected answer.
func (s *Server) handleCorrection(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	req.Correction = strings.TrimSpace(req.Correction)
	if req.Correction == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("correction is required"))
		return
	}

	session := s.sessions.Get(w, r)
	traceID := s.resolveTrace(req.TraceID, session)
	user := s.userFor(r)

	recorded := false
	if s.feedback != nil {
		recorded = s.feedback.LogCorrection(r.Context(), traceID, req.Correction, user.UserID)
	}
	s.writeJSON(w, http.StatusOK, feedbackResponse{Recorded: recorded})
}

// resolveTrace prefers the trace id the client sent, falling back to the
// session's most recent one.
func (s *Server) resolveTrace(traceID string, session *Session) string {
	if traceID != "" {
		return traceID
	}
	return session.Trace()
}
