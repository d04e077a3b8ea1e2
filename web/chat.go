package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

type chatRequest struct {
	ConversationID int64  `json:"conversation_id"`
	Question       string `json:"question"`
	Async          bool   `json:"async"`
}

type chatResponse struct {
	ConversationID int64  `json:"conversation_id"`
	MessageID      int64  `json:"message_id,omitempty"`
	QueryID        string `json:"query_id,omitempty"`
	Answer         string `json:"answer,omitempty"`
	TraceID        string `json:"trace_id,omitempty"`
	Status         string `json:"status"`
	Persisted      bool   `json:"persisted"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("question is required"))
		return
	}

	session := s.sessions.Get(w, r)
	user := s.userFor(r)
	ctx := r.Context()

	if req.Async {
		if !s.cfg.App.AsyncQueriesEnabled {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("async queries are disabled"))
			return
		}
		resp, err := s.svc.AskAsync(ctx, user.UserID, req.ConversationID, req.Question)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, fmt.Errorf("submit question: %w", err))
			return
		}
		session.SetConversation(resp.ConversationID)
		s.writeJSON(w, http.StatusAccepted, chatResponse{
			ConversationID: resp.ConversationID,
			MessageID:      resp.MessageID,
			QueryID:        resp.QueryID,
			Status:         "pending",
			Persisted:      resp.Persisted,
		})
		return
	}

	resp, err := s.svc.Ask(ctx, user.UserID, req.ConversationID, req.Question)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("answer question: %w", err))
		return
	}
	session.SetConversation(resp.ConversationID)
	session.SetTrace(resp.TraceID)

	s.writeJSON(w, http.StatusOK, chatResponse{
		ConversationID: resp.ConversationID,
		MessageID:      resp.MessageID,
		Answer:         resp.Answer,
		TraceID:        resp.TraceID,
		Status:         "complete",
		Persisted:      resp.Persisted,
	})
}

// handleChatStream answers over SSE: "chunk" events carry answer deltas,
// one final "done" event carries the assembled response.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	question := strings.TrimSpace(r.URL.Query().Get("question"))
	if question == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("question is required"))
		return
	}

	var conversationID int64
	if raw := r.URL.Query().Get("conversation_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid conversation_id: %w", err))
			return
		}
		conversationID = id
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported by connection"))
		return
	}

	session := s.sessions.Get(w, r)
	user := s.userFor(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	resp, err := s.svc.AskStream(r.Context(), user.UserID, conversationID, question, func(chunk string) error {
		return writeSSE(w, flusher, "chunk", map[string]string{"text": chunk})
	})
	if err != nil {
		s.logger.Printf("stream chat: %v", err)
		_ = writeSSE(w, flusher, "error", map[string]string{"error": err.Error()})
		return
	}

	session.SetConversation(resp.ConversationID)
	session.SetTrace(resp.TraceID)

	_ = writeSSE(w, flusher, "done", chatResponse{
		ConversationID: resp.ConversationID,
		MessageID:      resp.MessageID,
		Answer:         resp.Answer,
		TraceID:        resp.TraceID,
		Status:         "complete",
		Persisted:      resp.Persisted,
	})
}

func (s *Server) handleQueryStatus(w http.ResponseWriter, r *http.Request) {
	queryID := r.PathValue("id")
	if queryID == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("query id is required"))
		return
	}

	resp, done, err := s.svc.CheckAsync(r.Context(), queryID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("check query: %w", err))
		return
	}

	status := "pending"
	if done {
		status = "complete"
		s.sessions.Get(w, r).SetTrace(resp.TraceID)
	}
	s.writeJSON(w, http.StatusOK, chatResponse{
		ConversationID: resp.ConversationID,
		MessageID:      resp.MessageID,
		QueryID:        queryID,
		Answer:         resp.Answer,
		TraceID:        resp.TraceID,
		Status:         status,
		Persisted:      resp.Persisted,
	})
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal sse payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("write sse event: %w", err)
	}
	flusher.Flush()
	return nil
}
