package web

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/osclabs/market-intelligence/database"
	"github.com/osclabs/market-intelligence/report"
)

type conversationResponse struct {
	ID            int64     `json:"id"`
	UserID        string    `json:"user_id"`
	TraceID       string    `json:"trace_id,omitempty"`
	MessageCount  int64     `json:"message_count"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
}

type conversationMessageResponse struct {
	ID        int64          `json:"id"`
	Question  string         `json:"question"`
	Answer    string         `json:"answer"`
	Status    string         `json:"status"`
	QueryID   string         `json:"query_id,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Feedback  *FeedbackState `json:"feedback,omitempty"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	if !s.svc.PersistenceEnabled() {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("conversation history is disabled"))
		return
	}

	user := s.userFor(r)
	id, err := s.svc.NewConversation(r.Context(), user.UserID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("create conversation: %w", err))
		return
	}

	s.sessions.Get(w, r).SetConversation(id)
	s.writeJSON(w, http.StatusCreated, conversationResponse{ID: id, UserID: user.UserID, CreatedAt: time.Now()})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	user := s.userFor(r)
	conversations, err := s.svc.Conversations(r.Context(), user.UserID, recentConversationLimit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("list conversations: %w", err))
		return
	}

	out := make([]conversationResponse, 0, len(conversations))
	for _, c := range conversations {
		out = append(out, conversationResponse{
			ID:            c.ID,
			UserID:        c.UserID,
			TraceID:       c.MLflowTraceID,
			MessageCount:  c.MessageCount,
			CreatedAt:     c.CreatedAt,
			LastMessageAt: c.LastMessageAt,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	id, err := conversationID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	messages, err := s.svc.Messages(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("load messages: %w", err))
		return
	}

	session := s.sessions.Get(w, r)
	out := make([]conversationMessageResponse, 0, len(messages))
	for _, m := range messages {
		out = append(out, conversationMessageResponse{
			ID:        m.ID,
			Question:  m.Question,
			Answer:    m.Answer,
			Status:    m.Status,
			QueryID:   m.QueryID,
			TraceID:   m.TraceID,
			CreatedAt: m.CreatedAt,
			Feedback:  session.feedbackIfAny(m.ID),
		})
	}
	session.SetConversation(id)
	s.writeJSON(w, http.StatusOK, out)
}

// handleConversationReport renders the conversation as a PDF download.
// ?type=latest exports only the most recent completed exchange.
func (s *Server) handleConversationReport(w http.ResponseWriter, r *http.Request) {
	id, err := conversationID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	messages, err := s.svc.Messages(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("load messages: %w", err))
		return
	}

	reportType := report.TypeFull
	prefix := "conversation_history"
	if r.URL.Query().Get("type") == "latest" {
		reportType = report.TypeLatest
		prefix = "market_intelligence_report"
	}

	entries := reportEntries(messages)
	if len(entries) == 0 {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("conversation %d has no completed answers", id))
		return
	}

	traceID, err := s.svc.ConversationTrace(r.Context(), id)
	if err != nil {
		s.logger.Printf("load conversation trace: %v", err)
	}

	user := s.userFor(r)
	pdf, err := report.Build(report.Params{
		Title:          s.cfg.App.Title,
		ConversationID: id,
		TraceID:        traceID,
		UserName:       user.DisplayName,
		Messages:       entries,
		Type:           reportType,
		GeneratedAt:    time.Now(),
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("build report: %w", err))
		return
	}

	filename := fmt.Sprintf("%s_%s.pdf", prefix, time.Now().Format("20060102_150405"))
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(pdf)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(pdf); err != nil {
		s.logger.Printf("write report: %v", err)
	}
}

// reportEntries keeps only completed exchanges; report.Build handles the
// latest-only trimming itself.
func reportEntries(messages []database.Message) []report.Entry {
	var entries []report.Entry
	for _, m := range messages {
		if m.Status != database.StatusComplete {
			continue
		}
		entries = append(entries, report.Entry{Question: m.Question, Answer: m.Answer})
	}
	return entries
}

func conversationID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid conversation id %q", raw)
	}
	return id, nil
}
