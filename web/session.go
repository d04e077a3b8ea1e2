package web

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
)

const sessionCookie = "mi_session"

// FeedbackState tracks which feedback buttons the analyst has used for one
// answered message, so the UI can highlight them across reloads.
type FeedbackState struct {
	Satisfied     *bool `json:"satisfied"`
	ReviewFlagged bool  `json:"review_flagged"`
}

// Session is the ephemeral per-browser state: the active conversation, the
// last trace id for feedback, and feedback flags. Durable state lives in
// Postgres; losing a session loses nothing but UI affordances.
type Session struct {
	mu sync.Mutex

	ConversationID int64
	LastTraceID    string
	Feedback       map[int64]*FeedbackState
}

// SetConversation switches the active conversation.
func (s *Session) SetConversation(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ConversationID = id
}

// SetTrace remembers the most recent trace id for feedback calls that
// don't carry one.
func (s *Session) SetTrace(traceID string) {
	if traceID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastTraceID = traceID
}

// Trace returns the remembered trace id.
func (s *Session) Trace() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LastTraceID
}

// FeedbackFor returns (creating if needed) the feedback state for a message.
func (s *Session) FeedbackFor(messageID int64) *FeedbackState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Feedback == nil {
		s.Feedback = make(map[int64]*FeedbackState)
	}
	state, ok := s.Feedback[messageID]
	if !ok {
		state = &FeedbackState{}
		s.Feedback[messageID] = state
	}
	return state
}

// feedbackIfAny returns the feedback state for a message without creating
// one, nil when the analyst has given none.
func (s *Session) feedbackIfAny(messageID int64) *FeedbackState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Feedback[messageID]
}

// Sessions is an in-memory cookie-keyed session registry.
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessions creates an empty registry.
func NewSessions() *Sessions {
	return &Sessions{sessions: make(map[string]*Session)}
}

// Get returns the request's session, creating one (and setting the cookie)
// when the request has none.
func (s *Sessions) Get(w http.ResponseWriter, r *http.Request) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cookie, err := r.Cookie(sessionCookie); err == nil {
		if session, ok := s.sessions[cookie.Value]; ok {
			return session
		}
	}

	id := uuid.NewString()
	session := &Session{}
	s.sessions[id] = session

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return session
}
