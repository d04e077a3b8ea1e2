package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Message statuses.
const (
	StatusPending  = "pending"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Conversation is one analyst conversation. MessageCount and LastMessageAt
// are populated by RecentConversations only.
type Conversation struct {
	ID            int64
	UserID        string
	MLflowTraceID string
	CreatedAt     time.Time
	MessageCount  int64
	LastMessageAt time.Time
}

// Message is one question/answer turn.
type Message struct {
	ID             int64
	ConversationID int64
	UserID         string
	Question       string
	Answer         string
	Status         string
	QueryID        string
	TraceID        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store persists conversations and messages.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps a pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CreateConversation inserts a conversation and returns its id. traceID
// may be empty.
func (s *Store) CreateConversation(ctx context.Context, userID, traceID string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		"INSERT INTO conversations (user_id, mlflow_trace_id) VALUES ($1, NULLIF($2, '')) RETURNING id",
		userID, traceID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create conversation: %w", err)
	}
	return id, nil
}

// UpdateConversationTrace records the conversation-level trace id.
func (s *Store) UpdateConversationTrace(ctx context.Context, conversationID int64, traceID string) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE conversations SET mlflow_trace_id = $1 WHERE id = $2",
		traceID, conversationID,
	)
	if err != nil {
		return fmt.Errorf("update conversation trace: %w", err)
	}
	return nil
}

// ConversationTrace returns the conversation's trace id, empty when unset.
func (s *Store) ConversationTrace(ctx context.Context, conversationID int64) (string, error) {
	var traceID string
	err := s.pool.QueryRow(ctx,
		"SELECT COALESCE(mlflow_trace_id, '') FROM conversations WHERE id = $1",
		conversationID,
	).Scan(&traceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get conversation trace: %w", err)
	}
	return traceID, nil
}

// AddMessageParams carries the optional fields of a new message.
type AddMessageParams struct {
	ConversationID int64
	UserID         string
	Question       string
	Answer         string
	Status         string
	QueryID        string
	TraceID        string
}

// AddMessage inserts a message and returns its id. Empty Status defaults
// to pending.
func (s *Store) AddMessage(ctx context.Context, p AddMessageParams) (int64, error) {
	status := p.Status
	if status == "" {
		status = StatusPending
	}

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (conversation_id, user_id, question, answer, status, query_id, trace_id)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), NULLIF($7, ''))
		 RETURNING id`,
		p.ConversationID, p.UserID, p.Question, p.Answer, status, p.QueryID, p.TraceID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("add message: %w", err)
	}
	return id, nil
}

// UpdateMessage sets answer, status, and/or trace id; nil fields are left
// untouched.
func (s *Store) UpdateMessage(ctx context.Context, messageID int64, answer, status, traceID *string) error {
	if answer == nil && status == nil && traceID == nil {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE messages
		 SET answer = COALESCE($2, answer),
		     status = COALESCE($3, status),
		     trace_id = COALESCE($4, trace_id),
		     updated_at = CURRENT_TIMESTAMP
		 WHERE id = $1`,
		messageID, answer, status, traceID,
	)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

// ConversationMessages returns a conversation's messages oldest-first.
func (s *Store) ConversationMessages(ctx context.Context, conversationID int64) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, user_id, question,
		        COALESCE(answer, ''), COALESCE(status, ''),
		        COALESCE(query_id, ''), COALESCE(trace_id, ''),
		        created_at, updated_at
		 FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversation messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.UserID, &m.Question,
			&m.Answer, &m.Status, &m.QueryID, &m.TraceID,
			&m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// MessageByQueryID looks up a message by its async query id; nil when no
// such message exists.
func (s *Store) MessageByQueryID(ctx context.Context, queryID string) (*Message, error) {
	var m Message
	err := s.pool.QueryRow(ctx,
		`SELECT id, conversation_id, user_id, question,
		        COALESCE(answer, ''), COALESCE(status, ''),
		        COALESCE(query_id, ''), COALESCE(trace_id, ''),
		        created_at, updated_at
		 FROM messages
		 WHERE query_id = $1`,
		queryID,
	).Scan(
		&m.ID, &m.ConversationID, &m.UserID, &m.Question,
		&m.Answer, &m.Status, &m.QueryID, &m.TraceID,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message by query id: %w", err)
	}
	return &m, nil
}

// RecentConversations lists the user's conversations ordered by most
// recent activity, with message counts.
func (s *Store) RecentConversations(ctx context.Context, userID string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.user_id, COALESCE(c.mlflow_trace_id, ''), c.created_at,
		        COUNT(m.id) AS message_count,
		        MAX(COALESCE(m.created_at, c.created_at)) AS last_message_at
		 FROM conversations c
		 LEFT JOIN messages m ON c.id = m.conversation_id
		 WHERE c.user_id = $1
		 GROUP BY c.id, c.user_id, c.mlflow_trace_id, c.created_at
		 ORDER BY MAX(COALESCE(m.created_at, c.created_at)) DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.MLflowTraceID, &c.CreatedAt, &c.MessageCount, &c.LastMessageAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return conversations, nil
}

// Counts returns the number of conversations and messages.
func (s *Store) Counts(ctx context.Context) (conversations, messages int64, err error) {
	if err = s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM conversations").Scan(&conversations); err != nil {
		return 0, 0, fmt.Errorf("count conversations: %w", err)
	}
	if err = s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM messages").Scan(&messages); err != nil {
		return 0, 0, fmt.Errorf("count messages: %w", err)
	}
	return conversations, messages, nil
}

// ClearAll deletes every message and conversation and restarts the id
// sequences. Destructive; callers confirm first.
func (s *Store) ClearAll(ctx context.Context) error {
	stmts := []string{
		"DELETE FROM messages",
		"DELETE FROM conversations",
		"ALTER SEQUENCE conversations_id_seq RESTART WITH 1",
		"ALTER SEQUENCE messages_id_seq RESTART WITH 1",
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("clear conversations: %w", err)
		}
	}
	return nil
}
