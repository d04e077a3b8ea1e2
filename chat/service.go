// Package chat orchestrates the question flow: persist the analyst's
// question, call the inference endpoint with conversation history, record
// the answer and its trace id, and resolve long-running async queries.
package chat

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/osclabs/market-intelligence/database"
	"github.com/osclabs/market-intelligence/inference"
)

// Store is the slice of the persistence layer the service needs. A nil
// Store runs the service in chat-only mode (no history).
type Store interface {
	CreateConversation(ctx context.Context, userID, traceID string) (int64, error)
	UpdateConversationTrace(ctx context.Context, conversationID int64, traceID string) error
	ConversationTrace(ctx context.Context, conversationID int64) (string, error)
	AddMessage(ctx context.Context, p database.AddMessageParams) (int64, error)
	UpdateMessage(ctx context.Context, messageID int64, answer, status, traceID *string) error
	ConversationMessages(ctx context.Context, conversationID int64) ([]database.Message, error)
	MessageByQueryID(ctx context.Context, queryID string) (*database.Message, error)
	RecentConversations(ctx context.Context, userID string, limit int) ([]database.Conversation, error)
}

// Service wires the store and the inference client together.
type Service struct {
	store  Store
	client inference.Client
	logger *log.Logger
}

// Response is the outcome of an Ask variant.
type Response struct {
	ConversationID int64
	MessageID      int64
	QueryID        string
	Answer         string
	TraceID        string
	Persisted      bool
}

// NewService builds a Service. store may be nil (chat-only mode).
func NewService(store Store, client inference.Client, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{store: store, client: client, logger: logger}
}

// PersistenceEnabled reports whether conversation history is stored.
func (s *Service) PersistenceEnabled() bool {
	return s.store != nil
}

// Ask answers a question synchronously.
func (s *Service) Ask(ctx context.Context, userID string, conversationID int64, question string) (Response, error) {
	return s.ask(ctx, userID, conversationID, question, nil)
}

// AskStream answers a question, forwarding chunks to fn as they arrive.
func (s *Service) AskStream(ctx context.Context, userID string, conversationID int64, question string, fn func(chunk string) error) (Response, error) {
	return s.ask(ctx, userID, conversationID, question, fn)
}

func (s *Service) ask(ctx context.Context, userID string, conversationID int64, question string, fn func(string) error) (Response, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Response{}, fmt.Errorf("question cannot be empty")
	}
	if s.client == nil {
		return Response{}, fmt.Errorf("inference client is not configured")
	}

	messages, err := s.historyFor(ctx, conversationID)
	if err != nil {
		return Response{}, err
	}
	messages = append(messages, inference.UserMessage(question))

	resp := Response{ConversationID: conversationID}
	var messageID int64
	if s.store != nil {
		resp.ConversationID, err = s.ensureConversation(ctx, userID, conversationID)
		if err != nil {
			return Response{}, err
		}
		messageID, err = s.store.AddMessage(ctx, database.AddMessageParams{
			ConversationID: resp.ConversationID,
			UserID:         userID,
			Question:       question,
			Status:         database.StatusPending,
		})
		if err != nil {
			return Response{}, err
		}
		resp.MessageID = messageID
		resp.Persisted = true
	}

	var result inference.Result
	if fn != nil {
		result, err = s.client.QueryStream(ctx, messages, fn)
	} else {
		result, err = s.client.Query(ctx, messages)
	}
	if err != nil {
		s.markFailed(ctx, messageID)
		return Response{}, fmt.Errorf("query endpoint: %w", err)
	}

	resp.Answer = result.Answer
	resp.TraceID = result.TraceID

	if s.store != nil {
		if err := s.completeMessage(ctx, resp.ConversationID, messageID, result); err != nil {
			// The answer exists; surface it even when bookkeeping fails.
			s.logger.Printf("persist answer for message %d: %v", messageID, err)
		}
	}
	return resp, nil
}

// AskAsync submits a long-running query and persists a pending message
// carrying the query id for later polling.
func (s *Service) AskAsync(ctx context.Context, userID string, conversationID int64, question string) (Response, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Response{}, fmt.Errorf("question cannot be empty")
	}

	async, ok := s.client.(inference.AsyncClient)
	if !ok {
		return Response{}, fmt.Errorf("inference provider does not support async queries")
	}

	messages, err := s.historyFor(ctx, conversationID)
	if err != nil {
		return Response{}, err
	}
	messages = append(messages, inference.UserMessage(question))

	queryID, err := async.QueryAsync(ctx, messages)
	if err != nil {
		return Response{}, fmt.Errorf("submit async query: %w", err)
	}

	resp := Response{ConversationID: conversationID, QueryID: queryID}
	if s.store != nil {
		resp.ConversationID, err = s.ensureConversation(ctx, userID, conversationID)
		if err != nil {
			return Response{}, err
		}
		resp.MessageID, err = s.store.AddMessage(ctx, database.AddMessageParams{
			ConversationID: resp.ConversationID,
			UserID:         userID,
			Question:       question,
			Status:         database.StatusPending,
			QueryID:        queryID,
		})
		if err != nil {
			return Response{}, err
		}
		resp.Persisted = true
	}
	return resp, nil
}

// CheckAsync polls an async query; when it has finished, the pending
// message is resolved to complete.
func (s *Service) CheckAsync(ctx context.Context, queryID string) (Response, bool, error) {
	async, ok := s.client.(inference.AsyncClient)
	if !ok {
		return Response{}, false, fmt.Errorf("inference provider does not support async queries")
	}

	status, err := async.CheckQuery(ctx, queryID)
	if err != nil {
		return Response{}, false, fmt.Errorf("check query %s: %w", queryID, err)
	}
	if !status.Done {
		return Response{QueryID: queryID}, false, nil
	}

	resp := Response{
		QueryID: queryID,
		Answer:  status.Result.Answer,
		TraceID: status.Result.TraceID,
	}

	if s.store != nil {
		msg, err := s.store.MessageByQueryID(ctx, queryID)
		if err != nil {
			return Response{}, false, err
		}
		if msg != nil {
			resp.ConversationID = msg.ConversationID
			resp.MessageID = msg.ID
			resp.Persisted = true
			if msg.Status == database.StatusPending {
				if err := s.completeMessage(ctx, msg.ConversationID, msg.ID, status.Result); err != nil {
					s.logger.Printf("resolve async message %d: %v", msg.ID, err)
				}
			}
		}
	}
	return resp, true, nil
}

// NewConversation creates an empty conversation for the user.
func (s *Service) NewConversation(ctx context.Context, userID string) (int64, error) {
	if s.store == nil {
		return 0, fmt.Errorf("conversation history is disabled")
	}
	return s.store.CreateConversation(ctx, userID, "")
}

// Conversations lists the user's recent conversations.
func (s *Service) Conversations(ctx context.Context, userID string, limit int) ([]database.Conversation, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.RecentConversations(ctx, userID, limit)
}

// Messages returns the conversation transcript oldest-first.
func (s *Service) Messages(ctx context.Context, conversationID int64) ([]database.Message, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ConversationMessages(ctx, conversationID)
}

// ConversationTrace returns the conversation-level trace id.
func (s *Service) ConversationTrace(ctx context.Context, conversationID int64) (string, error) {
	if s.store == nil {
		return "", nil
	}
	return s.store.ConversationTrace(ctx, conversationID)
}

func (s *Service) ensureConversation(ctx context.Context, userID string, conversationID int64) (int64, error) {
	if conversationID != 0 {
		return conversationID, nil
	}
	id, err := s.store.CreateConversation(ctx, userID, "")
	if err != nil {
		return 0, fmt.Errorf("create conversation: %w", err)
	}
	return id, nil
}

func (s *Service) historyFor(ctx context.Context, conversationID int64) ([]inference.Message, error) {
	if s.store == nil || conversationID == 0 {
		return nil, nil
	}
	stored, err := s.store.ConversationMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation history: %w", err)
	}
	pairs := make([][2]string, 0, len(stored))
	for _, m := range stored {
		if m.Status != database.StatusComplete {
			continue
		}
		pairs = append(pairs, [2]string{m.Question, m.Answer})
	}
	return inference.HistoryMessages(pairs), nil
}

// completeMessage records the answer and sets the conversation-level trace
// id when this is the first traced answer.
func (s *Service) completeMessage(ctx context.Context, conversationID, messageID int64, result inference.Result) error {
	status := database.StatusComplete
	var tracePtr *string
	if result.TraceID != "" {
		tracePtr = &result.TraceID
	}
	if err := s.store.UpdateMessage(ctx, messageID, &result.Answer, &status, tracePtr); err != nil {
		return err
	}

	if result.TraceID == "" {
		return nil
	}
	existing, err := s.store.ConversationTrace(ctx, conversationID)
	if err != nil {
		return err
	}
	if existing == "" {
		return s.store.UpdateConversationTrace(ctx, conversationID, result.TraceID)
	}
	return nil
}

func (s *Service) markFailed(ctx context.Context, messageID int64) {
	if s.store == nil || messageID == 0 {
		return
	}
	status := database.StatusFailed
	if err := s.store.UpdateMessage(ctx, messageID, nil, &status, nil); err != nil {
		s.logger.Printf("mark message %d failed: %v", messageID, err)
	}
}
