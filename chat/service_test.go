package chat

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/osclabs/market-intelligence/database"
	"github.com/osclabs/market-intelligence/inference"
)

type stubStore struct {
	nextConversationID int64
	nextMessageID      int64
	conversationTrace  string
	messages           []database.Message
	byQueryID          *database.Message

	createdConversations int
	addedMessages        []database.AddMessageParams
	updates              []storeUpdate
	updatedTraces        []string

	err error
}

type storeUpdate struct {
	messageID int64
	answer    *string
	status    *string
	traceID   *string
}

func (s *stubStore) CreateConversation(ctx context.Context, userID, traceID string) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.createdConversations++
	return s.nextConversationID, nil
}

func (s *stubStore) UpdateConversationTrace(ctx context.Context, conversationID int64, traceID string) error {
	s.updatedTraces = append(s.updatedTraces, traceID)
	return nil
}

func (s *stubStore) ConversationTrace(ctx context.Context, conversationID int64) (string, error) {
	return s.conversationTrace, nil
}

func (s *stubStore) AddMessage(ctx context.Context, p database.AddMessageParams) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.addedMessages = append(s.addedMessages, p)
	return s.nextMessageID, nil
}

func (s *stubStore) UpdateMessage(ctx context.Context, messageID int64, answer, status, traceID *string) error {
	s.updates = append(s.updates, storeUpdate{messageID, answer, status, traceID})
	return nil
}

func (s *stubStore) ConversationMessages(ctx context.Context, conversationID int64) ([]database.Message, error) {
	return s.messages, nil
}

func (s *stubStore) MessageByQueryID(ctx context.Context, queryID string) (*database.Message, error) {
	return s.byQueryID, nil
}

func (s *stubStore) RecentConversations(ctx context.Context, userID string, limit int) ([]database.Conversation, error) {
	return nil, nil
}

var _ Store = (*stubStore)(nil)

type stubClient struct {
	result   inference.Result
	chunks   []string
	queryID  string
	status   inference.QueryStatus
	err      error
	received []inference.Message
}

func (c *stubClient) Query(ctx context.Context, messages []inference.Message) (inference.Result, error) {
	c.received = messages
	if c.err != nil {
		return inference.Result{}, c.err
	}
	return c.result, nil
}

func (c *stubClient) QueryStream(ctx context.Context, messages []inference.Message, fn func(string) error) (inference.Result, error) {
	c.received = messages
	if c.err != nil {
		return inference.Result{}, c.err
	}
	for _, chunk := range c.chunks {
		if err := fn(chunk); err != nil {
			return inference.Result{}, err
		}
	}
	return c.result, nil
}

func (c *stubClient) QueryAsync(ctx context.Context, messages []inference.Message) (string, error) {
	c.received = messages
	if c.err != nil {
		return "", c.err
	}
	return c.queryID, nil
}

func (c *stubClient) CheckQuery(ctx context.Context, queryID string) (inference.QueryStatus, error) {
	if c.err != nil {
		return inference.QueryStatus{}, c.err
	}
	return c.status, nil
}

var (
	_ inference.Client      = (*stubClient)(nil)
	_ inference.AsyncClient = (*stubClient)(nil)
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestAskPersistsQuestionAndAnswer(t *testing.T) {
	store := &stubStore{nextConversationID: 7, nextMessageID: 11}
	client := &stubClient{result: inference.Result{Answer: "the answer", TraceID: "tr-1"}}
	svc := NewService(store, client, testLogger())

	resp, err := svc.Ask(context.Background(), "analyst@osc.ca", 0, "what moved today?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.ConversationID != 7 || resp.MessageID != 11 {
		t.Fatalf("unexpected ids: %+v", resp)
	}
	if resp.Answer != "the answer" || resp.TraceID != "tr-1" {
		t.Fatalf("unexpected result: %+v", resp)
	}
	if !resp.Persisted {
		t.Fatal("expected persisted response")
	}
	if store.createdConversations != 1 {
		t.Fatalf("expected one new conversation, got %d", store.createdConversations)
	}
	if len(store.addedMessages) != 1 || store.addedMessages[0].Status != database.StatusPending {
		t.Fatalf("unexpected added messages: %+v", store.addedMessages)
	}
	if len(store.updates) != 1 {
		t.Fatalf("expected one update, got %d", len(store.updates))
	}
	update := store.updates[0]
	if update.answer == nil || *update.answer != "the answer" {
		t.Fatalf("answer not recorded: %+v", update)
	}
	if update.status == nil || *update.status != database.StatusComplete {
		t.Fatalf("status not recorded: %+v", update)
	}
	if len(store.updatedTraces) != 1 || store.updatedTraces[0] != "tr-1" {
		t.Fatalf("conversation trace not set: %v", store.updatedTraces)
	}
}

func TestAskIncludesCompletedHistory(t *testing.T) {
	store := &stubStore{
		nextConversationID: 3,
		nextMessageID:      20,
		messages: []database.Message{
			{Question: "q1", Answer: "a1", Status: database.StatusComplete},
			{Question: "q2", Answer: "", Status: database.StatusFailed},
		},
	}
	client := &stubClient{result: inference.Result{Answer: "a3"}}
	svc := NewService(store, client, testLogger())

	if _, err := svc.Ask(context.Background(), "u", 3, "q3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// q1 + a1 history pair, then the new question.
	if len(client.received) != 3 {
		t.Fatalf("expected 3 messages, got %d: %+v", len(client.received), client.received)
	}
	if client.received[2].Content != "q3" {
		t.Fatalf("last message should be the new question, got %+v", client.received[2])
	}
}

func TestAskMarksFailureOnEndpointError(t *testing.T) {
	store := &stubStore{nextConversationID: 1, nextMessageID: 2}
	client := &stubClient{err: errors.New("endpoint down")}
	svc := NewService(store, client, testLogger())

	if _, err := svc.Ask(context.Background(), "u", 0, "q"); err == nil {
		t.Fatal("expected error from endpoint")
	}

	if len(store.updates) != 1 {
		t.Fatalf("expected failed-status update, got %d updates", len(store.updates))
	}
	update := store.updates[0]
	if update.status == nil || *update.status != database.StatusFailed {
		t.Fatalf("expected failed status, got %+v", update)
	}
	if update.answer != nil {
		t.Fatal("failed update should not set an answer")
	}
}

func TestAskRejectsEmptyQuestion(t *testing.T) {
	svc := NewService(nil, &stubClient{}, testLogger())
	if _, err := svc.Ask(context.Background(), "u", 0, "   "); err == nil {
		t.Fatal("expected error for empty question")
	}
}

func TestAskWithoutStoreRunsChatOnly(t *testing.T) {
	client := &stubClient{result: inference.Result{Answer: "a"}}
	svc := NewService(nil, client, testLogger())

	resp, err := svc.Ask(context.Background(), "u", 0, "q")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Persisted {
		t.Fatal("chat-only response should not be persisted")
	}
	if resp.Answer != "a" {
		t.Fatalf("unexpected answer: %q", resp.Answer)
	}
}

func TestAskStreamForwardsChunks(t *testing.T) {
	client := &stubClient{
		chunks: []string{"Hel", "lo"},
		result: inference.Result{Answer: "Hello"},
	}
	svc := NewService(nil, client, testLogger())

	var got []string
	resp, err := svc.AskStream(context.Background(), "u", 0, "q", func(chunk string) error {
		got = append(got, chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || resp.Answer != "Hello" {
		t.Fatalf("unexpected stream result: chunks=%v answer=%q", got, resp.Answer)
	}
}

func TestAskAsyncStoresQueryID(t *testing.T) {
	store := &stubStore{nextConversationID: 4, nextMessageID: 8}
	client := &stubClient{queryID: "q-55"}
	svc := NewService(store, client, testLogger())

	resp, err := svc.AskAsync(context.Background(), "u", 0, "slow question")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.QueryID != "q-55" {
		t.Fatalf("unexpected query id: %q", resp.QueryID)
	}
	if len(store.addedMessages) != 1 || store.addedMessages[0].QueryID != "q-55" {
		t.Fatalf("query id not persisted: %+v", store.addedMessages)
	}
}

func TestCheckAsyncResolvesPendingMessage(t *testing.T) {
	store := &stubStore{
		byQueryID: &database.Message{
			ID:             9,
			ConversationID: 5,
			Status:         database.StatusPending,
		},
	}
	client := &stubClient{
		status: inference.QueryStatus{
			QueryID: "q-9",
			Done:    true,
			Result:  inference.Result{Answer: "resolved", TraceID: "tr-9"},
		},
	}
	svc := NewService(store, client, testLogger())

	resp, done, err := svc.CheckAsync(context.Background(), "q-9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !done {
		t.Fatal("expected completed query")
	}
	if resp.ConversationID != 5 || resp.MessageID != 9 || resp.Answer != "resolved" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(store.updates) != 1 {
		t.Fatalf("pending message should be updated, got %d updates", len(store.updates))
	}
}

func TestCheckAsyncInFlight(t *testing.T) {
	client := &stubClient{status: inference.QueryStatus{QueryID: "q-1", Done: false}}
	svc := NewService(nil, client, testLogger())

	_, done, err := svc.CheckAsync(context.Background(), "q-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done {
		t.Fatal("expected in-flight query")
	}
}
