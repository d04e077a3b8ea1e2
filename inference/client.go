// Package inference wraps the remote model-serving endpoint: synchronous,
// streaming, and asynchronous question answering, plus normalization of
// the endpoint's loosely-typed response shapes.
package inference

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/osclabs/market-intelligence/config"
	"github.com/osclabs/market-intelligence/databricks"
)

// Message roles understood by the endpoint.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation turn sent to the endpoint.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Type    string `json:"type,omitempty"`
}

// Result is a completed answer. TraceID is the endpoint's trace identifier
// when it reports one; feedback logging keys off it.
type Result struct {
	Answer  string
	TraceID string
}

// QueryStatus describes an in-flight or finished async query.
type QueryStatus struct {
	QueryID string
	Done    bool
	Result  Result
}

// Client answers analyst questions against the serving endpoint.
type Client interface {
	// Query sends the question with prior history and waits for the answer.
	Query(ctx context.Context, messages []Message) (Result, error)

	// QueryStream behaves like Query but forwards answer chunks to fn as
	// they arrive. The returned Result carries the assembled answer.
	QueryStream(ctx context.Context, messages []Message, fn func(chunk string) error) (Result, error)
}

// AsyncClient is implemented by providers that support long-running
// queries resolved by polling.
type AsyncClient interface {
	// QueryAsync submits the question and returns a query id for polling.
	QueryAsync(ctx context.Context, messages []Message) (string, error)

	// CheckQuery polls a previously submitted query.
	CheckQuery(ctx context.Context, queryID string) (QueryStatus, error)
}

// Options carries everything a provider needs.
type Options struct {
	Host         string
	EndpointName string
	MaxTokens    int
	Timeout      time.Duration

	// Authenticate signs requests for the serving provider. The OpenAI
	// provider uses Token instead.
	Authenticate databricks.Authenticator
	Token        string

	HTTPClient *http.Client
}

// NewClient builds the configured provider.
func NewClient(cfg config.Config, auth databricks.Authenticator, token string) (Client, error) {
	opts := Options{
		Host:         cfg.Databricks.Host,
		EndpointName: cfg.Databricks.EndpointName,
		MaxTokens:    cfg.Inference.MaxTokens,
		Timeout:      time.Duration(cfg.Inference.TimeoutSeconds) * time.Second,
		Authenticate: auth,
		Token:        token,
	}

	switch cfg.Inference.Provider {
	case config.ProviderServing:
		if opts.Authenticate == nil {
			return nil, fmt.Errorf("serving provider requires a workspace authenticator")
		}
		return NewServingClient(opts), nil
	case config.ProviderOpenAI:
		if opts.Token == "" {
			return nil, fmt.Errorf("openai provider selected but no API token available")
		}
		return NewOpenAIClient(opts), nil
	default:
		return nil, fmt.Errorf("unknown inference provider: %s", cfg.Inference.Provider)
	}
}

// UserMessage wraps a raw question in the payload shape the endpoint
// expects for user turns.
func UserMessage(question string) Message {
	return Message{Role: RoleUser, Content: question, Type: "message"}
}

// HistoryMessages converts stored question/answer pairs into endpoint
// turns, oldest first.
func HistoryMessages(pairs [][2]string) []Message {
	messages := make([]Message, 0, len(pairs)*2)
	for _, pair := range pairs {
		if pair[0] != "" {
			messages = append(messages, Message{Role: RoleUser, Content: pair[0], Type: "message"})
		}
		if pair[1] != "" {
			messages = append(messages, Message{Role: RoleAssistant, Content: pair[1], Type: "message"})
		}
	}
	return messages
}
