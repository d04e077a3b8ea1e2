package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// openAIClient drives the endpoint's OpenAI-compatible surface. Serving
// endpoints expose chat completions under {host}/serving-endpoints with
// the endpoint name as the model.
type openAIClient struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAIClient builds the OpenAI-compatible provider.
func NewOpenAIClient(opts Options) Client {
	cfg := openai.DefaultConfig(opts.Token)
	cfg.BaseURL = strings.TrimRight(opts.Host, "/") + "/serving-endpoints"
	if opts.HTTPClient != nil {
		cfg.HTTPClient = opts.HTTPClient
	}

	return &openAIClient{
		client:    openai.NewClientWithConfig(cfg),
		model:     opts.EndpointName,
		maxTokens: opts.MaxTokens,
	}
}

func (c *openAIClient) request(messages []Message) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
	}
	req.Messages = make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		req.Messages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}
	return req
}

func (c *openAIClient) Query(ctx context.Context, messages []Message) (Result, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.request(messages))
	if err != nil {
		return Result{}, fmt.Errorf("create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("chat completion returned no choices")
	}
	return Result{Answer: resp.Choices[0].Message.Content, TraceID: resp.ID}, nil
}

func (c *openAIClient) QueryStream(ctx context.Context, messages []Message, fn func(string) error) (Result, error) {
	stream, err := c.client.CreateChatCompletionStream(ctx, c.request(messages))
	if err != nil {
		return Result{}, fmt.Errorf("create chat completion stream: %w", err)
	}
	defer stream.Close()

	var answer strings.Builder
	var traceID string
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("receive stream chunk: %w", err)
		}
		if chunk.ID != "" {
			traceID = chunk.ID
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		answer.WriteString(delta)
		if fn != nil {
			if err := fn(delta); err != nil {
				return Result{}, err
			}
		}
	}

	return Result{Answer: answer.String(), TraceID: traceID}, nil
}

var _ Client = (*openAIClient)(nil)
