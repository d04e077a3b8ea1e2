package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/osclabs/market-intelligence/databricks"
)

// servingClient talks to the model-serving invocations API directly.
type servingClient struct {
	host      string
	endpoint  string
	maxTokens int
	auth      databricks.Authenticator
	client    *http.Client
}

type servingRequest struct {
	Inputs  servingInputs `json:"inputs"`
	Async   bool          `json:"async,omitempty"`
	Stream  bool          `json:"stream,omitempty"`
	QueryID string        `json:"query_id,omitempty"`
}

type servingInputs struct {
	Input     []Message `json:"input"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// NewServingClient builds the direct invocations-API provider.
func NewServingClient(opts Options) Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &servingClient{
		host:      strings.TrimRight(opts.Host, "/"),
		endpoint:  opts.EndpointName,
		maxTokens: opts.MaxTokens,
		auth:      opts.Authenticate,
		client:    client,
	}
}

func (c *servingClient) invocationsURL() string {
	return fmt.Sprintf("%s/serving-endpoints/%s/invocations", c.host, c.endpoint)
}

func (c *servingClient) post(ctx context.Context, payload servingRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal serving request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.invocationsURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create serving request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.auth != nil {
		if err := c.auth(req); err != nil {
			return nil, fmt.Errorf("authenticate serving request: %w", err)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call serving endpoint: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("read serving error body: %w", readErr)
		}
		if len(data) > 0 {
			return nil, fmt.Errorf("serving endpoint error (%s): %s", resp.Status, string(data))
		}
		return nil, fmt.Errorf("serving endpoint returned status %s", resp.Status)
	}

	return resp, nil
}

func (c *servingClient) Query(ctx context.Context, messages []Message) (Result, error) {
	resp, err := c.post(ctx, servingRequest{
		Inputs: servingInputs{Input: messages, MaxTokens: c.maxTokens},
	})
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read serving response: %w", err)
	}

	answer, err := Normalize(raw)
	if err != nil {
		return Result{}, err
	}

	return Result{Answer: answer, TraceID: extractTraceID(raw)}, nil
}

// QueryStream requests a streamed answer. The endpoint emits SSE-style
// "data: {...}" lines terminated by "[DONE]".
func (c *servingClient) QueryStream(ctx context.Context, messages []Message, fn func(string) error) (Result, error) {
	resp, err := c.post(ctx, servingRequest{
		Inputs: servingInputs{Input: messages, MaxTokens: c.maxTokens},
		Stream: true,
	})
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	var answer strings.Builder
	var traceID string

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		data := strings.TrimPrefix(line, "data:")
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}

		chunk, id := extractStreamChunk([]byte(data))
		if id != "" {
			traceID = id
		}
		if chunk == "" {
			continue
		}
		answer.WriteString(chunk)
		if fn != nil {
			if err := fn(chunk); err != nil {
				return Result{}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, fmt.Errorf("read serving stream: %w", err)
	}

	return Result{Answer: answer.String(), TraceID: traceID}, nil
}

func (c *servingClient) QueryAsync(ctx context.Context, messages []Message) (string, error) {
	resp, err := c.post(ctx, servingRequest{
		Inputs: servingInputs{Input: messages, MaxTokens: c.maxTokens},
		Async:  true,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed struct {
		QueryID string `json:"query_id"`
		ID      string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode async response: %w", err)
	}

	queryID := parsed.QueryID
	if queryID == "" {
		queryID = parsed.ID
	}
	if queryID == "" {
		return "", fmt.Errorf("async response carried no query id")
	}
	return queryID, nil
}

// CheckQuery polls an async query. Status values "pending" and "running"
// mean in-flight; anything else with content is treated as complete.
func (c *servingClient) CheckQuery(ctx context.Context, queryID string) (QueryStatus, error) {
	resp, err := c.post(ctx, servingRequest{QueryID: queryID})
	if err != nil {
		return QueryStatus{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return QueryStatus{}, fmt.Errorf("read query status: %w", err)
	}

	var envelope struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(raw, &envelope)

	switch strings.ToLower(envelope.Status) {
	case "pending", "running":
		return QueryStatus{QueryID: queryID, Done: false}, nil
	}

	answer, err := Normalize(raw)
	if err != nil {
		return QueryStatus{}, err
	}
	return QueryStatus{
		QueryID: queryID,
		Done:    true,
		Result:  Result{Answer: answer, TraceID: extractTraceID(raw)},
	}, nil
}

var (
	_ Client      = (*servingClient)(nil)
	_ AsyncClient = (*servingClient)(nil)
)
