// Package llm is the chat-completion collaborator client. The pipeline
// depends only on the Chatter interface; this package provides the
// OpenAI-compatible HTTP implementation.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/malloy/porter/internal/plugin"
)

const (
	defaultTimeout = 60 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// ChatRequest is the request shape accepted by the chat capability.
type ChatRequest struct {
	System   string `json:"system"`
	User     string `json:"user"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
}

// ChatReply carries the assistant text of a completed chat call.
type ChatReply struct {
	Text string `json:"text"`
}

// Chatter is the chat capability contract the answer pipeline consumes.
type Chatter interface {
	Chat(ctx context.Context, req ChatRequest) plugin.Result[ChatReply]
}

// Client talks to an OpenAI-compatible chat completions endpoint.
// Rate-limit retries with exponential backoff are internal to the client;
// the dispatcher and pipeline above it stay retry-free.
type Client struct {
	apiKey       string
	baseURL      string
	defaultModel string
	httpClient   *http.Client
}

// NewClient creates a chat client for the given base URL and API key.
func NewClient(baseURL, apiKey, defaultModel string) *Client {
	return &Client{
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: defaultModel,
		httpClient:   &http.Client{Timeout: defaultTimeout},
	}
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
}

type wireResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Chat sends one chat completion request. Operational failures come back
// as a failed Result with the upstream message preserved for diagnostics.
func (c *Client) Chat(ctx context.Context, req ChatRequest) plugin.Result[ChatReply] {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	var msgs []wireMessage
	if req.System != "" {
		msgs = append(msgs, wireMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, wireMessage{Role: "user", Content: req.User})

	body, err := json.Marshal(wireRequest{Model: model, Messages: msgs})
	if err != nil {
		return plugin.Err[ChatReply]("marshalling request: " + err.Error())
	}

	var lastErr error
	for attempt := range maxRetries {
		text, err := c.doChat(ctx, body)
		if err == nil {
			return plugin.Ok(ChatReply{Text: text})
		}
		if !isRateLimit(err) {
			return plugin.Err[ChatReply](err.Error())
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return plugin.Err[ChatReply](ctx.Err().Error())
			case <-time.After(backoff):
			}
		}
	}
	return plugin.Err[ChatReply](fmt.Sprintf("rate limited after %d retries: %v", maxRetries, lastErr))
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	_, ok := err.(*rateLimitError)
	return ok
}

func (c *Client) doChat(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("upstream returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if wire.Error != nil {
		return "", fmt.Errorf("upstream error: %s", wire.Error.Message)
	}
	if len(wire.Choices) == 0 {
		return "", fmt.Errorf("upstream returned no choices")
	}
	return wire.Choices[0].Message.Content, nil
}
