// Package openai implements the chat completions backend over plain HTTP.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fyrsmithlabs/autodoc/internal/config"
	"github.com/fyrsmithlabs/autodoc/internal/provider"
)

const (
	defaultBaseURL = "https://api.openai.com"
	defaultModel   = "gpt-3.5-turbo"

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 4 << 20
)

func init() {
	provider.Register(config.ProviderOpenAI, func(_ context.Context, spec provider.Spec) (provider.Provider, error) {
		return New(spec, nil)
	})
}

// Client calls the OpenAI chat completions endpoint. Retries and rate
// limiting are layered on top by the router and provider.WithRateLimit.
type Client struct {
	name       string
	model      string
	apiKey     config.Secret
	baseURL    string
	httpClient *http.Client
}

// New creates a client. A nil httpClient uses a client without its own
// timeout; the router bounds each call through the request context.
func New(spec provider.Spec, httpClient *http.Client) (*Client, error) {
	if !spec.Credential.IsSet() {
		return nil, errors.New("openai API key required")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	c := &Client{
		name:       spec.Name,
		model:      spec.Model,
		apiKey:     spec.Credential,
		baseURL:    strings.TrimRight(spec.BaseURL, "/"),
		httpClient: httpClient,
	}
	if c.model == "" {
		c.model = defaultModel
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	return c, nil
}

// Name implements provider.Provider.
func (c *Client) Name() string { return c.name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete implements provider.Provider.
func (c *Client) Complete(ctx context.Context, req provider.Completion) (string, error) {
	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey.Value())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", provider.Classify(c.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", provider.Classify(c.name, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(respBody))
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			msg = errResp.Error.Message
		}
		return "", provider.StatusError(c.name, resp.StatusCode, msg, resp.Header.Get("Retry-After"))
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return "", provider.Malformed(c.name, "decode response: %v", err)
	}
	if len(chat.Choices) == 0 {
		return "", provider.Malformed(c.name, "response has no choices")
	}
	return chat.Choices[0].Message.Content, nil
}
