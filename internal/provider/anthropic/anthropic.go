// Package anthropic implements the Claude Messages API backend.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/fyrsmithlabs/autodoc/internal/config"
	"github.com/fyrsmithlabs/autodoc/internal/provider"
)

const defaultModel = "claude-3-haiku-20240307"

// defaultMaxTokens is used when the request does not bound the output;
// the Messages API requires a value.
const defaultMaxTokens = 2000

func init() {
	provider.Register(config.ProviderAnthropic, func(_ context.Context, spec provider.Spec) (provider.Provider, error) {
		return New(spec, nil)
	})
}

// Client wraps the Anthropic SDK client.
type Client struct {
	name   string
	model  string
	client sdk.Client
}

// New creates a client. SDK retries are disabled; the router owns retry
// and fallback decisions.
func New(spec provider.Spec, httpClient *http.Client) (*Client, error) {
	if !spec.Credential.IsSet() {
		return nil, errors.New("anthropic API key required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(spec.Credential.Value()),
		option.WithMaxRetries(0),
	}
	if spec.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(spec.BaseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}

	model := spec.Model
	if model == "" {
		model = defaultModel
	}
	return &Client{name: spec.Name, model: model, client: sdk.NewClient(opts...)}, nil
}

// Name implements provider.Provider.
func (c *Client) Name() string { return c.name }

// Complete implements provider.Provider.
func (c *Client) Complete(ctx context.Context, req provider.Completion) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := sdk.MessageNewParams{
		Model:       sdk.Model(c.model),
		MaxTokens:   int64(maxTokens),
		Temperature: sdk.Float(req.Temperature),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", c.classify(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", provider.Malformed(c.name, "response has no text content")
	}
	return sb.String(), nil
}

func (c *Client) classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		retryAfter := ""
		if apiErr.Response != nil {
			retryAfter = apiErr.Response.Header.Get("Retry-After")
		}
		pe := provider.StatusError(c.name, apiErr.StatusCode, http.StatusText(apiErr.StatusCode), retryAfter)
		pe.Err = err
		return pe
	}
	return provider.Classify(c.name, err)
}
