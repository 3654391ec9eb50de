// Package gemini implements the Google Gemini backend on the genai SDK.
package gemini

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/fyrsmithlabs/autodoc/internal/config"
	"github.com/fyrsmithlabs/autodoc/internal/provider"
)

const defaultModel = "gemini-1.5-flash"

func init() {
	provider.Register(config.ProviderGemini, func(ctx context.Context, spec provider.Spec) (provider.Provider, error) {
		return New(ctx, spec, nil)
	})
}

// Client generates content through the Gemini API.
type Client struct {
	name  string
	model string
	cli   *genai.Client
}

// New creates a Gemini API client.
func New(ctx context.Context, spec provider.Spec, httpClient *http.Client) (*Client, error) {
	if !spec.Credential.IsSet() {
		return nil, errors.New("gemini API key required")
	}

	cc := &genai.ClientConfig{
		APIKey:     spec.Credential.Value(),
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if spec.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: strings.TrimRight(spec.BaseURL, "/") + "/"}
	}
	cli, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}

	model := spec.Model
	if model == "" {
		model = defaultModel
	}
	return &Client{name: spec.Name, model: model, cli: cli}, nil
}

// Name implements provider.Provider.
func (c *Client) Name() string { return c.name }

// Complete implements provider.Provider.
func (c *Client) Complete(ctx context.Context, req provider.Completion) (string, error) {
	temperature := float32(req.Temperature)
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}

	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: req.Prompt}},
	}}

	resp, err := c.cli.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			pe := provider.StatusError(c.name, apiErr.Code, apiErr.Message, "")
			pe.Err = err
			return "", pe
		}
		return "", provider.Classify(c.name, err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", provider.Malformed(c.name, "response has no text")
	}
	return text, nil
}
