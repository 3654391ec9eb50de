// Package ollama implements the local Ollama backend.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/fyrsmithlabs/autodoc/internal/config"
	"github.com/fyrsmithlabs/autodoc/internal/provider"
)

const (
	// DefaultURL is the default Ollama API endpoint.
	DefaultURL   = "http://localhost:11434"
	defaultModel = "codellama:7b-instruct"
)

func init() {
	provider.Register(config.ProviderOllama, func(_ context.Context, spec provider.Spec) (provider.Provider, error) {
		return New(spec, nil)
	})
}

// Client wraps the Ollama API client. Output is streamed and accumulated
// so a stalled model is cut off by the request deadline rather than by a
// single long read.
type Client struct {
	name   string
	model  string
	client *api.Client
}

// New creates a client for the configured endpoint.
func New(spec provider.Spec, httpClient *http.Client) (*Client, error) {
	raw := spec.BaseURL
	if raw == "" {
		raw = DefaultURL
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url %q: %w", raw, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	model := spec.Model
	if model == "" {
		model = defaultModel
	}
	return &Client{
		name:   spec.Name,
		model:  model,
		client: api.NewClient(base, httpClient),
	}, nil
}

// Name implements provider.Provider.
func (c *Client) Name() string { return c.name }

// Complete implements provider.Provider.
func (c *Client) Complete(ctx context.Context, req provider.Completion) (string, error) {
	stream := true
	options := map[string]any{"temperature": req.Temperature}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}

	var sb strings.Builder
	done := false
	err := c.client.Generate(ctx, &api.GenerateRequest{
		Model:   c.model,
		Prompt:  req.Prompt,
		System:  req.System,
		Stream:  &stream,
		Options: options,
	}, func(resp api.GenerateResponse) error {
		sb.WriteString(resp.Response)
		if resp.Done {
			done = true
		}
		return nil
	})
	if err != nil {
		var se api.StatusError
		if errors.As(err, &se) {
			msg := se.ErrorMessage
			// An unknown model is a configuration problem, not a transient one.
			if se.StatusCode == http.StatusNotFound {
				return "", &provider.Error{Provider: c.name, Kind: provider.KindAuth, StatusCode: se.StatusCode, Message: msg, Err: err}
			}
			pe := provider.StatusError(c.name, se.StatusCode, msg, "")
			pe.Err = err
			return "", pe
		}
		return "", provider.Classify(c.name, err)
	}

	if !done {
		return "", provider.Malformed(c.name, "stream ended before completion")
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", provider.Malformed(c.name, "empty response")
	}
	return sb.String(), nil
}
