// Package huggingface implements the Hugging Face inference backend on
// langchaingo.
package huggingface

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/tmc/langchaingo/llms"
	hf "github.com/tmc/langchaingo/llms/huggingface"

	"github.com/fyrsmithlabs/autodoc/internal/config"
	"github.com/fyrsmithlabs/autodoc/internal/provider"
)

const defaultModel = "mistralai/Mistral-7B-Instruct-v0.1"

// statusPattern pulls the HTTP status out of the inference client's
// error text; the client does not export a typed error.
var statusPattern = regexp.MustCompile(`status code: (\d{3})`)

func init() {
	provider.Register(config.ProviderHuggingFace, func(_ context.Context, spec provider.Spec) (provider.Provider, error) {
		return New(spec)
	})
}

// Client runs text generation against the inference API.
type Client struct {
	name string
	llm  llms.Model
}

// New creates a client.
func New(spec provider.Spec) (*Client, error) {
	if !spec.Credential.IsSet() {
		return nil, errors.New("huggingface API token required")
	}
	model := spec.Model
	if model == "" {
		model = defaultModel
	}

	opts := []hf.Option{hf.WithToken(spec.Credential.Value()), hf.WithModel(model)}
	if spec.BaseURL != "" {
		opts = append(opts, hf.WithURL(strings.TrimRight(spec.BaseURL, "/")))
	}
	llm, err := hf.New(opts...)
	if err != nil {
		return nil, err
	}
	return &Client{name: spec.Name, llm: llm}, nil
}

// Name implements provider.Provider.
func (c *Client) Name() string { return c.name }

// Complete implements provider.Provider. The inference API has no system
// role, so the system prompt is folded into an instruction block.
func (c *Client) Complete(ctx context.Context, req provider.Completion) (string, error) {
	prompt := req.Prompt
	if req.System != "" {
		prompt = "[INST] " + req.System + "\n\n" + req.Prompt + " [/INST]"
	}

	opts := []llms.CallOption{llms.WithTemperature(req.Temperature)}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxLength(req.MaxTokens))
	}

	out, err := llms.GenerateFromSinglePrompt(ctx, c.llm, prompt, opts...)
	if err != nil {
		return "", c.classify(err)
	}

	// text-generation models echo the prompt by default.
	out = strings.TrimPrefix(out, prompt)
	if strings.TrimSpace(out) == "" {
		return "", provider.Malformed(c.name, "empty generation")
	}
	return out, nil
}

func (c *Client) classify(err error) error {
	if m := statusPattern.FindStringSubmatch(err.Error()); m != nil {
		status, _ := strconv.Atoi(m[1])
		pe := provider.StatusError(c.name, status, "", "")
		pe.Err = err
		return pe
	}
	if strings.Contains(err.Error(), "empty response") {
		return provider.Malformed(c.name, "%v", err)
	}
	return provider.Classify(c.name, err)
}
