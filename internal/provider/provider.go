// Package provider defines the language model backend contract and the
// registry that builds backends from configuration.
//
// Backends live in subpackages and register themselves by type name; the
// router only ever sees the Provider interface.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/autodoc/internal/config"
)

// Completion is a single text generation request.
type Completion struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Provider generates text. Complete returns the raw completion or an
// *Error whose Kind tells the router how to react.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Completion) (string, error)
}

// Capabilities describes what a backend accepts.
type Capabilities struct {
	MaxContextBytes   int  `json:"max_context_bytes"`
	SupportsStreaming bool `json:"supports_streaming"`
}

// Spec is the static description of one configured backend.
type Spec struct {
	Name              string
	Type              string
	Model             string
	BaseURL           string
	Credential        config.Secret
	Priority          int
	Timeout           time.Duration
	Cooldown          time.Duration
	MaxRetries        int
	Temperature       float64
	RequestsPerMinute float64
	Capabilities      Capabilities
}

// SpecFrom converts a configured provider entry.
func SpecFrom(pc config.ProviderConfig) Spec {
	return Spec{
		Name:              pc.Name,
		Type:              pc.Type,
		Model:             pc.Model,
		BaseURL:           pc.BaseURL,
		Credential:        pc.APIKey,
		Priority:          pc.Priority,
		Timeout:           pc.Timeout.Duration(),
		Cooldown:          pc.Cooldown.Duration(),
		MaxRetries:        pc.Retries(),
		Temperature:       pc.Temperature,
		RequestsPerMinute: pc.RequestsPerMinute,
		Capabilities: Capabilities{
			MaxContextBytes:   pc.MaxContextBytes,
			SupportsStreaming: pc.Type == config.ProviderOllama,
		},
	}
}

// Factory builds a backend from its spec.
type Factory func(ctx context.Context, spec Spec) (Provider, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a backend type available to New. It panics on duplicate
// registration, like database/sql drivers.
func Register(typ string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if f == nil {
		panic("provider: Register factory is nil")
	}
	if _, dup := registry[typ]; dup {
		panic("provider: Register called twice for type " + typ)
	}
	registry[typ] = f
}

// Types returns the registered backend types, sorted.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// New builds the backend described by spec, applying its request rate
// limit when one is configured.
func New(ctx context.Context, spec Spec) (Provider, error) {
	registryMu.RLock()
	f, ok := registry[spec.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q: no backend registered for type %q", spec.Name, spec.Type)
	}

	p, err := f(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", spec.Name, err)
	}
	if spec.RequestsPerMinute > 0 {
		p = WithRateLimit(p, spec.RequestsPerMinute)
	}
	return p, nil
}
