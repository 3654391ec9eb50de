// Package providertest provides a scripted provider for router and
// pipeline tests.
package providertest

import (
	"context"
	"sync"

	"github.com/fyrsmithlabs/autodoc/internal/provider"
)

// Step is one scripted reply. Exactly one of Output or Err is used; a nil
// Err returns Output.
type Step struct {
	Output string
	Err    error
	// Block waits for ctx to be done and returns its error, simulating a
	// call that outlives its deadline.
	Block bool
	// Hook runs before the reply is produced.
	Hook func(ctx context.Context)
}

// Provider replays Steps in order and repeats the last one when the script
// runs out.
type Provider struct {
	name string

	mu    sync.Mutex
	steps []Step
	calls []provider.Completion
}

// New creates a scripted provider.
func New(name string, steps ...Step) *Provider {
	return &Provider{name: name, steps: steps}
}

// Reply is a shorthand for a provider that always returns out.
func Reply(name, out string) *Provider {
	return New(name, Step{Output: out})
}

// Fail is a shorthand for a provider that always fails with kind.
func Fail(name string, kind provider.Kind) *Provider {
	return New(name, Step{Err: &provider.Error{Provider: name, Kind: kind, Message: "scripted"}})
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return p.name }

// Complete implements provider.Provider.
func (p *Provider) Complete(ctx context.Context, req provider.Completion) (string, error) {
	p.mu.Lock()
	idx := len(p.calls)
	p.calls = append(p.calls, req)
	var step Step
	switch {
	case len(p.steps) == 0:
	case idx < len(p.steps):
		step = p.steps[idx]
	default:
		step = p.steps[len(p.steps)-1]
	}
	p.mu.Unlock()

	if step.Hook != nil {
		step.Hook(ctx)
	}
	if step.Block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if step.Err != nil {
		return "", step.Err
	}
	return step.Output, nil
}

// Calls returns the number of Complete invocations.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Requests returns a copy of every request received.
func (p *Provider) Requests() []provider.Completion {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]provider.Completion, len(p.calls))
	copy(out, p.calls)
	return out
}
