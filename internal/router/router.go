// Package router sends a prompt to language model providers in priority
// order and falls back on failure.
//
// A call to Generate never fails for ordinary provider trouble: every call
// becomes an Attempt in the Result, and a Result with no accepted attempt
// reports AllProvidersExhausted. Rate-limited providers cool down for a
// configured period during which they are skipped without a network call.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodoc/internal/failure"
	"github.com/fyrsmithlabs/autodoc/internal/logging"
	"github.com/fyrsmithlabs/autodoc/internal/provider"
	"github.com/fyrsmithlabs/autodoc/internal/retry"
)

const tracerName = "github.com/fyrsmithlabs/autodoc/internal/router"

// Outcome is the result of one provider attempt.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeError       Outcome = "error"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeAuth        Outcome = "auth"
	OutcomeMalformed   Outcome = "malformed"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeSkipped     Outcome = "skipped"
)

// Attempt records one provider call (or skip).
type Attempt struct {
	Provider  string        `json:"provider"`
	Started   time.Time     `json:"started"`
	Finished  time.Time     `json:"finished"`
	Outcome   Outcome       `json:"outcome"`
	ErrorKind provider.Kind `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Output    string        `json:"-"`
	Retries   int           `json:"retries"`

	err error
}

// Err returns the underlying error, if any.
func (a *Attempt) Err() error { return a.err }

// Prompt is the text sent to a provider.
type Prompt struct {
	System string
	User   string
}

// Size returns the prompt size in bytes.
func (p Prompt) Size() int { return len(p.System) + len(p.User) }

// Constraints bound and check provider output.
type Constraints struct {
	MaxTokens int

	// Validate checks raw output and returns the cleaned text. A validation
	// error counts as malformed output from that provider.
	Validate func(raw string) (string, error)
}

// Result is the outcome of a generation.
type Result struct {
	Attempts []Attempt `json:"attempts"`

	// Output is the accepted, validated text.
	Output   string `json:"-"`
	Provider string `json:"provider,omitempty"`

	Exhausted bool `json:"exhausted"`
	Cancelled bool `json:"cancelled"`
}

// Accepted returns the successful attempt, or nil.
func (r *Result) Accepted() *Attempt {
	for i := range r.Attempts {
		if r.Attempts[i].Outcome == OutcomeSuccess {
			return &r.Attempts[i]
		}
	}
	return nil
}

// Err classifies an unsuccessful result.
func (r *Result) Err() error {
	switch {
	case r.Cancelled:
		return failure.New(failure.Cancelled, failure.StageGenerate, "generation cancelled")
	case r.Exhausted:
		fe := failure.Newf(failure.AllProvidersExhausted, failure.StageGenerate,
			"all %d providers failed", len(r.Attempts))
		if last := r.lastFailure(); last != nil {
			fe.Provider = last.Provider
			fe.Remote = last.Error
			fe.Cause = last.err
		}
		return fe
	}
	return nil
}

func (r *Result) lastFailure() *Attempt {
	for i := len(r.Attempts) - 1; i >= 0; i-- {
		if r.Attempts[i].Outcome != OutcomeSkipped {
			return &r.Attempts[i]
		}
	}
	if len(r.Attempts) > 0 {
		return &r.Attempts[len(r.Attempts)-1]
	}
	return nil
}

// Backend pairs a provider with its static description.
type Backend struct {
	Spec     provider.Spec
	Provider provider.Provider
}

// ProviderStatus is a point-in-time view of one backend.
type ProviderStatus struct {
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Model        string    `json:"model,omitempty"`
	Priority     int       `json:"priority"`
	State        State     `json:"state"`
	CoolingUntil time.Time `json:"cooling_until,omitempty"`
}

// Options configures a Router.
type Options struct {
	Logger *logging.Logger
	Tracer trace.Tracer
	Meter  metric.Meter

	// Backoff shapes retries of transient failures. MaxRetries is taken
	// from each provider's spec.
	Backoff retry.Config

	// Now overrides the clock for cooldown tracking.
	Now func() time.Time
}

// Router routes prompts across providers.
type Router struct {
	backends  []Backend
	cooldowns *cooldowns
	backoff   retry.Config
	logger    *logging.Logger
	tracer    trace.Tracer
	metrics   *metrics
}

// New creates a router. Backends are ordered by ascending priority; ties
// keep their given order.
func New(backends []Backend, opts Options) (*Router, error) {
	if len(backends) == 0 {
		return nil, errors.New("router requires at least one provider")
	}
	seen := make(map[string]bool, len(backends))
	for _, b := range backends {
		if b.Provider == nil {
			return nil, fmt.Errorf("provider %q has no client", b.Spec.Name)
		}
		if seen[b.Spec.Name] {
			return nil, fmt.Errorf("duplicate provider %q", b.Spec.Name)
		}
		seen[b.Spec.Name] = true
	}

	sorted := make([]Backend, len(backends))
	copy(sorted, backends)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Spec.Priority < sorted[j].Spec.Priority })

	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter(meterName)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Backoff.InitialBackoff == 0 {
		opts.Backoff = retry.Config{InitialBackoff: 500 * time.Millisecond, MaxBackoff: 5 * time.Second, BackoffMultiplier: 2, Jitter: retry.DefaultJitter}
	}

	m, err := newMetrics(opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("router metrics: %w", err)
	}

	return &Router{
		backends:  sorted,
		cooldowns: newCooldowns(opts.Now),
		backoff:   opts.Backoff,
		logger:    opts.Logger.Named("router"),
		tracer:    opts.Tracer,
		metrics:   m,
	}, nil
}

// Providers reports every backend in routing order with its current state.
func (r *Router) Providers() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(r.backends))
	for _, b := range r.backends {
		state, until := r.cooldowns.state(b.Spec.Name)
		out = append(out, ProviderStatus{
			Name:         b.Spec.Name,
			Type:         b.Spec.Type,
			Model:        b.Spec.Model,
			Priority:     b.Spec.Priority,
			State:        state,
			CoolingUntil: until,
		})
	}
	return out
}

// Reset clears a provider's cooldown.
func (r *Router) Reset(name string) {
	r.cooldowns.reset(name)
}

// Generate tries each provider in order until one returns output that
// passes validation.
func (r *Router) Generate(ctx context.Context, prompt Prompt, cons Constraints) *Result {
	ctx, span := r.tracer.Start(ctx, "router.generate",
		trace.WithAttributes(
			attribute.Int("prompt.bytes", prompt.Size()),
			attribute.Int("providers", len(r.backends)),
		))
	defer span.End()

	res := &Result{}
	for _, b := range r.backends {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}

		name := b.Spec.Name
		if state, until := r.cooldowns.state(name); state == StateCoolingDown {
			res.Attempts = append(res.Attempts, r.skip(ctx, name, fmt.Sprintf("cooling down until %s", until.Format(time.RFC3339))))
			continue
		}
		if limit := b.Spec.Capabilities.MaxContextBytes; limit > 0 && prompt.Size() > limit {
			res.Attempts = append(res.Attempts, r.skip(ctx, name, fmt.Sprintf("prompt of %d bytes exceeds context limit of %d", prompt.Size(), limit)))
			continue
		}

		att := r.attempt(ctx, b, prompt, cons)
		res.Attempts = append(res.Attempts, att)

		switch att.Outcome {
		case OutcomeSuccess:
			res.Output = att.Output
			res.Provider = name
			span.SetAttributes(attribute.String("provider", name))
			span.SetStatus(codes.Ok, "")
			return res
		case OutcomeCancelled:
			res.Cancelled = true
		case OutcomeRateLimited:
			r.coolDown(ctx, b, att.err)
		}
		if res.Cancelled {
			break
		}
	}

	if res.Cancelled {
		span.SetStatus(codes.Error, "cancelled")
		return res
	}
	res.Exhausted = true
	r.metrics.exhausted.Add(ctx, 1)
	span.SetStatus(codes.Error, string(failure.AllProvidersExhausted))
	r.logger.Warn(ctx, "all providers exhausted", zap.Int("attempts", len(res.Attempts)))
	return res
}

func (r *Router) skip(ctx context.Context, name, reason string) Attempt {
	now := time.Now()
	r.metrics.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", name),
		attribute.String("outcome", string(OutcomeSkipped)),
	))
	r.logger.Debug(logging.WithProvider(ctx, name), "provider skipped", zap.String("reason", reason))
	return Attempt{Provider: name, Started: now, Finished: now, Outcome: OutcomeSkipped, Error: reason}
}

// attempt calls one provider, retrying transient failures within its
// retry budget. Each individual call runs under the provider timeout.
func (r *Router) attempt(ctx context.Context, b Backend, prompt Prompt, cons Constraints) Attempt {
	name := b.Spec.Name
	ctx = logging.WithProvider(ctx, name)
	ctx, span := r.tracer.Start(ctx, "router.attempt", trace.WithAttributes(attribute.String("provider", name)))
	defer span.End()

	att := Attempt{Provider: name, Started: time.Now()}

	req := provider.Completion{
		System:      prompt.System,
		Prompt:      prompt.User,
		MaxTokens:   cons.MaxTokens,
		Temperature: b.Spec.Temperature,
	}

	cfg := r.backoff
	cfg.MaxRetries = b.Spec.MaxRetries

	var out string
	retries, err := retry.Do(ctx, cfg, func(err error) bool {
		return provider.KindOf(err).Retryable()
	}, func(ctx context.Context) error {
		callCtx := ctx
		if b.Spec.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, b.Spec.Timeout)
			defer cancel()
		}
		text, err := b.Provider.Complete(callCtx, req)
		if err != nil {
			// The call deadline is ours; report it as a provider timeout
			// unless the caller's context ended.
			if ctx.Err() == nil && callCtx.Err() != nil {
				return provider.NewError(name, provider.KindTimeout, err)
			}
			return err
		}
		out = text
		return nil
	})
	att.Retries = retries
	att.Finished = time.Now()

	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		att.Outcome = OutcomeCancelled
		att.err = ctx.Err()
		if att.err == nil {
			att.err = err
		}
		att.Error = att.err.Error()
	case err != nil:
		kind := provider.KindOf(err)
		att.Outcome = outcomeFor(kind)
		att.ErrorKind = kind
		att.Error = err.Error()
		att.err = err
	case cons.Validate != nil:
		cleaned, verr := cons.Validate(out)
		if verr != nil {
			att.Outcome = OutcomeMalformed
			att.ErrorKind = provider.KindMalformed
			att.err = provider.Malformed(name, "%v", verr)
			att.Error = att.err.Error()
			break
		}
		att.Outcome = OutcomeSuccess
		att.Output = cleaned
	default:
		att.Outcome = OutcomeSuccess
		att.Output = out
	}

	attrs := metric.WithAttributes(
		attribute.String("provider", name),
		attribute.String("outcome", string(att.Outcome)),
	)
	r.metrics.attempts.Add(ctx, 1, attrs)
	r.metrics.duration.Record(context.WithoutCancel(ctx), att.Finished.Sub(att.Started).Seconds(), attrs)

	span.SetAttributes(attribute.String("outcome", string(att.Outcome)), attribute.Int("retries", retries))
	if att.Outcome == OutcomeSuccess {
		r.logger.Info(ctx, "provider succeeded",
			zap.Int("retries", retries),
			zap.Duration("duration", att.Finished.Sub(att.Started)),
			zap.Int("output_bytes", len(att.Output)))
	} else {
		span.SetStatus(codes.Error, att.Error)
		r.logger.Warn(ctx, "provider attempt failed",
			zap.String("outcome", string(att.Outcome)),
			zap.Int("retries", retries),
			zap.String("error", att.Error))
	}
	return att
}

func (r *Router) coolDown(ctx context.Context, b Backend, err error) {
	d := b.Spec.Cooldown
	var pe *provider.Error
	if errors.As(err, &pe) && pe.RetryAfter() > d {
		d = pe.RetryAfter()
	}
	if d <= 0 {
		return
	}
	until := r.cooldowns.trip(b.Spec.Name, d)
	r.metrics.cooldowns.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", b.Spec.Name)))
	r.logger.Info(logging.WithProvider(ctx, b.Spec.Name), "provider cooling down", zap.Time("until", until))
}

func outcomeFor(kind provider.Kind) Outcome {
	switch kind {
	case provider.KindAuth:
		return OutcomeAuth
	case provider.KindRateLimit:
		return OutcomeRateLimited
	case provider.KindTimeout:
		return OutcomeTimeout
	case provider.KindMalformed:
		return OutcomeMalformed
	default:
		return OutcomeError
	}
}

// CodeFor maps an attempt outcome to the failure code it represents.
func CodeFor(o Outcome) failure.Code {
	switch o {
	case OutcomeAuth:
		return failure.ProviderAuthError
	case OutcomeRateLimited:
		return failure.ProviderRateLimited
	case OutcomeTimeout:
		return failure.ProviderTimeout
	case OutcomeMalformed:
		return failure.ProviderMalformedOutput
	case OutcomeCancelled:
		return failure.Cancelled
	default:
		return ""
	}
}
