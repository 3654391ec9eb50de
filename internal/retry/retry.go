// Package retry runs idempotent operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/fyrsmithlabs/autodoc/internal/config"
)

// Config configures retry behavior.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	// Zero means a single attempt.
	MaxRetries int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps every wait, including server-requested ones.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the wait after each retry.
	BackoffMultiplier float64

	// Jitter spreads each computed wait uniformly over ±Jitter of its
	// value, still capped by MaxBackoff. Zero disables it. Server-requested
	// waits are used as given.
	Jitter float64
}

// DefaultJitter is the jitter applied to configured backoffs.
const DefaultJitter = 0.2

// Default returns the default retry configuration.
func Default() Config {
	return Config{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            DefaultJitter,
	}
}

// FromConfig converts the user-facing retry settings.
func FromConfig(c config.RetryConfig) Config {
	return Config{
		MaxRetries:        c.Retries(),
		InitialBackoff:    c.InitialBackoff.Duration(),
		MaxBackoff:        c.MaxBackoff.Duration(),
		BackoffMultiplier: c.BackoffMultiplier,
		Jitter:            DefaultJitter,
	}
}

// Delay returns the wait before retry n (0-based).
func (c Config) Delay(n int) time.Duration {
	d := c.InitialBackoff
	mult := c.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	for i := 0; i < n; i++ {
		d = time.Duration(float64(d) * mult)
		if c.MaxBackoff > 0 && d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}

// Wait returns the jittered wait before retry n (0-based).
func (c Config) Wait(n int) time.Duration {
	return c.jittered(c.Delay(n))
}

// jittered applies Jitter to d.
func (c Config) jittered(d time.Duration) time.Duration {
	if c.Jitter <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * c.Jitter
	out := time.Duration(float64(d) - spread + rand.Float64()*2*spread)
	if c.MaxBackoff > 0 && out > c.MaxBackoff {
		return c.MaxBackoff
	}
	return out
}

// Validate checks the configuration for nonsensical values.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.InitialBackoff < 0 || c.MaxBackoff < 0 {
		return errors.New("backoff durations must be >= 0")
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return fmt.Errorf("jitter must be within [0, 1], got %g", c.Jitter)
	}
	if c.MaxBackoff > 0 && c.InitialBackoff > c.MaxBackoff {
		return fmt.Errorf("initial backoff %s exceeds max backoff %s", c.InitialBackoff, c.MaxBackoff)
	}
	return nil
}

// RetryAfterer is implemented by errors that carry a server-requested wait.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// Do runs op until it succeeds, returns an error for which retryable is
// false, the retry budget is spent, or ctx is done. It returns the number of
// retries performed alongside the final error.
func Do(ctx context.Context, cfg Config, retryable func(error) bool, op func(context.Context) error) (int, error) {
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, err
		}
		if attempt >= cfg.MaxRetries || !retryable(err) {
			return attempt, err
		}

		wait := cfg.Wait(attempt)
		var ra RetryAfterer
		if errors.As(err, &ra) && ra.RetryAfter() > 0 {
			wait = ra.RetryAfter()
			if cfg.MaxBackoff > 0 && wait > cfg.MaxBackoff {
				wait = cfg.MaxBackoff
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("retry aborted: %w (last error: %v)", ctx.Err(), err)
		case <-timer.C:
		}
	}
}
