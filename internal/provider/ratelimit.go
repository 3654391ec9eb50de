package provider

import (
	"context"
	"errors"
	"math"

	"golang.org/x/time/rate"
)

// rateLimited delays calls to stay under a requests-per-minute budget.
type rateLimited struct {
	Provider
	limiter *rate.Limiter
}

// WithRateLimit wraps p so that it is called at most rpm times per minute,
// with a burst of up to a fifth of that budget.
func WithRateLimit(p Provider, rpm float64) Provider {
	burst := int(math.Max(1, math.Floor(rpm/5)))
	return &rateLimited{
		Provider: p,
		limiter:  rate.NewLimiter(rate.Limit(rpm/60.0), burst),
	}
}

func (r *rateLimited) Complete(ctx context.Context, req Completion) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		// Wait fails early when the deadline would pass before a token frees up.
		return "", NewError(r.Name(), KindTimeout, err)
	}
	return r.Provider.Complete(ctx, req)
}
