package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedGateway throttles outgoing completions on the client side so a burst of
// answered calls does not translate into a burst of provider 429s.
type RateLimitedGateway struct {
	inner   Gateway
	limiter *rate.Limiter
}

func WithRateLimit(inner Gateway, perSecond float64, burst int) *RateLimitedGateway {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &RateLimitedGateway{inner: inner, limiter: rate.NewLimiter(limit, burst)}
}

func (g *RateLimitedGateway) Name() string { return g.inner.Name() }

func (g *RateLimitedGateway) Complete(ctx context.Context, req Request) (Response, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return Response{}, err
	}
	return g.inner.Complete(ctx, req)
}
