package llm

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/voxpoll/pkg/metrics"
	"github.com/harunnryd/voxpoll/pkg/resilience"
)

// CircuitBreakerGateway fails fast with RateLimitError while the provider keeps
// rate limiting us. Other errors do not trip the breaker.
type CircuitBreakerGateway struct {
	inner   Gateway
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
	open    bool
	mu      sync.Mutex
}

func WithCircuitBreaker(inner Gateway, breaker *resilience.CircuitBreaker) *CircuitBreakerGateway {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second, IsRateLimit)
	}
	return &CircuitBreakerGateway{inner: inner, breaker: breaker}
}

func (g *CircuitBreakerGateway) Name() string { return g.inner.Name() }

func (g *CircuitBreakerGateway) SetObserver(obs metrics.Observer) { g.obs = obs }

func (g *CircuitBreakerGateway) Complete(ctx context.Context, req Request) (Response, error) {
	if !g.breaker.Allow() {
		g.setOpen(true)
		g.record(metrics.EventBreakerDenied)
		return Response{}, RateLimitError{Provider: g.Name(), CorrelationID: req.CorrelationID, Message: "circuit open"}
	}
	g.setOpen(false)
	resp, err := g.inner.Complete(ctx, req)
	if err != nil {
		if IsRateLimit(err) {
			g.record(metrics.EventRateLimit)
		}
		g.breaker.OnError(err)
		return Response{}, err
	}
	g.breaker.OnSuccess()
	return resp, nil
}

func (g *CircuitBreakerGateway) record(name string) {
	metrics.Record(g.obs, name, 1, map[string]string{
		"provider":  g.inner.Name(),
		"component": "llm",
	})
}

func (g *CircuitBreakerGateway) setOpen(open bool) {
	g.mu.Lock()
	changed := g.open != open
	g.open = open
	g.mu.Unlock()
	if !changed {
		return
	}
	if open {
		g.record(metrics.EventBreakerOpen)
		return
	}
	g.record(metrics.EventBreakerClose)
}
