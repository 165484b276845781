package llm

import (
	"time"

	"github.com/harunnryd/voxpoll/pkg/metrics"
	"github.com/harunnryd/voxpoll/pkg/resilience"
)

type ChainConfig struct {
	Timeout          time.Duration
	MaxRetries       int
	Backoff          resilience.Backoff
	BreakerThreshold int
	BreakerCooldown  time.Duration
	RequestsPerSec   float64
	Burst            int
}

// Chain wraps a provider adapter with the standard decorators.
// Order from the outside: retry, breaker, throttle, timeout. Each retry gets a fresh
// timeout, and a breaker denial is itself a rate limit the retry loop can wait out.
func Chain(inner Gateway, cfg ChainConfig, obs metrics.Observer) Gateway {
	var g Gateway = WithTimeout(inner, cfg.Timeout)
	if cfg.RequestsPerSec > 0 {
		g = WithRateLimit(g, cfg.RequestsPerSec, cfg.Burst)
	}
	if cfg.BreakerThreshold > 0 {
		cb := WithCircuitBreaker(g, resilience.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, IsRateLimit))
		cb.SetObserver(obs)
		g = cb
	}
	rg := WithRetry(g, RetryConfig{MaxRetries: cfg.MaxRetries, Backoff: cfg.Backoff})
	rg.SetObserver(obs)
	return rg
}
