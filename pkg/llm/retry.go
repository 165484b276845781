package llm

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/harunnryd/voxpoll/pkg/metrics"
	"github.com/harunnryd/voxpoll/pkg/resilience"
)

type RetryConfig struct {
	// MaxRetries counts retries after the first attempt.
	MaxRetries int
	Backoff    resilience.Backoff
	Sleep      func(ctx context.Context, d time.Duration) error
}

const DefaultMaxRetries = 2

// RetryGateway retries rate-limited completions only. Timeouts, auth and provider
// failures are returned on the first occurrence.
type RetryGateway struct {
	inner Gateway
	cfg   RetryConfig
	obs   metrics.Observer

	mu   sync.Mutex
	rand *rand.Rand
}

func WithRetry(inner Gateway, cfg RetryConfig) *RetryGateway {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &RetryGateway{inner: inner, cfg: cfg, rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (g *RetryGateway) Name() string { return g.inner.Name() }

func (g *RetryGateway) SetObserver(obs metrics.Observer) { g.obs = obs }

func (g *RetryGateway) Complete(ctx context.Context, req Request) (Response, error) {
	attempts := 0
	for {
		attempts++
		resp, err := g.inner.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		var rl RateLimitError
		if !errors.As(err, &rl) {
			return Response{}, err
		}
		if attempts > g.cfg.MaxRetries {
			rl.Attempts = attempts
			if rl.CorrelationID == "" {
				rl.CorrelationID = req.CorrelationID
			}
			return Response{}, rl
		}
		delay := g.delay(rl.RetryAfter, attempts-1)
		slog.Warn("llm_rate_limited_retry",
			"provider", g.inner.Name(),
			"correlation_id", req.CorrelationID,
			"attempt", attempts,
			"delay_ms", delay.Milliseconds(),
		)
		metrics.Record(g.obs, metrics.EventLLMRetry, float64(attempts), map[string]string{"provider": g.inner.Name()})
		if err := g.cfg.Sleep(ctx, delay); err != nil {
			return Response{}, err
		}
	}
}

func (g *RetryGateway) delay(hint time.Duration, attempt int) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg.Backoff.Hinted(hint, attempt, g.rand)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
