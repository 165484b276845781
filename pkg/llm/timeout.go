package llm

import (
	"context"
	"errors"
	"time"
)

const DefaultTimeout = 30 * time.Second

type TimeoutGateway struct {
	inner   Gateway
	timeout time.Duration
}

// WithTimeout bounds every completion. An expired deadline surfaces as TimeoutError.
// Cancellation by the caller is returned unchanged.
func WithTimeout(inner Gateway, timeout time.Duration) *TimeoutGateway {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &TimeoutGateway{inner: inner, timeout: timeout}
}

func (g *TimeoutGateway) Name() string { return g.inner.Name() }

func (g *TimeoutGateway) Complete(ctx context.Context, req Request) (Response, error) {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	resp, err := g.inner.Complete(cctx, req)
	if err == nil {
		return resp, nil
	}
	if IsTimeout(err) {
		return Response{}, err
	}
	if errors.Is(err, context.DeadlineExceeded) || (cctx.Err() == context.DeadlineExceeded && ctx.Err() == nil) {
		return Response{}, TimeoutError{Provider: g.inner.Name(), CorrelationID: req.CorrelationID, After: g.timeout}
	}
	return Response{}, err
}
