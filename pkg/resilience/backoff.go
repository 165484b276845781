package resilience

import (
	"math"
	"math/rand"
	"time"
)

// Backoff is the shared delay policy used by every retrying component.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = 250 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 10 * time.Second
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	return b
}

// Delay returns the exponential delay for the zero-based attempt, capped at Max.
// Jitter is added on top of the capped value and may exceed Max by at most Jitter*Max.
func (b Backoff) Delay(attempt int, r *rand.Rand) time.Duration {
	b = b.withDefaults()
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(float64(b.Base) * math.Pow(2, float64(attempt)))
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	if b.Jitter > 0 && r != nil {
		d += time.Duration(float64(d) * b.Jitter * r.Float64())
	}
	return d
}

// Hinted prefers a server supplied retry-after hint, clamped to Max.
// Without a hint it falls back to Delay.
func (b Backoff) Hinted(hint time.Duration, attempt int, r *rand.Rand) time.Duration {
	b = b.withDefaults()
	if hint <= 0 {
		return b.Delay(attempt, r)
	}
	if hint > b.Max {
		return b.Max
	}
	return hint
}
