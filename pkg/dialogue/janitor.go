package dialogue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ExpireFunc receives an evicted call and its last dialogue state.
type ExpireFunc func(ctx context.Context, callID string, st State)

// Janitor evicts sessions whose call never reported completion.
type Janitor struct {
	store    Store
	ttl      time.Duration
	schedule string
	onExpire ExpireFunc
	now      func() time.Time
	cron     *cron.Cron
}

func NewJanitor(store Store, ttl time.Duration, schedule string, onExpire ExpireFunc) *Janitor {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if schedule == "" {
		schedule = "@every 1m"
	}
	return &Janitor{store: store, ttl: ttl, schedule: schedule, onExpire: onExpire, now: time.Now}
}

// Start schedules sweeps until ctx is done.
func (j *Janitor) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(j.schedule, func() { j.Sweep(ctx) }); err != nil {
		return fmt.Errorf("janitor schedule %q: %w", j.schedule, err)
	}
	j.cron = c
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

// Sweep ends and removes idle sessions and returns how many were evicted.
func (j *Janitor) Sweep(ctx context.Context) int {
	cutoff := j.now().Add(-j.ttl)
	var expired []*Session
	j.store.Range(func(s *Session) bool {
		if s.IdleSince().Before(cutoff) {
			expired = append(expired, s)
		}
		return true
	})
	for _, s := range expired {
		s.End("expired")
		j.store.Remove(s.CallID())
		slog.Warn("dialogue_session_expired", "call_id", s.CallID(), "idle_since", s.IdleSince())
		if j.onExpire != nil {
			j.onExpire(ctx, s.CallID(), s.Snapshot())
		}
	}
	return len(expired)
}
