package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/voxpoll/pkg/metrics"
)

// LatencyObserver aggregates model latency per call and logs one summary line
// when the dialogue ends or its session expires.
type LatencyObserver struct {
	mu    sync.Mutex
	calls map[string]*callTrace
	log   *slog.Logger
}

type callTrace struct {
	firstSeen   time.Time
	lastSeen    time.Time
	llmCalls    int
	llmFailures int
	llmTotalMs  float64
	llmMaxMs    float64
	transitions int
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		calls: make(map[string]*callTrace),
		log:   log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	callID := ev.Tags["call_id"]
	if callID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.calls[callID]
	if t == nil {
		t = &callTrace{firstSeen: ev.Time}
		o.calls[callID] = t
	}
	t.lastSeen = ev.Time
	switch ev.Name {
	case metrics.EventLLMLatency:
		t.llmCalls++
		if ev.Tags["status"] != "" && ev.Tags["status"] != "ok" {
			t.llmFailures++
		}
		t.llmTotalMs += ev.Value
		t.llmMaxMs = max(t.llmMaxMs, ev.Value)
	case metrics.EventPhaseTransition:
		t.transitions++
	case metrics.EventDialogueOutcome, metrics.EventSessionExpired:
		o.logSummaryLocked(callID, ev.Tags["outcome"], t)
		delete(o.calls, callID)
	}
}

// Pending reports how many calls are still being traced.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

func (o *LatencyObserver) logSummaryLocked(callID, outcome string, t *callTrace) {
	avg := -1.0
	if t.llmCalls > 0 {
		avg = t.llmTotalMs / float64(t.llmCalls)
	}
	if outcome == "" {
		outcome = "expired"
	}
	o.log.Info("call_latency",
		"call_id", callID,
		"outcome", outcome,
		"transitions", t.transitions,
		"llm_calls", t.llmCalls,
		"llm_failures", t.llmFailures,
		"llm_avg_ms", avg,
		"llm_max_ms", t.llmMaxMs,
		"dialogue_ms", durationMs(t.firstSeen, t.lastSeen),
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
