package metrics

import "time"

const (
	EventBreakerOpen   = "llm_breaker_open"
	EventBreakerClose  = "llm_breaker_close"
	EventBreakerDenied = "llm_breaker_denied"
	EventRateLimit     = "llm_rate_limit"
	EventLLMRetry      = "llm_retry"
	EventLLMLatency    = "llm_latency_ms"

	EventPhaseTransition  = "dialogue_phase_transition"
	EventDeliveryFallback = "dialogue_delivery_fallback"
	EventStaleTransition  = "dialogue_stale_transition"
	EventDialogueOutcome  = "dialogue_outcome"

	EventWebhookProcessed = "webhook_processed"
	EventWebhookDuplicate = "webhook_duplicate"
	EventSurveyPublished  = "survey_event_published"
	EventSurveyDuplicate  = "survey_event_duplicate"
	EventSessionExpired   = "dialogue_session_expired"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Record is a nil-safe helper for components holding an optional observer.
func Record(obs Observer, name string, value float64, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: tags})
}
