package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonLLMTimeout   ReasonCode = "llm_timeout"
	ReasonLLMRateLimit ReasonCode = "llm_rate_limit"
	ReasonLLMAuth      ReasonCode = "llm_auth"
	ReasonLLMProvider  ReasonCode = "llm_provider"
	ReasonLLMBreaker   ReasonCode = "llm_circuit_open"

	ReasonSessionNotFound ReasonCode = "session_not_found"
	ReasonStaleTransition ReasonCode = "stale_transition"

	ReasonWebhookParse              ReasonCode = "webhook_parse"
	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonAttemptNotFound           ReasonCode = "attempt_not_found"

	ReasonTelephonyControl ReasonCode = "telephony_control"
	ReasonEventPublish     ReasonCode = "event_publish"
	ReasonRepository       ReasonCode = "repository"
)
