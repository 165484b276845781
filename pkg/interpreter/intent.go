package interpreter

import "strings"

type Intent string

const (
	IntentConsentAccepted Intent = "CONSENT_ACCEPTED"
	IntentConsentRefused  Intent = "CONSENT_REFUSED"
	IntentAnswer          Intent = "ANSWER"
	IntentRepeatRequest   Intent = "REPEAT_REQUEST"
	IntentOffTopic        Intent = "OFF_TOPIC"
	IntentUnclear         Intent = "UNCLEAR"
)

// Stage tells Classify which intents are meaningful for the current phase.
type Stage int

const (
	StageConsent Stage = iota
	StageQuestion
)

const (
	ConfidenceExplicit = 0.9
	ConfidenceImplicit = 0.6
	ConfidenceInferred = 0.5
)

// ExtractedIntent is the result of interpreting one user turn.
type ExtractedIntent struct {
	Intent     Intent
	Answer     string
	Confidence float64
	Reasoning  string
	// Spoken is the model's reply with signal lines removed.
	Spoken string
}

// Classify reduces parsed signals to a single intent for the given stage.
// utterance is the caller's words and backs ANSWER when the model did not echo a value.
func Classify(p Parsed, stage Stage, utterance string) ExtractedIntent {
	if strings.TrimSpace(p.Text) == "" && len(p.Signals) == 0 {
		return ExtractedIntent{Intent: IntentUnclear, Reasoning: "empty response"}
	}
	conf := ConfidenceExplicit
	source := "signal"
	if p.Inferred {
		conf = ConfidenceInferred
		source = "inferred"
	}
	out := ExtractedIntent{Spoken: p.Text, Confidence: conf}
	switch stage {
	case StageConsent:
		accepted, refused := p.Has(SignalConsentAccepted), p.Has(SignalConsentRefused)
		switch {
		case accepted && refused:
			out.Intent = IntentUnclear
			out.Reasoning = "conflicting consent signals"
		case accepted:
			out.Intent = IntentConsentAccepted
			out.Reasoning = source + ": consent accepted"
		case refused:
			out.Intent = IntentConsentRefused
			out.Reasoning = source + ": consent refused"
		case p.Has(SignalRepeatQuestion):
			out.Intent = IntentRepeatRequest
			out.Reasoning = source + ": repeat requested"
		case p.Has(SignalOffTopic):
			out.Intent = IntentOffTopic
			out.Reasoning = source + ": off topic"
		default:
			out.Intent = IntentUnclear
			out.Reasoning = "no consent decision"
		}
	case StageQuestion:
		switch {
		// Withdrawal ends the survey, so it needs an explicit signal; phrase
		// inference alone never withdraws consent.
		case p.Has(SignalConsentRefused) && !p.Inferred:
			out.Intent = IntentConsentRefused
			out.Reasoning = "signal: consent withdrawn"
		case p.Has(SignalAnswerCaptured):
			out.Intent = IntentAnswer
			out.Answer = p.Answer
			if out.Answer == "" {
				out.Answer = strings.TrimSpace(utterance)
			}
			out.Reasoning = source + ": answer captured"
		case p.Has(SignalRepeatQuestion):
			out.Intent = IntentRepeatRequest
			out.Reasoning = source + ": repeat requested"
		case p.Has(SignalUnclearResponse):
			out.Intent = IntentUnclear
			out.Reasoning = source + ": unclear response"
		case p.Has(SignalOffTopic):
			out.Intent = IntentOffTopic
			out.Reasoning = source + ": off topic"
		case p.Has(SignalMoveToNextQuestion) || p.Has(SignalSurveyComplete):
			out.Intent = IntentAnswer
			out.Answer = strings.TrimSpace(utterance)
			out.Confidence = min(conf, ConfidenceImplicit)
			out.Reasoning = source + ": advanced without captured value"
		default:
			out.Intent = IntentUnclear
			out.Reasoning = "no answer signal"
		}
	}
	if out.Intent == IntentUnclear && len(p.Signals) == 0 {
		out.Confidence = 0
	}
	if out.Intent == IntentAnswer && out.Answer == "" {
		out.Intent = IntentUnclear
		out.Confidence = 0
		out.Reasoning = "answer signal without content"
	}
	return out
}
