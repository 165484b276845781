package interpreter

import (
	"regexp"
	"strings"
)

type Signal string

const (
	SignalConsentAccepted    Signal = "CONSENT_ACCEPTED"
	SignalConsentRefused     Signal = "CONSENT_REFUSED"
	SignalAnswerCaptured     Signal = "ANSWER_CAPTURED"
	SignalRepeatQuestion     Signal = "REPEAT_QUESTION"
	SignalSurveyComplete     Signal = "SURVEY_COMPLETE"
	SignalUnclearResponse    Signal = "UNCLEAR_RESPONSE"
	SignalMoveToNextQuestion Signal = "MOVE_TO_NEXT_QUESTION"
	SignalOffTopic           Signal = "OFF_TOPIC"
)

var known = map[string]Signal{
	string(SignalConsentAccepted):    SignalConsentAccepted,
	string(SignalConsentRefused):     SignalConsentRefused,
	string(SignalAnswerCaptured):     SignalAnswerCaptured,
	string(SignalRepeatQuestion):     SignalRepeatQuestion,
	string(SignalSurveyComplete):     SignalSurveyComplete,
	string(SignalUnclearResponse):    SignalUnclearResponse,
	string(SignalMoveToNextQuestion): SignalMoveToNextQuestion,
	string(SignalOffTopic):           SignalOffTopic,
}

var signalLine = regexp.MustCompile(`(?m)^[ \t]*SIGNAL:[ \t]*(\w+)(?::(.+))?[ \t\r]*$`)

// Parsed is the decoded form of one raw completion.
type Parsed struct {
	// Text is the spoken body with signal lines removed.
	Text    string
	Signals []Signal
	Answer  string
	// Inferred is set when Signals came from phrase matching instead of signal lines.
	Inferred bool
}

func (p Parsed) Has(s Signal) bool {
	for _, v := range p.Signals {
		if v == s {
			return true
		}
	}
	return false
}

// Parse strips SIGNAL lines from raw and decodes them. Unknown signal names are
// dropped but their lines are still removed from the spoken text.
func Parse(raw string) Parsed {
	var out Parsed
	for _, m := range signalLine.FindAllStringSubmatch(raw, -1) {
		sig, ok := known[strings.ToUpper(strings.TrimSpace(m[1]))]
		if !ok {
			continue
		}
		out.Signals = appendUnique(out.Signals, sig)
		if sig == SignalAnswerCaptured && out.Answer == "" {
			out.Answer = strings.TrimSpace(m[2])
		}
	}
	out.Text = strings.TrimSpace(signalLine.ReplaceAllString(raw, ""))
	if len(out.Signals) == 0 && out.Text != "" {
		out.Signals = infer(out.Text)
		out.Inferred = len(out.Signals) > 0
	}
	return out
}

var (
	consentPositive = []string{
		"thank you for agreeing",
		"great, let's begin",
		"wonderful, i'll start",
		"perfect, here's the first",
	}
	consentNegative = []string{
		"thank you for your time",
		"i understand",
		"no problem",
		"have a good day",
	}
)

func infer(text string) []Signal {
	var out []Signal
	lower := strings.ToLower(text)
	if containsAny(lower, consentPositive) {
		out = append(out, SignalConsentAccepted)
	}
	if containsAny(lower, consentNegative) && !strings.Contains(lower, "first question") {
		out = append(out, SignalConsentRefused)
	}
	if strings.Contains(lower, "let me repeat") || strings.Contains(lower, "i'll ask again") {
		out = append(out, SignalRepeatQuestion)
	}
	if strings.Contains(lower, "thank you for completing") || strings.Contains(lower, "survey is complete") {
		out = append(out, SignalSurveyComplete)
	}
	return out
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func appendUnique(list []Signal, s Signal) []Signal {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
