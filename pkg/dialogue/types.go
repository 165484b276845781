package dialogue

import "time"

type Phase string

const (
	PhaseIntro             Phase = "INTRO"
	PhaseConsentRequest    Phase = "CONSENT_REQUEST"
	PhaseConsentProcessing Phase = "CONSENT_PROCESSING"
	PhaseQuestion1         Phase = "QUESTION_1"
	PhaseQuestion2         Phase = "QUESTION_2"
	PhaseQuestion3         Phase = "QUESTION_3"
	PhaseCompletion        Phase = "COMPLETION"
	PhaseTerminated        Phase = "TERMINATED"
)

// QuestionCount is fixed: every survey has exactly three questions.
const QuestionCount = 3

// QuestionPhase returns the phase for question n (1-based).
func QuestionPhase(n int) Phase {
	switch n {
	case 1:
		return PhaseQuestion1
	case 2:
		return PhaseQuestion2
	case 3:
		return PhaseQuestion3
	}
	return ""
}

// QuestionNumber returns 1..3 for question phases and 0 otherwise.
func (p Phase) QuestionNumber() int {
	switch p {
	case PhaseQuestion1:
		return 1
	case PhaseQuestion2:
		return 2
	case PhaseQuestion3:
		return 3
	}
	return 0
}

func (p Phase) Terminal() bool {
	return p == PhaseCompletion || p == PhaseTerminated
}

type ConsentState string

const (
	ConsentPending ConsentState = "PENDING"
	ConsentGranted ConsentState = "GRANTED"
	ConsentRefused ConsentState = "REFUSED"
)

type QuestionState string

const (
	QuestionNotAsked        QuestionState = "NOT_ASKED"
	QuestionAsked           QuestionState = "ASKED"
	QuestionRepeatRequested QuestionState = "REPEAT_REQUESTED"
	QuestionAnswered        QuestionState = "ANSWERED"
)

type AnswerType string

const (
	AnswerFreeText AnswerType = "free_text"
	AnswerNumeric  AnswerType = "numeric"
	AnswerScale    AnswerType = "scale"
)

// Outcome is the dialogue's own verdict. The attempt outcome adds no_answer and busy,
// which never come out of a conversation.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeCompleted Outcome = "completed"
	OutcomeRefused   Outcome = "refused"
	OutcomeFailed    Outcome = "failed"
)

type Question struct {
	Text string
	Type AnswerType
}

// CallContext is fixed for the lifetime of a call attempt.
type CallContext struct {
	CallID        string
	CampaignID    string
	ContactID     string
	AttemptID     string
	Language      string
	CampaignName  string
	IntroScript   string
	Questions     [QuestionCount]Question
	CorrelationID string
}

type Answer struct {
	Text        string
	Confidence  float64
	CapturedAt  time.Time
	WasRepeated bool
}

type TranscriptEntry struct {
	Role string
	Text string
	At   time.Time
}
