package dialogue

import (
	"fmt"
	"time"
)

// MaxTranscript bounds the per-session transcript kept for prompt context.
const MaxTranscript = 24

// State is the mutable part of a session. Values handed out by Session are copies.
type State struct {
	Phase           Phase
	Consent         ConsentState
	Questions       [QuestionCount]QuestionState
	Answers         [QuestionCount]Answer
	RepeatCounts    [QuestionCount]int
	UnclearCounts   [QuestionCount]int
	ConsentAttempts int
	Outcome         Outcome
	Reason          string
	Transcript      []TranscriptEntry
	Version         uint64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func newState(now time.Time) State {
	s := State{
		Phase:     PhaseIntro,
		Consent:   ConsentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i := range s.Questions {
		s.Questions[i] = QuestionNotAsked
	}
	return s
}

func (s State) clone() State {
	out := s
	if s.Transcript != nil {
		out.Transcript = make([]TranscriptEntry, len(s.Transcript))
		copy(out.Transcript, s.Transcript)
	}
	return out
}

// Record appends a transcript line, dropping the oldest beyond MaxTranscript.
func (s *State) Record(role, text string, at time.Time) {
	s.Transcript = append(s.Transcript, TranscriptEntry{Role: role, Text: text, At: at})
	if over := len(s.Transcript) - MaxTranscript; over > 0 {
		s.Transcript = append(s.Transcript[:0:0], s.Transcript[over:]...)
	}
}

// CollectedAnswers returns the answer texts captured so far, in question order.
func (s State) CollectedAnswers() []string {
	var out []string
	for i, q := range s.Questions {
		if q == QuestionAnswered {
			out = append(out, s.Answers[i].Text)
		}
	}
	return out
}

// Terminate moves the session to TERMINATED with the given outcome.
func (s *State) Terminate(outcome Outcome, reason string) {
	s.Phase = PhaseTerminated
	s.Outcome = outcome
	s.Reason = reason
}

// Validate checks that phase, consent and per-question states agree.
func (s State) Validate() error {
	switch s.Consent {
	case ConsentPending, ConsentGranted, ConsentRefused:
	default:
		return fmt.Errorf("unknown consent state %q", s.Consent)
	}
	for i, q := range s.Questions {
		answered := q == QuestionAnswered
		if answered != (s.Answers[i].Text != "") {
			return fmt.Errorf("question %d state %s disagrees with answer presence", i+1, q)
		}
		if c := s.Answers[i].Confidence; c < 0 || c > 1 {
			return fmt.Errorf("question %d confidence %.2f out of range", i+1, c)
		}
		if s.RepeatCounts[i] < 0 || s.UnclearCounts[i] < 0 {
			return fmt.Errorf("question %d negative counter", i+1)
		}
		if q != QuestionNotAsked && s.Consent != ConsentGranted {
			return fmt.Errorf("question %d is %s without consent", i+1, q)
		}
	}

	switch s.Phase {
	case PhaseIntro, PhaseConsentRequest, PhaseConsentProcessing:
		if s.Consent != ConsentPending {
			return fmt.Errorf("phase %s requires pending consent, got %s", s.Phase, s.Consent)
		}
		if s.Outcome != OutcomeNone {
			return fmt.Errorf("phase %s cannot carry outcome %s", s.Phase, s.Outcome)
		}
	case PhaseQuestion1, PhaseQuestion2, PhaseQuestion3:
		n := s.Phase.QuestionNumber()
		if s.Consent != ConsentGranted {
			return fmt.Errorf("phase %s requires granted consent", s.Phase)
		}
		if s.Outcome != OutcomeNone {
			return fmt.Errorf("phase %s cannot carry outcome %s", s.Phase, s.Outcome)
		}
		for i := 0; i < QuestionCount; i++ {
			q := s.Questions[i]
			switch {
			case i+1 < n && q != QuestionAnswered:
				return fmt.Errorf("phase %s requires question %d answered, got %s", s.Phase, i+1, q)
			case i+1 == n && q != QuestionAsked && q != QuestionRepeatRequested:
				return fmt.Errorf("phase %s requires question %d asked, got %s", s.Phase, n, q)
			case i+1 > n && q != QuestionNotAsked:
				return fmt.Errorf("phase %s requires question %d not asked, got %s", s.Phase, i+1, q)
			}
		}
	case PhaseCompletion:
		if s.Consent != ConsentGranted {
			return fmt.Errorf("completion requires granted consent")
		}
		for i, q := range s.Questions {
			if q != QuestionAnswered {
				return fmt.Errorf("completion requires question %d answered, got %s", i+1, q)
			}
		}
		if s.Outcome != OutcomeCompleted {
			return fmt.Errorf("completion requires outcome completed, got %q", s.Outcome)
		}
	case PhaseTerminated:
		if s.Outcome != OutcomeRefused && s.Outcome != OutcomeFailed {
			return fmt.Errorf("terminated requires refused or failed outcome, got %q", s.Outcome)
		}
		if s.Consent == ConsentRefused && s.Outcome != OutcomeRefused {
			return fmt.Errorf("refused consent must end with refused outcome")
		}
	default:
		return fmt.Errorf("unknown phase %q", s.Phase)
	}
	return nil
}
