package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/xid"
)

type EventType string

const (
	SurveyCompleted  EventType = "survey.completed"
	SurveyRefused    EventType = "survey.refused"
	SurveyNotReached EventType = "survey.not_reached"
)

const DefaultTopic = "survey.events"

type AnswerPayload struct {
	Question   int     `json:"question"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// SurveyOutcome is the terminal artifact of one call attempt.
type SurveyOutcome struct {
	Type         EventType       `json:"type"`
	CampaignID   string          `json:"campaign_id"`
	ContactID    string          `json:"contact_id"`
	CallID       string          `json:"call_id"`
	AttemptCount int             `json:"attempt_count"`
	Answers      []AnswerPayload `json:"answers,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// IdempotencyKey is stable for a call and event type.
func (e SurveyOutcome) IdempotencyKey() string {
	return e.CallID + ":" + string(e.Type)
}

func (e SurveyOutcome) Validate() error {
	switch e.Type {
	case SurveyCompleted:
		if len(e.Answers) != 3 {
			return fmt.Errorf("%s requires 3 answers, got %d", e.Type, len(e.Answers))
		}
	case SurveyRefused, SurveyNotReached:
		if e.Reason == "" {
			return fmt.Errorf("%s requires a reason", e.Type)
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.CallID == "" {
		return fmt.Errorf("%s requires a call id", e.Type)
	}
	return nil
}

// Envelope is the wire wrapper published to the bus.
type Envelope struct {
	ID             string            `json:"id"`
	Type           EventType         `json:"type"`
	Source         string            `json:"source"`
	IdempotencyKey string            `json:"idempotency_key"`
	Timestamp      time.Time         `json:"timestamp"`
	Data           json.RawMessage   `json:"data"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func NewEnvelope(source string, ev SurveyOutcome) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", ev.Type, err)
	}
	return Envelope{
		ID:             xid.New().String(),
		Type:           ev.Type,
		Source:         source,
		IdempotencyKey: ev.IdempotencyKey(),
		Timestamp:      time.Now().UTC(),
		Data:           data,
		Metadata: map[string]string{
			"campaign_id": ev.CampaignID,
			"contact_id":  ev.ContactID,
		},
	}, nil
}
