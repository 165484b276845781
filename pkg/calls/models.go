package calls

import (
	"slices"
	"time"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRefused   Outcome = "refused"
	OutcomeNoAnswer  Outcome = "no_answer"
	OutcomeBusy      Outcome = "busy"
	OutcomeFailed    Outcome = "failed"
)

// Retryable reports whether another attempt may reach the contact.
func (o Outcome) Retryable() bool {
	return o == OutcomeNoAnswer || o == OutcomeBusy || o == OutcomeFailed
}

type ContactState string

const (
	ContactPending    ContactState = "pending"
	ContactInProgress ContactState = "in_progress"
	ContactCompleted  ContactState = "completed"
	ContactRefused    ContactState = "refused"
	ContactNotReached ContactState = "not_reached"
	ContactExcluded   ContactState = "excluded"
)

type SurveyQuestion struct {
	Text string `json:"text"`
	Type string `json:"type"`
}

type Campaign struct {
	ID                   string `gorm:"primaryKey"`
	Name                 string `gorm:"not null"`
	Language             string
	IntroScript          string           `gorm:"type:text"`
	Questions            []SurveyQuestion `gorm:"serializer:json"`
	MaxAttempts          int
	RetryIntervalMinutes int
	// WindowStart and WindowEnd are local HH:MM bounds. End before start crosses midnight.
	WindowStart string
	WindowEnd   string
	Timezone    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Contact struct {
	ID            string `gorm:"primaryKey"`
	CampaignID    string `gorm:"index;not null"`
	PhoneNumber   string `gorm:"not null"`
	Language      string
	State         ContactState `gorm:"index"`
	AttemptsCount int
	LastOutcome   Outcome
	LastAttemptAt *time.Time
	NextAttemptAt *time.Time `gorm:"index"`
	DoNotCall     bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Attempt is one dialed call. Outcome is write-once; AppliedEvents records the
// webhook event types already folded into the record.
type Attempt struct {
	ID              string `gorm:"primaryKey"`
	CallID          string `gorm:"uniqueIndex;not null"`
	CampaignID      string `gorm:"index"`
	ContactID       string `gorm:"index"`
	AttemptNumber   int
	ProviderCallID  string `gorm:"index"`
	StartedAt       time.Time
	AnsweredAt      *time.Time
	EndedAt         *time.Time
	Outcome         Outcome
	ProviderStatus  string
	ErrorCode       string
	ErrorMessage    string `gorm:"type:text"`
	DurationSeconds int
	AppliedEvents   []string `gorm:"serializer:json"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (a Attempt) Applied(eventType string) bool {
	return slices.Contains(a.AppliedEvents, eventType)
}

func (a *Attempt) MarkApplied(eventType string) {
	if !a.Applied(eventType) {
		a.AppliedEvents = append(a.AppliedEvents, eventType)
	}
}

func (a Attempt) Finalized() bool { return a.Outcome != "" }

type ResponseAnswer struct {
	Question   int       `json:"question"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	CapturedAt time.Time `json:"captured_at"`
}

// SurveyResponse is only ever written for completed dialogues with all answers.
type SurveyResponse struct {
	ID          string           `gorm:"primaryKey"`
	CallID      string           `gorm:"uniqueIndex;not null"`
	AttemptID   string           `gorm:"index"`
	CampaignID  string           `gorm:"index"`
	ContactID   string           `gorm:"index"`
	Answers     []ResponseAnswer `gorm:"serializer:json"`
	CompletedAt time.Time
	CreatedAt   time.Time
}
