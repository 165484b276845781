package telephony

import (
	"context"
	"fmt"
	"time"
)

// EventType is the provider-neutral call status event.
type EventType string

const (
	EventInitiated EventType = "call.initiated"
	EventRinging   EventType = "call.ringing"
	EventAnswered  EventType = "call.answered"
	EventCompleted EventType = "call.completed"
	EventNoAnswer  EventType = "call.no_answer"
	EventBusy      EventType = "call.busy"
	EventFailed    EventType = "call.failed"
)

func (t EventType) Valid() bool {
	switch t {
	case EventInitiated, EventRinging, EventAnswered, EventCompleted, EventNoAnswer, EventBusy, EventFailed:
		return true
	}
	return false
}

// Event is one call status delivery. The same (CallID, Type) may arrive more than once.
type Event struct {
	Type            EventType
	ProviderCallID  string
	CallID          string
	CampaignID      string
	ContactID       string
	Language        string
	Status          string
	Timestamp       time.Time
	DurationSeconds *int
	ErrorCode       string
	ErrorMessage    string
}

func (e Event) Validate() error {
	if !e.Type.Valid() {
		return &ParseError{Field: "type", Reason: fmt.Sprintf("unknown event type %q", e.Type)}
	}
	if e.CallID == "" {
		return &ParseError{Field: "call_id", Reason: "missing"}
	}
	if e.DurationSeconds != nil && *e.DurationSeconds < 0 {
		return &ParseError{Field: "duration", Reason: "negative"}
	}
	return nil
}

// ParseError marks a malformed provider payload; ingress answers it with a client error.
type ParseError struct {
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("webhook parse: %s: %s", e.Field, e.Reason)
}

// HandleResult tells ingress whether an event changed anything.
type HandleResult string

const (
	Processed HandleResult = "processed"
	Duplicate HandleResult = "duplicate"
)

// Control speaks to a live call. Callers treat it as fire-and-forget: errors are
// logged, never retried.
type Control interface {
	PlayText(ctx context.Context, callID, text string) error
	EndCall(ctx context.Context, callID string) error
}

// Farewell lets a control say a last message and hang up in one provider round trip.
type Farewell interface {
	EndCallWithMessage(ctx context.Context, callID, text string) error
}

type DialRequest struct {
	To         string
	From       string
	CallID     string
	CampaignID string
	ContactID  string
	Language   string
}

// Dialer places outbound calls and returns the provider call id.
type Dialer interface {
	Dial(ctx context.Context, req DialRequest) (string, error)
}
