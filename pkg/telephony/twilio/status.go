package twilio

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/voxpoll/pkg/telephony"
)

// mapStatus converts a Twilio CallStatus into a call event type.
func mapStatus(raw string) (telephony.EventType, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "initiated":
		return telephony.EventInitiated, true
	case "ringing":
		return telephony.EventRinging, true
	case "in-progress", "answered":
		return telephony.EventAnswered, true
	case "completed":
		return telephony.EventCompleted, true
	case "busy":
		return telephony.EventBusy, true
	case "no-answer", "no_answer":
		return telephony.EventNoAnswer, true
	case "failed", "canceled", "cancelled":
		return telephony.EventFailed, true
	}
	return "", false
}

// ParseStatusCallback builds an event from the POST form and the callback query
// that the dialer attached.
func ParseStatusCallback(form url.Values, query url.Values) (telephony.Event, error) {
	sid := strings.TrimSpace(form.Get("CallSid"))
	if sid == "" {
		return telephony.Event{}, &telephony.ParseError{Field: "CallSid", Reason: "missing"}
	}
	status := form.Get("CallStatus")
	typ, ok := mapStatus(status)
	if !ok {
		return telephony.Event{}, &telephony.ParseError{Field: "CallStatus", Reason: "unknown status " + strconv.Quote(status)}
	}
	ev := telephony.Event{
		Type:           typ,
		ProviderCallID: sid,
		CallID:         query.Get("call_id"),
		CampaignID:     query.Get("campaign_id"),
		ContactID:      query.Get("contact_id"),
		Language:       query.Get("language"),
		Status:         status,
		Timestamp:      time.Now().UTC(),
		ErrorCode:      form.Get("ErrorCode"),
		ErrorMessage:   form.Get("ErrorMessage"),
	}
	if ts := form.Get("Timestamp"); ts != "" {
		if t, err := time.Parse(time.RFC1123Z, ts); err == nil {
			ev.Timestamp = t.UTC()
		}
	}
	if d := form.Get("CallDuration"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil {
			return telephony.Event{}, &telephony.ParseError{Field: "CallDuration", Reason: "not a number"}
		}
		ev.DurationSeconds = &n
	}
	if ev.ErrorCode == "" && typ == telephony.EventFailed && strings.EqualFold(status, "canceled") {
		ev.ErrorCode = "canceled"
	}
	if err := ev.Validate(); err != nil {
		return telephony.Event{}, err
	}
	return ev, nil
}
