package callpolicy

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/harunnryd/voxpoll/pkg/calls"
)

const (
	DefaultMaxAttempts          = 3
	DefaultRetryIntervalMinutes = 60
	DefaultWindowStart          = "09:00"
	DefaultWindowEnd            = "20:00"
)

// Decision is either a retry time or a terminal contact state, never both.
type Decision struct {
	RetryAt  *time.Time
	Terminal calls.ContactState
	// Reason explains terminal not_reached decisions, e.g. "max_attempts".
	Reason string
}

func (d Decision) Retry() bool { return d.RetryAt != nil }

// Decide applies the attempt policy. contact.AttemptsCount must already include the
// attempt that produced outcome.
func Decide(contact calls.Contact, campaign calls.Campaign, outcome calls.Outcome, now time.Time) (Decision, error) {
	switch outcome {
	case calls.OutcomeCompleted:
		return Decision{Terminal: calls.ContactCompleted}, nil
	case calls.OutcomeRefused:
		return Decision{Terminal: calls.ContactRefused}, nil
	}
	if !outcome.Retryable() {
		return Decision{}, fmt.Errorf("unknown outcome %q", outcome)
	}
	if contact.DoNotCall {
		return Decision{Terminal: calls.ContactNotReached, Reason: "do_not_call"}, nil
	}
	maxAttempts := campaign.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if contact.AttemptsCount >= maxAttempts {
		return Decision{Terminal: calls.ContactNotReached, Reason: "max_attempts"}, nil
	}
	interval := campaign.RetryIntervalMinutes
	if interval <= 0 {
		interval = DefaultRetryIntervalMinutes
	}
	w, err := WindowFor(campaign)
	if err != nil {
		return Decision{}, err
	}
	at := w.Next(now.Add(time.Duration(interval) * time.Minute))
	return Decision{RetryAt: &at}, nil
}

// Window is a daily local calling window. End before Start means it crosses midnight.
type Window struct {
	Start time.Duration
	End   time.Duration
	Loc   *time.Location
}

func WindowFor(c calls.Campaign) (Window, error) {
	start, end := c.WindowStart, c.WindowEnd
	if start == "" {
		start = DefaultWindowStart
	}
	if end == "" {
		end = DefaultWindowEnd
	}
	s, err := parseClock(start)
	if err != nil {
		return Window{}, fmt.Errorf("window start: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return Window{}, fmt.Errorf("window end: %w", err)
	}
	loc := time.UTC
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return Window{}, fmt.Errorf("timezone %q: %w", tz, err)
		}
	}
	return Window{Start: s, End: e, Loc: loc}, nil
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if w.Start == w.End {
		return true
	}
	off := sinceMidnight(t.In(w.Loc))
	if w.Start < w.End {
		return off >= w.Start && off < w.End
	}
	return off >= w.Start || off < w.End
}

// Next returns t when it is inside the window, otherwise the next opening instant.
func (w Window) Next(t time.Time) time.Time {
	if w.Contains(t) {
		return t
	}
	local := t.In(w.Loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, w.Loc)
	open := atOffset(midnight, w.Start, w.Loc)
	if !open.After(local) {
		next := midnight.AddDate(0, 0, 1)
		open = atOffset(next, w.Start, w.Loc)
	}
	return open
}

func atOffset(midnight time.Time, off time.Duration, loc *time.Location) time.Time {
	h := int(off / time.Hour)
	m := int((off % time.Hour) / time.Minute)
	return time.Date(midnight.Year(), midnight.Month(), midnight.Day(), h, m, 0, 0, loc)
}

func sinceMidnight(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second
}

func parseClock(v string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock %q, want HH:MM", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", v)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}
