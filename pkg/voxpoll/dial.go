package voxpoll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/voxpoll/pkg/callpolicy"
	"github.com/harunnryd/voxpoll/pkg/calls"
	"github.com/harunnryd/voxpoll/pkg/redact"
	"github.com/harunnryd/voxpoll/pkg/telephony"
)

var (
	ErrContactClosed  = errors.New("contact is not dialable")
	ErrOutsideWindow  = errors.New("outside the campaign calling window")
	ErrRetryNotDueYet = errors.New("next attempt is not due yet")
)

// DialOptions relaxes the scheduling checks for manual calls.
type DialOptions struct {
	IgnoreWindow bool
	Now          time.Time
}

// Dial places one attempt for contactID. The attempt row is written before the
// provider call so that early status callbacks find it.
func (e *Engine) Dial(ctx context.Context, contactID string, opts DialOptions) (calls.Attempt, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	contact, err := e.repo.Contact(ctx, contactID)
	if err != nil {
		return calls.Attempt{}, fmt.Errorf("load contact %s: %w", contactID, err)
	}
	if err := dialable(contact, now, opts.IgnoreWindow); err != nil {
		return calls.Attempt{}, fmt.Errorf("contact %s: %w", contactID, err)
	}
	campaign, err := e.repo.Campaign(ctx, contact.CampaignID)
	if err != nil {
		return calls.Attempt{}, fmt.Errorf("load campaign %s: %w", contact.CampaignID, err)
	}
	if !opts.IgnoreWindow {
		w, err := callpolicy.WindowFor(campaign)
		if err != nil {
			return calls.Attempt{}, err
		}
		if !w.Contains(now) {
			return calls.Attempt{}, fmt.Errorf("campaign %s: %w (opens %s)", campaign.ID, ErrOutsideWindow, w.Next(now).Format(time.RFC3339))
		}
	}

	a := calls.Attempt{
		ID:            uuid.NewString(),
		CallID:        uuid.NewString(),
		CampaignID:    campaign.ID,
		ContactID:     contact.ID,
		AttemptNumber: contact.AttemptsCount + 1,
		StartedAt:     now,
	}
	if err := e.repo.SaveAttempt(ctx, a); err != nil {
		return calls.Attempt{}, err
	}
	contact.State = calls.ContactInProgress
	contact.AttemptsCount = a.AttemptNumber
	contact.LastAttemptAt = &now
	contact.NextAttemptAt = nil
	if err := e.repo.SaveContact(ctx, contact); err != nil {
		return calls.Attempt{}, err
	}

	sid, err := e.dialer.Dial(ctx, telephony.DialRequest{
		To:         contact.PhoneNumber,
		CallID:     a.CallID,
		CampaignID: campaign.ID,
		ContactID:  contact.ID,
		Language:   contact.Language,
	})
	if err != nil {
		e.logger.Error("dial_error", "call_id", a.CallID, "to", redact.Phone(contact.PhoneNumber), "error", err.Error())
		// the provider never took the call, so no callback will finalize it
		failed := a
		failed.ErrorMessage = err.Error()
		if ferr := e.processor.FailUndialed(ctx, failed); ferr != nil {
			return calls.Attempt{}, errors.Join(err, ferr)
		}
		return calls.Attempt{}, err
	}
	a.ProviderCallID = sid
	if err := e.repo.SaveAttempt(ctx, a); err != nil {
		return calls.Attempt{}, err
	}
	e.logger.Info("dial_placed", "call_id", a.CallID, "attempt", a.AttemptNumber, "to", redact.Phone(contact.PhoneNumber))
	return a, nil
}

func dialable(c calls.Contact, now time.Time, ignoreSchedule bool) error {
	if c.DoNotCall {
		return ErrContactClosed
	}
	switch c.State {
	case "", calls.ContactPending:
	default:
		return fmt.Errorf("%w: state %s", ErrContactClosed, c.State)
	}
	if !ignoreSchedule && c.NextAttemptAt != nil && now.Before(*c.NextAttemptAt) {
		return ErrRetryNotDueYet
	}
	return nil
}
