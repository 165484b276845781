package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/voxpoll/pkg/callpolicy"
	"github.com/harunnryd/voxpoll/pkg/calls"
	"github.com/harunnryd/voxpoll/pkg/dialogue"
	"github.com/harunnryd/voxpoll/pkg/errorsx"
	"github.com/harunnryd/voxpoll/pkg/events"
	"github.com/harunnryd/voxpoll/pkg/logging"
	"github.com/harunnryd/voxpoll/pkg/metrics"
	"github.com/harunnryd/voxpoll/pkg/orchestrator"
	"github.com/harunnryd/voxpoll/pkg/telephony"
)

// Reasons attached to outcomes the processor decides on its own.
const (
	ReasonNoDialogue        = "no_dialogue"
	ReasonHangup            = "hangup"
	ReasonSessionExpired    = "session_expired"
	ReasonIncompleteAnswers = "incomplete_answers"
	ReasonDialFailed        = "dial_failed"
)

// Dialogues is the slice of the orchestrator the processor drives. Begin runs
// the intro of a session the processor has already put in the store.
type Dialogues interface {
	Begin(ctx context.Context, sess *dialogue.Session) (orchestrator.TurnResult, error)
	Abort(callID, reason string)
}

// OutcomePublisher emits terminal survey events at most once per key.
type OutcomePublisher interface {
	Publish(ctx context.Context, ev events.SurveyOutcome) (bool, error)
}

// Processor folds provider call events into attempt records and finalizes
// attempts exactly once, whichever path gets there first.
type Processor struct {
	repo      calls.Repository
	store     dialogue.Store
	dialogues Dialogues
	publisher OutcomePublisher
	locks     *keyedMutex
	observer  metrics.Observer
	logger    *slog.Logger
	now       func() time.Time

	inflight sync.WaitGroup
}

func NewProcessor(repo calls.Repository, store dialogue.Store, dialogues Dialogues, publisher OutcomePublisher) *Processor {
	return &Processor{
		repo:      repo,
		store:     store,
		dialogues: dialogues,
		publisher: publisher,
		locks:     newKeyedMutex(),
		logger:    logging.NewComponentLogger(slog.Default(), "webhook"),
		now:       time.Now,
	}
}

func (p *Processor) SetObserver(obs metrics.Observer) { p.observer = obs }

// Handle applies one call status event. Redelivery of an already applied
// (call id, event type) pair returns telephony.Duplicate and changes nothing.
func (p *Processor) Handle(ctx context.Context, ev telephony.Event) (telephony.HandleResult, error) {
	if err := ev.Validate(); err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonWebhookParse)
	}
	sess, result, err := p.apply(ctx, ev)
	if err != nil || result == telephony.Duplicate {
		return result, errorsx.ForCall(err, ev.CallID)
	}
	if sess != nil {
		p.begin(context.WithoutCancel(ctx), sess)
	}
	return telephony.Processed, nil
}

// Wait blocks until every dialogue intro started by Handle has returned, or ctx is done.
func (p *Processor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// apply folds ev into the attempt under the call's lock. For an answered call it
// also opens the dialogue session before the lock is released, so a completed or
// failed event that follows always finds the session to abort.
func (p *Processor) apply(ctx context.Context, ev telephony.Event) (*dialogue.Session, telephony.HandleResult, error) {
	unlock := p.locks.Lock(ev.CallID)
	defer unlock()

	attempt, err := p.repo.AttemptByCallID(ctx, ev.CallID)
	if errors.Is(err, calls.ErrAttemptNotFound) {
		p.logger.Warn("webhook_attempt_not_found",
			"call_id", ev.CallID,
			"event", ev.Type,
			"reason_code", string(errorsx.ReasonAttemptNotFound),
		)
		return nil, telephony.Duplicate, nil
	}
	if err != nil {
		return nil, "", errorsx.Wrap(fmt.Errorf("load attempt %s: %w", ev.CallID, err), errorsx.ReasonRepository)
	}
	kind := string(ev.Type)
	if attempt.Applied(kind) {
		p.logger.Debug("webhook_duplicate", "call_id", ev.CallID, "event", ev.Type)
		metrics.Record(p.observer, metrics.EventWebhookDuplicate, 1, map[string]string{"event": kind})
		return nil, telephony.Duplicate, nil
	}

	if attempt.ProviderCallID == "" {
		attempt.ProviderCallID = ev.ProviderCallID
	}
	if ev.Status != "" {
		attempt.ProviderStatus = ev.Status
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = p.now()
	}

	switch ev.Type {
	case telephony.EventInitiated, telephony.EventRinging:
	case telephony.EventAnswered:
		attempt.AnsweredAt = &at
	case telephony.EventCompleted:
		attempt.EndedAt = &at
		if ev.DurationSeconds != nil {
			attempt.DurationSeconds = *ev.DurationSeconds
		}
		if !attempt.Finalized() {
			outcome, reason, st := p.sessionOutcome(ev.CallID)
			if err := p.finalize(ctx, &attempt, outcome, reason, st); err != nil {
				return nil, "", err
			}
		}
		p.dialogues.Abort(ev.CallID, kind)
	case telephony.EventNoAnswer, telephony.EventBusy, telephony.EventFailed:
		attempt.EndedAt = &at
		attempt.ErrorCode = ev.ErrorCode
		attempt.ErrorMessage = ev.ErrorMessage
		p.dialogues.Abort(ev.CallID, kind)
		if !attempt.Finalized() {
			if err := p.finalize(ctx, &attempt, directOutcome(ev.Type), kind, nil); err != nil {
				return nil, "", err
			}
		}
	}

	attempt.MarkApplied(kind)
	if err := p.repo.SaveAttempt(ctx, attempt); err != nil {
		return nil, "", errorsx.Wrap(fmt.Errorf("save attempt %s: %w", ev.CallID, err), errorsx.ReasonRepository)
	}
	var sess *dialogue.Session
	if ev.Type == telephony.EventAnswered && !attempt.Finalized() {
		sess = p.open(ctx, attempt, ev)
	}
	p.logger.Info("webhook_processed",
		"call_id", ev.CallID,
		"event", ev.Type,
		"outcome", attempt.Outcome,
	)
	metrics.Record(p.observer, metrics.EventWebhookProcessed, 1, map[string]string{"event": kind})
	return sess, telephony.Processed, nil
}

func directOutcome(t telephony.EventType) calls.Outcome {
	switch t {
	case telephony.EventNoAnswer:
		return calls.OutcomeNoAnswer
	case telephony.EventBusy:
		return calls.OutcomeBusy
	}
	return calls.OutcomeFailed
}

// sessionOutcome derives the attempt outcome of a call that ended while its
// dialogue may still be live.
func (p *Processor) sessionOutcome(callID string) (calls.Outcome, string, *dialogue.State) {
	sess, err := p.store.Get(callID)
	if err != nil {
		return calls.OutcomeFailed, ReasonNoDialogue, nil
	}
	st := sess.Snapshot()
	reason := st.Reason
	if st.Outcome == dialogue.OutcomeNone {
		reason = ReasonHangup
	}
	return dialogueOutcome(st), reason, &st
}

func dialogueOutcome(st dialogue.State) calls.Outcome {
	switch {
	case st.Outcome == dialogue.OutcomeCompleted:
		return calls.OutcomeCompleted
	case st.Outcome == dialogue.OutcomeRefused || st.Consent == dialogue.ConsentRefused:
		return calls.OutcomeRefused
	}
	return calls.OutcomeFailed
}

// Finalize records a dialogue's terminal state on its attempt. It is the
// orchestrator's hand-off and is a no-op once the attempt has an outcome.
func (p *Processor) Finalize(ctx context.Context, callID string, st dialogue.State) error {
	unlock := p.locks.Lock(callID)
	defer unlock()

	attempt, err := p.repo.AttemptByCallID(ctx, callID)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("load attempt %s: %w", callID, err), errorsx.ReasonAttemptNotFound)
	}
	if attempt.Finalized() {
		return nil
	}
	if err := p.finalize(ctx, &attempt, dialogueOutcome(st), st.Reason, &st); err != nil {
		return err
	}
	if err := p.repo.SaveAttempt(ctx, attempt); err != nil {
		return errorsx.Wrap(fmt.Errorf("save attempt %s: %w", callID, err), errorsx.ReasonRepository)
	}
	return nil
}

// FailUndialed finalizes an attempt the provider rejected, so no callback will
// ever arrive for it.
func (p *Processor) FailUndialed(ctx context.Context, a calls.Attempt) error {
	unlock := p.locks.Lock(a.CallID)
	defer unlock()
	if a.Finalized() {
		return nil
	}
	now := p.now()
	a.EndedAt = &now
	if err := p.finalize(ctx, &a, calls.OutcomeFailed, ReasonDialFailed, nil); err != nil {
		return err
	}
	if err := p.repo.SaveAttempt(ctx, a); err != nil {
		return errorsx.Wrap(fmt.Errorf("save attempt %s: %w", a.CallID, err), errorsx.ReasonRepository)
	}
	return nil
}

// Expire finalizes the attempt of a session the janitor evicted. A dialogue
// that had already reached its end keeps its outcome.
func (p *Processor) Expire(ctx context.Context, callID string, st dialogue.State) {
	metrics.Record(p.observer, metrics.EventSessionExpired, 1, map[string]string{"call_id": callID})
	if !st.Phase.Terminal() {
		st.Outcome = dialogue.OutcomeFailed
		st.Reason = ReasonSessionExpired
	}
	if err := p.Finalize(ctx, callID, st); err != nil {
		p.logger.Error("webhook_expire_error",
			"call_id", callID,
			"error", err.Error(),
			"reason_code", string(errorsx.Reason(err)),
		)
	}
}

// finalize sets the attempt outcome and runs every once-per-attempt effect:
// survey response, contact update, retry policy and the terminal event. The
// caller saves the attempt afterwards; all effects tolerate a repeat run.
func (p *Processor) finalize(ctx context.Context, a *calls.Attempt, outcome calls.Outcome, reason string, st *dialogue.State) error {
	now := p.now()
	var answers []calls.ResponseAnswer
	if outcome == calls.OutcomeCompleted {
		answers = responseAnswers(st)
		if len(answers) != dialogue.QuestionCount {
			outcome, reason = calls.OutcomeFailed, ReasonIncompleteAnswers
		}
	}
	if outcome == calls.OutcomeCompleted {
		resp := calls.SurveyResponse{
			ID:          uuid.NewString(),
			CallID:      a.CallID,
			AttemptID:   a.ID,
			CampaignID:  a.CampaignID,
			ContactID:   a.ContactID,
			Answers:     answers,
			CompletedAt: now,
		}
		if err := p.repo.SaveSurveyResponse(ctx, resp); err != nil {
			return errorsx.Wrap(fmt.Errorf("save survey response %s: %w", a.CallID, err), errorsx.ReasonRepository)
		}
	}

	contact, contactKnown, err := p.contact(ctx, a)
	if err != nil {
		return err
	}
	campaign, err := p.repo.Campaign(ctx, a.CampaignID)
	if errors.Is(err, calls.ErrCampaignNotFound) {
		campaign = calls.Campaign{ID: a.CampaignID}
	} else if err != nil {
		return errorsx.Wrap(fmt.Errorf("load campaign %s: %w", a.CampaignID, err), errorsx.ReasonRepository)
	}

	contact.AttemptsCount = max(contact.AttemptsCount, a.AttemptNumber)
	contact.LastOutcome = outcome
	contact.LastAttemptAt = &now
	decision, err := callpolicy.Decide(contact, campaign, outcome, now)
	if err != nil {
		return fmt.Errorf("attempt policy %s: %w", a.CallID, err)
	}
	if decision.Retry() {
		contact.State = calls.ContactPending
		contact.NextAttemptAt = decision.RetryAt
	} else {
		contact.State = decision.Terminal
		contact.NextAttemptAt = nil
	}
	if contactKnown {
		if err := p.repo.SaveContact(ctx, contact); err != nil {
			return errorsx.Wrap(fmt.Errorf("save contact %s: %w", contact.ID, err), errorsx.ReasonRepository)
		}
	}

	if !decision.Retry() {
		ev := events.SurveyOutcome{
			CampaignID:   a.CampaignID,
			ContactID:    a.ContactID,
			CallID:       a.CallID,
			AttemptCount: contact.AttemptsCount,
			OccurredAt:   now,
		}
		switch decision.Terminal {
		case calls.ContactCompleted:
			ev.Type = events.SurveyCompleted
			for _, ans := range answers {
				ev.Answers = append(ev.Answers, events.AnswerPayload{Question: ans.Question, Text: ans.Text, Confidence: ans.Confidence})
			}
		case calls.ContactRefused:
			ev.Type = events.SurveyRefused
			ev.Reason = reason
			if ev.Reason == "" {
				ev.Reason = orchestrator.ReasonConsentRefused
			}
		default:
			ev.Type = events.SurveyNotReached
			ev.Reason = decision.Reason
		}
		if _, err := p.publisher.Publish(ctx, ev); err != nil {
			return err
		}
	}

	a.Outcome = outcome
	if outcome == calls.OutcomeFailed && a.ErrorMessage == "" {
		a.ErrorMessage = reason
	}
	p.logger.Info("attempt_finalized",
		"call_id", a.CallID,
		"contact_id", a.ContactID,
		"outcome", outcome,
		"reason", reason,
		"contact_state", contact.State,
		"retry", decision.Retry(),
	)
	return nil
}

func (p *Processor) contact(ctx context.Context, a *calls.Attempt) (calls.Contact, bool, error) {
	c, err := p.repo.Contact(ctx, a.ContactID)
	if errors.Is(err, calls.ErrContactNotFound) {
		p.logger.Warn("attempt_contact_missing", "call_id", a.CallID, "contact_id", a.ContactID)
		return calls.Contact{ID: a.ContactID, CampaignID: a.CampaignID}, false, nil
	}
	if err != nil {
		return calls.Contact{}, false, errorsx.Wrap(fmt.Errorf("load contact %s: %w", a.ContactID, err), errorsx.ReasonRepository)
	}
	return c, true, nil
}

func responseAnswers(st *dialogue.State) []calls.ResponseAnswer {
	if st == nil {
		return nil
	}
	var out []calls.ResponseAnswer
	for i, q := range st.Questions {
		if q != dialogue.QuestionAnswered {
			return nil
		}
		out = append(out, calls.ResponseAnswer{
			Question:   i + 1,
			Text:       st.Answers[i].Text,
			Confidence: st.Answers[i].Confidence,
			CapturedAt: st.Answers[i].CapturedAt,
		})
	}
	return out
}

// open registers the dialogue session of an answered call. The caller holds the call's lock.
func (p *Processor) open(ctx context.Context, a calls.Attempt, ev telephony.Event) *dialogue.Session {
	cc, err := p.callContext(ctx, a, ev)
	if err != nil {
		p.logger.Error("dialogue_start_error", errorsx.LogAttrs(errorsx.ForCall(err, a.CallID))...)
		return nil
	}
	sess, _ := p.store.GetOrCreate(cc)
	return sess
}

// begin runs the intro off the webhook request; Twilio gives status callbacks
// far less time than one model round trip may take.
func (p *Processor) begin(ctx context.Context, sess *dialogue.Session) {
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		if _, err := p.dialogues.Begin(ctx, sess); err != nil {
			p.logger.Error("dialogue_start_error", errorsx.LogAttrs(errorsx.ForCall(err, sess.CallID()))...)
		}
	}()
}

func (p *Processor) callContext(ctx context.Context, a calls.Attempt, ev telephony.Event) (dialogue.CallContext, error) {
	campaign, err := p.repo.Campaign(ctx, a.CampaignID)
	if err != nil {
		return dialogue.CallContext{}, errorsx.Wrap(fmt.Errorf("load campaign %s: %w", a.CampaignID, err), errorsx.ReasonRepository)
	}
	if len(campaign.Questions) != dialogue.QuestionCount {
		return dialogue.CallContext{}, fmt.Errorf("campaign %s has %d questions, want %d", campaign.ID, len(campaign.Questions), dialogue.QuestionCount)
	}
	cc := dialogue.CallContext{
		CallID:        a.CallID,
		CampaignID:    a.CampaignID,
		ContactID:     a.ContactID,
		AttemptID:     a.ID,
		Language:      campaign.Language,
		CampaignName:  campaign.Name,
		IntroScript:   campaign.IntroScript,
		CorrelationID: uuid.NewString(),
	}
	for i, q := range campaign.Questions {
		cc.Questions[i] = dialogue.Question{Text: q.Text, Type: dialogue.AnswerType(q.Type)}
	}
	if c, err := p.repo.Contact(ctx, a.ContactID); err == nil && c.Language != "" {
		cc.Language = c.Language
	}
	if cc.Language == "" {
		cc.Language = ev.Language
	}
	return cc, nil
}
