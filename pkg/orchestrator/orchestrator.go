package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/voxpoll/pkg/dialogue"
	"github.com/harunnryd/voxpoll/pkg/errorsx"
	"github.com/harunnryd/voxpoll/pkg/interpreter"
	"github.com/harunnryd/voxpoll/pkg/llm"
	"github.com/harunnryd/voxpoll/pkg/logging"
	"github.com/harunnryd/voxpoll/pkg/metrics"
	"github.com/harunnryd/voxpoll/pkg/redact"
	"github.com/harunnryd/voxpoll/pkg/telephony"
)

const (
	roleAgent  = "agent"
	roleCaller = "caller"
)

// Terminal reasons carried on the dialogue state and the outcome event.
const (
	ReasonCompleted        = "completed"
	ReasonConsentRefused   = "consent_refused"
	ReasonConsentUnclear   = "consent_unclear"
	ReasonConsentWithdrawn = "consent_withdrawn"
	ReasonRepeatLimit      = "repeat_limit"
	ReasonUnclearLimit     = "unclear_limit"
)

// Finalizer receives every dialogue that reaches COMPLETION or TERMINATED.
type Finalizer interface {
	Finalize(ctx context.Context, callID string, st dialogue.State) error
}

type FinalizerFunc func(ctx context.Context, callID string, st dialogue.State) error

func (f FinalizerFunc) Finalize(ctx context.Context, callID string, st dialogue.State) error {
	return f(ctx, callID, st)
}

type Config struct {
	MaxConsentAttempts int     `mapstructure:"max_consent_attempts"`
	MaxRepeats         int     `mapstructure:"max_repeats"`
	MaxUnclear         int     `mapstructure:"max_unclear"`
	Temperature        float64 `mapstructure:"temperature"`
	MaxTokens          int     `mapstructure:"max_tokens"`
	FarewellCompleted  string  `mapstructure:"farewell_completed"`
	FarewellRefused    string  `mapstructure:"farewell_refused"`
	FarewellFailed     string  `mapstructure:"farewell_failed"`
	Reprompt           string  `mapstructure:"reprompt"`
}

func (c Config) withDefaults() Config {
	if c.MaxConsentAttempts <= 0 {
		c.MaxConsentAttempts = 2
	}
	if c.MaxRepeats <= 0 {
		c.MaxRepeats = 3
	}
	if c.MaxUnclear <= 0 {
		c.MaxUnclear = 3
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.3
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 300
	}
	if c.FarewellCompleted == "" {
		c.FarewellCompleted = "Thank you for completing our survey. Goodbye."
	}
	if c.FarewellRefused == "" {
		c.FarewellRefused = "Thank you for your time. Goodbye."
	}
	if c.FarewellFailed == "" {
		c.FarewellFailed = "We are unable to continue the survey right now. Thank you and goodbye."
	}
	if c.Reprompt == "" {
		c.Reprompt = "Sorry, I didn't catch that."
	}
	return c
}

// TurnResult describes what one call of Start or HandleUtterance did.
type TurnResult struct {
	CallID  string
	From    dialogue.Phase
	To      dialogue.Phase
	Intent  interpreter.ExtractedIntent
	Prompt  string
	Outcome dialogue.Outcome
	// Stale is set when the result was discarded because the session moved or ended.
	Stale bool
}

// Orchestrator drives the consent and question flow of every live call.
type Orchestrator struct {
	store     dialogue.Store
	gateway   llm.Gateway
	control   telephony.Control
	finalizer Finalizer
	cfg       Config
	observer  metrics.Observer
	logger    *slog.Logger
	now       func() time.Time
}

func New(store dialogue.Store, gateway llm.Gateway, control telephony.Control, finalizer Finalizer, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:     store,
		gateway:   gateway,
		control:   control,
		finalizer: finalizer,
		cfg:       cfg.withDefaults(),
		logger:    logging.NewComponentLogger(slog.Default(), "orchestrator"),
		now:       time.Now,
	}
}

func (o *Orchestrator) SetObserver(obs metrics.Observer) { o.observer = obs }

// SetFinalizer breaks the construction cycle with the webhook processor.
func (o *Orchestrator) SetFinalizer(f Finalizer) { o.finalizer = f }

func (o *Orchestrator) Store() dialogue.Store { return o.store }

// Start runs the intro step for a freshly answered call. A second Start for the
// same call is a no-op.
func (o *Orchestrator) Start(ctx context.Context, cc dialogue.CallContext) (TurnResult, error) {
	if cc.CallID == "" {
		return TurnResult{}, errors.New("call id required")
	}
	sess, _ := o.store.GetOrCreate(cc)
	return o.Begin(ctx, sess)
}

// Begin runs the intro step on a session that is already in the store. If the
// call ended in the meantime the session is ended too and nothing is said.
func (o *Orchestrator) Begin(ctx context.Context, sess *dialogue.Session) (TurnResult, error) {
	sess.LockTurn()
	defer sess.UnlockTurn()

	cc := sess.Context()
	st := sess.Snapshot()
	res := TurnResult{CallID: cc.CallID, From: st.Phase, To: st.Phase}
	if st.Phase != dialogue.PhaseIntro || sess.Ended() {
		res.Stale = true
		return res, nil
	}
	next, err := sess.Update(st.Version, func(s *dialogue.State) error {
		s.Phase = dialogue.PhaseConsentRequest
		return nil
	})
	if err != nil {
		return o.stale(res, err)
	}
	o.transitioned(cc.CallID, st.Phase, next.Phase)
	res.To = next.Phase
	res.Prompt = o.phrase(ctx, sess, next, introInstruction(cc), cc.IntroScript, "intro")
	o.say(ctx, sess, next, res.Prompt)
	return res, nil
}

// HandleUtterance applies one recognized caller utterance to the call's dialogue.
func (o *Orchestrator) HandleUtterance(ctx context.Context, callID, text string) (TurnResult, error) {
	sess, err := o.store.Get(callID)
	if err != nil {
		return TurnResult{CallID: callID}, err
	}
	sess.LockTurn()
	defer sess.UnlockTurn()
	sess.Touch()

	st := sess.Snapshot()
	res := TurnResult{CallID: callID, From: st.Phase, To: st.Phase}
	if sess.Ended() || st.Phase.Terminal() {
		res.Stale = true
		return res, nil
	}
	o.logger.Debug("dialogue_utterance",
		"call_id", callID,
		"phase", st.Phase,
		"text", redact.Utterance(text),
	)
	switch {
	case st.Phase == dialogue.PhaseConsentRequest:
		return o.consentTurn(ctx, sess, st, text, res)
	case st.Phase.QuestionNumber() > 0:
		return o.questionTurn(ctx, sess, st, text, res)
	}
	// INTRO or CONSENT_PROCESSING outside a turn means Start has not run yet.
	res.Stale = true
	return res, nil
}

func (o *Orchestrator) consentTurn(ctx context.Context, sess *dialogue.Session, st dialogue.State, text string, res TurnResult) (TurnResult, error) {
	claimed, err := sess.Update(st.Version, func(s *dialogue.State) error {
		s.Phase = dialogue.PhaseConsentProcessing
		return nil
	})
	if err != nil {
		return o.stale(res, err)
	}

	intent, err := o.extract(ctx, sess, claimed, text, interpreter.StageConsent)
	if err != nil {
		return o.extractionFailed(ctx, sess, claimed, res, err)
	}
	res.Intent = intent

	next, err := sess.Update(claimed.Version, func(s *dialogue.State) error {
		s.Record(roleCaller, text, o.now())
		switch intent.Intent {
		case interpreter.IntentConsentAccepted:
			s.Consent = dialogue.ConsentGranted
			s.Phase = dialogue.PhaseQuestion1
			s.Questions[0] = dialogue.QuestionAsked
		case interpreter.IntentConsentRefused:
			s.Consent = dialogue.ConsentRefused
			s.Terminate(dialogue.OutcomeRefused, ReasonConsentRefused)
		default:
			s.ConsentAttempts++
			if s.ConsentAttempts >= o.cfg.MaxConsentAttempts {
				s.Consent = dialogue.ConsentRefused
				s.Terminate(dialogue.OutcomeRefused, ReasonConsentUnclear)
				return nil
			}
			s.Phase = dialogue.PhaseConsentRequest
		}
		return nil
	})
	if err != nil {
		return o.stale(res, err)
	}
	o.transitioned(sess.CallID(), st.Phase, next.Phase)
	res.To = next.Phase

	cc := sess.Context()
	switch {
	case next.Phase.Terminal():
		return o.finish(ctx, sess, next, res)
	case next.Phase == dialogue.PhaseQuestion1:
		res.Prompt = o.phrase(ctx, sess, next, questionInstruction(1, cc.Questions[0], false), cc.Questions[0].Text, "question")
	default:
		res.Prompt = o.reprompt(intent, cc.IntroScript)
	}
	o.say(ctx, sess, next, res.Prompt)
	return res, nil
}

func (o *Orchestrator) questionTurn(ctx context.Context, sess *dialogue.Session, st dialogue.State, text string, res TurnResult) (TurnResult, error) {
	n := st.Phase.QuestionNumber()
	idx := n - 1

	intent, err := o.extract(ctx, sess, st, text, interpreter.StageQuestion)
	if err != nil {
		return o.extractionFailed(ctx, sess, st, res, err)
	}
	res.Intent = intent

	now := o.now()
	next, err := sess.Update(st.Version, func(s *dialogue.State) error {
		s.Record(roleCaller, text, now)
		switch intent.Intent {
		case interpreter.IntentAnswer:
			answer := strings.TrimSpace(intent.Answer)
			if answer == "" {
				answer = strings.TrimSpace(text)
			}
			s.Answers[idx] = dialogue.Answer{
				Text:        answer,
				Confidence:  intent.Confidence,
				CapturedAt:  now,
				WasRepeated: s.RepeatCounts[idx] > 0,
			}
			s.Questions[idx] = dialogue.QuestionAnswered
			if n == dialogue.QuestionCount {
				s.Phase = dialogue.PhaseCompletion
				s.Outcome = dialogue.OutcomeCompleted
				s.Reason = ReasonCompleted
				return nil
			}
			s.Phase = dialogue.QuestionPhase(n + 1)
			s.Questions[n] = dialogue.QuestionAsked
		case interpreter.IntentConsentRefused:
			// Consent stays granted for the questions already asked.
			s.Terminate(dialogue.OutcomeRefused, ReasonConsentWithdrawn)
		case interpreter.IntentRepeatRequest:
			if s.RepeatCounts[idx] >= o.cfg.MaxRepeats {
				s.Terminate(dialogue.OutcomeFailed, ReasonRepeatLimit)
				return nil
			}
			s.RepeatCounts[idx]++
			s.Questions[idx] = dialogue.QuestionRepeatRequested
		default:
			s.UnclearCounts[idx]++
			if s.UnclearCounts[idx] >= o.cfg.MaxUnclear {
				s.Terminate(dialogue.OutcomeFailed, ReasonUnclearLimit)
			}
		}
		return nil
	})
	if err != nil {
		return o.stale(res, err)
	}
	o.transitioned(sess.CallID(), st.Phase, next.Phase)
	res.To = next.Phase

	cc := sess.Context()
	switch {
	case next.Phase.Terminal():
		return o.finish(ctx, sess, next, res)
	case next.Phase != st.Phase:
		m := next.Phase.QuestionNumber()
		q := cc.Questions[m-1]
		res.Prompt = o.phrase(ctx, sess, next, questionInstruction(m, q, false), q.Text, "question")
	case intent.Intent == interpreter.IntentRepeatRequest:
		q := cc.Questions[idx]
		res.Prompt = o.phrase(ctx, sess, next, questionInstruction(n, q, true), q.Text, "repeat")
	default:
		res.Prompt = o.reprompt(intent, cc.Questions[idx].Text)
	}
	o.say(ctx, sess, next, res.Prompt)
	return res, nil
}

// extract runs the consent or answer extraction round trip. The session state
// lock is not held here; the caller re-validates the version afterwards.
func (o *Orchestrator) extract(ctx context.Context, sess *dialogue.Session, st dialogue.State, text string, stage interpreter.Stage) (interpreter.ExtractedIntent, error) {
	if strings.TrimSpace(text) == "" {
		return interpreter.Classify(interpreter.Parsed{}, stage, ""), nil
	}
	resp, err := o.complete(ctx, sess, st, text)
	if err != nil {
		return interpreter.ExtractedIntent{}, err
	}
	return interpreter.Classify(interpreter.Parse(resp.Text), stage, text), nil
}

func (o *Orchestrator) extractionFailed(ctx context.Context, sess *dialogue.Session, st dialogue.State, res TurnResult, cause error) (TurnResult, error) {
	reason := string(llm.ReasonCode(cause))
	o.logger.Warn("dialogue_extraction_failed",
		"call_id", sess.CallID(),
		"phase", st.Phase,
		"error", cause.Error(),
		"reason_code", reason,
	)
	next, err := sess.Update(st.Version, func(s *dialogue.State) error {
		s.Terminate(dialogue.OutcomeFailed, reason)
		return nil
	})
	if err != nil {
		return o.stale(res, err)
	}
	o.transitioned(sess.CallID(), res.From, next.Phase)
	res.To = next.Phase
	return o.finish(ctx, sess, next, res)
}

// phrase asks the model to word a prompt. Any failure falls back to the literal text.
func (o *Orchestrator) phrase(ctx context.Context, sess *dialogue.Session, st dialogue.State, instruction, literal, kind string) string {
	resp, err := o.complete(ctx, sess, st, instruction)
	if err == nil {
		if spoken := strings.TrimSpace(interpreter.Parse(resp.Text).Text); spoken != "" {
			return spoken
		}
		err = errors.New("empty completion")
	}
	o.logger.Warn("dialogue_delivery_fallback",
		"call_id", sess.CallID(),
		"kind", kind,
		"error", err.Error(),
		"reason_code", string(llm.ReasonCode(err)),
	)
	metrics.Record(o.observer, metrics.EventDeliveryFallback, 1, map[string]string{
		"call_id": sess.CallID(),
		"kind":    kind,
		"reason":  string(llm.ReasonCode(err)),
	})
	return literal
}

func (o *Orchestrator) reprompt(intent interpreter.ExtractedIntent, literal string) string {
	if spoken := strings.TrimSpace(intent.Spoken); spoken != "" {
		return spoken
	}
	return o.cfg.Reprompt + " " + literal
}

func (o *Orchestrator) complete(ctx context.Context, sess *dialogue.Session, st dialogue.State, userTurn string) (llm.Response, error) {
	cc := sess.Context()
	lctx, cancel := sess.Bind(ctx)
	defer cancel()
	msgs := history(st)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: userTurn})
	started := o.now()
	resp, err := o.gateway.Complete(lctx, llm.Request{
		Messages:      msgs,
		SystemPrompt:  SystemPrompt(cc, st.Phase, st.CollectedAnswers()),
		Temperature:   o.cfg.Temperature,
		MaxTokens:     o.cfg.MaxTokens,
		CorrelationID: cc.CorrelationID,
	})
	status := "ok"
	if err != nil {
		status = string(llm.ReasonCode(err))
	}
	metrics.Record(o.observer, metrics.EventLLMLatency, float64(o.now().Sub(started).Milliseconds()), map[string]string{
		"call_id":  cc.CallID,
		"provider": o.gateway.Name(),
		"status":   status,
	})
	return resp, err
}

// say plays text and keeps it in the transcript. The transcript write is best
// effort: a concurrent abort simply drops it.
func (o *Orchestrator) say(ctx context.Context, sess *dialogue.Session, st dialogue.State, text string) {
	if _, err := sess.Update(st.Version, func(s *dialogue.State) error {
		s.Record(roleAgent, text, o.now())
		return nil
	}); err != nil {
		o.logger.Debug("dialogue_transcript_skipped", "call_id", sess.CallID(), "error", err.Error())
	}
	// The call is over once the session ends; nothing may be played on it.
	if sess.Ended() {
		return
	}
	if err := o.control.PlayText(ctx, sess.CallID(), text); err != nil {
		o.logger.Warn("telephony_play_error", controlAttrs(err, sess.CallID())...)
	}
}

func controlAttrs(err error, callID string) []any {
	return errorsx.LogAttrs(errorsx.ForCall(errorsx.Wrap(err, errorsx.ReasonTelephonyControl), callID))
}

// finish reports a terminal dialogue, ends the call and drops the session.
// When the report fails the ended session stays in the store so the call's
// completed webhook can still read its outcome.
func (o *Orchestrator) finish(ctx context.Context, sess *dialogue.Session, st dialogue.State, res TurnResult) (TurnResult, error) {
	callID := sess.CallID()
	res.Outcome = st.Outcome
	o.logger.Info("dialogue_finished",
		"call_id", callID,
		"phase", st.Phase,
		"outcome", st.Outcome,
		"reason", st.Reason,
	)
	metrics.Record(o.observer, metrics.EventDialogueOutcome, 1, map[string]string{
		"call_id": callID,
		"outcome": string(st.Outcome),
		"reason":  st.Reason,
	})
	sess.End(st.Reason)

	var finalizeErr error
	if o.finalizer != nil {
		if err := o.finalizer.Finalize(ctx, callID, st); err != nil {
			finalizeErr = fmt.Errorf("finalize %s: %w", callID, err)
			o.logger.Error("dialogue_finalize_error",
				"call_id", callID,
				"error", err.Error(),
				"reason_code", string(errorsx.Reason(err)),
			)
		}
	}

	res.Prompt = o.farewell(st.Outcome)
	o.hangup(ctx, callID, res.Prompt)
	if finalizeErr == nil {
		o.store.Remove(callID)
	}
	return res, finalizeErr
}

func (o *Orchestrator) farewell(outcome dialogue.Outcome) string {
	switch outcome {
	case dialogue.OutcomeCompleted:
		return o.cfg.FarewellCompleted
	case dialogue.OutcomeRefused:
		return o.cfg.FarewellRefused
	}
	return o.cfg.FarewellFailed
}

func (o *Orchestrator) hangup(ctx context.Context, callID, text string) {
	var err error
	if f, ok := o.control.(telephony.Farewell); ok {
		err = f.EndCallWithMessage(ctx, callID, text)
	} else {
		err = o.control.EndCall(ctx, callID)
	}
	if err != nil {
		o.logger.Warn("telephony_end_error", controlAttrs(err, callID)...)
	}
}

// Abort ends a call's dialogue from outside, e.g. when the provider reports the
// call is over. In-flight LLM calls are cancelled and their results discarded.
func (o *Orchestrator) Abort(callID, reason string) {
	sess, err := o.store.Get(callID)
	if err != nil {
		return
	}
	sess.End(reason)
	o.store.Remove(callID)
	o.logger.Debug("dialogue_aborted", "call_id", callID, "reason", reason)
}

func (o *Orchestrator) stale(res TurnResult, err error) (TurnResult, error) {
	if !errors.Is(err, dialogue.ErrStaleTransition) {
		return res, err
	}
	o.logger.Debug("dialogue_stale_transition",
		"call_id", res.CallID,
		"error", err.Error(),
		"reason_code", string(errorsx.ReasonStaleTransition),
	)
	metrics.Record(o.observer, metrics.EventStaleTransition, 1, map[string]string{"call_id": res.CallID})
	res.Stale = true
	return res, nil
}

func (o *Orchestrator) transitioned(callID string, from, to dialogue.Phase) {
	if from == to {
		return
	}
	metrics.Record(o.observer, metrics.EventPhaseTransition, 1, map[string]string{
		"call_id": callID,
		"from":    string(from),
		"to":      string(to),
	})
}
