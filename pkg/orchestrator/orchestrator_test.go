package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/voxpoll/pkg/dialogue"
	"github.com/harunnryd/voxpoll/pkg/interpreter"
	"github.com/harunnryd/voxpoll/pkg/llm"
	"github.com/harunnryd/voxpoll/pkg/metrics"
	"github.com/harunnryd/voxpoll/pkg/providers/mock"
	telmock "github.com/harunnryd/voxpoll/pkg/telephony/mock"
)

type recordingFinalizer struct {
	mu     sync.Mutex
	states map[string][]dialogue.State
	err    error
}

func (f *recordingFinalizer) Finalize(_ context.Context, callID string, st dialogue.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.states == nil {
		f.states = map[string][]dialogue.State{}
	}
	f.states[callID] = append(f.states[callID], st)
	return f.err
}

func (f *recordingFinalizer) finalized(callID string) []dialogue.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dialogue.State(nil), f.states[callID]...)
}

type harness struct {
	orch    *Orchestrator
	store   *dialogue.MemoryStore
	model   *mock.LLMAdapter
	control *telmock.Control
	final   *recordingFinalizer
	obs     *metrics.MemoryObserver
}

func newHarness() *harness {
	h := &harness{
		store:   dialogue.NewMemoryStore(),
		model:   mock.NewLLMAdapter(),
		control: telmock.New(),
		final:   &recordingFinalizer{},
		obs:     &metrics.MemoryObserver{},
	}
	h.orch = New(h.store, h.model, h.control, h.final, Config{})
	h.orch.SetObserver(h.obs)
	return h
}

func callContext(callID string) dialogue.CallContext {
	return dialogue.CallContext{
		CallID:       callID,
		CampaignID:   "camp-1",
		ContactID:    "contact-1",
		Language:     "en",
		CampaignName: "Customer care",
		IntroScript:  "Hello, this is Acme calling with a short survey.",
		Questions: [dialogue.QuestionCount]dialogue.Question{
			{Text: "How satisfied are you from 1 to 5?", Type: dialogue.AnswerScale},
			{Text: "How many times did you call us?", Type: dialogue.AnswerNumeric},
			{Text: "What should we improve?", Type: dialogue.AnswerFreeText},
		},
	}
}

func (h *harness) snapshot(t *testing.T, callID string) dialogue.State {
	t.Helper()
	sess, err := h.store.Get(callID)
	if err != nil {
		t.Fatalf("session %s: %v", callID, err)
	}
	return sess.Snapshot()
}

func (h *harness) utter(t *testing.T, callID, text string) TurnResult {
	t.Helper()
	res, err := h.orch.HandleUtterance(context.Background(), callID, text)
	if err != nil {
		t.Fatalf("utterance %q: %v", text, err)
	}
	return res
}

// toQuestion starts the call and answers until question n is being asked.
func (h *harness) toQuestion(t *testing.T, callID string, n int) {
	t.Helper()
	h.model.Push(mock.Step{Text: "Hi there, may we ask three questions?"})
	if _, err := h.orch.Start(context.Background(), callContext(callID)); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.model.Push(
		mock.Step{Text: "Thank you!\nSIGNAL: CONSENT_ACCEPTED"},
		mock.Step{Text: "First, how satisfied are you?"},
	)
	h.utter(t, callID, "yes, I'll help")
	for i := 1; i < n; i++ {
		h.model.Push(
			mock.Step{Text: "Got it.\nSIGNAL: ANSWER_CAPTURED:" + string(rune('0'+i))},
			mock.Step{Text: "Next question."},
		)
		h.utter(t, callID, "my answer")
	}
	if got := h.snapshot(t, callID).Phase; got != dialogue.QuestionPhase(n) {
		t.Fatalf("expected %s, got %s", dialogue.QuestionPhase(n), got)
	}
}

func TestStartDeliversIntroAndRequestsConsent(t *testing.T) {
	h := newHarness()
	h.model.Push(mock.Step{Text: "Hello! Acme here with a short survey. Can we begin?"})
	res, err := h.orch.Start(context.Background(), callContext("call-1"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.To != dialogue.PhaseConsentRequest {
		t.Fatalf("expected CONSENT_REQUEST, got %s", res.To)
	}
	played := h.control.Played("call-1")
	if len(played) != 1 || !strings.Contains(played[0], "Can we begin?") {
		t.Fatalf("unexpected intro %v", played)
	}
	reqs := h.model.Requests()
	if len(reqs) != 1 || !strings.Contains(reqs[0].SystemPrompt, "CONSENT - Requesting participation consent") {
		t.Fatalf("expected consent phase prompt, got %+v", reqs)
	}

	again, err := h.orch.Start(context.Background(), callContext("call-1"))
	if err != nil || !again.Stale {
		t.Fatalf("expected second start to be a no-op, got %+v err=%v", again, err)
	}
	if len(h.control.Played("call-1")) != 1 {
		t.Fatalf("intro delivered twice")
	}
}

func TestStartFallsBackToLiteralIntro(t *testing.T) {
	h := newHarness()
	h.model.Push(mock.Step{Err: llm.TimeoutError{Provider: "mock", After: time.Second}})
	if _, err := h.orch.Start(context.Background(), callContext("call-1")); err != nil {
		t.Fatalf("start: %v", err)
	}
	played := h.control.Played("call-1")
	if len(played) != 1 || played[0] != callContext("call-1").IntroScript {
		t.Fatalf("expected literal intro, got %v", played)
	}
	if h.obs.Count(metrics.EventDeliveryFallback) != 1 {
		t.Fatalf("expected fallback metric")
	}
}

func TestConsentAcceptedMovesToFirstQuestion(t *testing.T) {
	h := newHarness()
	h.toQuestion(t, "call-1", 1)
	st := h.snapshot(t, "call-1")
	if st.Consent != dialogue.ConsentGranted || st.Questions[0] != dialogue.QuestionAsked {
		t.Fatalf("unexpected state %+v", st)
	}
	played := h.control.Played("call-1")
	if played[len(played)-1] != "First, how satisfied are you?" {
		t.Fatalf("expected phrased first question, got %v", played)
	}
}

func TestQuestionDeliveryFallsBackOnTimeout(t *testing.T) {
	h := newHarness()
	h.model.Push(mock.Step{Text: "Hi, may we ask three questions?"})
	if _, err := h.orch.Start(context.Background(), callContext("call-1")); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.model.Push(
		mock.Step{Text: "Thank you!\nSIGNAL: CONSENT_ACCEPTED"},
		mock.Step{Err: llm.TimeoutError{Provider: "mock", After: 30 * time.Second}},
	)
	res := h.utter(t, "call-1", "sure")
	if res.To != dialogue.PhaseQuestion1 {
		t.Fatalf("expected QUESTION_1, got %s", res.To)
	}
	want := callContext("call-1").Questions[0].Text
	played := h.control.Played("call-1")
	if played[len(played)-1] != want {
		t.Fatalf("expected literal question %q, got %v", want, played)
	}
	if st := h.snapshot(t, "call-1"); st.Phase != dialogue.PhaseQuestion1 {
		t.Fatalf("phase changed to %s", st.Phase)
	}
}

func TestConsentRefusedEndsOnce(t *testing.T) {
	h := newHarness()
	h.model.Push(mock.Step{Text: "Hi"})
	_, _ = h.orch.Start(context.Background(), callContext("call-1"))
	h.model.Push(mock.Step{Text: "No problem.\nSIGNAL: CONSENT_REFUSED"})
	res := h.utter(t, "call-1", "no thanks")
	if res.To != dialogue.PhaseTerminated || res.Outcome != dialogue.OutcomeRefused {
		t.Fatalf("unexpected result %+v", res)
	}
	states := h.final.finalized("call-1")
	if len(states) != 1 || states[0].Consent != dialogue.ConsentRefused || states[0].Reason != ReasonConsentRefused {
		t.Fatalf("unexpected finalization %+v", states)
	}
	if !h.control.Ended("call-1") {
		t.Fatalf("expected call to end")
	}
	if _, err := h.store.Get("call-1"); !errors.Is(err, dialogue.ErrSessionNotFound) {
		t.Fatalf("expected session removed, got %v", err)
	}

	before := len(h.model.Requests())
	if _, err := h.orch.HandleUtterance(context.Background(), "call-1", "wait, ok"); !errors.Is(err, dialogue.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
	if len(h.model.Requests()) != before {
		t.Fatalf("extraction ran after refusal")
	}
}

func TestConsentUnclearTwiceIsRefusal(t *testing.T) {
	h := newHarness()
	h.model.Push(mock.Step{Text: "Hi"})
	_, _ = h.orch.Start(context.Background(), callContext("call-1"))

	h.model.Push(mock.Step{Text: "Sorry, could you say yes or no?\nSIGNAL: UNCLEAR_RESPONSE"})
	res := h.utter(t, "call-1", "what?")
	if res.To != dialogue.PhaseConsentRequest || res.Prompt != "Sorry, could you say yes or no?" {
		t.Fatalf("expected re-prompt, got %+v", res)
	}
	if st := h.snapshot(t, "call-1"); st.ConsentAttempts != 1 {
		t.Fatalf("expected one consent attempt, got %d", st.ConsentAttempts)
	}

	h.model.Push(mock.Step{Text: "Hmm.\nSIGNAL: UNCLEAR_RESPONSE"})
	res = h.utter(t, "call-1", "the weather is nice")
	if res.To != dialogue.PhaseTerminated || res.Outcome != dialogue.OutcomeRefused {
		t.Fatalf("expected refusal, got %+v", res)
	}
	if states := h.final.finalized("call-1"); len(states) != 1 || states[0].Reason != ReasonConsentUnclear {
		t.Fatalf("unexpected finalization %+v", states)
	}
}

func TestEmptyUtteranceIsUnclearWithoutModelCall(t *testing.T) {
	h := newHarness()
	h.model.Push(mock.Step{Text: "Hi"})
	_, _ = h.orch.Start(context.Background(), callContext("call-1"))
	before := len(h.model.Requests())
	res := h.utter(t, "call-1", "   ")
	if res.Intent.Intent != interpreter.IntentUnclear || res.Intent.Confidence != 0 {
		t.Fatalf("expected unclear with zero confidence, got %+v", res.Intent)
	}
	if len(h.model.Requests()) != before {
		t.Fatalf("empty utterance reached the model")
	}
	if !strings.HasPrefix(res.Prompt, "Sorry, I didn't catch that.") {
		t.Fatalf("unexpected re-prompt %q", res.Prompt)
	}
}

func TestRepeatRequestKeepsQuestion(t *testing.T) {
	h := newHarness()
	h.toQuestion(t, "call-1", 2)
	h.model.Push(
		mock.Step{Text: "Of course.\nSIGNAL: REPEAT_QUESTION"},
		mock.Step{Text: "Again: how many times did you call us?"},
	)
	res := h.utter(t, "call-1", "can you repeat that?")
	if res.Intent.Intent != interpreter.IntentRepeatRequest || res.To != dialogue.PhaseQuestion2 {
		t.Fatalf("unexpected result %+v", res)
	}
	st := h.snapshot(t, "call-1")
	if st.RepeatCounts[1] != 1 || st.Questions[1] != dialogue.QuestionRepeatRequested || st.Answers[1].Text != "" {
		t.Fatalf("unexpected state %+v", st)
	}
	if res.Prompt != "Again: how many times did you call us?" {
		t.Fatalf("unexpected re-delivery %q", res.Prompt)
	}

	h.model.Push(mock.Step{Text: "Thanks.\nSIGNAL: ANSWER_CAPTURED:twice"}, mock.Step{Text: "Last one."})
	h.utter(t, "call-1", "twice")
	st = h.snapshot(t, "call-1")
	if !st.Answers[1].WasRepeated || st.Answers[1].Text != "twice" {
		t.Fatalf("expected repeated answer, got %+v", st.Answers[1])
	}
}

func TestRepeatRequestsAreBounded(t *testing.T) {
	h := newHarness()
	h.toQuestion(t, "call-1", 1)
	for i := 0; i < 3; i++ {
		h.model.Push(mock.Step{Text: "SIGNAL: REPEAT_QUESTION"}, mock.Step{Text: "Again."})
		if res := h.utter(t, "call-1", "again please"); res.To != dialogue.PhaseQuestion1 {
			t.Fatalf("repeat %d left the question: %+v", i+1, res)
		}
	}
	h.model.Push(mock.Step{Text: "SIGNAL: REPEAT_QUESTION"})
	res := h.utter(t, "call-1", "again please")
	if res.To != dialogue.PhaseTerminated || res.Outcome != dialogue.OutcomeFailed {
		t.Fatalf("expected termination, got %+v", res)
	}
	if states := h.final.finalized("call-1"); len(states) != 1 || states[0].Reason != ReasonRepeatLimit {
		t.Fatalf("unexpected finalization %+v", states)
	}
}

func TestUnclearAnswersAreBounded(t *testing.T) {
	h := newHarness()
	h.toQuestion(t, "call-1", 1)
	h.model.Push(mock.Step{Text: "Could you clarify?\nSIGNAL: UNCLEAR_RESPONSE"})
	h.utter(t, "call-1", "hmm")
	h.model.Push(mock.Step{Text: "Let's stay on the survey.\nSIGNAL: OFF_TOPIC"})
	res := h.utter(t, "call-1", "did you see the game")
	if res.Intent.Intent != interpreter.IntentOffTopic || res.To != dialogue.PhaseQuestion1 {
		t.Fatalf("unexpected result %+v", res)
	}
	h.model.Push(mock.Step{Text: "SIGNAL: UNCLEAR_RESPONSE"})
	res = h.utter(t, "call-1", "hmm")
	if res.To != dialogue.PhaseTerminated || res.Outcome != dialogue.OutcomeFailed {
		t.Fatalf("expected termination, got %+v", res)
	}
	if states := h.final.finalized("call-1"); len(states) != 1 || states[0].Reason != ReasonUnclearLimit {
		t.Fatalf("unexpected finalization %+v", states)
	}
}

func TestCompletionFinalizesWithAnswersInOrder(t *testing.T) {
	h := newHarness()
	h.toQuestion(t, "call-1", 3)
	h.model.Push(mock.Step{Text: "Thank you.\nSIGNAL: ANSWER_CAPTURED:faster support\nSIGNAL: SURVEY_COMPLETE"})
	res := h.utter(t, "call-1", "faster support")
	if res.To != dialogue.PhaseCompletion || res.Outcome != dialogue.OutcomeCompleted {
		t.Fatalf("unexpected result %+v", res)
	}
	states := h.final.finalized("call-1")
	if len(states) != 1 {
		t.Fatalf("expected one finalization, got %d", len(states))
	}
	got := states[0].CollectedAnswers()
	want := []string{"1", "2", "faster support"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("expected answers %v, got %v", want, got)
	}
	if !h.control.Ended("call-1") {
		t.Fatalf("expected call to end")
	}
	if h.obs.Count(metrics.EventDialogueOutcome) != 1 {
		t.Fatalf("expected outcome metric")
	}
}

func TestPromptCarriesCollectedAnswers(t *testing.T) {
	h := newHarness()
	h.toQuestion(t, "call-1", 2)
	h.model.Push(mock.Step{Text: "SIGNAL: UNCLEAR_RESPONSE"})
	h.utter(t, "call-1", "hmm")
	reqs := h.model.Requests()
	last := reqs[len(reqs)-1]
	if !strings.Contains(last.SystemPrompt, "Q1: 1") || !strings.Contains(last.SystemPrompt, "QUESTION 2") {
		t.Fatalf("prompt missing context:\n%s", last.SystemPrompt)
	}
	if msg := last.Messages[len(last.Messages)-1]; msg.Role != llm.RoleUser || msg.Content != "hmm" {
		t.Fatalf("unexpected last message %+v", msg)
	}
}

func TestAuthErrorDuringExtractionTerminates(t *testing.T) {
	h := newHarness()
	h.toQuestion(t, "call-1", 3)
	h.model.Push(mock.Step{Err: llm.AuthenticationError{Provider: "mock", Message: "bad key"}})
	res := h.utter(t, "call-1", "faster support")
	if res.To != dialogue.PhaseTerminated || res.Outcome != dialogue.OutcomeFailed {
		t.Fatalf("unexpected result %+v", res)
	}
	states := h.final.finalized("call-1")
	if len(states) != 1 || states[0].Outcome != dialogue.OutcomeFailed || states[0].Reason != "llm_auth" {
		t.Fatalf("unexpected finalization %+v", states)
	}
	if !h.control.Ended("call-1") {
		t.Fatalf("expected call to end")
	}
}

func TestWithdrawalDuringQuestionEndsAsRefused(t *testing.T) {
	h := newHarness()
	h.toQuestion(t, "call-1", 2)
	h.model.Push(mock.Step{Text: "I understand, thank you.\nSIGNAL: CONSENT_REFUSED"})
	res := h.utter(t, "call-1", "please stop, I don't want to continue")
	if res.To != dialogue.PhaseTerminated || res.Outcome != dialogue.OutcomeRefused {
		t.Fatalf("expected refused termination, got %+v", res)
	}
	got := h.final.finalized("call-1")
	if len(got) != 1 || got[0].Reason != ReasonConsentWithdrawn || got[0].Consent != dialogue.ConsentGranted {
		t.Fatalf("unexpected finalized state %+v", got)
	}
	if got[0].Questions[0] != dialogue.QuestionAnswered || got[0].Questions[1] != dialogue.QuestionAsked {
		t.Fatalf("question states should be kept, got %+v", got[0].Questions)
	}
	acts := h.control.Actions()
	if last := acts[len(acts)-1]; last.Kind != "farewell" || last.Text != h.orch.cfg.FarewellRefused {
		t.Fatalf("expected refusal farewell, got %+v", last)
	}
	if _, err := h.store.Get("call-1"); !errors.Is(err, dialogue.ErrSessionNotFound) {
		t.Fatalf("expected session removed, got %v", err)
	}
}

func TestBeginOnEndedSessionSaysNothing(t *testing.T) {
	h := newHarness()
	sess, _ := h.store.GetOrCreate(callContext("call-1"))
	h.orch.Abort("call-1", "call.completed")
	res, err := h.orch.Begin(context.Background(), sess)
	if err != nil || !res.Stale {
		t.Fatalf("expected stale begin, got %+v %v", res, err)
	}
	if len(h.control.Actions()) != 0 || len(h.model.Requests()) != 0 {
		t.Fatalf("ended call must not be spoken to")
	}
	if h.store.Len() != 0 {
		t.Fatalf("expected no session, got %d", h.store.Len())
	}
}

func TestAbortDiscardsInFlightResult(t *testing.T) {
	h := newHarness()
	h.toQuestion(t, "call-1", 1)
	h.model.Push(mock.Step{Block: true})
	before := len(h.model.Requests())

	done := make(chan TurnResult, 1)
	go func() {
		res, _ := h.orch.HandleUtterance(context.Background(), "call-1", "five")
		done <- res
	}()
	deadline := time.Now().Add(time.Second)
	for len(h.model.Requests()) == before {
		if time.Now().After(deadline) {
			t.Fatalf("model was never called")
		}
		time.Sleep(time.Millisecond)
	}
	h.orch.Abort("call-1", "call.completed")

	select {
	case res := <-done:
		if !res.Stale {
			t.Fatalf("expected stale result, got %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatalf("in-flight call was not cancelled")
	}
	if len(h.final.finalized("call-1")) != 0 {
		t.Fatalf("aborted dialogue must not finalize")
	}
}

func TestFinalizeFailureKeepsEndedSession(t *testing.T) {
	h := newHarness()
	h.final.err = errors.New("db down")
	h.model.Push(mock.Step{Text: "Hi"})
	_, _ = h.orch.Start(context.Background(), callContext("call-1"))
	h.model.Push(mock.Step{Text: "SIGNAL: CONSENT_REFUSED"})
	if _, err := h.orch.HandleUtterance(context.Background(), "call-1", "no"); err == nil {
		t.Fatalf("expected finalize error")
	}
	sess, err := h.store.Get("call-1")
	if err != nil {
		t.Fatalf("expected session kept: %v", err)
	}
	if !sess.Ended() || sess.Snapshot().Outcome != dialogue.OutcomeRefused {
		t.Fatalf("expected ended refused session")
	}
}

func TestSystemPromptWithoutAnswers(t *testing.T) {
	p := SystemPrompt(callContext("c"), dialogue.PhaseQuestion1, nil)
	for _, want := range []string{"None yet", "Campaign: Customer care", "Language: EN", "(Type: scale)", "SIGNAL:"} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt missing %q", want)
		}
	}
}
