package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/voxpoll/pkg/calls"
	"github.com/harunnryd/voxpoll/pkg/dialogue"
	"github.com/harunnryd/voxpoll/pkg/events"
	"github.com/harunnryd/voxpoll/pkg/llm"
	"github.com/harunnryd/voxpoll/pkg/metrics"
	"github.com/harunnryd/voxpoll/pkg/orchestrator"
	"github.com/harunnryd/voxpoll/pkg/providers/mock"
	"github.com/harunnryd/voxpoll/pkg/telephony"
	telmock "github.com/harunnryd/voxpoll/pkg/telephony/mock"
)

type stubDialogues struct {
	mu      sync.Mutex
	started []dialogue.CallContext
	aborted []string
}

func (s *stubDialogues) Begin(_ context.Context, sess *dialogue.Session) (orchestrator.TurnResult, error) {
	s.mu.Lock()
	s.started = append(s.started, sess.Context())
	s.mu.Unlock()
	return orchestrator.TurnResult{CallID: sess.CallID()}, nil
}

// settle waits for the intros Handle started in the background.
func settle(t *testing.T, p *Processor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("intro did not finish: %v", err)
	}
}

func (s *stubDialogues) Abort(callID, _ string) {
	s.mu.Lock()
	s.aborted = append(s.aborted, callID)
	s.mu.Unlock()
}

var fixedNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func seed(t *testing.T, repo *calls.MemoryRepository, callID string, attemptNumber int) {
	t.Helper()
	ctx := context.Background()
	_ = repo.SaveCampaign(ctx, calls.Campaign{
		ID:                   "camp-1",
		Name:                 "Customer care",
		Language:             "en",
		IntroScript:          "Hello from Acme.",
		MaxAttempts:          3,
		RetryIntervalMinutes: 30,
		WindowStart:          "09:00",
		WindowEnd:            "20:00",
		Timezone:             "UTC",
		Questions: []calls.SurveyQuestion{
			{Text: "Rate us from 1 to 5", Type: "scale"},
			{Text: "How many orders this year?", Type: "numeric"},
			{Text: "Anything else?", Type: "free_text"},
		},
	})
	if _, err := repo.Contact(ctx, "contact-1"); errors.Is(err, calls.ErrContactNotFound) {
		_ = repo.SaveContact(ctx, calls.Contact{ID: "contact-1", CampaignID: "camp-1", PhoneNumber: "+15550001", State: calls.ContactInProgress})
	}
	if err := repo.SaveAttempt(ctx, calls.Attempt{
		ID:            "att-" + callID,
		CallID:        callID,
		CampaignID:    "camp-1",
		ContactID:     "contact-1",
		AttemptNumber: attemptNumber,
		StartedAt:     fixedNow,
	}); err != nil {
		t.Fatalf("seed attempt: %v", err)
	}
}

func event(callID string, typ telephony.EventType) telephony.Event {
	return telephony.Event{Type: typ, CallID: callID, ProviderCallID: "CA-" + callID, Timestamp: fixedNow}
}

func outcomes(t *testing.T, bus *events.MemoryBus) []events.SurveyOutcome {
	t.Helper()
	var out []events.SurveyOutcome
	for _, msg := range bus.Messages() {
		var env events.Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		var ev events.SurveyOutcome
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			t.Fatalf("decode outcome: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func newProcessor(dialogues Dialogues) (*Processor, *calls.MemoryRepository, *events.MemoryBus, *dialogue.MemoryStore) {
	repo := calls.NewMemoryRepository()
	bus := events.NewMemoryBus()
	store := dialogue.NewMemoryStore()
	p := NewProcessor(repo, store, dialogues, events.NewPublisher(bus, events.NewMemoryLedger(), "", "test"))
	p.now = func() time.Time { return fixedNow }
	return p, repo, bus, store
}

func TestAnsweredIsIdempotent(t *testing.T) {
	d := &stubDialogues{}
	p, repo, _, _ := newProcessor(d)
	obs := metrics.NewMemoryObserver()
	p.SetObserver(obs)
	seed(t, repo, "call-1", 1)

	res, err := p.Handle(context.Background(), event("call-1", telephony.EventAnswered))
	if err != nil || res != telephony.Processed {
		t.Fatalf("first delivery: %s %v", res, err)
	}
	first, _ := repo.AttemptByCallID(context.Background(), "call-1")

	res, err = p.Handle(context.Background(), event("call-1", telephony.EventAnswered))
	if err != nil || res != telephony.Duplicate {
		t.Fatalf("second delivery: %s %v", res, err)
	}
	second, _ := repo.AttemptByCallID(context.Background(), "call-1")
	settle(t, p)
	if len(d.started) != 1 {
		t.Fatalf("expected one dialogue start, got %d", len(d.started))
	}
	if first.AnsweredAt == nil || !first.AnsweredAt.Equal(*second.AnsweredAt) || len(second.AppliedEvents) != 1 {
		t.Fatalf("duplicate mutated the attempt: %+v", second)
	}
	cc := d.started[0]
	if cc.CampaignName != "Customer care" || cc.Questions[1].Type != dialogue.AnswerNumeric || cc.CorrelationID == "" {
		t.Fatalf("unexpected call context %+v", cc)
	}
	if obs.Count(metrics.EventWebhookDuplicate) != 1 {
		t.Fatalf("expected duplicate metric")
	}
}

func TestUnknownAttemptIsBenign(t *testing.T) {
	p, _, bus, _ := newProcessor(&stubDialogues{})
	res, err := p.Handle(context.Background(), event("ghost", telephony.EventCompleted))
	if err != nil || res != telephony.Duplicate {
		t.Fatalf("expected benign duplicate, got %s %v", res, err)
	}
	if len(bus.Messages()) != 0 {
		t.Fatalf("unexpected publication")
	}
}

func TestMalformedEventIsParseError(t *testing.T) {
	p, _, _, _ := newProcessor(&stubDialogues{})
	_, err := p.Handle(context.Background(), telephony.Event{Type: telephony.EventBusy})
	var perr *telephony.ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestThreeNoAnswersYieldOneNotReached(t *testing.T) {
	p, repo, bus, _ := newProcessor(&stubDialogues{})
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		callID := "call-" + string(rune('0'+i))
		seed(t, repo, callID, i)
		if _, err := p.Handle(ctx, event(callID, telephony.EventNoAnswer)); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		contact, _ := repo.Contact(ctx, "contact-1")
		if i < 3 {
			if contact.State != calls.ContactPending || contact.NextAttemptAt == nil {
				t.Fatalf("attempt %d: expected retry, got %+v", i, contact)
			}
			if !contact.NextAttemptAt.After(fixedNow) {
				t.Fatalf("retry must be in the future, got %s", contact.NextAttemptAt)
			}
		}
	}
	if _, err := p.Handle(ctx, event("call-3", telephony.EventNoAnswer)); err != nil {
		t.Fatalf("replay: %v", err)
	}

	got := outcomes(t, bus)
	if len(got) != 1 || got[0].Type != events.SurveyNotReached || got[0].Reason != "max_attempts" || got[0].AttemptCount != 3 {
		t.Fatalf("expected single not_reached, got %+v", got)
	}
	contact, _ := repo.Contact(ctx, "contact-1")
	if contact.State != calls.ContactNotReached || contact.NextAttemptAt != nil || contact.LastOutcome != calls.OutcomeNoAnswer {
		t.Fatalf("unexpected contact %+v", contact)
	}
}

func TestBusyKeepsProviderError(t *testing.T) {
	d := &stubDialogues{}
	p, repo, _, _ := newProcessor(d)
	seed(t, repo, "call-1", 1)
	ev := event("call-1", telephony.EventFailed)
	ev.ErrorCode = "31005"
	ev.ErrorMessage = "connection error"
	if _, err := p.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	a, _ := repo.AttemptByCallID(context.Background(), "call-1")
	if a.Outcome != calls.OutcomeFailed || a.ErrorCode != "31005" || a.ErrorMessage != "connection error" || a.EndedAt == nil {
		t.Fatalf("unexpected attempt %+v", a)
	}
	if len(d.aborted) != 1 {
		t.Fatalf("expected session abort")
	}
}

func TestPublishFailureIsRetriedOnRedelivery(t *testing.T) {
	p, repo, bus, _ := newProcessor(&stubDialogues{})
	ctx := context.Background()
	seed(t, repo, "call-1", 3)
	bus.Fail = errors.New("bus down")
	if _, err := p.Handle(ctx, event("call-1", telephony.EventBusy)); err == nil {
		t.Fatalf("expected publish error")
	}
	a, _ := repo.AttemptByCallID(ctx, "call-1")
	if a.Finalized() || a.Applied(string(telephony.EventBusy)) {
		t.Fatalf("failed finalization must not stick: %+v", a)
	}
	bus.Fail = nil
	res, err := p.Handle(ctx, event("call-1", telephony.EventBusy))
	if err != nil || res != telephony.Processed {
		t.Fatalf("redelivery: %s %v", res, err)
	}
	if got := outcomes(t, bus); len(got) != 1 || got[0].Type != events.SurveyNotReached {
		t.Fatalf("expected one not_reached, got %+v", got)
	}
}

// live wires the processor to a real orchestrator driven by scripted model replies.
type live struct {
	proc    *Processor
	orch    *orchestrator.Orchestrator
	repo    *calls.MemoryRepository
	bus     *events.MemoryBus
	model   *mock.LLMAdapter
	control *telmock.Control
}

func newLive(t *testing.T) *live {
	t.Helper()
	l := &live{
		repo:    calls.NewMemoryRepository(),
		bus:     events.NewMemoryBus(),
		model:   mock.NewLLMAdapter(),
		control: telmock.New(),
	}
	store := dialogue.NewMemoryStore()
	l.orch = orchestrator.New(store, l.model, l.control, nil, orchestrator.Config{})
	l.proc = NewProcessor(l.repo, store, l.orch, events.NewPublisher(l.bus, events.NewMemoryLedger(), "", "test"))
	l.proc.now = func() time.Time { return fixedNow }
	l.orch.SetFinalizer(l.proc)
	seed(t, l.repo, "call-1", 1)
	return l
}

func (l *live) say(t *testing.T, text string, replies ...string) orchestrator.TurnResult {
	t.Helper()
	for _, r := range replies {
		l.model.Push(mock.Step{Text: r})
	}
	res, err := l.orch.HandleUtterance(context.Background(), "call-1", text)
	if err != nil {
		t.Fatalf("utterance %q: %v", text, err)
	}
	return res
}

func TestCompletedDialoguePublishesOnce(t *testing.T) {
	l := newLive(t)
	ctx := context.Background()
	l.model.Push(mock.Step{Text: "Hello from Acme, can we start?"})
	if _, err := l.proc.Handle(ctx, event("call-1", telephony.EventAnswered)); err != nil {
		t.Fatalf("answered: %v", err)
	}
	settle(t, l.proc)
	l.say(t, "yes, I'll help", "Thanks!\nSIGNAL: CONSENT_ACCEPTED", "Please rate us from 1 to 5.")
	l.say(t, "four", "Great.\nSIGNAL: ANSWER_CAPTURED:4", "How many orders this year?")
	l.say(t, "about ten", "Noted.\nSIGNAL: ANSWER_CAPTURED:10", "Anything else?")
	res := l.say(t, "faster shipping", "Thank you.\nSIGNAL: ANSWER_CAPTURED:faster shipping")
	if res.Outcome != dialogue.OutcomeCompleted {
		t.Fatalf("expected completion, got %+v", res)
	}

	completed := event("call-1", telephony.EventCompleted)
	dur := 95
	completed.DurationSeconds = &dur
	if r, err := l.proc.Handle(ctx, completed); err != nil || r != telephony.Processed {
		t.Fatalf("completed: %s %v", r, err)
	}
	if r, _ := l.proc.Handle(ctx, completed); r != telephony.Duplicate {
		t.Fatalf("expected duplicate completed, got %s", r)
	}

	got := outcomes(t, l.bus)
	if len(got) != 1 || got[0].Type != events.SurveyCompleted {
		t.Fatalf("expected one completed event, got %+v", got)
	}
	want := []string{"4", "10", "faster shipping"}
	for i, a := range got[0].Answers {
		if a.Question != i+1 || a.Text != want[i] {
			t.Fatalf("answer %d: %+v", i, a)
		}
	}
	responses := l.repo.SurveyResponses()
	if len(responses) != 1 || len(responses[0].Answers) != 3 {
		t.Fatalf("expected one stored response, got %+v", responses)
	}
	a, _ := l.repo.AttemptByCallID(ctx, "call-1")
	if a.Outcome != calls.OutcomeCompleted || a.DurationSeconds != 95 {
		t.Fatalf("unexpected attempt %+v", a)
	}
	contact, _ := l.repo.Contact(ctx, "contact-1")
	if contact.State != calls.ContactCompleted {
		t.Fatalf("unexpected contact %+v", contact)
	}
}

func TestRefusalPublishesRefused(t *testing.T) {
	l := newLive(t)
	ctx := context.Background()
	l.model.Push(mock.Step{Text: "Hello, can we start?"})
	_, _ = l.proc.Handle(ctx, event("call-1", telephony.EventAnswered))
	settle(t, l.proc)
	l.say(t, "no, not interested", "No problem.\nSIGNAL: CONSENT_REFUSED")
	_, _ = l.proc.Handle(ctx, event("call-1", telephony.EventCompleted))

	got := outcomes(t, l.bus)
	if len(got) != 1 || got[0].Type != events.SurveyRefused || got[0].Reason != orchestrator.ReasonConsentRefused {
		t.Fatalf("expected one refused event, got %+v", got)
	}
	if len(l.repo.SurveyResponses()) != 0 {
		t.Fatalf("refusal must not store a response")
	}
}

func TestAuthFailureOnLastAnswerPublishesNoCompletion(t *testing.T) {
	l := newLive(t)
	ctx := context.Background()
	l.model.Push(mock.Step{Text: "Hello, can we start?"})
	_, _ = l.proc.Handle(ctx, event("call-1", telephony.EventAnswered))
	settle(t, l.proc)
	l.say(t, "sure", "Thanks!\nSIGNAL: CONSENT_ACCEPTED", "Q1")
	l.say(t, "five", "SIGNAL: ANSWER_CAPTURED:5", "Q2")
	l.say(t, "two", "SIGNAL: ANSWER_CAPTURED:2", "Q3")
	l.model.Push(mock.Step{Err: llm.AuthenticationError{Provider: "mock"}})
	res, err := l.orch.HandleUtterance(ctx, "call-1", "nothing")
	if err != nil || res.Outcome != dialogue.OutcomeFailed {
		t.Fatalf("expected failed dialogue, got %+v %v", res, err)
	}
	for _, ev := range outcomes(t, l.bus) {
		if ev.Type == events.SurveyCompleted {
			t.Fatalf("completion published after auth failure")
		}
	}
	a, _ := l.repo.AttemptByCallID(ctx, "call-1")
	if a.Outcome != calls.OutcomeFailed || a.ErrorMessage != "llm_auth" {
		t.Fatalf("unexpected attempt %+v", a)
	}
	if len(l.repo.SurveyResponses()) != 0 {
		t.Fatalf("partial response persisted")
	}
}

func TestHangupMidSurveyIsFailed(t *testing.T) {
	l := newLive(t)
	ctx := context.Background()
	l.model.Push(mock.Step{Text: "Hello, can we start?"})
	_, _ = l.proc.Handle(ctx, event("call-1", telephony.EventAnswered))
	settle(t, l.proc)
	l.say(t, "ok", "SIGNAL: CONSENT_ACCEPTED", "Q1")
	if _, err := l.proc.Handle(ctx, event("call-1", telephony.EventCompleted)); err != nil {
		t.Fatalf("completed: %v", err)
	}
	a, _ := l.repo.AttemptByCallID(ctx, "call-1")
	if a.Outcome != calls.OutcomeFailed || a.ErrorMessage != ReasonHangup {
		t.Fatalf("unexpected attempt %+v", a)
	}
	if _, err := l.orch.HandleUtterance(ctx, "call-1", "five"); !errors.Is(err, dialogue.ErrSessionNotFound) {
		t.Fatalf("expected session gone, got %v", err)
	}
	if len(outcomes(t, l.bus)) != 0 {
		t.Fatalf("retryable hangup must not publish")
	}
}

func TestWithdrawalMidSurveyIsRefusedWithoutRetry(t *testing.T) {
	l := newLive(t)
	ctx := context.Background()
	l.model.Push(mock.Step{Text: "Hello, can we start?"})
	_, _ = l.proc.Handle(ctx, event("call-1", telephony.EventAnswered))
	settle(t, l.proc)
	l.say(t, "ok", "SIGNAL: CONSENT_ACCEPTED", "Q1")
	res := l.say(t, "actually, stop, I don't want to do this", "I understand.\nSIGNAL: CONSENT_REFUSED")
	if res.Outcome != dialogue.OutcomeRefused {
		t.Fatalf("expected refused dialogue, got %+v", res)
	}
	_, _ = l.proc.Handle(ctx, event("call-1", telephony.EventCompleted))

	got := outcomes(t, l.bus)
	if len(got) != 1 || got[0].Type != events.SurveyRefused || got[0].Reason != orchestrator.ReasonConsentWithdrawn {
		t.Fatalf("expected one refused event, got %+v", got)
	}
	a, _ := l.repo.AttemptByCallID(ctx, "call-1")
	if a.Outcome != calls.OutcomeRefused {
		t.Fatalf("unexpected attempt %+v", a)
	}
	contact, _ := l.repo.Contact(ctx, "contact-1")
	if contact.State != calls.ContactRefused || contact.NextAttemptAt != nil {
		t.Fatalf("withdrawn contact must not be called again: %+v", contact)
	}
	if len(l.repo.SurveyResponses()) != 0 {
		t.Fatalf("withdrawal must not store a response")
	}
}

// endingFirst delivers the call's completed event just before the intro runs.
type endingFirst struct {
	*orchestrator.Orchestrator
	proc *Processor
}

func (e *endingFirst) Begin(ctx context.Context, sess *dialogue.Session) (orchestrator.TurnResult, error) {
	if _, err := e.proc.Handle(ctx, event(sess.CallID(), telephony.EventCompleted)); err != nil {
		return orchestrator.TurnResult{}, err
	}
	return e.Orchestrator.Begin(ctx, sess)
}

func TestCallEndingBeforeIntroLeavesNoSession(t *testing.T) {
	repo := calls.NewMemoryRepository()
	store := dialogue.NewMemoryStore()
	model := mock.NewLLMAdapter()
	model.Push(mock.Step{Text: "Hello, can we start?"})
	control := telmock.New()
	orch := orchestrator.New(store, model, control, nil, orchestrator.Config{})
	wrapped := &endingFirst{Orchestrator: orch}
	p := NewProcessor(repo, store, wrapped, events.NewPublisher(events.NewMemoryBus(), events.NewMemoryLedger(), "", "test"))
	p.now = func() time.Time { return fixedNow }
	wrapped.proc = p
	orch.SetFinalizer(p)
	seed(t, repo, "call-1", 1)

	if _, err := p.Handle(context.Background(), event("call-1", telephony.EventAnswered)); err != nil {
		t.Fatalf("answered: %v", err)
	}
	settle(t, p)
	if store.Len() != 0 {
		t.Fatalf("expected no live session after the call ended, got %d", store.Len())
	}
	if acts := control.Actions(); len(acts) != 0 {
		t.Fatalf("nothing may be played on an ended call, got %+v", acts)
	}
	a, _ := repo.AttemptByCallID(context.Background(), "call-1")
	if a.Outcome != calls.OutcomeFailed || a.ErrorMessage != ReasonHangup {
		t.Fatalf("unexpected attempt %+v", a)
	}
}

// slowIntro holds Begin until release is closed.
type slowIntro struct {
	stubDialogues
	release chan struct{}
}

func (s *slowIntro) Begin(ctx context.Context, sess *dialogue.Session) (orchestrator.TurnResult, error) {
	<-s.release
	return s.stubDialogues.Begin(ctx, sess)
}

func TestAnsweredReturnsBeforeIntroFinishes(t *testing.T) {
	d := &slowIntro{release: make(chan struct{})}
	p, repo, _, store := newProcessor(d)
	seed(t, repo, "call-1", 1)

	res, err := p.Handle(context.Background(), event("call-1", telephony.EventAnswered))
	if err != nil || res != telephony.Processed {
		t.Fatalf("answered: %s %v", res, err)
	}
	if store.Len() != 1 {
		t.Fatalf("expected the session opened with the webhook, got %d", store.Len())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected intro still running, got %v", err)
	}
	close(d.release)
	settle(t, p)
	if len(d.started) != 1 {
		t.Fatalf("expected one intro, got %d", len(d.started))
	}
}

func TestExpireFinalizesAsFailed(t *testing.T) {
	p, repo, _, store := newProcessor(&stubDialogues{})
	seed(t, repo, "call-1", 1)
	store.GetOrCreate(dialogue.CallContext{CallID: "call-1"})
	sess, _ := store.Get("call-1")
	p.Expire(context.Background(), "call-1", sess.Snapshot())
	a, _ := repo.AttemptByCallID(context.Background(), "call-1")
	if a.Outcome != calls.OutcomeFailed || a.ErrorMessage != ReasonSessionExpired {
		t.Fatalf("unexpected attempt %+v", a)
	}
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("call-1")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 || k.size() != 0 {
		t.Fatalf("counter=%d entries=%d", counter, k.size())
	}
}
