package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/harunnryd/voxpoll/pkg/errorsx"
	"github.com/harunnryd/voxpoll/pkg/metrics"
)

// Publisher emits each terminal outcome at most once per idempotency key.
type Publisher struct {
	bus    Bus
	ledger Ledger
	topic  string
	source string
	obs    metrics.Observer
}

func NewPublisher(bus Bus, ledger Ledger, topic, source string) *Publisher {
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	if topic == "" {
		topic = DefaultTopic
	}
	if source == "" {
		source = "voxpoll"
	}
	return &Publisher{bus: bus, ledger: ledger, topic: topic, source: source}
}

func (p *Publisher) SetObserver(obs metrics.Observer) { p.obs = obs }

// Publish returns published=false when the key was already emitted. A failed bus
// publish releases the claim so a later redelivery can try again.
func (p *Publisher) Publish(ctx context.Context, ev SurveyOutcome) (bool, error) {
	if err := ev.Validate(); err != nil {
		return false, errorsx.Wrap(err, errorsx.ReasonEventPublish)
	}
	key := ev.IdempotencyKey()
	claimed, err := p.ledger.Claim(ctx, key)
	if err != nil {
		return false, errorsx.Wrap(err, errorsx.ReasonEventPublish)
	}
	if !claimed {
		slog.Info("survey_event_duplicate", "idempotency_key", key)
		metrics.Record(p.obs, metrics.EventSurveyDuplicate, 1, map[string]string{"type": string(ev.Type)})
		return false, nil
	}
	env, err := NewEnvelope(p.source, ev)
	if err != nil {
		return false, p.release(ctx, key, err)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return false, p.release(ctx, key, err)
	}
	if err := p.bus.Publish(ctx, p.topic, key, payload); err != nil {
		return false, p.release(ctx, key, err)
	}
	slog.Info("survey_event_published",
		"event_id", env.ID,
		"type", ev.Type,
		"call_id", ev.CallID,
		"campaign_id", ev.CampaignID,
		"contact_id", ev.ContactID,
	)
	metrics.Record(p.obs, metrics.EventSurveyPublished, 1, map[string]string{"type": string(ev.Type)})
	return true, nil
}

func (p *Publisher) release(ctx context.Context, key string, cause error) error {
	err := fmt.Errorf("publish %s: %w", key, cause)
	if rerr := p.ledger.Release(ctx, key); rerr != nil {
		err = errors.Join(err, rerr)
	}
	slog.Error("survey_event_publish_error", "idempotency_key", key, "error", err)
	return errorsx.Wrap(err, errorsx.ReasonEventPublish)
}
