package voxpoll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/harunnryd/voxpoll/pkg/calls"
	"github.com/harunnryd/voxpoll/pkg/configutil"
	"github.com/harunnryd/voxpoll/pkg/dialogue"
	"github.com/harunnryd/voxpoll/pkg/events"
	"github.com/harunnryd/voxpoll/pkg/llm"
	"github.com/harunnryd/voxpoll/pkg/logging"
	"github.com/harunnryd/voxpoll/pkg/metrics"
	"github.com/harunnryd/voxpoll/pkg/observers"
	"github.com/harunnryd/voxpoll/pkg/orchestrator"
	"github.com/harunnryd/voxpoll/pkg/redact"
	"github.com/harunnryd/voxpoll/pkg/resilience"
	"github.com/harunnryd/voxpoll/pkg/runner"
	"github.com/harunnryd/voxpoll/pkg/telephony"
	"github.com/harunnryd/voxpoll/pkg/telephony/twilio"
	"github.com/harunnryd/voxpoll/pkg/webhook"
	"github.com/redis/go-redis/v9"
)

// Engine owns every long-lived component of one survey worker process.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	repo         calls.Repository
	store        *dialogue.MemoryStore
	orchestrator *orchestrator.Orchestrator
	processor    *webhook.Processor
	publisher    *events.Publisher
	janitor      *dialogue.Janitor
	server       *twilio.Server
	dialer       telephony.Dialer
	twilioCfg    twilio.Config

	observer metrics.Observer
	async    *metrics.AsyncObserver
	closers  []func() error
	runner   *runner.LifecycleRunner
}

// EngineOptions overrides individual components. Nil fields are built from Config.
type EngineOptions struct {
	Config     Config
	Providers  *ProviderRegistry
	Repository calls.Repository
	Bus        events.Bus
	Ledger     events.Ledger
	Control    telephony.Control
	Dialer     telephony.Dialer
	Gateway    llm.Gateway
	Observer   metrics.Observer
}

var twilioSchema = configutil.Schema{
	Name: "twilio",
	Optional: []string{
		"server_addr", "public_url", "auth_token", "account_sid", "from_number",
		"voice_path", "gather_path", "status_callback_path", "speech_language",
		"speech_timeout", "hold_seconds", "voice", "validate_signature",
	},
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	slog.SetDefault(logging.InitLogger(cfg.LogLevel, cfg.LogFormat))
	redact.SetEnabled(cfg.Privacy.RedactPII)
	e := &Engine{cfg: cfg, logger: logging.NewComponentLogger(slog.Default(), "engine")}

	e.logger.Info("voxpoll_init",
		"environment", cfg.Environment,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"transport", cfg.Transports.Provider,
		"event_bus", cfg.Events.Bus,
		"ledger", cfg.Events.Ledger,
	)

	if err := e.buildObserver(opts.Observer); err != nil {
		return nil, e.fail(err)
	}
	if err := configutil.Decode(cfg.Transports.Settings, twilioSchema, &e.twilioCfg); err != nil {
		return nil, e.fail(fmt.Errorf("transports.settings: %w", err))
	}

	e.repo = opts.Repository
	if e.repo == nil {
		db, err := calls.OpenSQLite(cfg.Database.DSN, cfg.Database.Verbose)
		if err != nil {
			return nil, e.fail(err)
		}
		if sqlDB, err := db.DB(); err == nil {
			e.closers = append(e.closers, sqlDB.Close)
		}
		e.repo = calls.NewGormRepository(db)
	}

	gateway := opts.Gateway
	if gateway == nil {
		providers := opts.Providers
		if providers == nil {
			providers = DefaultProviders()
		}
		raw, err := providers.BuildLLM(cfg.Vendors.LLM.Provider, cfg.Vendors.LLM.Settings)
		if err != nil {
			return nil, e.fail(err)
		}
		gateway = llm.Chain(raw, chainConfig(cfg.LLM), e.observer)
	}

	control := opts.Control
	if control == nil {
		control = twilio.NewControl(e.twilioCfg, twilio.ResolverFunc(e.providerCallID))
	}
	e.dialer = opts.Dialer
	if e.dialer == nil {
		e.dialer = twilio.NewDialer(e.twilioCfg)
	}

	bus, ledger, err := e.buildEvents(opts.Bus, opts.Ledger)
	if err != nil {
		return nil, e.fail(err)
	}
	e.publisher = events.NewPublisher(bus, ledger, cfg.Events.Topic, cfg.Events.Source)
	e.publisher.SetObserver(e.observer)

	e.store = dialogue.NewMemoryStore()
	e.orchestrator = orchestrator.New(e.store, gateway, control, nil, cfg.Dialogue.Orchestrator)
	e.orchestrator.SetObserver(e.observer)
	e.processor = webhook.NewProcessor(e.repo, e.store, e.orchestrator, e.publisher)
	e.processor.SetObserver(e.observer)
	e.orchestrator.SetFinalizer(e.processor)
	e.janitor = dialogue.NewJanitor(e.store, cfg.Dialogue.SessionTTL, cfg.Dialogue.JanitorSchedule, e.processor.Expire)
	e.server = twilio.NewServer(e.twilioCfg, e.processor, e.handleUtterance)

	e.runner = runner.NewLifecycleRunner(runner.DrainerFunc(e.drain), runner.Hooks{
		OnStart: e.start,
		OnStop:  e.shutdown,
	}, cfg.DrainTimeout)
	return e, nil
}

func chainConfig(c LLMConfig) llm.ChainConfig {
	return llm.ChainConfig{
		Timeout:          c.Timeout,
		MaxRetries:       c.MaxRetries,
		Backoff:          resilience.Backoff{Base: c.BackoffBase, Max: c.BackoffMax, Jitter: c.BackoffJitter},
		BreakerThreshold: c.BreakerThreshold,
		BreakerCooldown:  c.BreakerCooldown,
		RequestsPerSec:   c.RequestsPerSecond,
		Burst:            c.Burst,
	}
}

// buildObserver assembles log and file sinks behind sampling and an async queue.
// Outcome and webhook events bypass sampling.
func (e *Engine) buildObserver(extra metrics.Observer) error {
	oc := e.cfg.Observability
	list := []metrics.Observer{
		extra,
		observers.NewLatencyObserver(logging.NewComponentLogger(slog.Default(), "latency")),
	}
	if oc.LogEvents {
		list = append(list, observers.NewLoggerObserver(logging.NewComponentLogger(slog.Default(), "metrics"), slog.LevelInfo))
	}
	if path := strings.TrimSpace(oc.MetricsPath); path != "" {
		jsonl, err := metrics.OpenJSONL(path)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, jsonl.Close)
		list = append(list, jsonl)
	}
	var obs metrics.Observer = observers.NewMultiObserver(list...)
	if oc.SampleRate < 1 {
		obs = metrics.NewSamplingObserver(obs, oc.SampleRate,
			metrics.EventDialogueOutcome,
			metrics.EventWebhookProcessed,
			metrics.EventWebhookDuplicate,
			metrics.EventSurveyPublished,
			metrics.EventSurveyDuplicate,
			metrics.EventSessionExpired,
			metrics.EventPhaseTransition,
			metrics.EventBreakerOpen,
		)
	}
	e.async = metrics.NewAsyncObserver(obs, oc.AsyncBuffer)
	e.observer = e.async
	return nil
}

func (e *Engine) buildEvents(bus events.Bus, ledger events.Ledger) (events.Bus, events.Ledger, error) {
	ec := e.cfg.Events
	if bus == nil {
		switch ec.Bus {
		case "nats":
			conn, err := events.DialNATS(ec.NATSURL, ec.Source)
			if err != nil {
				return nil, nil, err
			}
			e.closers = append(e.closers, func() error { return conn.Drain() })
			nb, err := events.NewNATSBus(conn, ec.JetStream)
			if err != nil {
				return nil, nil, err
			}
			bus = nb
		case "memory":
			bus = events.NewMemoryBus()
		default:
			bus = events.NewLogBus(logging.NewComponentLogger(slog.Default(), "events"))
		}
	}
	if ledger == nil {
		switch ec.Ledger {
		case "redis":
			client := redis.NewClient(&redis.Options{Addr: ec.RedisAddr, Password: ec.RedisPassword, DB: ec.RedisDB})
			e.closers = append(e.closers, client.Close)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Ping(ctx).Err(); err != nil {
				return nil, nil, fmt.Errorf("redis ping %s: %w", ec.RedisAddr, err)
			}
			ledger = events.NewRedisLedger(client, ec.LedgerPrefix, ec.LedgerTTL)
		default:
			ledger = events.NewMemoryLedger()
		}
	}
	return bus, ledger, nil
}

func (e *Engine) providerCallID(ctx context.Context, callID string) (string, error) {
	a, err := e.repo.AttemptByCallID(ctx, callID)
	if err != nil {
		return "", err
	}
	if a.ProviderCallID == "" {
		return "", fmt.Errorf("attempt %s has no provider call id", a.ID)
	}
	return a.ProviderCallID, nil
}

func (e *Engine) handleUtterance(ctx context.Context, callID, text string) error {
	res, err := e.orchestrator.HandleUtterance(ctx, callID, text)
	if err != nil {
		if errors.Is(err, dialogue.ErrSessionNotFound) {
			e.logger.Warn("utterance_without_session", "call_id", callID)
			return nil
		}
		return err
	}
	e.logger.Debug("utterance_handled",
		"call_id", callID,
		"from", res.From,
		"to", res.To,
		"intent", res.Intent.Intent,
		"stale", res.Stale,
	)
	return nil
}

func (e *Engine) start(ctx context.Context) error {
	if err := e.janitor.Start(ctx); err != nil {
		return err
	}
	if err := e.server.Start(ctx); err != nil {
		return err
	}
	fields := []any{"message", "voxpoll ready"}
	for k, v := range e.server.ReadyFields() {
		fields = append(fields, k, v)
	}
	e.logger.Info("engine_ready", fields...)
	return nil
}

// drain stops new webhooks and waits for in-flight intros and turns.
func (e *Engine) drain(ctx context.Context) error {
	err := errors.Join(e.server.Stop(ctx), e.processor.Wait(ctx))
	if n := e.store.Len(); n > 0 {
		e.logger.Warn("engine_drain_live_sessions", "sessions", n)
	}
	return err
}

func (e *Engine) shutdown() {
	if err := e.async.Close(); err != nil {
		e.logger.Warn("metrics_flush_error", "error", err.Error())
	}
	e.closeAll()
	e.logger.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_calls", e.store.Len())
}

func (e *Engine) closeAll() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.logger.Warn("engine_close_error", "error", err.Error())
		}
	}
	e.closers = nil
}

func (e *Engine) fail(err error) error {
	if e.async != nil {
		_ = e.async.Close()
	}
	e.closeAll()
	return err
}

// Run serves webhooks until ctx is cancelled, then drains.
func (e *Engine) Run(ctx context.Context) error {
	return e.runner.Run(ctx)
}

func (e *Engine) Stop() error {
	return e.runner.Stop()
}

// Close releases resources of an engine that was never run.
func (e *Engine) Close() {
	if e.runner.State() == runner.StateNew {
		e.shutdown()
	}
}

func (e *Engine) Repository() calls.Repository             { return e.repo }
func (e *Engine) Processor() *webhook.Processor            { return e.processor }
func (e *Engine) Orchestrator() *orchestrator.Orchestrator { return e.orchestrator }
func (e *Engine) Server() *twilio.Server                   { return e.server }

// SetBannerWriter redirects the startup banner. nil disables it.
func (e *Engine) SetBannerWriter(w io.Writer) { e.runner.SetBannerWriter(w) }
