package twilio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/voxpoll/pkg/errorsx"
	"github.com/harunnryd/voxpoll/pkg/telephony"
	twilioclient "github.com/twilio/twilio-go/client"
)

// EventHandler consumes call status events.
type EventHandler interface {
	Handle(ctx context.Context, ev telephony.Event) (telephony.HandleResult, error)
}

// UtteranceFunc receives one recognized caller utterance.
type UtteranceFunc func(ctx context.Context, callID, text string) error

// Server is the Twilio webhook ingress: status callbacks, speech gather results and
// the initial voice webhook.
type Server struct {
	cfg        Config
	events     EventHandler
	utterances UtteranceFunc
	server     *http.Server

	base     context.Context
	inflight sync.WaitGroup
	draining atomic.Bool

	// pending holds queued utterances per call; a key is present while that
	// call's worker runs.
	mu      sync.Mutex
	pending map[string][]string
}

func NewServer(cfg Config, events EventHandler, utterances UtteranceFunc) *Server {
	return &Server{
		cfg:        cfg.withDefaults(),
		events:     events,
		utterances: utterances,
		base:       context.Background(),
		pending:    make(map[string][]string),
	}
}

func (s *Server) Name() string { return "twilio" }

func (s *Server) ReadyFields() map[string]any {
	return map[string]any{
		"voice_url":           s.cfg.voiceURL(),
		"gather_url":          s.cfg.gatherURL(),
		"status_callback_url": s.cfg.statusURL(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.VoicePath, s.handleVoice)
	mux.HandleFunc(s.cfg.GatherPath, s.handleGather)
	mux.HandleFunc(s.cfg.StatusCallbackPath, s.handleStatusCallback)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.base = ctx
	s.server = &http.Server{
		Addr:              s.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           s.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = s.server.Close()
	}()
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("twilio_server_error", "error", err.Error())
		}
	}()
	return nil
}

// Stop refuses new webhooks and waits for in-flight utterances until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	s.draining.Store(true)
	if s.server != nil {
		_ = s.server.Shutdown(ctx)
	}
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if !s.accept(w, r, "twilio_voice_invalid_signature") {
		return
	}
	writeTwiml(w, s.cfg.holdTwiml())
}

func (s *Server) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if !s.accept(w, r, "twilio_status_invalid_signature") {
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ev, err := ParseStatusCallback(r.PostForm, r.URL.Query())
	if err != nil {
		slog.Warn("twilio_status_parse_error", "error", err.Error(), "reason_code", string(errorsx.ReasonWebhookParse))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	res, err := s.events.Handle(r.Context(), ev)
	if err != nil {
		var perr *telephony.ParseError
		if errors.As(err, &perr) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		slog.Error("twilio_status_handle_error",
			append([]any{"event", ev.Type}, errorsx.LogAttrs(errorsx.ForCall(err, ev.CallID))...)...)
		// a 5xx makes Twilio redeliver, which idempotency absorbs.
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	slog.Debug("twilio_status_handled", "call_id", ev.CallID, "event", ev.Type, "result", res)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGather(w http.ResponseWriter, r *http.Request) {
	if !s.accept(w, r, "twilio_gather_invalid_signature") {
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	callID := r.URL.Query().Get("call_id")
	if callID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	speech := strings.TrimSpace(r.PostForm.Get("SpeechResult"))
	// Twilio ends the call when TwiML runs out, so hold the line while the dialogue
	// computes its reply and redirects the call.
	writeTwiml(w, s.cfg.holdTwiml())
	if s.utterances == nil {
		return
	}
	s.enqueue(callID, speech)
}

// enqueue hands speech to the call's worker, starting one if none runs.
// Utterances of one call are delivered one at a time in arrival order.
func (s *Server) enqueue(callID, speech string) {
	s.mu.Lock()
	queue, running := s.pending[callID]
	s.pending[callID] = append(queue, speech)
	if !running {
		s.inflight.Add(1)
	}
	s.mu.Unlock()
	if !running {
		go s.deliver(callID)
	}
}

func (s *Server) deliver(callID string) {
	defer s.inflight.Done()
	ctx := context.WithoutCancel(s.base)
	for {
		s.mu.Lock()
		queue := s.pending[callID]
		if len(queue) == 0 {
			delete(s.pending, callID)
			s.mu.Unlock()
			return
		}
		speech := queue[0]
		s.pending[callID] = queue[1:]
		s.mu.Unlock()

		if err := s.utterances(ctx, callID, speech); err != nil {
			slog.Warn("twilio_utterance_error", errorsx.LogAttrs(errorsx.ForCall(err, callID))...)
		}
	}
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request, logMsg string) bool {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return false
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	if s.cfg.signatureRequired() && !s.validateTwilioRequest(r) {
		slog.Warn(logMsg, "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return false
	}
	return true
}

func (s *Server) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || s.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(s.cfg.AuthToken)
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		return validator.ValidateBody(s.requestURL(r), body, signature)
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return false
	}
	params := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return validator.Validate(s.requestURL(r), params, signature)
}

func (s *Server) requestURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		base := strings.TrimRight(s.cfg.PublicURL, "/")
		if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
			base = "https://" + base
		}
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(s.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func writeTwiml(w http.ResponseWriter, twiml string) {
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}
