package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harunnryd/voxpoll/pkg/llm"
)

func TestCompleteSendsSystemPromptFirst(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Fatalf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"model":"gpt-test","choices":[{"message":{"content":"Hello\nSIGNAL: CONSENT_ACCEPTED"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
	}))
	defer srv.Close()

	a := NewAdapter("key", "gpt-test")
	a.BaseURL = srv.URL
	resp, err := a.Complete(context.Background(), llm.Request{
		SystemPrompt: "be brief",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "yes"}},
		Temperature:  0.3,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "yes" {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}
	if resp.Text != "Hello\nSIGNAL: CONSENT_ACCEPTED" || resp.Usage.TotalTokens != 15 || resp.Provider != "openai" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestCompleteMapsRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()
	a := NewAdapter("key", "")
	a.BaseURL = srv.URL
	_, err := a.Complete(context.Background(), llm.Request{CorrelationID: "c1"})
	var rl llm.RateLimitError
	if !errors.As(err, &rl) || rl.RetryAfter != 7*time.Second || rl.CorrelationID != "c1" {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

func TestCompleteMapsAuthAndTimeout(t *testing.T) {
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer auth.Close()
	a := NewAdapter("bad", "")
	a.BaseURL = auth.URL
	if _, err := a.Complete(context.Background(), llm.Request{}); !llm.IsAuthentication(err) {
		t.Fatalf("expected auth error, got %v", err)
	}

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer slow.Close()
	a.BaseURL = slow.URL
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := a.Complete(ctx, llm.Request{}); !llm.IsTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}
