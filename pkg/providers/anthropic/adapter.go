package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/voxpoll/pkg/llm"
)

const (
	DefaultBaseURL = "https://api.anthropic.com/v1"
	APIVersion     = "2023-06-01"

	// statusOverloaded is returned when the API is temporarily saturated.
	statusOverloaded = 529
)

// Adapter talks to the messages API.
type Adapter struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	Client    *http.Client
}

func NewAdapter(apiKey, model string) *Adapter {
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	return &Adapter{
		APIKey:    apiKey,
		Model:     model,
		BaseURL:   DefaultBaseURL,
		MaxTokens: 300,
		Client:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *Adapter) Name() string { return "anthropic" }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *Adapter) toProviderFormat(req llm.Request) messagesRequest {
	model := req.Model
	if model == "" {
		model = a.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.MaxTokens
	}
	out := messagesRequest{
		Model:       model,
		System:      req.SystemPrompt,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}
	for _, m := range req.Messages {
		// system messages are hoisted; the API only accepts user/assistant turns.
		if m.Role == llm.RoleSystem {
			if out.System == "" {
				out.System = m.Content
			} else {
				out.System += "\n\n" + m.Content
			}
			continue
		}
		out.Messages = append(out.Messages, message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func (a *Adapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	started := time.Now()
	b, err := json.Marshal(a.toProviderFormat(req))
	if err != nil {
		return llm.Response{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/messages", bytes.NewReader(b))
	if err != nil {
		return llm.Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.APIKey)
	httpReq.Header.Set("anthropic-version", APIVersion)
	resp, err := a.client().Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return llm.Response{}, llm.TimeoutError{Provider: a.Name(), CorrelationID: req.CorrelationID, After: time.Since(started)}
		}
		if ctx.Err() != nil {
			return llm.Response{}, ctx.Err()
		}
		return llm.Response{}, llm.ProviderError{Provider: a.Name(), CorrelationID: req.CorrelationID, Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == statusOverloaded {
			return llm.Response{}, llm.RateLimitError{
				Provider:      a.Name(),
				CorrelationID: req.CorrelationID,
				RetryAfter:    llm.ParseRetryAfter(resp.Header),
				Message:       strings.TrimSpace(string(body)),
			}
		}
		return llm.Response{}, llm.FromStatus(a.Name(), req.CorrelationID, resp.StatusCode, resp.Header, string(body))
	}
	var payload messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return llm.Response{}, llm.ProviderError{Provider: a.Name(), CorrelationID: req.CorrelationID, Status: resp.StatusCode, Message: fmt.Sprintf("decode: %v", err)}
	}
	var text strings.Builder
	for _, c := range payload.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	return llm.Response{
		Text:         text.String(),
		Model:        payload.Model,
		Provider:     a.Name(),
		FinishReason: payload.StopReason,
		Usage: llm.Usage{
			PromptTokens:     payload.Usage.InputTokens,
			CompletionTokens: payload.Usage.OutputTokens,
			TotalTokens:      payload.Usage.InputTokens + payload.Usage.OutputTokens,
		},
		Latency: time.Since(started),
	}, nil
}

func (a *Adapter) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}
