package llm

import (
	"context"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// Request is a single chat completion call. SystemPrompt is sent separately from
// Messages because providers disagree on where it belongs.
type Request struct {
	Messages      []Message
	SystemPrompt  string
	Temperature   float64
	MaxTokens     int
	Model         string
	CorrelationID string
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Text         string
	Model        string
	Provider     string
	Usage        Usage
	FinishReason string
	Latency      time.Duration
}

// Gateway is the provider-agnostic completion capability used by the dialogue core.
// Implementations return the typed errors in errors.go so callers can apply policy.
type Gateway interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Name() string
}

// GatewayFunc adapts a function into a Gateway. Handy in tests.
type GatewayFunc struct {
	ID string
	Fn func(ctx context.Context, req Request) (Response, error)
}

func (g GatewayFunc) Name() string { return g.ID }

func (g GatewayFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return g.Fn(ctx, req)
}
