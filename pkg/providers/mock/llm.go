package mock

import (
	"context"
	"sync"

	"github.com/harunnryd/voxpoll/pkg/llm"
)

// Step is one scripted reply. Err wins over Text when set.
type Step struct {
	Text string
	Err  error
	// Block makes the call wait for context cancellation before answering.
	Block bool
}

// LLMAdapter replays scripted steps in order and records every request.
// When the script runs out it answers with Fallback.
type LLMAdapter struct {
	mu       sync.Mutex
	steps    []Step
	Fallback string
	requests []llm.Request
}

func NewLLMAdapter(steps ...Step) *LLMAdapter {
	return &LLMAdapter{steps: steps, Fallback: "mock response"}
}

func (a *LLMAdapter) Name() string { return "mock" }

func (a *LLMAdapter) Push(steps ...Step) {
	a.mu.Lock()
	a.steps = append(a.steps, steps...)
	a.mu.Unlock()
}

func (a *LLMAdapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	step := Step{Text: a.Fallback}
	if len(a.steps) > 0 {
		step = a.steps[0]
		a.steps = a.steps[1:]
	}
	a.mu.Unlock()

	if step.Block {
		<-ctx.Done()
		return llm.Response{}, ctx.Err()
	}
	if step.Err != nil {
		return llm.Response{}, step.Err
	}
	return llm.Response{Text: step.Text, Provider: a.Name(), Model: "mock"}, nil
}

func (a *LLMAdapter) Requests() []llm.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]llm.Request, len(a.requests))
	copy(out, a.requests)
	return out
}
