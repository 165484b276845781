package voxpoll

import (
	"fmt"
	"strings"

	"github.com/harunnryd/voxpoll/pkg/configutil"
	"github.com/harunnryd/voxpoll/pkg/llm"
	"github.com/harunnryd/voxpoll/pkg/providers/anthropic"
	"github.com/harunnryd/voxpoll/pkg/providers/mock"
	"github.com/harunnryd/voxpoll/pkg/providers/openai"
)

// LLMFactory builds a raw provider adapter from vendors.llm.settings.
type LLMFactory func(settings map[string]any) (llm.Gateway, error)

type ProviderRegistry struct {
	llm map[string]LLMFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{llm: make(map[string]LLMFactory)}
}

// DefaultProviders registers openai, anthropic and mock.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterLLM("openai", newOpenAI)
	r.RegisterLLM("anthropic", newAnthropic)
	r.RegisterLLM("mock", func(map[string]any) (llm.Gateway, error) {
		return mock.NewLLMAdapter(), nil
	})
	return r
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[strings.ToLower(strings.TrimSpace(name))] = factory
}

func (r *ProviderRegistry) BuildLLM(provider string, settings map[string]any) (llm.Gateway, error) {
	fn := r.llm[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", provider)
	}
	return fn(settings)
}

type llmSettings struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	BaseURL   string `mapstructure:"base_url"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

var llmSchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"model", "base_url", "max_tokens"},
}

func decodeLLM(name string, settings map[string]any) (llmSettings, error) {
	schema := llmSchema
	schema.Name = name
	var s llmSettings
	if err := configutil.Decode(settings, schema, &s); err != nil {
		return llmSettings{}, err
	}
	if err := configutil.RequireString(s.APIKey, "vendors.llm.settings.api_key"); err != nil {
		return llmSettings{}, err
	}
	return s, nil
}

func newOpenAI(settings map[string]any) (llm.Gateway, error) {
	s, err := decodeLLM("openai", settings)
	if err != nil {
		return nil, err
	}
	a := openai.NewAdapter(s.APIKey, s.Model)
	if s.BaseURL != "" {
		a.BaseURL = strings.TrimRight(s.BaseURL, "/")
	}
	return a, nil
}

func newAnthropic(settings map[string]any) (llm.Gateway, error) {
	s, err := decodeLLM("anthropic", settings)
	if err != nil {
		return nil, err
	}
	a := anthropic.NewAdapter(s.APIKey, s.Model)
	if s.BaseURL != "" {
		a.BaseURL = strings.TrimRight(s.BaseURL, "/")
	}
	if s.MaxTokens > 0 {
		a.MaxTokens = s.MaxTokens
	}
	return a, nil
}
