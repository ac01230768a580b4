package config

import (
	"fmt"
	"sync"
	"time"
)

// LLMProviderType identifies the wire protocol of a provider.
type LLMProviderType string

// Supported provider types. openai-compatible covers local inference servers
// (vLLM, llama.cpp) that speak the OpenAI chat completions API.
const (
	ProviderTypeAnthropic LLMProviderType = "anthropic"
	ProviderTypeOpenAI    LLMProviderType = "openai"
)

// RateLimitYAML is the per-provider client-side rate limit from YAML.
type RateLimitYAML struct {
	Enabled           *bool         `yaml:"enabled,omitempty"`
	RequestsPerSecond float64       `yaml:"requests_per_second,omitempty"`
	Burst             int           `yaml:"burst,omitempty"`
	WaitBudget        time.Duration `yaml:"wait_budget,omitempty"`
}

// LLMProviderConfig defines one LLM provider endpoint.
type LLMProviderConfig struct {
	// Provider type (required).
	Type LLMProviderType `yaml:"type"`

	// Environment variable name holding the API key.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// Optional custom endpoint/base URL.
	BaseURL string `yaml:"base_url,omitempty"`

	// Request timeout for this provider. Zero uses the gateway default.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// OpenAI reasoning models reject max_tokens and temperature.
	UseMaxCompletionTokens bool `yaml:"use_max_completion_tokens,omitempty"`
	DisableTemperature     bool `yaml:"disable_temperature,omitempty"`

	// Client-side rate limit.
	RateLimit *RateLimitYAML `yaml:"rate_limit,omitempty"`
}

// LLMProviderRegistry stores LLM provider configurations with thread-safe access.
type LLMProviderRegistry struct {
	providers map[string]*LLMProviderConfig
	mu        sync.RWMutex
}

// NewLLMProviderRegistry creates a registry over a defensive copy of the map.
func NewLLMProviderRegistry(providers map[string]*LLMProviderConfig) *LLMProviderRegistry {
	copied := make(map[string]*LLMProviderConfig, len(providers))
	for k, v := range providers {
		copied[k] = v
	}
	return &LLMProviderRegistry{providers: copied}
}

// Get retrieves an LLM provider configuration by name.
func (r *LLMProviderRegistry) Get(name string) (*LLMProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLLMProviderNotFound, name)
	}
	return p, nil
}

// GetAll returns a copy of all provider configurations.
func (r *LLMProviderRegistry) GetAll() map[string]*LLMProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*LLMProviderConfig, len(r.providers))
	for k, v := range r.providers {
		out[k] = v
	}
	return out
}

// Has reports whether a provider exists in the registry.
func (r *LLMProviderRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// Len returns the number of registered providers.
func (r *LLMProviderRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
