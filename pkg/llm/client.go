// Package llm provides the gateway: a uniform completion and embedding
// interface over multiple providers, with per-provider rate limiting,
// circuit breaking, and a transient/permanent error taxonomy.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/detecteam/sigmaflow/pkg/metrics"
)

// Role is a chat message role.
type Role string

// Chat roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is a provider-agnostic completion request. Provider
// adapters translate parameter naming differences (e.g. whether the token cap
// is "max_tokens" or "max_completion_tokens").
type CompletionRequest struct {
	Provider    string
	Model       string
	Messages    []Message
	Temperature *float64
	TopP        *float64
	MaxTokens   int
	Stop        []string
	// JSONMode asks the provider for a JSON-only response where supported.
	// Parsing the response is the caller's concern.
	JSONMode bool
	// Nonce is a stable per-attempt identifier forwarded as request metadata
	// so downstream tracing can dedupe retried attempts.
	Nonce string
}

// Usage is the token accounting reported by a provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is the uniform completion result.
type CompletionResponse struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// Provider is one backing LLM API.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	// Embed returns a fixed-dimension vector for the text, or a Permanent
	// error when the provider has no embedding endpoint.
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// Gateway routes completion and embedding requests to registered providers.
// Each provider gets its own token bucket and circuit breaker; buckets are
// shared across workers in the same process, and cross-process coordination
// is advisory only.
type Gateway struct {
	mu        sync.RWMutex
	providers map[string]*providerEntry

	embedProvider string
	embedModel    string

	requestTimeout time.Duration
}

type providerEntry struct {
	provider Provider
	limiter  *TokenBucket
	breaker  *gobreaker.CircuitBreaker
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithRequestTimeout sets the per-request wall-clock timeout.
func WithRequestTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.requestTimeout = d }
}

// WithEmbedding selects the provider and model used for Embed calls.
func WithEmbedding(provider, model string) GatewayOption {
	return func(g *Gateway) {
		g.embedProvider = provider
		g.embedModel = model
	}
}

// NewGateway creates an empty gateway. Register providers before use.
func NewGateway(opts ...GatewayOption) *Gateway {
	g := &Gateway{
		providers:      make(map[string]*providerEntry),
		requestTimeout: 120 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register adds a provider with the given rate limit configuration.
func (g *Gateway) Register(p Provider, rl RateLimitConfig) {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        p.Name(),
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("LLM provider circuit state changed",
				"provider", name, "from", from.String(), "to", to.String())
		},
	})
	g.mu.Lock()
	defer g.mu.Unlock()
	g.providers[p.Name()] = &providerEntry{
		provider: p,
		limiter:  NewTokenBucket(rl),
		breaker:  breaker,
	}
}

func (g *Gateway) entry(name string) (*providerEntry, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.providers[name]
	if !ok {
		return nil, Permanentf("provider %q not registered", name)
	}
	return e, nil
}

// Complete routes the request to its provider, waiting on the provider's token
// bucket up to its configured budget. Rate-limit exhaustion and open circuits
// surface as Transient errors.
func (g *Gateway) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	e, err := g.entry(req.Provider)
	if err != nil {
		return nil, err
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	defer cancel()

	start := time.Now()
	out, err := e.breaker.Execute(func() (any, error) {
		return e.provider.Complete(callCtx, req)
	})
	if err != nil {
		metrics.LLMRequests.WithLabelValues(req.Provider, "error").Inc()
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, Transient(err)
		}
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			// Per-request timeout, not caller cancellation.
			return nil, Transientf("request timed out after %v", g.requestTimeout)
		}
		return nil, err
	}

	resp := out.(*CompletionResponse)
	metrics.LLMRequests.WithLabelValues(req.Provider, "success").Inc()
	metrics.LLMTokens.WithLabelValues(req.Provider, "prompt").Add(float64(resp.Usage.PromptTokens))
	metrics.LLMTokens.WithLabelValues(req.Provider, "completion").Add(float64(resp.Usage.CompletionTokens))
	slog.Debug("LLM completion",
		"provider", req.Provider,
		"model", req.Model,
		"latency_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)
	return resp, nil
}

// Embed returns the embedding vector for text using the configured embedding
// provider and model.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	if g.embedProvider == "" {
		return nil, Permanentf("no embedding provider configured")
	}
	e, err := g.entry(g.embedProvider)
	if err != nil {
		return nil, err
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	defer cancel()

	vec, err := e.provider.Embed(callCtx, g.embedModel, text)
	if err != nil {
		metrics.LLMRequests.WithLabelValues(g.embedProvider, "error").Inc()
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, Transientf("embedding request timed out after %v", g.requestTimeout)
		}
		return nil, err
	}
	if len(vec) == 0 {
		metrics.LLMRequests.WithLabelValues(g.embedProvider, "error").Inc()
		return nil, Transientf("provider %q returned empty embedding", g.embedProvider)
	}
	metrics.LLMRequests.WithLabelValues(g.embedProvider, "success").Inc()
	return vec, nil
}

// Providers returns the names of registered providers, for health reporting.
func (g *Gateway) Providers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.providers))
	for n := range g.providers {
		names = append(names, n)
	}
	return names
}

// String implements fmt.Stringer for logging.
func (g *Gateway) String() string {
	return fmt.Sprintf("llm.Gateway(providers=%v)", g.Providers())
}
