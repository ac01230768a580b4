package llm

import (
	"context"
	"sync"
	"time"
)

// RateLimitConfig configures a provider token bucket.
type RateLimitConfig struct {
	// Enabled enables rate limiting. Disabled buckets pass requests through.
	Enabled bool `yaml:"enabled"`
	// RequestsPerSecond is the bucket refill rate.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// Burst is the bucket capacity.
	Burst int `yaml:"burst"`
	// WaitBudget is the maximum time a request may wait for a token before
	// failing as Transient.
	WaitBudget time.Duration `yaml:"wait_budget"`
}

// DefaultRateLimitConfig returns conservative defaults suitable for the lower
// API tiers of the cloud providers.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           true,
		RequestsPerSecond: 2.0,
		Burst:             5,
		WaitBudget:        2 * time.Minute,
	}
}

// TokenBucket is a simple token-bucket rate limiter. Requests that would
// exceed capacity wait up to the configured budget before failing Transient.
type TokenBucket struct {
	cfg        RateLimitConfig
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// NewTokenBucket creates a bucket filled to capacity.
func NewTokenBucket(cfg RateLimitConfig) *TokenBucket {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.WaitBudget <= 0 {
		cfg.WaitBudget = 2 * time.Minute
	}
	return &TokenBucket{
		cfg:        cfg,
		tokens:     float64(cfg.Burst),
		lastRefill: time.Now(),
	}
}

// Wait blocks until a token is available, the wait budget is exhausted, or
// ctx is done. Budget exhaustion returns a Transient error; ctx errors
// propagate as-is.
func (b *TokenBucket) Wait(ctx context.Context) error {
	if !b.cfg.Enabled {
		return nil
	}

	deadline := time.Now().Add(b.cfg.WaitBudget)
	for {
		if b.tryAcquire() {
			return nil
		}
		if time.Now().After(deadline) {
			return Transientf("rate limiter wait budget (%v) exhausted", b.cfg.WaitBudget)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (b *TokenBucket) tryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = min(float64(b.cfg.Burst), b.tokens+elapsed*b.cfg.RequestsPerSecond)
	b.lastRefill = now

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true
	}
	return false
}
