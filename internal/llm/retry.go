package llm

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy governs the shared retry behavior applied to every provider.
type RetryPolicy struct {
	// MaxAttempts caps the total attempts, first try included.
	MaxAttempts int

	// BaseDelay is the backoff base: delay = BaseDelay * 2^(attempt-1).
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// Jitter randomizes each delay in [delay/2, delay] to avoid retry
	// storms when many concurrent calls fail together.
	Jitter bool
}

// DefaultRetryPolicy returns the shared defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		Jitter:      true,
	}
}

// Delay computes the backoff before the given 1-based retry attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter && delay > 0 {
		half := delay / 2
		delay = half + time.Duration(rand.Int63n(int64(half)+1))
	}
	return delay
}

// RetryingProvider wraps a Provider with the shared retry policy. Only the
// final failure propagates. Completions must be non-empty and structurally
// plausible to be accepted; implausible content is rejected here so it fails
// into the retry loop rather than silently passing downstream.
type RetryingProvider struct {
	provider Provider
	policy   RetryPolicy
	log      zerolog.Logger
}

// NewRetryingProvider wraps provider with policy.
func NewRetryingProvider(provider Provider, policy RetryPolicy, log zerolog.Logger) *RetryingProvider {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &RetryingProvider{
		provider: provider,
		policy:   policy,
		log:      log.With().Str("component", "llm.retry").Str("provider", provider.Name()).Logger(),
	}
}

// Initialize delegates to the wrapped provider.
func (r *RetryingProvider) Initialize(ctx context.Context) error {
	return r.provider.Initialize(ctx)
}

// HealthCheck delegates to the wrapped provider.
func (r *RetryingProvider) HealthCheck(ctx context.Context) bool {
	return r.provider.HealthCheck(ctx)
}

// IsReady delegates to the wrapped provider.
func (r *RetryingProvider) IsReady() bool {
	return r.provider.IsReady()
}

// Name delegates to the wrapped provider.
func (r *RetryingProvider) Name() string {
	return r.provider.Name()
}

// GenerateCompletion retries with exponential backoff and jitter.
func (r *RetryingProvider) GenerateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		resp, err := r.provider.GenerateCompletion(ctx, req)
		if err == nil {
			if plausible(resp, req) {
				return resp, nil
			}
			lastErr = ErrEmptyCompletion
		} else {
			lastErr = err
		}

		if attempt == r.policy.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		delay := r.policy.Delay(attempt)
		r.log.Warn().Err(lastErr).Int("attempt", attempt).Dur("backoff", delay).Msg("completion failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// plausible applies the cheap structural acceptance check. Validation proper
// happens downstream; this only rejects responses that cannot possibly
// contain what was asked for.
func plausible(resp *CompletionResponse, req *CompletionRequest) bool {
	if resp == nil {
		return false
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return false
	}
	if req.Format == "json" && !strings.ContainsAny(text, "{[") {
		return false
	}
	return true
}
