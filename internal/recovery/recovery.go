// Package recovery classifies failures from any pipeline stage and executes
// a bounded recovery strategy. The coordinator never invokes pipeline stages
// directly; callers hand it operations to run so the package stays free of
// pipeline dependencies.
package recovery

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/normanking/loadspec/internal/spec"
)

const (
	// attemptCacheSize bounds the recovery-attempt counter cache.
	attemptCacheSize = 512
	// attemptCacheTTL scopes counters to roughly one operator session.
	attemptCacheTTL = 10 * time.Minute
	// maxAttemptsPerKey is the most attempts allowed for one (level, type,
	// input) key before retry-flavored strategies are skipped.
	maxAttemptsPerKey = 5
	// attemptKeyInputLen truncates the input portion of the counter key.
	attemptKeyInputLen = 64
)

// Ops are the recovery actions the caller makes available. Any nil field
// disables that strategy.
type Ops struct {
	// Retry re-runs the failed backend call as-is.
	Retry func(ctx context.Context) (*spec.LoadTestSpec, float64, error)
	// EnhanceAndRetry re-asks the backend with the previous error embedded.
	EnhanceAndRetry func(ctx context.Context, prevErr string) (*spec.LoadTestSpec, float64, error)
	// Fallback runs the deterministic parser. It cannot fail.
	Fallback func(input string) (*spec.LoadTestSpec, float64)
}

// Result reports what recovery achieved.
type Result struct {
	Success         bool
	Spec            *spec.LoadTestSpec
	Confidence      float64
	StrategiesTried []spec.StrategyKind
	AttemptsUsed    int
	FallbackUsed    bool
}

// Coordinator selects and executes recovery strategies, tracking attempts
// per failure signature so repeated failures across calls do not retry
// indefinitely.
type Coordinator struct {
	attempts *expirable.LRU[string, int]
	log      zerolog.Logger
}

// NewCoordinator builds a Coordinator with a bounded attempt-counter cache.
func NewCoordinator(log zerolog.Logger) *Coordinator {
	return &Coordinator{
		attempts: expirable.NewLRU[string, int](attemptCacheSize, nil, attemptCacheTTL),
		log:      log,
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// CLASSIFICATION
// ─────────────────────────────────────────────────────────────────────────────

// Stage names used for classification scoping.
const (
	StagePreprocess = "preprocess"
	StageBackend    = "backend"
	StageValidation = "validation"
	StageFallback   = "fallback"
)

// Classify maps a stage failure onto the error taxonomy. The level comes
// from the originating stage; the type from message content.
func Classify(stage string, err error) *spec.ParseError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	lower := strings.ToLower(msg)

	pe := &spec.ParseError{Message: msg}
	switch stage {
	case StagePreprocess:
		pe.Level = spec.LevelInput
		pe.Type = "malformed_input"
		pe.Suggestions = []string{"include an HTTP method and URL, e.g. \"GET https://host/path\""}
	case StageValidation:
		pe.Level = spec.LevelValidation
		switch {
		case strings.Contains(lower, "missing"):
			pe.Type = "missing_field"
		case strings.Contains(lower, "unknown"):
			pe.Type = "invalid_value"
		default:
			pe.Type = "schema"
		}
		pe.Suggestions = []string{"the backend output did not match the required shape; a corrective round or fallback parse can recover"}
	case StageFallback:
		pe.Level = spec.LevelFallback
		pe.Type = "fallback_failed"
		pe.Suggestions = []string{"rephrase the input with an explicit method, URL, and load volume"}
	default: // backend
		pe.Level = spec.LevelAI
		switch {
		case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") || strings.Contains(lower, "too many requests"):
			pe.Type = "rate_limit"
		case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
			pe.Type = "timeout"
		case strings.Contains(lower, "connection refused") || strings.Contains(lower, "no such host") ||
			strings.Contains(lower, "unavailable") || strings.Contains(lower, "network"):
			pe.Type = "network"
		case strings.Contains(lower, "json") || strings.Contains(lower, "decode") || strings.Contains(lower, "empty completion"):
			pe.Type = "invalid_response"
		default:
			pe.Type = "generic"
		}
		pe.Suggestions = []string{"check that the completion backend is running and reachable"}
	}
	pe.Strategy = primaryStrategy(pe)
	return pe
}

// primaryStrategy picks the most promising remedial action for a classified
// failure.
func primaryStrategy(pe *spec.ParseError) *spec.RecoveryStrategy {
	switch {
	case pe.Level == spec.LevelAI && (pe.Type == "rate_limit"):
		return &spec.RecoveryStrategy{
			CanRecover: true, Strategy: spec.StrategyRetry,
			Confidence: 0.8, EstimatedSuccess: 0.7,
			MaxRetries: 3, RetryDelay: 2 * time.Second,
		}
	case pe.Level == spec.LevelAI && (pe.Type == "timeout" || pe.Type == "network"):
		return &spec.RecoveryStrategy{
			CanRecover: true, Strategy: spec.StrategyRetry,
			Confidence: 0.7, EstimatedSuccess: 0.5,
			MaxRetries: 2, RetryDelay: time.Second,
		}
	case pe.Level == spec.LevelAI && pe.Type == "invalid_response":
		return &spec.RecoveryStrategy{
			CanRecover: true, Strategy: spec.StrategyEnhancePrompt,
			Confidence: 0.6, EstimatedSuccess: 0.6,
			MaxRetries: 1,
		}
	case pe.Level == spec.LevelValidation:
		return &spec.RecoveryStrategy{
			CanRecover: true, Strategy: spec.StrategyEnhancePrompt,
			Confidence: 0.6, EstimatedSuccess: 0.6,
			MaxRetries: 1,
		}
	case pe.Level == spec.LevelInput:
		return &spec.RecoveryStrategy{
			CanRecover: true, Strategy: spec.StrategyFallback,
			Confidence: 0.5, EstimatedSuccess: 0.9,
			MaxRetries: 1,
		}
	case pe.Level == spec.LevelFallback:
		return &spec.RecoveryStrategy{
			CanRecover: false, Strategy: spec.StrategyUserInput,
			Confidence: 0.2, EstimatedSuccess: 0.1,
		}
	default:
		return &spec.RecoveryStrategy{
			CanRecover: true, Strategy: spec.StrategyFallback,
			Confidence: 0.4, EstimatedSuccess: 0.8,
			MaxRetries: 1,
		}
	}
}

// strategies returns the full ordered list to try, descending by confidence,
// always ending in fallback so exhaustion still yields a spec.
func strategies(pe *spec.ParseError) []spec.RecoveryStrategy {
	out := []spec.RecoveryStrategy{}
	if pe.Strategy != nil && pe.Strategy.CanRecover {
		out = append(out, *pe.Strategy)
	}
	if len(out) == 0 || out[len(out)-1].Strategy != spec.StrategyFallback {
		out = append(out, spec.RecoveryStrategy{
			CanRecover: true, Strategy: spec.StrategyFallback,
			Confidence: 0.4, EstimatedSuccess: 0.9, MaxRetries: 1,
		})
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// EXECUTION
// ─────────────────────────────────────────────────────────────────────────────

// Recover executes strategies for the classified failure in descending
// confidence order until one produces a spec. Attempt counters are keyed by
// (level, type, truncated input) so a failure signature seen repeatedly
// stops retrying and goes straight to fallback.
func (c *Coordinator) Recover(ctx context.Context, input string, pe *spec.ParseError, ops Ops) *Result {
	res := &Result{}
	key := attemptKey(input, pe)

	for _, st := range strategies(pe) {
		if used, _ := c.attempts.Get(key); used >= maxAttemptsPerKey && st.Strategy != spec.StrategyFallback {
			c.log.Warn().Str("key", key).Int("attempts", used).
				Msg("attempt budget for failure signature exhausted, skipping to fallback")
			continue
		}
		res.StrategiesTried = append(res.StrategiesTried, st.Strategy)

		switch st.Strategy {
		case spec.StrategyRetry:
			if ops.Retry == nil {
				continue
			}
			retries := st.MaxRetries
			if retries < 1 {
				retries = 1
			}
			for i := 0; i < retries; i++ {
				if st.RetryDelay > 0 && !sleep(ctx, st.RetryDelay) {
					return res
				}
				res.AttemptsUsed++
				c.bump(key)
				s, conf, err := ops.Retry(ctx)
				if err == nil {
					res.Success, res.Spec, res.Confidence = true, s, conf
					return res
				}
				c.log.Debug().Err(err).Int("attempt", i+1).Msg("retry strategy attempt failed")
			}

		case spec.StrategyEnhancePrompt:
			if ops.EnhanceAndRetry == nil {
				continue
			}
			res.AttemptsUsed++
			c.bump(key)
			s, conf, err := ops.EnhanceAndRetry(ctx, pe.Message)
			if err == nil {
				res.Success, res.Spec, res.Confidence = true, s, conf
				return res
			}
			c.log.Debug().Err(err).Msg("enhance-prompt strategy failed")

		case spec.StrategyFallback:
			if ops.Fallback == nil {
				continue
			}
			res.AttemptsUsed++
			s, conf := ops.Fallback(input)
			res.Success, res.Spec, res.Confidence = true, s, conf
			res.FallbackUsed = true
			return res

		case spec.StrategyUserInput:
			// Nothing automatic to do; the suggestions on the error tell
			// the operator what to change.
			continue
		}
	}
	return res
}

func (c *Coordinator) bump(key string) {
	used, _ := c.attempts.Get(key)
	c.attempts.Add(key, used+1)
}

func attemptKey(input string, pe *spec.ParseError) string {
	trunc := input
	if len(trunc) > attemptKeyInputLen {
		trunc = trunc[:attemptKeyInputLen]
	}
	return string(pe.Level) + "|" + pe.Type + "|" + trunc
}

// sleep waits for d or until the context is cancelled, reporting whether the
// full wait completed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
