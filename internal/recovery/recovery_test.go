package recovery

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/loadspec/internal/spec"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		stage     string
		err       error
		wantLevel spec.ErrorLevel
		wantType  string
		wantStrat spec.StrategyKind
	}{
		{
			name:      "rate limit",
			stage:     StageBackend,
			err:       errors.New("ollama error (status 429): too many requests"),
			wantLevel: spec.LevelAI, wantType: "rate_limit", wantStrat: spec.StrategyRetry,
		},
		{
			name:      "timeout",
			stage:     StageBackend,
			err:       errors.New("context deadline exceeded"),
			wantLevel: spec.LevelAI, wantType: "timeout", wantStrat: spec.StrategyRetry,
		},
		{
			name:      "network",
			stage:     StageBackend,
			err:       errors.New("dial tcp: connection refused"),
			wantLevel: spec.LevelAI, wantType: "network", wantStrat: spec.StrategyRetry,
		},
		{
			name:      "invalid response",
			stage:     StageBackend,
			err:       errors.New("output is not decodable JSON"),
			wantLevel: spec.LevelAI, wantType: "invalid_response", wantStrat: spec.StrategyEnhancePrompt,
		},
		{
			name:      "validation missing field",
			stage:     StageValidation,
			err:       errors.New("request 0 missing url"),
			wantLevel: spec.LevelValidation, wantType: "missing_field", wantStrat: spec.StrategyEnhancePrompt,
		},
		{
			name:      "malformed input",
			stage:     StagePreprocess,
			err:       errors.New("nothing usable extracted"),
			wantLevel: spec.LevelInput, wantType: "malformed_input", wantStrat: spec.StrategyFallback,
		},
		{
			name:      "fallback failure is terminal",
			stage:     StageFallback,
			err:       errors.New("no rules matched"),
			wantLevel: spec.LevelFallback, wantType: "fallback_failed", wantStrat: spec.StrategyUserInput,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pe := Classify(tc.stage, tc.err)
			assert.Equal(t, tc.wantLevel, pe.Level)
			assert.Equal(t, tc.wantType, pe.Type)
			require.NotNil(t, pe.Strategy)
			assert.Equal(t, tc.wantStrat, pe.Strategy.Strategy)
			assert.NotEmpty(t, pe.Suggestions)
		})
	}
}

// fastRetryError is a network-style failure with the retry delay zeroed so
// execution tests do not sleep.
func fastRetryError() *spec.ParseError {
	return &spec.ParseError{
		Level:   spec.LevelAI,
		Type:    "network",
		Message: "connection refused",
		Strategy: &spec.RecoveryStrategy{
			CanRecover: true, Strategy: spec.StrategyRetry, MaxRetries: 2,
		},
	}
}

func fallbackSpec() *spec.LoadTestSpec {
	return &spec.LoadTestSpec{
		ID:          spec.NewID(),
		Name:        "fallback",
		TestType:    spec.TestTypeBaseline,
		Requests:    []spec.RequestSpec{{Method: "GET", URL: "https://example.com/api/test"}},
		LoadPattern: spec.LoadPattern{Type: spec.PatternConstant, VirtualUsers: 10},
		Duration:    spec.Duration{Value: 60, Unit: "seconds"},
	}
}

func TestRecoverRetrySucceeds(t *testing.T) {
	c := NewCoordinator(zerolog.Nop())
	pe := fastRetryError()

	fails := 0
	ops := Ops{
		Retry: func(ctx context.Context) (*spec.LoadTestSpec, float64, error) {
			fails++
			if fails < 2 {
				return nil, 0, errors.New("connection refused")
			}
			return fallbackSpec(), 0.6, nil
		},
		Fallback: func(string) (*spec.LoadTestSpec, float64) { return fallbackSpec(), 0.3 },
	}

	res := c.Recover(context.Background(), "GET https://h/x", pe, ops)
	require.True(t, res.Success)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, 0.6, res.Confidence)
	assert.Contains(t, res.StrategiesTried, spec.StrategyRetry)
}

func TestRecoverFallsBackAfterRetriesExhausted(t *testing.T) {
	c := NewCoordinator(zerolog.Nop())
	pe := fastRetryError()

	ops := Ops{
		Retry: func(ctx context.Context) (*spec.LoadTestSpec, float64, error) {
			return nil, 0, errors.New("connection refused")
		},
		Fallback: func(string) (*spec.LoadTestSpec, float64) { return fallbackSpec(), 0.3 },
	}

	res := c.Recover(context.Background(), "GET https://h/x", pe, ops)
	require.True(t, res.Success)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, []spec.StrategyKind{spec.StrategyRetry, spec.StrategyFallback}, res.StrategiesTried)
	assert.NotNil(t, res.Spec)
}

func TestRecoverEnhancePromptPath(t *testing.T) {
	c := NewCoordinator(zerolog.Nop())
	pe := Classify(StageValidation, errors.New("unknown testType"))

	var gotPrev string
	ops := Ops{
		EnhanceAndRetry: func(ctx context.Context, prevErr string) (*spec.LoadTestSpec, float64, error) {
			gotPrev = prevErr
			return fallbackSpec(), 0.5, nil
		},
		Fallback: func(string) (*spec.LoadTestSpec, float64) { return fallbackSpec(), 0.3 },
	}

	res := c.Recover(context.Background(), "input", pe, ops)
	require.True(t, res.Success)
	assert.Equal(t, "unknown testType", gotPrev)
	assert.Contains(t, res.StrategiesTried, spec.StrategyEnhancePrompt)
}

func TestRecoverRepeatedSignatureSkipsToFallback(t *testing.T) {
	c := NewCoordinator(zerolog.Nop())

	retries := 0
	ops := Ops{
		Retry: func(ctx context.Context) (*spec.LoadTestSpec, float64, error) {
			retries++
			return nil, 0, errors.New("connection refused")
		},
		Fallback: func(string) (*spec.LoadTestSpec, float64) { return fallbackSpec(), 0.3 },
	}

	// Same failure signature over and over exhausts the per-key budget.
	for i := 0; i < 10; i++ {
		res := c.Recover(context.Background(), "same input", fastRetryError(), ops)
		require.True(t, res.Success)
	}
	assert.LessOrEqual(t, retries, maxAttemptsPerKey+2)
}

func TestRecoverCancelledContext(t *testing.T) {
	c := NewCoordinator(zerolog.Nop())
	pe := Classify(StageBackend, errors.New("rate limit"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ops := Ops{
		Retry: func(ctx context.Context) (*spec.LoadTestSpec, float64, error) {
			t.Fatal("retry must not run after cancellation")
			return nil, 0, nil
		},
	}
	res := c.Recover(ctx, "input", pe, ops)
	assert.False(t, res.Success)
}
