package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider returns canned responses in order.
type scriptedProvider struct {
	responses []*CompletionResponse
	errs      []error
	calls     int
}

func (s *scriptedProvider) Initialize(ctx context.Context) error        { return nil }
func (s *scriptedProvider) HealthCheck(ctx context.Context) bool        { return true }
func (s *scriptedProvider) IsReady() bool                               { return true }
func (s *scriptedProvider) Name() string                                { return "scripted" }
func (s *scriptedProvider) GenerateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	i := s.calls
	s.calls++
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i], s.errs[i]
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryingProviderEventualSuccess(t *testing.T) {
	inner := &scriptedProvider{
		responses: []*CompletionResponse{nil, nil, {Text: `{"ok":true}`}},
		errs:      []error{errors.New("transient"), errors.New("transient"), nil},
	}
	r := NewRetryingProvider(inner, fastPolicy(3), zerolog.Nop())

	resp, err := r.GenerateCompletion(context.Background(), &CompletionRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, resp.Text)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingProviderExhaustion(t *testing.T) {
	boom := errors.New("boom")
	inner := &scriptedProvider{
		responses: []*CompletionResponse{nil},
		errs:      []error{boom},
	}
	r := NewRetryingProvider(inner, fastPolicy(3), zerolog.Nop())

	_, err := r.GenerateCompletion(context.Background(), &CompletionRequest{Prompt: "x"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingProviderImplausibleResponseRetried(t *testing.T) {
	// A JSON-mode request answered with prose must fail into the retry loop.
	inner := &scriptedProvider{
		responses: []*CompletionResponse{{Text: "sure, here you go"}, {Text: `{"a":1}`}},
		errs:      []error{nil, nil},
	}
	r := NewRetryingProvider(inner, fastPolicy(2), zerolog.Nop())

	resp, err := r.GenerateCompletion(context.Background(), &CompletionRequest{Prompt: "x", Format: "json"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, resp.Text)
	assert.Equal(t, 2, inner.calls)
}

func TestRetryingProviderContextCancellation(t *testing.T) {
	inner := &scriptedProvider{
		responses: []*CompletionResponse{nil},
		errs:      []error{errors.New("transient")},
	}
	r := NewRetryingProvider(inner, RetryPolicy{MaxAttempts: 5, BaseDelay: time.Minute}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.GenerateCompletion(ctx, &CompletionRequest{Prompt: "x"})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("retry loop ignored cancellation")
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second}

	assert.Equal(t, 500*time.Millisecond, p.Delay(1))
	assert.Equal(t, time.Second, p.Delay(2))
	assert.Equal(t, 2*time.Second, p.Delay(3))
	// Capped at MaxDelay from here on.
	assert.Equal(t, 2*time.Second, p.Delay(10))
}

func TestRetryPolicyJitterStaysBounded(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: true}
	for i := 0; i < 50; i++ {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 200*time.Millisecond)
	}
}
