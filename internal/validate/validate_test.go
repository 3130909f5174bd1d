package validate

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/loadspec/internal/llm"
	"github.com/normanking/loadspec/internal/prompt"
	"github.com/normanking/loadspec/internal/spec"
)

const goodOutput = `{
  "name": "baseline test of https://example.com/api",
  "testType": "baseline",
  "requests": [{"method": "GET", "url": "https://example.com/api"}],
  "loadPattern": {"type": "constant", "virtualUsers": 10},
  "duration": {"value": 60, "unit": "seconds"}
}`

func TestStripFences(t *testing.T) {
	t.Run("markdown fence with language tag", func(t *testing.T) {
		out := StripFences("```json\n{\"a\":1}\n```")
		assert.Equal(t, `{"a":1}`, out)
	})

	t.Run("prose around the object", func(t *testing.T) {
		out := StripFences(`Here is the spec you asked for: {"a":1} hope it helps!`)
		assert.Equal(t, `{"a":1}`, out)
	})

	t.Run("no json at all", func(t *testing.T) {
		assert.Empty(t, StripFences("sorry, I cannot help with that"))
	})
}

func TestRepair(t *testing.T) {
	t.Run("trailing commas", func(t *testing.T) {
		assert.Equal(t, `{"a":[1,2]}`, Repair(`{"a":[1,2,],}`))
	})

	t.Run("bare keys", func(t *testing.T) {
		assert.Equal(t, `{"a": 1, "b": 2}`, Repair(`{a: 1, b: 2}`))
	})

	t.Run("single quoted strings", func(t *testing.T) {
		assert.Equal(t, `{"a": "x"}`, Repair(`{"a": 'x'}`))
	})
}

func TestDecode(t *testing.T) {
	t.Run("clean output", func(t *testing.T) {
		s, err := Decode(goodOutput)
		require.NoError(t, err)
		assert.Equal(t, spec.TestTypeBaseline, s.TestType)
		require.Len(t, s.Requests, 1)
		assert.Equal(t, "https://example.com/api", s.Requests[0].URL)
	})

	t.Run("fenced output with trailing comma", func(t *testing.T) {
		raw := "```json\n{\"name\":\"t\",\"requests\":[],}\n```"
		s, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, "t", s.Name)
	})

	t.Run("hopeless output", func(t *testing.T) {
		_, err := Decode("no structure here")
		assert.Error(t, err)
	})
}

func TestCheck(t *testing.T) {
	t.Run("sound spec has no errors", func(t *testing.T) {
		s, err := Decode(goodOutput)
		require.NoError(t, err)
		assert.Empty(t, Check(s))
	})

	t.Run("each violation is reported", func(t *testing.T) {
		s := &spec.LoadTestSpec{
			TestType: "chaos",
			Requests: []spec.RequestSpec{{Method: "FETCH", URL: ""}},
			LoadPattern: spec.LoadPattern{
				Type: "wave", VirtualUsers: 5, RequestsPerSecond: 7,
			},
			Duration: spec.Duration{Value: -1, Unit: "fortnights"},
		}
		errs := Check(s)
		assert.GreaterOrEqual(t, len(errs), 6)
	})
}

func TestProcessLocalSynthesis(t *testing.T) {
	v := New(nil, nil, 2, zerolog.Nop())

	// Missing name, duration, load volume: three errors, all locally fixable.
	raw := `{
	  "testType": "baseline",
	  "requests": [{"method": "GET", "url": "https://example.com/api"}],
	  "loadPattern": {"type": "constant"},
	  "duration": {"value": 0, "unit": "seconds"}
	}`
	pctx := spec.ParseContext{}

	s, assumptions, err := v.Process(context.Background(), raw, pctx)
	require.NoError(t, err)
	require.NoError(t, s.Validate())
	assert.NotEmpty(t, s.Name)
	assert.True(t, s.LoadPattern.HasVolume())
	assert.Greater(t, s.Duration.Value, 0.0)
	assert.NotEmpty(t, assumptions)
	assert.NotEmpty(t, s.ID)
}

func TestProcessPreservesLiteralBody(t *testing.T) {
	v := New(nil, nil, 0, zerolog.Nop())

	literal := `{"requestId":"r-1","payload":[{"externalId":"X"}]}`
	// The model re-serialized the body with reordered keys and spacing.
	raw := `{
	  "name": "order replay",
	  "testType": "baseline",
	  "requests": [{
	    "method": "POST",
	    "url": "https://example.com/orders",
	    "body": "{\"payload\": [{\"externalId\": \"X\"}], \"requestId\": \"r-1\"}"
	  }],
	  "loadPattern": {"type": "constant", "virtualUsers": 10},
	  "duration": {"value": 60, "unit": "seconds"}
	}`
	pctx := spec.ParseContext{}
	pctx.Inferred.RequestBody = literal

	s, _, err := v.Process(context.Background(), raw, pctx)
	require.NoError(t, err)
	assert.Equal(t, literal, s.Requests[0].Body)
}

// correctingProvider returns a bad completion first, then a good one.
type correctingProvider struct {
	calls   int
	outputs []string
	lastReq *llm.CompletionRequest
}

func (c *correctingProvider) Initialize(ctx context.Context) error { return nil }
func (c *correctingProvider) HealthCheck(ctx context.Context) bool { return true }
func (c *correctingProvider) IsReady() bool                        { return true }
func (c *correctingProvider) Name() string                         { return "correcting" }
func (c *correctingProvider) GenerateCompletion(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	c.lastReq = req
	out := c.outputs[c.calls]
	if c.calls < len(c.outputs)-1 {
		c.calls++
	}
	return &llm.CompletionResponse{Text: out}, nil
}

func TestProcessRemoteCorrection(t *testing.T) {
	provider := &correctingProvider{outputs: []string{goodOutput}}
	v := New(provider, prompt.NewComposer(2), 2, zerolog.Nop())

	s, _, err := v.Process(context.Background(), "not json at all", spec.ParseContext{})
	require.NoError(t, err)
	require.NoError(t, s.Validate())
	require.NotNil(t, provider.lastReq)
	assert.Equal(t, "json", provider.lastReq.Format)
}

func TestProcessCorrectionBudgetExhausted(t *testing.T) {
	provider := &correctingProvider{outputs: []string{"still not json"}}
	v := New(provider, prompt.NewComposer(2), 2, zerolog.Nop())

	_, _, err := v.Process(context.Background(), "not json at all", spec.ParseContext{})
	assert.Error(t, err)
}
