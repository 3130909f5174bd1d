package confidence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/loadspec/internal/spec"
)

func soundSpec() *spec.LoadTestSpec {
	return &spec.LoadTestSpec{
		ID:       spec.NewID(),
		Name:     "baseline test",
		TestType: spec.TestTypeBaseline,
		Requests: []spec.RequestSpec{{Method: "GET", URL: "https://example.com/users"}},
		LoadPattern: spec.LoadPattern{
			Type: spec.PatternConstant, VirtualUsers: 10,
		},
		Duration: spec.Duration{Value: 60, Unit: "seconds"},
	}
}

func TestScoreBounds(t *testing.T) {
	e := New(0.5, 1)

	t.Run("ai floor", func(t *testing.T) {
		ctx := spec.ParseContext{
			Confidence: 0.0,
			Ambiguities: []spec.Ambiguity{
				{Field: "method"}, {Field: "url"}, {Field: "count"},
			},
		}
		ctx.Inferred.TestTypeDefaulted = true
		ctx.Inferred.TestType = spec.TestTypeBaseline

		r := e.Score(soundSpec(), ctx, false)
		assert.Equal(t, FloorAI, r.Confidence)
	})

	t.Run("fallback floor is lower", func(t *testing.T) {
		ctx := spec.ParseContext{Confidence: 0.0, Ambiguities: []spec.Ambiguity{
			{Field: "method"}, {Field: "url"}, {Field: "count"},
			{Field: "headers"}, {Field: "headers"}, {Field: "count"},
		}}
		r := e.Score(soundSpec(), ctx, true)
		assert.Equal(t, FloorFallback, r.Confidence)
	})

	t.Run("never exceeds one", func(t *testing.T) {
		ctx := spec.ParseContext{Confidence: 0.95}
		r := e.Score(soundSpec(), ctx, false)
		assert.LessOrEqual(t, r.Confidence, 1.0)
	})
}

func TestScoreAdjustments(t *testing.T) {
	e := New(0.5, 1)

	t.Run("complete request and volume raise the score", func(t *testing.T) {
		ctx := spec.ParseContext{Confidence: 0.5}
		r := e.Score(soundSpec(), ctx, false)
		assert.InDelta(t, 0.8, r.Confidence, 1e-9)
	})

	t.Run("defaulted test type lowers it", func(t *testing.T) {
		ctx := spec.ParseContext{Confidence: 0.5}
		ctx.Inferred.TestType = spec.TestTypeBaseline
		ctx.Inferred.TestTypeDefaulted = true
		r := e.Score(soundSpec(), ctx, false)
		assert.InDelta(t, 0.7, r.Confidence, 1e-9)
	})

	t.Run("each ambiguity costs a nickel", func(t *testing.T) {
		ctx := spec.ParseContext{
			Confidence:  0.5,
			Ambiguities: []spec.Ambiguity{{Field: "url"}, {Field: "count"}},
		}
		r := e.Score(soundSpec(), ctx, false)
		assert.InDelta(t, 0.7, r.Confidence, 1e-9)
	})
}

func TestAssumptionDiffing(t *testing.T) {
	e := New(0.5, 1)

	t.Run("uncorroborated method and url become assumptions", func(t *testing.T) {
		ctx := spec.ParseContext{Confidence: 0.5}
		r := e.Score(soundSpec(), ctx, false)

		fields := map[string]bool{}
		for _, a := range r.Assumptions {
			fields[a.Field] = true
		}
		assert.True(t, fields["requests[0].method"])
		assert.True(t, fields["requests[0].url"])
	})

	t.Run("extracted signals suppress assumptions", func(t *testing.T) {
		ctx := spec.ParseContext{Confidence: 0.5}
		ctx.Extracted.Methods = []string{"GET"}
		ctx.Extracted.URLs = []string{"https://example.com/users"}

		r := e.Score(soundSpec(), ctx, false)
		for _, a := range r.Assumptions {
			assert.NotEqual(t, "requests[0].method", a.Field)
			assert.NotEqual(t, "requests[0].url", a.Field)
		}
	})
}

func TestWarnings(t *testing.T) {
	e := New(0.5, 1)

	t.Run("low confidence warned", func(t *testing.T) {
		ctx := spec.ParseContext{Confidence: 0.0, Ambiguities: []spec.Ambiguity{
			{Field: "method"}, {Field: "url"},
		}}
		r := e.Score(soundSpec(), ctx, true)
		require.NotEmpty(t, r.Warnings)
	})

	t.Run("api url without auth header warned", func(t *testing.T) {
		s := soundSpec()
		s.Requests[0].URL = "https://api.example.com/v1/orders"
		r := e.Score(s, spec.ParseContext{Confidence: 0.5}, false)

		found := false
		for _, w := range r.Warnings {
			if w == "request 0 targets an API endpoint without an authorization header" {
				found = true
			}
		}
		assert.True(t, found)
	})

	t.Run("auth header suppresses the warning", func(t *testing.T) {
		s := soundSpec()
		s.Requests[0].URL = "https://api.example.com/v1/orders"
		s.Requests[0].Headers = map[string]string{"Authorization": "Bearer x"}
		r := e.Score(s, spec.ParseContext{Confidence: 0.5}, false)
		for _, w := range r.Warnings {
			assert.NotContains(t, w, "authorization header")
		}
	})

	t.Run("high constant concurrency without ramp warned", func(t *testing.T) {
		s := soundSpec()
		s.LoadPattern.VirtualUsers = 500
		r := e.Score(s, spec.ParseContext{Confidence: 0.5}, false)

		warned := false
		for _, w := range r.Warnings {
			if w == "500 constant virtual users with no ramp-up may overwhelm the target at start" {
				warned = true
			}
		}
		assert.True(t, warned)
		// And the advisory suggestion accompanies it.
		assert.NotEmpty(t, r.Suggestions)
	})
}
