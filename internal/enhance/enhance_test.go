package enhance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/loadspec/internal/classify"
	"github.com/normanking/loadspec/internal/preprocess"
	"github.com/normanking/loadspec/internal/spec"
)

func makeContext(t *testing.T, input string) spec.ParseContext {
	t.Helper()
	p := preprocess.New(0)
	cleaned, data := p.Run(input)
	cls := classify.Classify(cleaned, data)
	return BuildContext(input, cleaned, data, cls)
}

func TestBuildContext(t *testing.T) {
	t.Run("confidence rises with signal variety", func(t *testing.T) {
		sparse := makeContext(t, "do something")
		rich := makeContext(t, `POST https://api.example.com/orders with 50 users {"sku":"x"}`)
		assert.Greater(t, rich.Confidence, sparse.Confidence)
	})

	t.Run("confidence stays within bounds", func(t *testing.T) {
		for _, in := range []string{"", "GET /a", "stress test 5000 users 10 minutes GET https://h/x"} {
			ctx := makeContext(t, in)
			assert.GreaterOrEqual(t, ctx.Confidence, 0.0)
			assert.LessOrEqual(t, ctx.Confidence, 0.9)
		}
	})
}

func TestInferMissingFields(t *testing.T) {
	t.Run("keyword test type", func(t *testing.T) {
		ctx := InferMissingFields(makeContext(t, "spike test against GET /api/users"))
		assert.Equal(t, spec.TestTypeSpike, ctx.Inferred.TestType)
		assert.False(t, ctx.Inferred.TestTypeDefaulted)
		assert.Equal(t, spec.PatternSpike, ctx.Inferred.LoadPattern.Type)
	})

	t.Run("large count implies stress", func(t *testing.T) {
		ctx := InferMissingFields(makeContext(t, "hit GET /api/users with 5000 users"))
		assert.Equal(t, spec.TestTypeStress, ctx.Inferred.TestType)
		assert.False(t, ctx.Inferred.TestTypeDefaulted)
	})

	t.Run("explicit duration", func(t *testing.T) {
		ctx := InferMissingFields(makeContext(t, "run for 5 minutes"))
		assert.Equal(t, spec.Duration{Value: 5, Unit: "minutes"}, ctx.Inferred.Duration)
		assert.False(t, ctx.Inferred.DurationDefaulted)
	})

	t.Run("everything defaults on empty signal", func(t *testing.T) {
		ctx := InferMissingFields(makeContext(t, "hello there"))
		assert.Equal(t, DefaultTestType, ctx.Inferred.TestType)
		assert.True(t, ctx.Inferred.TestTypeDefaulted)
		assert.Equal(t, DefaultDuration, ctx.Inferred.Duration)
		assert.True(t, ctx.Inferred.DurationDefaulted)
		assert.Equal(t, DefaultLoadPattern, ctx.Inferred.LoadPattern)
		assert.True(t, ctx.Inferred.LoadPatternDefaulted)
	})

	t.Run("defaults discount confidence", func(t *testing.T) {
		base := makeContext(t, "hello there")
		inferred := InferMissingFields(base)
		assert.Less(t, inferred.Confidence, base.Confidence)
	})

	t.Run("virtual users parsed", func(t *testing.T) {
		ctx := InferMissingFields(makeContext(t, "load test with 250 users for 60 seconds"))
		assert.Equal(t, 250, ctx.Inferred.LoadPattern.VirtualUsers)
	})

	t.Run("total requests over duration approximates rps", func(t *testing.T) {
		ctx := InferMissingFields(makeContext(t, "1000 requests in 10 seconds to GET /api/users"))
		assert.Equal(t, 100, ctx.Inferred.LoadPattern.RequestsPerSecond)
		assert.Equal(t, spec.Duration{Value: 10, Unit: "seconds"}, ctx.Inferred.Duration)
	})

	t.Run("ramp up recognized", func(t *testing.T) {
		ctx := InferMissingFields(makeContext(t, "100 users, ramp up over 30 seconds"))
		require.NotNil(t, ctx.Inferred.LoadPattern.RampUpTime)
		assert.Equal(t, spec.PatternRamping, ctx.Inferred.LoadPattern.Type)
	})

	t.Run("valid json block becomes the body verbatim", func(t *testing.T) {
		body := `{"requestId":"r-1","payload":[{"externalId":"X"}]}`
		ctx := InferMissingFields(makeContext(t, "POST https://h/x with body "+body))
		assert.Equal(t, body, ctx.Inferred.RequestBody)
	})
}

func TestResolveAmbiguities(t *testing.T) {
	t.Run("two urls recorded not silently picked", func(t *testing.T) {
		ctx := ResolveAmbiguities(InferMissingFields(makeContext(t,
			"GET https://example.com/a and https://example.com/b")))
		var urlAmb *spec.Ambiguity
		for i := range ctx.Ambiguities {
			if ctx.Ambiguities[i].Field == "url" {
				urlAmb = &ctx.Ambiguities[i]
			}
		}
		require.NotNil(t, urlAmb)
		assert.ElementsMatch(t, []string{"https://example.com/a", "https://example.com/b"}, urlAmb.PossibleValues)
	})

	t.Run("missing method recorded", func(t *testing.T) {
		ctx := ResolveAmbiguities(InferMissingFields(makeContext(t, "just hit https://example.com/x")))
		found := false
		for _, a := range ctx.Ambiguities {
			if a.Field == "method" {
				found = true
			}
		}
		assert.True(t, found)
	})

	t.Run("relative url is a minor ambiguity", func(t *testing.T) {
		ctx := ResolveAmbiguities(InferMissingFields(makeContext(t, "GET /api/users")))
		found := false
		for _, a := range ctx.Ambiguities {
			if a.Field == "url" && a.Reason == "relative URL lacks a host" {
				found = true
			}
		}
		assert.True(t, found)
	})

	t.Run("missing numeric load value recorded", func(t *testing.T) {
		ctx := ResolveAmbiguities(InferMissingFields(makeContext(t, "GET https://example.com/x")))
		found := false
		for _, a := range ctx.Ambiguities {
			if a.Field == "count" && len(a.PossibleValues) == 0 {
				found = true
			}
		}
		assert.True(t, found, "zero count candidates is an ambiguity, same as several")
	})

	t.Run("auth header candidates come out sorted", func(t *testing.T) {
		input := "GET https://example.com/x with 10 users\n" +
			"X-API-Key: k1\nAuthorization: Bearer t\nCookie: session=s"
		for i := 0; i < 20; i++ {
			ctx := ResolveAmbiguities(InferMissingFields(makeContext(t, input)))
			var auth *spec.Ambiguity
			for j := range ctx.Ambiguities {
				if ctx.Ambiguities[j].Field == "headers" && ctx.Ambiguities[j].Reason == "multiple plausible auth headers found" {
					auth = &ctx.Ambiguities[j]
				}
			}
			require.NotNil(t, auth)
			assert.Equal(t, []string{"Authorization", "Cookie", "X-API-Key"}, auth.PossibleValues)
		}
	})

	t.Run("body without content type is flagged", func(t *testing.T) {
		ctx := ResolveAmbiguities(InferMissingFields(makeContext(t,
			`POST https://h/x {"a":1}`)))
		found := false
		for _, a := range ctx.Ambiguities {
			if a.Field == "headers" && a.Reason == "request body present without a Content-Type header" {
				found = true
			}
		}
		assert.True(t, found)
	})

	t.Run("idempotent", func(t *testing.T) {
		once := ResolveAmbiguities(InferMissingFields(makeContext(t,
			"GET https://example.com/a and POST https://example.com/b with 10 users and 20 requests")))
		twice := ResolveAmbiguities(once)
		assert.Equal(t, once.Ambiguities, twice.Ambiguities)
	})

	t.Run("confidence never drops below the floor", func(t *testing.T) {
		ctx := ResolveAmbiguities(InferMissingFields(makeContext(t, "")))
		assert.GreaterOrEqual(t, ctx.Confidence, 0.1)
	})
}
