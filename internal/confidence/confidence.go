// Package confidence scores a finished spec against the evidence gathered
// from the input. The score starts from the working context's confidence and
// moves with how well the spec's fields are corroborated by extracted
// signals; fields with no corroboration are surfaced as assumptions.
package confidence

import (
	"fmt"
	"strings"

	"github.com/normanking/loadspec/internal/spec"
)

const (
	// FloorAI is the lowest score an AI-produced spec can carry.
	FloorAI = 0.3
	// FloorFallback is the lowest score a fallback-produced spec can carry.
	FloorFallback = 0.1

	completeRequestBonus     = 0.2
	volumeBonus              = 0.1
	defaultedTestTypePenalty = 0.1
	ambiguityPenalty         = 0.05
)

// Engine scores results and emits warnings past configured thresholds.
type Engine struct {
	lowConfidence float64
	ambiguityWarn int
}

// New builds an Engine. lowConfidence is the score below which results get a
// low-confidence warning; ambiguityWarn is how many open ambiguities trigger
// a warning.
func New(lowConfidence float64, ambiguityWarn int) *Engine {
	return &Engine{lowConfidence: lowConfidence, ambiguityWarn: ambiguityWarn}
}

// Report is the scored judgment of one spec.
type Report struct {
	Confidence  float64
	Assumptions []spec.Assumption
	Warnings    []string
	Suggestions []string
}

// Score rates the spec against the context's evidence. fallbackUsed selects
// the lower floor reserved for deterministic fallback output.
func (e *Engine) Score(s *spec.LoadTestSpec, ctx spec.ParseContext, fallbackUsed bool) Report {
	score := ctx.Confidence

	if len(s.Requests) > 0 && s.Requests[0].Method != "" && s.Requests[0].URL != "" {
		score += completeRequestBonus
	}
	if s.LoadPattern.HasVolume() {
		score += volumeBonus
	}
	if ctx.Inferred.TestTypeDefaulted && s.TestType == ctx.Inferred.TestType {
		score -= defaultedTestTypePenalty
	}
	score -= ambiguityPenalty * float64(len(ctx.Ambiguities))

	floor := FloorAI
	if fallbackUsed {
		floor = FloorFallback
	}
	if score < floor {
		score = floor
	}
	if score > 1.0 {
		score = 1.0
	}

	r := Report{Confidence: score}
	corrobMethod, corrobURL := corroboratedRequest(s, ctx)
	r.Assumptions = diffAssumptions(s, ctx, corrobMethod, corrobURL)
	r.Warnings = e.warnings(s, ctx, score)
	r.Suggestions = suggestions(s, ctx)
	return r
}

// corroboratedRequest reports whether the first request's method and URL
// each match a value the preprocessor extracted from the input.
func corroboratedRequest(s *spec.LoadTestSpec, ctx spec.ParseContext) (method, url bool) {
	if len(s.Requests) == 0 {
		return false, false
	}
	r := s.Requests[0]
	for _, m := range ctx.Extracted.Methods {
		if strings.EqualFold(m, r.Method) {
			method = true
			break
		}
	}
	for _, u := range ctx.Extracted.URLs {
		if u == r.URL || strings.Contains(r.URL, u) {
			url = true
			break
		}
	}
	return method, url
}

// diffAssumptions lists the spec fields that carry synthesized values with
// no extracted signal behind them.
func diffAssumptions(s *spec.LoadTestSpec, ctx spec.ParseContext, corrobMethod, corrobURL bool) []spec.Assumption {
	var as []spec.Assumption
	if len(s.Requests) > 0 {
		if !corrobMethod {
			as = append(as, spec.Assumption{
				Field:        "requests[0].method",
				AssumedValue: s.Requests[0].Method,
				Reason:       "no HTTP method appeared in the input",
				Alternatives: []string{"GET", "POST", "PUT", "DELETE"},
			})
		}
		if !corrobURL {
			as = append(as, spec.Assumption{
				Field:        "requests[0].url",
				AssumedValue: s.Requests[0].URL,
				Reason:       "no URL appeared in the input",
			})
		}
	}
	if ctx.Inferred.TestTypeDefaulted && s.TestType == ctx.Inferred.TestType {
		as = append(as, spec.Assumption{
			Field:        "testType",
			AssumedValue: string(s.TestType),
			Reason:       "input did not indicate a test type",
			Alternatives: []string{"spike", "stress", "endurance", "volume"},
		})
	}
	if ctx.Inferred.DurationDefaulted {
		as = append(as, spec.Assumption{
			Field:        "duration",
			AssumedValue: fmt.Sprintf("%v %s", s.Duration.Value, s.Duration.Unit),
			Reason:       "input did not specify a duration",
		})
	}
	if ctx.Inferred.LoadPatternDefaulted {
		as = append(as, spec.Assumption{
			Field:        "loadPattern",
			AssumedValue: fmt.Sprintf("%d virtual users, %s", s.LoadPattern.VirtualUsers, s.LoadPattern.Type),
			Reason:       "input did not specify a load volume",
		})
	}
	return as
}

func (e *Engine) warnings(s *spec.LoadTestSpec, ctx spec.ParseContext, score float64) []string {
	var ws []string
	if score < e.lowConfidence {
		ws = append(ws, fmt.Sprintf("confidence %.2f is below %.2f; review the generated spec before running it", score, e.lowConfidence))
	}
	if e.ambiguityWarn > 0 && len(ctx.Ambiguities) >= e.ambiguityWarn {
		ws = append(ws, fmt.Sprintf("%d ambiguities could not be resolved from the input", len(ctx.Ambiguities)))
	}
	for i, r := range s.Requests {
		if looksLikeAPI(r.URL) && !hasAuthHeader(r.Headers) {
			ws = append(ws, fmt.Sprintf("request %d targets an API endpoint without an authorization header", i))
		}
	}
	if s.LoadPattern.Type == spec.PatternConstant && s.LoadPattern.VirtualUsers > 100 && s.LoadPattern.RampUpTime == nil {
		ws = append(ws, fmt.Sprintf("%d constant virtual users with no ramp-up may overwhelm the target at start", s.LoadPattern.VirtualUsers))
	}
	return ws
}

// suggestions are advisory only and never affect the spec.
func suggestions(s *spec.LoadTestSpec, ctx spec.ParseContext) []string {
	var sg []string
	if s.LoadPattern.VirtualUsers > 100 && s.LoadPattern.RampUpTime == nil {
		sg = append(sg, "add a ramp-up period to reach peak load gradually")
	}
	if s.TestType == spec.TestTypeEndurance && s.Duration.Seconds() < 1800 {
		sg = append(sg, "endurance tests usually run 30 minutes or longer")
	}
	if len(ctx.Extracted.Headers) == 0 && len(s.Requests) > 0 && s.Requests[0].Body != "" {
		sg = append(sg, "set a Content-Type header for requests carrying a body")
	}
	return sg
}

func looksLikeAPI(url string) bool {
	lower := strings.ToLower(url)
	return strings.Contains(lower, "/api/") || strings.Contains(lower, "api.") ||
		strings.HasSuffix(lower, "/api")
}

func hasAuthHeader(h map[string]string) bool {
	for k := range h {
		switch strings.ToLower(k) {
		case "authorization", "x-api-key", "api-key":
			return true
		}
	}
	return false
}
