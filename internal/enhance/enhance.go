// Package enhance builds the working parse context from extracted structure
// and classifier hints, infers missing spec fields, and detects ambiguities.
// The three transforms are independent and pure so each heuristic layer can
// be tested in isolation.
package enhance

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/normanking/loadspec/internal/classify"
	"github.com/normanking/loadspec/internal/spec"
)

// Fixed defaults applied when neither keywords nor context determine a field.
// Validation-stage field synthesis reuses these same values.
var (
	DefaultTestType    = spec.TestTypeBaseline
	DefaultDuration    = spec.Duration{Value: 60, Unit: "seconds"}
	DefaultLoadPattern = spec.LoadPattern{Type: spec.PatternConstant, VirtualUsers: 10}
)

// defaultDiscount is applied once per field that fell through to the fixed
// default.
const defaultDiscount = 0.9

// BuildContext merges extraction and classification into an initial context.
// Initial confidence rises with the variety of recognized signal kinds and
// the proportion of high-confidence hints.
func BuildContext(original, cleaned string, data spec.StructuredData, cls classify.Classification) spec.ParseContext {
	kinds := map[spec.HintKind]bool{}
	high := 0
	for _, h := range cls.Hints {
		kinds[h.Kind] = true
		if h.Confidence >= 0.7 {
			high++
		}
	}

	confidence := 0.2 + 0.1*float64(len(kinds))
	if len(cls.Hints) > 0 {
		confidence += 0.2 * float64(high) / float64(len(cls.Hints))
	}
	if confidence > 0.9 {
		confidence = 0.9
	}

	return spec.ParseContext{
		OriginalInput: original,
		CleanedInput:  cleaned,
		Extracted:     data,
		Hints:         cls.Hints,
		Confidence:    confidence,
	}
}

var (
	durationRe = regexp.MustCompile(`(?i)\b(?:for|in|over|during)?\s*(\d+(?:\.\d+)?)\s*(seconds?|secs?|s\b|minutes?|mins?|m\b|hours?|hrs?|h\b)`)

	testTypeKeywords = []struct {
		keyword string
		t       spec.TestType
	}{
		{"spike", spec.TestTypeSpike},
		{"stress", spec.TestTypeStress},
		{"soak", spec.TestTypeEndurance},
		{"endurance", spec.TestTypeEndurance},
		{"volume", spec.TestTypeVolume},
		{"baseline", spec.TestTypeBaseline},
		{"smoke", spec.TestTypeBaseline},
	}

	vusRe = regexp.MustCompile(`(?i)\b(\d{1,7})\s*(?:virtual\s+users?|users?|vus?\b|concurrent)`)
	rpsRe = regexp.MustCompile(`(?i)\b(\d{1,7})\s*(?:requests?\s+per\s+second|rps|req/s)`)
	// "N requests in/over ..." means total volume, not concurrency.
	totalReqRe = regexp.MustCompile(`(?i)\b(\d{1,9})\s*requests?\b`)
	rampRe     = regexp.MustCompile(`(?i)ramp(?:\s|-)?up(?:\s+(?:over|in|for))?\s*(\d+)\s*(seconds?|minutes?)`)
)

// InferMissingFields fills testType, duration, loadPattern and requestBody by
// explicit keyword match, then contextual inference, then the fixed default.
// The returned context's confidence is discounted for every field that hit
// the fixed default. Pure: the input context is not mutated.
func InferMissingFields(ctx spec.ParseContext) spec.ParseContext {
	out := ctx
	lower := strings.ToLower(ctx.CleanedInput)
	defaulted := 0

	// Test type: keyword, then contextual (very large counts imply stress).
	out.Inferred.TestType, out.Inferred.TestTypeDefaulted = inferTestType(lower, ctx)
	if out.Inferred.TestTypeDefaulted {
		defaulted++
	}

	// Duration.
	if m := durationRe.FindStringSubmatch(ctx.CleanedInput); m != nil {
		value, _ := strconv.ParseFloat(m[1], 64)
		out.Inferred.Duration = spec.Duration{Value: value, Unit: normalizeUnit(m[2])}
	} else {
		out.Inferred.Duration = DefaultDuration
		out.Inferred.DurationDefaulted = true
		defaulted++
	}

	// Load pattern.
	out.Inferred.LoadPattern, out.Inferred.LoadPatternDefaulted = inferLoadPattern(ctx, out.Inferred.TestType)
	if out.Inferred.LoadPatternDefaulted {
		defaulted++
	}

	// Request body: a parseable JSON block is the body verbatim.
	for _, block := range ctx.Extracted.JSONBlocks {
		if json.Valid([]byte(block)) {
			out.Inferred.RequestBody = block
			break
		}
	}

	for i := 0; i < defaulted; i++ {
		out.Confidence *= defaultDiscount
	}
	return out
}

func inferTestType(lower string, ctx spec.ParseContext) (spec.TestType, bool) {
	for _, kw := range testTypeKeywords {
		if strings.Contains(lower, kw.keyword) {
			return kw.t, false
		}
	}
	// Contextual: a request or user count beyond 1000 suggests stress.
	if largestCount(ctx) > 1000 {
		return spec.TestTypeStress, false
	}
	if d := durationRe.FindStringSubmatch(lower); d != nil {
		value, _ := strconv.ParseFloat(d[1], 64)
		if (spec.Duration{Value: value, Unit: normalizeUnit(d[2])}).Seconds() >= 1800 {
			return spec.TestTypeEndurance, false
		}
	}
	return DefaultTestType, true
}

func inferLoadPattern(ctx spec.ParseContext, testType spec.TestType) (spec.LoadPattern, bool) {
	patternType := spec.PatternConstant
	switch testType {
	case spec.TestTypeSpike:
		patternType = spec.PatternSpike
	case spec.TestTypeStress:
		patternType = spec.PatternRamping
	}

	pattern := spec.LoadPattern{Type: patternType}
	if m := vusRe.FindStringSubmatch(ctx.CleanedInput); m != nil {
		pattern.VirtualUsers, _ = strconv.Atoi(m[1])
	} else if m := rpsRe.FindStringSubmatch(ctx.CleanedInput); m != nil {
		pattern.RequestsPerSecond, _ = strconv.Atoi(m[1])
	} else if m := totalReqRe.FindStringSubmatch(ctx.CleanedInput); m != nil {
		// Total request count spread over the duration approximates RPS.
		total, _ := strconv.Atoi(m[1])
		secs := DefaultDuration.Seconds()
		if d := durationRe.FindStringSubmatch(ctx.CleanedInput); d != nil {
			value, _ := strconv.ParseFloat(d[1], 64)
			secs = (spec.Duration{Value: value, Unit: normalizeUnit(d[2])}).Seconds()
		}
		if secs > 0 {
			rps := int(float64(total) / secs)
			if rps < 1 {
				rps = 1
			}
			pattern.RequestsPerSecond = rps
		}
	}

	if m := rampRe.FindStringSubmatch(ctx.CleanedInput); m != nil {
		value, _ := strconv.ParseFloat(m[1], 64)
		pattern.RampUpTime = &spec.Duration{Value: value, Unit: normalizeUnit(m[2])}
		if pattern.Type == spec.PatternConstant {
			pattern.Type = spec.PatternRamping
		}
	}

	if !pattern.HasVolume() {
		d := DefaultLoadPattern
		d.Type = patternType
		return d, true
	}
	return pattern, false
}

// Confidence discounts per ambiguity class.
const (
	criticalAmbiguityPenalty = 0.2
	minorAmbiguityPenalty    = 0.05
	ambiguityFloor           = 0.1
)

// ResolveAmbiguities emits one record per under- or over-determined field and
// discounts confidence accordingly. It never silently picks a candidate: the
// record always carries every plausible value. Pure and idempotent: the
// ambiguity set is computed fresh from the extraction every time.
func ResolveAmbiguities(ctx spec.ParseContext) spec.ParseContext {
	out := ctx
	out.Ambiguities = nil
	critical, minor := 0, 0

	switch len(ctx.Extracted.Methods) {
	case 0:
		out.Ambiguities = append(out.Ambiguities, spec.Ambiguity{
			Field:  "method",
			Reason: "no HTTP method found in input",
		})
		critical++
	case 1:
		// determined
	default:
		out.Ambiguities = append(out.Ambiguities, spec.Ambiguity{
			Field:          "method",
			PossibleValues: ctx.Extracted.Methods,
			Reason:         fmt.Sprintf("%d candidate methods found", len(ctx.Extracted.Methods)),
		})
		critical++
	}

	switch len(ctx.Extracted.URLs) {
	case 0:
		out.Ambiguities = append(out.Ambiguities, spec.Ambiguity{
			Field:  "url",
			Reason: "no URL found in input",
		})
		critical++
	case 1:
		if !strings.HasPrefix(ctx.Extracted.URLs[0], "http") {
			out.Ambiguities = append(out.Ambiguities, spec.Ambiguity{
				Field:          "url",
				PossibleValues: []string{ctx.Extracted.URLs[0]},
				Reason:         "relative URL lacks a host",
			})
			minor++
		}
	default:
		out.Ambiguities = append(out.Ambiguities, spec.Ambiguity{
			Field:          "url",
			PossibleValues: ctx.Extracted.URLs,
			Reason:         fmt.Sprintf("%d candidate URLs found", len(ctx.Extracted.URLs)),
		})
		critical++
	}

	switch counts := countHints(ctx.Hints); len(counts) {
	case 0:
		out.Ambiguities = append(out.Ambiguities, spec.Ambiguity{
			Field:  "count",
			Reason: "no numeric load value found in input",
		})
		minor++
	case 1:
		// determined
	default:
		out.Ambiguities = append(out.Ambiguities, spec.Ambiguity{
			Field:          "count",
			PossibleValues: counts,
			Reason:         "multiple numeric load values found",
		})
		minor++
	}

	if auth := authHeaders(ctx.Extracted.Headers); len(auth) > 1 {
		out.Ambiguities = append(out.Ambiguities, spec.Ambiguity{
			Field:          "headers",
			PossibleValues: auth,
			Reason:         "multiple plausible auth headers found",
		})
		minor++
	}

	if ctx.Inferred.RequestBody != "" {
		if _, ok := ctx.Extracted.Headers["Content-Type"]; !ok {
			out.Ambiguities = append(out.Ambiguities, spec.Ambiguity{
				Field:          "headers",
				PossibleValues: []string{"application/json"},
				Reason:         "request body present without a Content-Type header",
			})
			minor++
		}
	}

	out.Confidence -= criticalAmbiguityPenalty * float64(critical)
	out.Confidence -= minorAmbiguityPenalty * float64(minor)
	if out.Confidence < ambiguityFloor {
		out.Confidence = ambiguityFloor
	}
	return out
}

func largestCount(ctx spec.ParseContext) int {
	largest := 0
	for _, h := range ctx.Hints {
		if h.Kind != spec.HintCount {
			continue
		}
		if n, err := strconv.Atoi(h.Value); err == nil && n > largest {
			largest = n
		}
	}
	return largest
}

func countHints(hints []spec.ParsingHint) []string {
	var values []string
	seen := map[string]bool{}
	for _, h := range hints {
		if h.Kind == spec.HintCount && !seen[h.Value] {
			seen[h.Value] = true
			values = append(values, h.Value)
		}
	}
	return values
}

func authHeaders(headers map[string]string) []string {
	var auth []string
	for name := range headers {
		lower := strings.ToLower(name)
		if lower == "authorization" || lower == "x-api-key" || lower == "api-key" || lower == "cookie" {
			auth = append(auth, name)
		}
	}
	sort.Strings(auth)
	return auth
}

func normalizeUnit(unit string) string {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "m", "min", "mins", "minute", "minutes":
		return "minutes"
	case "h", "hr", "hrs", "hour", "hours":
		return "hours"
	default:
		return "seconds"
	}
}
