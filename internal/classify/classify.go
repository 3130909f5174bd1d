// Package classify scores sanitized input against the known input shapes and
// emits typed parsing hints. Shell invocations and raw HTTP protocol text are
// unambiguous and short-circuit; everything else is scored and the highest
// score wins, with natural language as the tie-break default.
package classify

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/normanking/loadspec/internal/spec"
)

// Format is the detected shape of the input. Call sites switch over it
// exhaustively; format-specific logic stays here, not in the enhancer.
type Format string

const (
	FormatCurl         Format = "curl"
	FormatRawHTTP      Format = "raw_http"
	FormatMultiRequest Format = "multi_request"
	FormatJSONText     Format = "json_with_text"
	FormatMixed        Format = "mixed_structured"
	FormatNatural      Format = "natural_language"
)

// Classification is the classifier output: the winning format, how sure we
// are, and the hints accumulated while scoring.
type Classification struct {
	Format     Format
	Confidence float64
	Hints      []spec.ParsingHint
}

var (
	curlRe    = regexp.MustCompile(`(?m)^\s*curl\s+`)
	rawHTTPRe = regexp.MustCompile(`(?m)^(GET|POST|PUT|PATCH|DELETE|HEAD|OPTIONS)\s+\S+\s+HTTP/\d(\.\d)?`)

	naturalMarkers = []string{
		"test", "load", "run", "send", "with", "users", "requests",
		"seconds", "minutes", "please", "want", "need", "simulate",
	}
)

// Classify evaluates signatures in priority order against the sanitized
// input and its extracted structure.
func Classify(cleaned string, data spec.StructuredData) Classification {
	hints := buildHints(cleaned, data)

	// Unambiguous shapes return immediately.
	if curlRe.MatchString(cleaned) {
		return Classification{Format: FormatCurl, Confidence: 0.95, Hints: hints}
	}
	if rawHTTPRe.MatchString(cleaned) {
		return Classification{Format: FormatRawHTTP, Confidence: 0.95, Hints: hints}
	}

	scores := map[Format]float64{
		FormatMultiRequest: scoreMultiRequest(data),
		FormatJSONText:     scoreJSONWithText(cleaned, data),
		FormatMixed:        scoreMixed(cleaned, data),
		FormatNatural:      scoreNatural(cleaned, data),
	}

	factor := complexityFactor(cleaned, hints)
	best := FormatNatural
	bestScore := 0.0
	// Fixed evaluation order keeps the natural-language tie-break stable.
	for _, f := range []Format{FormatMultiRequest, FormatJSONText, FormatMixed, FormatNatural} {
		s := scores[f] * factor
		if s > bestScore {
			best, bestScore = f, s
		}
	}
	if bestScore > 1 {
		bestScore = 1
	}
	if bestScore < 0.1 {
		best, bestScore = FormatNatural, 0.3
	}
	return Classification{Format: best, Confidence: bestScore, Hints: hints}
}

// buildHints converts extracted structure into source-anchored hints.
func buildHints(cleaned string, data spec.StructuredData) []spec.ParsingHint {
	var hints []spec.ParsingHint
	add := func(kind spec.HintKind, value string, conf float64) {
		start := strings.Index(cleaned, value)
		end := -1
		if start >= 0 {
			end = start + len(value)
		}
		hints = append(hints, spec.ParsingHint{
			Kind: kind, Value: value, Confidence: conf, Start: start, End: end,
		})
	}

	for _, m := range data.Methods {
		add(spec.HintMethod, m, 0.9)
	}
	for _, u := range data.URLs {
		conf := 0.9
		if !strings.HasPrefix(u, "http") {
			conf = 0.6 // relative path, host unknown
		}
		add(spec.HintURL, u, conf)
	}
	for name, value := range data.Headers {
		add(spec.HintHeaders, name+": "+value, 0.8)
	}
	for _, block := range data.JSONBlocks {
		conf := 0.85
		if !json.Valid([]byte(block)) {
			conf = 0.4 // kept, but syntactically broken
		}
		add(spec.HintBody, block, conf)
	}
	for _, m := range countRe.FindAllStringSubmatch(cleaned, -1) {
		add(spec.HintCount, m[1], 0.7)
	}
	return hints
}

var countRe = regexp.MustCompile(`\b(\d{1,9})\s*(?:requests?|users?|rps|connections?|times)\b`)

func scoreMultiRequest(data spec.StructuredData) float64 {
	if len(data.URLs) >= 2 && len(data.Methods) >= 2 {
		return 0.8
	}
	if len(data.URLs) >= 2 || len(data.Methods) >= 2 {
		return 0.55
	}
	return 0
}

func scoreJSONWithText(cleaned string, data spec.StructuredData) float64 {
	if len(data.JSONBlocks) == 0 {
		return 0
	}
	jsonLen := 0
	for _, b := range data.JSONBlocks {
		jsonLen += len(b)
	}
	// Surrounding prose is what distinguishes this shape from a bare payload.
	if jsonLen < len(cleaned)-20 {
		return 0.75
	}
	return 0.5
}

func scoreMixed(cleaned string, data spec.StructuredData) float64 {
	structural := len(data.Methods) + len(data.URLs) + len(data.Headers)
	if structural == 0 {
		return 0
	}
	if hasNaturalMarkers(cleaned) {
		return 0.6
	}
	return 0.35
}

func scoreNatural(cleaned string, data spec.StructuredData) float64 {
	score := 0.3
	if hasNaturalMarkers(cleaned) {
		score = 0.5
	}
	// No structural signal at all is the strongest natural-language evidence.
	if len(data.Methods)+len(data.URLs)+len(data.Headers)+len(data.JSONBlocks) == 0 {
		score += 0.3
	}
	return score
}

func hasNaturalMarkers(cleaned string) bool {
	lower := strings.ToLower(cleaned)
	n := 0
	for _, marker := range naturalMarkers {
		if strings.Contains(lower, marker) {
			n++
		}
	}
	return n >= 2
}

// complexityFactor scales non-short-circuit scores by hint density and
// length: sparse or very short inputs carry less classification evidence.
func complexityFactor(cleaned string, hints []spec.ParsingHint) float64 {
	if len(cleaned) == 0 {
		return 0.5
	}
	factor := 1.0
	if len(cleaned) < 20 {
		factor -= 0.2
	}
	density := float64(len(hints)) / float64(len(strings.Fields(cleaned))+1)
	switch {
	case density > 0.5:
		factor += 0.1
	case density == 0:
		factor -= 0.1
	}
	if factor < 0.4 {
		factor = 0.4
	}
	if factor > 1.2 {
		factor = 1.2
	}
	return factor
}
