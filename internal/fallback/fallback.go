// Package fallback is a deterministic regex/keyword parser that produces a
// usable LoadTestSpec without any AI backend. It runs standalone or as the
// recovery path when the AI pipeline fails, and it never returns an error:
// worst case it emits a minimal templated spec with explicit warnings.
package fallback

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/normanking/loadspec/internal/enhance"
	"github.com/normanking/loadspec/internal/spec"
)

// MaxConfidence is the ceiling for any fallback-produced result. Fallback
// output is never allowed to look as trustworthy as a corroborated AI parse.
const MaxConfidence = 0.8

// FloorConfidence is what a templated last-resort spec carries.
const FloorConfidence = 0.1

// ruleBonus is the confidence contribution of each distinct matched rule.
const ruleBonus = 0.1

// compoundBonus is the confidence contribution of a rule that pins down two
// spec fields at once, such as a method together with its URL.
const compoundBonus = 0.25

// minRuleMatches is the threshold below which the keyword table is consulted.
const minRuleMatches = 3

// Result is a fallback parse outcome. Spec is always non-nil.
type Result struct {
	Spec         *spec.LoadTestSpec
	Confidence   float64
	MatchedRules []string
	Assumptions  []spec.Assumption
	Warnings     []string
}

// Parser applies the ordered rule table.
type Parser struct {
	log zerolog.Logger
}

// New builds a fallback Parser.
func New(log zerolog.Logger) *Parser {
	return &Parser{log: log}
}

// draft accumulates fields as rules match.
type draft struct {
	method   string
	url      string
	body     string
	testType spec.TestType
	pattern  spec.LoadPattern
	duration spec.Duration

	totalRequests int
}

// rule is one entry in the ordered table. Rules are applied top to bottom
// and a later rule overwrites fields an earlier rule already set. The table
// is deliberately last-match-wins, so keep new rules ordered from generic to
// specific.
type rule struct {
	name  string
	re    *regexp.Regexp
	apply func(d *draft, m []string)
}

var rules = []rule{
	{
		name: "http-method-url",
		re:   regexp.MustCompile(`(?i)\b(GET|POST|PUT|PATCH|DELETE|HEAD|OPTIONS)\s+(https?://[^\s"']+|/[^\s"']+)`),
		apply: func(d *draft, m []string) {
			d.method = strings.ToUpper(m[1])
			d.url = strings.TrimRight(m[2], ".,;")
		},
	},
	{
		name: "url-only",
		re:   regexp.MustCompile(`https?://[^\s"']+`),
		apply: func(d *draft, m []string) {
			d.url = strings.TrimRight(m[0], ".,;")
		},
	},
	{
		name: "virtual-users",
		re:   regexp.MustCompile(`(?i)\b(\d+)\s*(?:virtual\s+)?(?:users?|vus?|concurrent)\b`),
		apply: func(d *draft, m []string) {
			n, _ := strconv.Atoi(m[1])
			d.pattern.VirtualUsers = n
			d.pattern.RequestsPerSecond = 0
		},
	},
	{
		name: "requests-per-second",
		re:   regexp.MustCompile(`(?i)\b(\d+)\s*(?:requests?\s*(?:per|/)\s*(?:second|sec)|rps)\b`),
		apply: func(d *draft, m []string) {
			n, _ := strconv.Atoi(m[1])
			d.pattern.RequestsPerSecond = n
			d.pattern.VirtualUsers = 0
		},
	},
	{
		name: "total-requests",
		re:   regexp.MustCompile(`(?i)\b(\d+)\s*requests?\b`),
		apply: func(d *draft, m []string) {
			d.totalRequests, _ = strconv.Atoi(m[1])
		},
	},
	{
		name: "duration",
		re:   regexp.MustCompile(`(?i)\b(\d+)\s*(seconds?|secs?|minutes?|mins?|hours?|hrs?)\b`),
		apply: func(d *draft, m []string) {
			n, _ := strconv.Atoi(m[1])
			d.duration = spec.Duration{Value: float64(n), Unit: normalizeUnit(m[2])}
		},
	},
	{
		name: "test-type-keyword",
		re:   regexp.MustCompile(`(?i)\b(baseline|spike|stress|endurance|soak|volume)\b`),
		apply: func(d *draft, m []string) {
			kw := strings.ToLower(m[1])
			if kw == "soak" {
				kw = "endurance"
			}
			d.testType = spec.TestType(kw)
		},
	},
	{
		name: "inline-json-payload",
		re:   regexp.MustCompile(`(?s)\{.*\}`),
		apply: func(d *draft, m []string) {
			d.body = strings.TrimSpace(m[0])
		},
	},
}

// CanParse is a quick admissibility check: does any rule or keyword match at
// all. Callers use it to skip fallback invocation on hopeless input.
func (p *Parser) CanParse(input string) bool {
	for _, r := range rules {
		if r.re.MatchString(input) {
			return true
		}
	}
	return len(keywordMatches(input)) > 0
}

// Parse runs the rule table over the input and always returns a usable
// result. It degrades in three tiers: rule matches, keyword synonyms, and
// finally a minimal templated spec.
func (p *Parser) Parse(input string) *Result {
	d := draft{}
	var matched []string
	for _, r := range rules {
		if m := r.re.FindStringSubmatch(input); m != nil {
			r.apply(&d, m)
			matched = append(matched, r.name)
		}
	}

	if len(matched) < minRuleMatches {
		for _, kw := range keywordMatches(input) {
			kw.apply(&d)
			matched = append(matched, "keyword:"+kw.name)
		}
	}

	res := p.assemble(&d, matched)
	p.log.Debug().
		Strs("matched_rules", res.MatchedRules).
		Float64("confidence", res.Confidence).
		Msg("fallback parse complete")
	return res
}

// assemble turns the draft into a complete spec, defaulting what never
// matched and recording the gaps as assumptions and warnings.
func (p *Parser) assemble(d *draft, matched []string) *Result {
	res := &Result{MatchedRules: matched}

	if len(matched) == 0 {
		res.Warnings = append(res.Warnings, "no recognizable pattern in input; emitting a templated placeholder spec")
	}

	if d.method == "" {
		d.method = "GET"
		res.Assumptions = append(res.Assumptions, spec.Assumption{
			Field: "requests[0].method", AssumedValue: "GET",
			Reason: "no HTTP method matched",
		})
	}
	if d.url == "" {
		d.url = "https://example.com/api/test"
		res.Assumptions = append(res.Assumptions, spec.Assumption{
			Field: "requests[0].url", AssumedValue: d.url,
			Reason: "no URL matched; using a placeholder",
		})
		res.Warnings = append(res.Warnings, "no target URL found; replace the placeholder URL before running")
	}
	if d.duration.Value <= 0 {
		d.duration = enhance.DefaultDuration
		res.Assumptions = append(res.Assumptions, spec.Assumption{
			Field: "duration",
			AssumedValue: fmt.Sprintf("%v %s", d.duration.Value, d.duration.Unit),
			Reason: "no duration matched",
		})
	}
	if !d.pattern.HasVolume() {
		if d.totalRequests > 0 {
			secs := d.duration.Seconds()
			rps := int(float64(d.totalRequests)/secs + 0.5)
			if rps < 1 {
				rps = 1
			}
			d.pattern.RequestsPerSecond = rps
			res.Assumptions = append(res.Assumptions, spec.Assumption{
				Field:        "loadPattern.requestsPerSecond",
				AssumedValue: strconv.Itoa(rps),
				Reason:       fmt.Sprintf("approximated from %d total requests over %v %s", d.totalRequests, d.duration.Value, d.duration.Unit),
			})
		} else {
			d.pattern = enhance.DefaultLoadPattern
			res.Assumptions = append(res.Assumptions, spec.Assumption{
				Field:        "loadPattern",
				AssumedValue: fmt.Sprintf("%d virtual users, %s", d.pattern.VirtualUsers, d.pattern.Type),
				Reason:       "no load volume matched",
			})
		}
	}
	if d.pattern.Type == "" {
		d.pattern.Type = spec.PatternConstant
	}
	if d.testType == "" {
		d.testType = enhance.DefaultTestType
		res.Assumptions = append(res.Assumptions, spec.Assumption{
			Field: "testType", AssumedValue: string(d.testType),
			Reason: "no test-type keyword matched",
		})
	}
	if d.testType == spec.TestTypeSpike && d.pattern.Type == spec.PatternConstant {
		d.pattern.Type = spec.PatternSpike
	}

	res.Spec = &spec.LoadTestSpec{
		ID:       spec.NewID(),
		Name:     fmt.Sprintf("%s test of %s", d.testType, d.url),
		TestType: d.testType,
		Requests: []spec.RequestSpec{{
			Method: d.method,
			URL:    d.url,
			Body:   d.body,
		}},
		LoadPattern: d.pattern,
		Duration:    d.duration,
	}

	for _, name := range matched {
		if name == "http-method-url" {
			res.Confidence += compoundBonus
			continue
		}
		res.Confidence += ruleBonus
	}
	if res.Confidence > MaxConfidence {
		res.Confidence = MaxConfidence
	}
	if res.Confidence < FloorConfidence {
		res.Confidence = FloorConfidence
	}
	return res
}

// ─────────────────────────────────────────────────────────────────────────────
// KEYWORD TABLE
// ─────────────────────────────────────────────────────────────────────────────

// keywordRule maps a synonym to a draft mutation. Consulted only when fewer
// than minRuleMatches regex rules fired.
type keywordRule struct {
	name  string
	words []string
	apply func(d *draft)
}

var keywordTable = []keywordRule{
	{name: "method-get", words: []string{"fetch", "retrieve", "read", "download"},
		apply: func(d *draft) { d.method = "GET" }},
	{name: "method-post", words: []string{"create", "submit", "send", "upload"},
		apply: func(d *draft) { d.method = "POST" }},
	{name: "method-put", words: []string{"update", "replace"},
		apply: func(d *draft) { d.method = "PUT" }},
	{name: "method-delete", words: []string{"delete", "remove"},
		apply: func(d *draft) { d.method = "DELETE" }},
	{name: "type-stress", words: []string{"overload", "breaking point", "heavy load", "hammer"},
		apply: func(d *draft) { d.testType = spec.TestTypeStress }},
	{name: "type-endurance", words: []string{"sustained", "long-running", "overnight"},
		apply: func(d *draft) { d.testType = spec.TestTypeEndurance }},
	{name: "type-spike", words: []string{"burst", "sudden", "surge"},
		apply: func(d *draft) { d.testType = spec.TestTypeSpike }},
	{name: "pattern-ramping", words: []string{"ramp", "gradually", "increase slowly"},
		apply: func(d *draft) { d.pattern.Type = spec.PatternRamping }},
	{name: "pattern-step", words: []string{"step", "stages", "in increments"},
		apply: func(d *draft) { d.pattern.Type = spec.PatternStep }},
}

func keywordMatches(input string) []keywordRule {
	lower := strings.ToLower(input)
	var out []keywordRule
	for _, kr := range keywordTable {
		for _, w := range kr.words {
			if strings.Contains(lower, w) {
				out = append(out, kr)
				break
			}
		}
	}
	return out
}

func normalizeUnit(unit string) string {
	switch strings.ToLower(strings.TrimSuffix(unit, "s")) {
	case "minute", "min":
		return "minutes"
	case "hour", "hr":
		return "hours"
	default:
		return "seconds"
	}
}
