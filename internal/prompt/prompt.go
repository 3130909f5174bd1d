// Package prompt turns a parse context into a backend-neutral instruction
// package: schema-describing system text, examples selected for relevance,
// one clarification per detected ambiguity, and explicit corrective
// directives. Backend adapters flatten the package into their own wire
// format.
package prompt

import (
	"fmt"
	"strings"

	"github.com/normanking/loadspec/internal/classify"
	"github.com/normanking/loadspec/internal/spec"
)

// systemText describes the output contract. Responses must be a single JSON
// object, nothing else.
const systemText = `You are a load-test specification parser. Convert the user's description of an HTTP load test into a JSON object with this exact structure (no markdown, no prose):
{
  "name": "<short test name>",
  "description": "<one sentence>",
  "testType": "baseline|spike|stress|endurance|volume",
  "requests": [
    {"method": "GET", "url": "https://...", "headers": {"Name": "value"}, "body": "<literal body or empty>"}
  ],
  "loadPattern": {"type": "constant|ramping|spike|step", "virtualUsers": <int>, "requestsPerSecond": <int>, "rampUpTime": {"value": <number>, "unit": "seconds"}},
  "duration": {"value": <number>, "unit": "seconds|minutes|hours"}
}
Every spec needs at least one request, a positive duration, and either virtualUsers or requestsPerSecond.`

// bodyDirective is always included: inline JSON payloads survive verbatim.
const bodyDirective = "A complete literal JSON object in the input is the request body verbatim - never decompose it into template variables, never reformat it, never rename its keys."

// Example is one worked input/output pair included for relevance.
type Example struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// Package is the backend-neutral instruction bundle.
type Package struct {
	System         string    `json:"system"`
	Examples       []Example `json:"examples,omitempty"`
	Clarifications []string  `json:"clarifications,omitempty"`
	Directives     []string  `json:"directives,omitempty"`
	Input          string    `json:"input"`
}

// Composer selects examples and renders clarifications for one context.
type Composer struct {
	maxExamples int
}

// NewComposer returns a Composer. maxExamples <= 0 selects the default of 2.
func NewComposer(maxExamples int) *Composer {
	if maxExamples <= 0 {
		maxExamples = 2
	}
	return &Composer{maxExamples: maxExamples}
}

// Compose builds the instruction package for a context and detected format.
func (c *Composer) Compose(ctx spec.ParseContext, format classify.Format) *Package {
	p := &Package{
		System:     systemText,
		Directives: []string{bodyDirective},
		Input:      ctx.CleanedInput,
	}

	p.Examples = selectExamples(format, ctx, c.maxExamples)

	for _, amb := range ctx.Ambiguities {
		p.Clarifications = append(p.Clarifications, clarify(amb))
	}

	if format == classify.FormatMultiRequest {
		p.Directives = append(p.Directives,
			"The input describes more than one request; emit one entry per distinct method+url pair, in input order.")
	}
	if len(ctx.Extracted.Headers) > 0 {
		p.Directives = append(p.Directives,
			"Carry every extracted header into the request headers unchanged.")
	}
	return p
}

// ComposeCorrection builds a follow-up package embedding a prior invalid
// response and the specific validation errors, asking only for a fix.
func (c *Composer) ComposeCorrection(prev string, errs []string, ctx spec.ParseContext) *Package {
	var b strings.Builder
	b.WriteString("Your previous response was structurally invalid.\n\nPrevious response:\n")
	b.WriteString(prev)
	b.WriteString("\n\nErrors:\n")
	for _, e := range errs {
		b.WriteString("- " + e + "\n")
	}
	b.WriteString("\nReturn the corrected JSON object only. Original input:\n")
	b.WriteString(ctx.CleanedInput)

	return &Package{
		System:     systemText,
		Directives: []string{bodyDirective, "Fix only the listed errors; preserve everything else."},
		Input:      b.String(),
	}
}

// clarify renders one ambiguity as a "use X unless Y" instruction.
func clarify(amb spec.Ambiguity) string {
	switch {
	case len(amb.PossibleValues) == 0:
		return fmt.Sprintf("No %s was found (%s); choose the most conventional value and note nothing else.", amb.Field, amb.Reason)
	case len(amb.PossibleValues) == 1:
		return fmt.Sprintf("For %s, use %q unless the input clearly implies otherwise (%s).", amb.Field, amb.PossibleValues[0], amb.Reason)
	default:
		return fmt.Sprintf("For %s, use %q unless the surrounding text favors one of %s (%s).",
			amb.Field, amb.PossibleValues[0], strings.Join(amb.PossibleValues[1:], ", "), amb.Reason)
	}
}

// Flatten renders the package as a single prompt string for adapters without
// structured message support.
func (p *Package) Flatten() string {
	var b strings.Builder
	for i, ex := range p.Examples {
		fmt.Fprintf(&b, "Example %d input:\n%s\nExample %d output:\n%s\n\n", i+1, ex.Input, i+1, ex.Output)
	}
	if len(p.Clarifications) > 0 {
		b.WriteString("Clarifications:\n")
		for _, cl := range p.Clarifications {
			b.WriteString("- " + cl + "\n")
		}
		b.WriteString("\n")
	}
	if len(p.Directives) > 0 {
		b.WriteString("Rules:\n")
		for _, d := range p.Directives {
			b.WriteString("- " + d + "\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("Input:\n")
	b.WriteString(p.Input)
	return b.String()
}

// ─────────────────────────────────────────────────────────────────────────────
// EXAMPLE LIBRARY
// ─────────────────────────────────────────────────────────────────────────────

var exampleLibrary = map[classify.Format][]Example{
	classify.FormatNatural: {
		{
			Input:  "spike test with 500 users hitting GET /api/products for 2 minutes",
			Output: `{"name":"products spike","description":"Spike test against /api/products","testType":"spike","requests":[{"method":"GET","url":"/api/products"}],"loadPattern":{"type":"spike","virtualUsers":500},"duration":{"value":2,"unit":"minutes"}}`,
		},
		{
			Input:  "baseline: 50 rps against https://api.example.com/health for 30 seconds",
			Output: `{"name":"health baseline","description":"Baseline against the health endpoint","testType":"baseline","requests":[{"method":"GET","url":"https://api.example.com/health"}],"loadPattern":{"type":"constant","requestsPerSecond":50},"duration":{"value":30,"unit":"seconds"}}`,
		},
	},
	classify.FormatCurl: {
		{
			Input:  `curl -X POST https://api.example.com/orders -H "Content-Type: application/json" -d '{"sku":"A-1"}' -- run 100 users for 1 minute`,
			Output: `{"name":"orders load","description":"POST load against /orders","testType":"baseline","requests":[{"method":"POST","url":"https://api.example.com/orders","headers":{"Content-Type":"application/json"},"body":"{\"sku\":\"A-1\"}"}],"loadPattern":{"type":"constant","virtualUsers":100},"duration":{"value":1,"unit":"minutes"}}`,
		},
	},
	classify.FormatJSONText: {
		{
			Input:  `stress test POST https://api.example.com/ingest with this payload {"requestId":"r-1","payload":[{"externalId":"X"}]} at 200 rps for 5 minutes`,
			Output: `{"name":"ingest stress","description":"Stress test of the ingest endpoint","testType":"stress","requests":[{"method":"POST","url":"https://api.example.com/ingest","body":"{\"requestId\":\"r-1\",\"payload\":[{\"externalId\":\"X\"}]}"}],"loadPattern":{"type":"ramping","requestsPerSecond":200},"duration":{"value":5,"unit":"minutes"}}`,
		},
	},
	classify.FormatMultiRequest: {
		{
			Input:  "GET https://api.example.com/users then POST https://api.example.com/users with 20 users for 1 minute",
			Output: `{"name":"users read-write","description":"Mixed read/write against /users","testType":"baseline","requests":[{"method":"GET","url":"https://api.example.com/users"},{"method":"POST","url":"https://api.example.com/users"}],"loadPattern":{"type":"constant","virtualUsers":20},"duration":{"value":1,"unit":"minutes"}}`,
		},
	},
}

// selectExamples picks up to max examples: format matches first, then
// examples whose output exercises fields the context is ambiguous about.
func selectExamples(format classify.Format, ctx spec.ParseContext, max int) []Example {
	var selected []Example
	selected = append(selected, exampleLibrary[format]...)

	if len(selected) < max && hasBodyAmbiguity(ctx) {
		selected = append(selected, exampleLibrary[classify.FormatJSONText]...)
	}
	if len(selected) < max {
		selected = append(selected, exampleLibrary[classify.FormatNatural]...)
	}

	// Dedupe while preserving order.
	seen := map[string]bool{}
	var out []Example
	for _, ex := range selected {
		if seen[ex.Input] {
			continue
		}
		seen[ex.Input] = true
		out = append(out, ex)
		if len(out) == max {
			break
		}
	}
	return out
}

func hasBodyAmbiguity(ctx spec.ParseContext) bool {
	for _, amb := range ctx.Ambiguities {
		if amb.Field == "headers" && ctx.Inferred.RequestBody != "" {
			return true
		}
	}
	return false
}
