// Package validate turns raw model output into a structurally sound
// LoadTestSpec. It strips prose and markdown around the JSON, applies
// mechanical repairs to near-miss JSON, checks the decoded spec against the
// structural rules, and corrects violations: locally when few fields are
// wrong, through bounded correction round-trips to the backend when the
// output is badly off.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/normanking/loadspec/internal/enhance"
	"github.com/normanking/loadspec/internal/llm"
	"github.com/normanking/loadspec/internal/prompt"
	"github.com/normanking/loadspec/internal/spec"
)

// localFixLimit is the most structural errors local synthesis will repair
// before escalating to a remote correction round.
const localFixLimit = 3

// Validator decodes, checks, and corrects model output.
type Validator struct {
	provider  llm.Provider
	composer  *prompt.Composer
	maxRounds int
	log       zerolog.Logger
}

// New builds a Validator. provider may be nil, in which case remote
// correction is unavailable and decode failures become errors.
func New(provider llm.Provider, composer *prompt.Composer, maxRounds int, log zerolog.Logger) *Validator {
	if maxRounds < 0 {
		maxRounds = 0
	}
	return &Validator{provider: provider, composer: composer, maxRounds: maxRounds, log: log}
}

// Process takes raw model output and returns a spec that passes Validate,
// plus the assumptions introduced by any local synthesis. It errors only
// when the output cannot be salvaged within the correction budget.
func (v *Validator) Process(ctx context.Context, raw string, pctx spec.ParseContext) (*spec.LoadTestSpec, []spec.Assumption, error) {
	out, err := Decode(raw)
	for round := 0; err != nil && round < v.maxRounds; round++ {
		raw, err = v.requestCorrection(ctx, raw, []string{err.Error()}, pctx)
		if err != nil {
			return nil, nil, err
		}
		out, err = Decode(raw)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("output is not decodable JSON: %w", err)
	}

	preserveLiteralBody(out, pctx)

	errs := Check(out)
	var assumptions []spec.Assumption
	for round := 0; len(errs) > 0; round++ {
		if len(errs) <= localFixLimit {
			assumptions = append(assumptions, synthesize(out, pctx)...)
			errs = Check(out)
			if len(errs) == 0 {
				break
			}
		}
		if round >= v.maxRounds || v.provider == nil {
			return nil, nil, fmt.Errorf("spec still invalid after correction: %s", strings.Join(errs, "; "))
		}
		raw, err = v.requestCorrection(ctx, raw, errs, pctx)
		if err != nil {
			return nil, nil, err
		}
		out, err = Decode(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("corrected output is not decodable JSON: %w", err)
		}
		preserveLiteralBody(out, pctx)
		errs = Check(out)
	}

	if out.ID == "" {
		out.ID = spec.NewID()
	}
	if err := out.Validate(); err != nil {
		return nil, nil, fmt.Errorf("spec failed final validation: %w", err)
	}
	return out, assumptions, nil
}

func (v *Validator) requestCorrection(ctx context.Context, prev string, errs []string, pctx spec.ParseContext) (string, error) {
	if v.provider == nil || v.composer == nil {
		return "", fmt.Errorf("no backend available for correction: %s", strings.Join(errs, "; "))
	}
	v.log.Debug().Strs("errors", errs).Msg("requesting correction round")
	pkg := v.composer.ComposeCorrection(prev, errs, pctx)
	resp, err := v.provider.GenerateCompletion(ctx, &llm.CompletionRequest{
		Prompt: pkg.Flatten(),
		System: pkg.System,
		Format: "json",
	})
	if err != nil {
		return "", fmt.Errorf("correction round failed: %w", err)
	}
	return resp.Text, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// DECODING
// ─────────────────────────────────────────────────────────────────────────────

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// StripFences removes markdown fences and surrounding prose, keeping the
// outermost JSON object.
func StripFences(raw string) string {
	if m := fenceRe.FindStringSubmatch(raw); m != nil {
		raw = m[1]
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		raw = raw[start : end+1]
	}
	return strings.TrimSpace(raw)
}

var (
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	bareKeyRe       = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	singleQuoteRe   = regexp.MustCompile(`'([^'\\]*)'`)
)

// Repair applies mechanical fixes for the ways models most often break JSON:
// trailing commas, unquoted keys, single-quoted strings.
func Repair(raw string) string {
	raw = trailingCommaRe.ReplaceAllString(raw, "$1")
	raw = bareKeyRe.ReplaceAllString(raw, `$1"$2":`)
	raw = singleQuoteRe.ReplaceAllString(raw, `"$1"`)
	return raw
}

// Decode parses raw model output into a LoadTestSpec, repairing once when
// the initial decode fails.
func Decode(raw string) (*spec.LoadTestSpec, error) {
	cleaned := StripFences(raw)
	if cleaned == "" {
		return nil, fmt.Errorf("no JSON object found in output")
	}
	var out spec.LoadTestSpec
	if err := json.Unmarshal([]byte(cleaned), &out); err == nil {
		return &out, nil
	}
	repaired := Repair(cleaned)
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return nil, fmt.Errorf("invalid JSON after repair: %w", err)
	}
	return &out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// STRUCTURAL CHECKS
// ─────────────────────────────────────────────────────────────────────────────

var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "HEAD": true, "OPTIONS": true,
}

// Check returns every structural rule the spec violates. An empty slice
// means the spec is sound.
func Check(s *spec.LoadTestSpec) []string {
	var errs []string
	if s.Name == "" {
		errs = append(errs, "name is empty")
	}
	if len(s.Requests) == 0 {
		errs = append(errs, "requests is empty")
	}
	for i, r := range s.Requests {
		m := strings.ToUpper(r.Method)
		if !knownMethods[m] {
			errs = append(errs, fmt.Sprintf("request %d has unknown method %q", i, r.Method))
		}
		if r.URL == "" {
			errs = append(errs, fmt.Sprintf("request %d missing url", i))
		}
		if r.Body != "" && r.PayloadTemplate != "" {
			errs = append(errs, fmt.Sprintf("request %d has both body and payloadTemplate", i))
		}
	}
	switch s.TestType {
	case spec.TestTypeBaseline, spec.TestTypeSpike, spec.TestTypeStress,
		spec.TestTypeEndurance, spec.TestTypeVolume:
	default:
		errs = append(errs, fmt.Sprintf("unknown testType %q", s.TestType))
	}
	switch s.LoadPattern.Type {
	case spec.PatternConstant, spec.PatternRamping, spec.PatternSpike, spec.PatternStep:
	default:
		errs = append(errs, fmt.Sprintf("unknown loadPattern type %q", s.LoadPattern.Type))
	}
	if !s.LoadPattern.HasVolume() {
		errs = append(errs, "loadPattern has neither virtualUsers nor requestsPerSecond")
	}
	if s.LoadPattern.VirtualUsers > 0 && s.LoadPattern.RequestsPerSecond > 0 {
		errs = append(errs, "loadPattern sets both virtualUsers and requestsPerSecond")
	}
	if s.Duration.Value <= 0 {
		errs = append(errs, "duration must be positive")
	}
	switch s.Duration.Unit {
	case "seconds", "minutes", "hours":
	default:
		errs = append(errs, fmt.Sprintf("unknown duration unit %q", s.Duration.Unit))
	}
	return errs
}

// ─────────────────────────────────────────────────────────────────────────────
// LOCAL SYNTHESIS
// ─────────────────────────────────────────────────────────────────────────────

// synthesize repairs missing or invalid fields in place using the pipeline
// defaults and the extracted context, returning one assumption per repair.
func synthesize(s *spec.LoadTestSpec, pctx spec.ParseContext) []spec.Assumption {
	var as []spec.Assumption

	if s.Name == "" {
		s.Name = synthesizeName(s, pctx)
		as = append(as, spec.Assumption{
			Field: "name", AssumedValue: s.Name,
			Reason: "output omitted a test name",
		})
	}
	switch s.TestType {
	case spec.TestTypeBaseline, spec.TestTypeSpike, spec.TestTypeStress,
		spec.TestTypeEndurance, spec.TestTypeVolume:
	default:
		prev := string(s.TestType)
		if pctx.Inferred.TestType != "" {
			s.TestType = pctx.Inferred.TestType
		} else {
			s.TestType = enhance.DefaultTestType
		}
		as = append(as, spec.Assumption{
			Field: "testType", AssumedValue: string(s.TestType),
			Reason: fmt.Sprintf("output test type %q is not recognized", prev),
		})
	}
	for i := range s.Requests {
		r := &s.Requests[i]
		if r.Method == "" || !knownMethods[strings.ToUpper(r.Method)] {
			r.Method = "GET"
			as = append(as, spec.Assumption{
				Field: fmt.Sprintf("requests[%d].method", i), AssumedValue: "GET",
				Reason: "request method was missing or unrecognized",
			})
		} else {
			r.Method = strings.ToUpper(r.Method)
		}
		if r.Body != "" && r.PayloadTemplate != "" {
			r.PayloadTemplate = ""
			r.Variables = nil
			as = append(as, spec.Assumption{
				Field: fmt.Sprintf("requests[%d].payloadTemplate", i), AssumedValue: "",
				Reason: "literal body takes precedence over a template",
			})
		}
	}
	if len(s.Requests) == 0 && len(pctx.Extracted.URLs) > 0 {
		s.Requests = []spec.RequestSpec{{Method: "GET", URL: pctx.Extracted.URLs[0]}}
		as = append(as, spec.Assumption{
			Field: "requests", AssumedValue: pctx.Extracted.URLs[0],
			Reason: "output had no requests; used the URL found in the input",
		})
	}
	if !s.LoadPattern.HasVolume() || s.LoadPattern.Type == "" {
		if pctx.Inferred.LoadPattern.HasVolume() {
			s.LoadPattern = pctx.Inferred.LoadPattern
		} else {
			s.LoadPattern = enhance.DefaultLoadPattern
		}
		as = append(as, spec.Assumption{
			Field: "loadPattern", AssumedValue: fmt.Sprintf("%+v", s.LoadPattern),
			Reason: "output load pattern was missing or had no volume",
		})
	}
	if s.LoadPattern.VirtualUsers > 0 && s.LoadPattern.RequestsPerSecond > 0 {
		s.LoadPattern.RequestsPerSecond = 0
		as = append(as, spec.Assumption{
			Field: "loadPattern.requestsPerSecond", AssumedValue: "0",
			Reason: "pattern set both volume dimensions; kept virtualUsers",
		})
	}
	if s.Duration.Value <= 0 || s.Duration.Unit == "" {
		if pctx.Inferred.Duration.Value > 0 {
			s.Duration = pctx.Inferred.Duration
		} else {
			s.Duration = enhance.DefaultDuration
		}
		as = append(as, spec.Assumption{
			Field: "duration", AssumedValue: fmt.Sprintf("%v %s", s.Duration.Value, s.Duration.Unit),
			Reason: "output duration was missing or not positive",
		})
	}
	return as
}

func synthesizeName(s *spec.LoadTestSpec, pctx spec.ParseContext) string {
	url := ""
	if len(s.Requests) > 0 {
		url = s.Requests[0].URL
	} else if len(pctx.Extracted.URLs) > 0 {
		url = pctx.Extracted.URLs[0]
	}
	tt := s.TestType
	if tt == "" {
		tt = enhance.DefaultTestType
	}
	if url == "" {
		return fmt.Sprintf("%s test", tt)
	}
	return fmt.Sprintf("%s test of %s", tt, url)
}

// preserveLiteralBody restores the verbatim JSON body extracted from the
// input when the model re-serialized the same object. Re-serialization may
// reorder keys or change whitespace; the original text wins.
func preserveLiteralBody(s *spec.LoadTestSpec, pctx spec.ParseContext) {
	literal := pctx.Inferred.RequestBody
	if literal == "" || len(s.Requests) == 0 {
		return
	}
	for i := range s.Requests {
		r := &s.Requests[i]
		if r.PayloadTemplate != "" {
			continue
		}
		if r.Body == "" {
			continue
		}
		if jsonEquivalent(r.Body, literal) {
			r.Body = literal
		}
	}
}

// jsonEquivalent reports whether two strings decode to the same JSON value.
func jsonEquivalent(a, b string) bool {
	var va, vb any
	if err := json.Unmarshal([]byte(a), &va); err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(b), &vb); err != nil {
		return false
	}
	ca, err := json.Marshal(va)
	if err != nil {
		return false
	}
	cb, err := json.Marshal(vb)
	if err != nil {
		return false
	}
	return string(ca) == string(cb)
}
