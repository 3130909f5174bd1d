// Package spec defines the data model shared by every stage of the parsing
// pipeline: extracted structure, the working parse context, and the final
// load-test specification handed to downstream consumers.
package spec

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TestType categorizes the overall shape of a load test.
type TestType string

const (
	TestTypeBaseline  TestType = "baseline"
	TestTypeSpike     TestType = "spike"
	TestTypeStress    TestType = "stress"
	TestTypeEndurance TestType = "endurance"
	TestTypeVolume    TestType = "volume"
)

// LoadPatternType describes how load is applied over the test window.
type LoadPatternType string

const (
	PatternConstant LoadPatternType = "constant"
	PatternRamping  LoadPatternType = "ramping"
	PatternSpike    LoadPatternType = "spike"
	PatternStep     LoadPatternType = "step"
)

// Duration is a positive test duration with an explicit unit.
type Duration struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"` // "seconds", "minutes", "hours"
}

// Seconds converts the duration to seconds for comparisons.
func (d Duration) Seconds() float64 {
	switch d.Unit {
	case "minutes":
		return d.Value * 60
	case "hours":
		return d.Value * 3600
	default:
		return d.Value
	}
}

// LoadPattern specifies the volume dimension of the test. Exactly one of
// VirtualUsers or RequestsPerSecond must be positive.
type LoadPattern struct {
	Type              LoadPatternType `json:"type"`
	VirtualUsers      int             `json:"virtualUsers,omitempty"`
	RequestsPerSecond int             `json:"requestsPerSecond,omitempty"`
	RampUpTime        *Duration       `json:"rampUpTime,omitempty"`
}

// HasVolume reports whether the pattern specifies a usable load volume.
func (p LoadPattern) HasVolume() bool {
	return p.VirtualUsers > 0 || p.RequestsPerSecond > 0
}

// RequestSpec is a single HTTP request in the test. Body carries a literal
// payload verbatim; PayloadTemplate+Variables is the templated alternative.
// The two are mutually exclusive.
type RequestSpec struct {
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            string            `json:"body,omitempty"`
	PayloadTemplate string            `json:"payloadTemplate,omitempty"`
	Variables       map[string]string `json:"variables,omitempty"`
}

// LoadTestSpec is the validated output of the pipeline.
type LoadTestSpec struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	TestType    TestType      `json:"testType"`
	Requests    []RequestSpec `json:"requests"`
	LoadPattern LoadPattern   `json:"loadPattern"`
	Duration    Duration      `json:"duration"`
}

// NewID returns a fresh spec identifier.
func NewID() string {
	return uuid.NewString()
}

// Validate enforces the structural invariants every emitted spec must hold:
// at least one request, a load pattern with a volume, a positive duration.
func (s *LoadTestSpec) Validate() error {
	if s == nil {
		return fmt.Errorf("spec is nil")
	}
	if len(s.Requests) == 0 {
		return fmt.Errorf("spec has no requests")
	}
	for i, r := range s.Requests {
		if r.Method == "" {
			return fmt.Errorf("request %d missing method", i)
		}
		if r.URL == "" {
			return fmt.Errorf("request %d missing url", i)
		}
		if r.Body != "" && r.PayloadTemplate != "" {
			return fmt.Errorf("request %d has both literal body and payload template", i)
		}
	}
	if !s.LoadPattern.HasVolume() {
		return fmt.Errorf("load pattern specifies neither virtualUsers nor requestsPerSecond")
	}
	if s.Duration.Value <= 0 {
		return fmt.Errorf("duration must be positive, got %v", s.Duration.Value)
	}
	if s.Duration.Unit == "" {
		return fmt.Errorf("duration missing unit")
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// EXTRACTION AND CONTEXT TYPES
// ─────────────────────────────────────────────────────────────────────────────

// StructuredData holds the literal candidates the preprocessor pulled out of
// the raw input. It is immutable once produced.
type StructuredData struct {
	Methods    []string          `json:"methods,omitempty"`
	URLs       []string          `json:"urls,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	JSONBlocks []string          `json:"jsonBlocks,omitempty"` // ordered raw substrings
}

// HintKind identifies what a parsing hint is about.
type HintKind string

const (
	HintMethod  HintKind = "method"
	HintURL     HintKind = "url"
	HintHeaders HintKind = "headers"
	HintBody    HintKind = "body"
	HintCount   HintKind = "count"
)

// ParsingHint is a transient, source-anchored signal produced by the
// classifier. Many hints can exist per input.
type ParsingHint struct {
	Kind       HintKind `json:"kind"`
	Value      string   `json:"value"`
	Confidence float64  `json:"confidence"`
	Start      int      `json:"start"`
	End        int      `json:"end"`
}

// Ambiguity records a field with zero or multiple plausible values, with the
// candidates and the reason it could not be resolved deterministically.
type Ambiguity struct {
	Field          string   `json:"field"`
	PossibleValues []string `json:"possibleValues,omitempty"`
	Reason         string   `json:"reason"`
}

// InferredFields carries the non-extracted spec fields filled in by the
// enhancer, with per-field flags marking values that hit the fixed default.
type InferredFields struct {
	TestType             TestType    `json:"testType"`
	TestTypeDefaulted    bool        `json:"testTypeDefaulted"`
	Duration             Duration    `json:"duration"`
	DurationDefaulted    bool        `json:"durationDefaulted"`
	LoadPattern          LoadPattern `json:"loadPattern"`
	LoadPatternDefaulted bool        `json:"loadPatternDefaulted"`
	RequestBody          string      `json:"requestBody,omitempty"`
}

// ParseContext is the accumulating working record of everything known or
// inferred about one input. It is built once and refined by pure transforms
// that return a new context rather than mutating a shared one.
type ParseContext struct {
	OriginalInput string         `json:"originalInput"`
	CleanedInput  string         `json:"cleanedInput"`
	Extracted     StructuredData `json:"extracted"`
	Hints         []ParsingHint  `json:"hints,omitempty"`
	Inferred      InferredFields `json:"inferred"`
	Ambiguities   []Ambiguity    `json:"ambiguities,omitempty"`
	Confidence    float64        `json:"confidence"`
}

// Assumption marks a spec field whose value was synthesized rather than
// corroborated by an extracted signal.
type Assumption struct {
	Field        string   `json:"field"`
	AssumedValue string   `json:"assumedValue"`
	Reason       string   `json:"reason"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// ─────────────────────────────────────────────────────────────────────────────
// ERROR AND RECOVERY TYPES
// ─────────────────────────────────────────────────────────────────────────────

// ErrorLevel identifies the pipeline stage family a failure originated from.
type ErrorLevel string

const (
	LevelInput      ErrorLevel = "input"
	LevelAI         ErrorLevel = "ai"
	LevelValidation ErrorLevel = "validation"
	LevelFallback   ErrorLevel = "fallback"
)

// ParseError is the classified form of any stage failure.
type ParseError struct {
	Level       ErrorLevel        `json:"level"`
	Type        string            `json:"type"`
	Message     string            `json:"message"`
	Suggestions []string          `json:"suggestions,omitempty"`
	Strategy    *RecoveryStrategy `json:"recoveryStrategy,omitempty"`
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.Level, e.Type, e.Message)
}

// StrategyKind names a remedial action the coordinator can take.
type StrategyKind string

const (
	StrategyRetry         StrategyKind = "retry"
	StrategyEnhancePrompt StrategyKind = "enhance_prompt"
	StrategyFallback      StrategyKind = "fallback"
	StrategyUserInput     StrategyKind = "user_input"
)

// RecoveryStrategy describes one remedial action and how promising it looks.
type RecoveryStrategy struct {
	CanRecover       bool          `json:"canRecover"`
	Strategy         StrategyKind  `json:"strategy"`
	Confidence       float64       `json:"confidence"`
	EstimatedSuccess float64       `json:"estimatedSuccess"`
	MaxRetries       int           `json:"maxRetries"`
	RetryDelay       time.Duration `json:"retryDelay"`
}

// ─────────────────────────────────────────────────────────────────────────────
// RESULT BUNDLE
// ─────────────────────────────────────────────────────────────────────────────

// ProcessingStep is one entry in the observability log of a parse call.
// The step log never influences control flow.
type ProcessingStep struct {
	Stage    string        `json:"stage"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ParseResult pairs the spec with everything a caller needs to judge it.
type ParseResult struct {
	Spec         *LoadTestSpec    `json:"spec"`
	Confidence   float64          `json:"confidence"`
	Ambiguities  []Ambiguity      `json:"ambiguities,omitempty"`
	Assumptions  []Assumption     `json:"assumptions,omitempty"`
	Warnings     []string         `json:"warnings,omitempty"`
	Suggestions  []string         `json:"suggestions,omitempty"`
	Steps        []ProcessingStep `json:"steps,omitempty"`
	Provider     string           `json:"provider,omitempty"`
	FallbackUsed bool             `json:"fallbackUsed"`
}
