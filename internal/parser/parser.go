// Package parser wires the pipeline together: preprocessing, format
// classification, context enhancement, prompt composition, the completion
// backend, validation, and confidence scoring, with the recovery coordinator
// and deterministic fallback parser behind every failure path. Parse always
// returns a usable spec; the only error it surfaces is context cancellation.
package parser

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/loadspec/internal/classify"
	"github.com/normanking/loadspec/internal/config"
	"github.com/normanking/loadspec/internal/confidence"
	"github.com/normanking/loadspec/internal/enhance"
	"github.com/normanking/loadspec/internal/fallback"
	"github.com/normanking/loadspec/internal/llm"
	"github.com/normanking/loadspec/internal/preprocess"
	"github.com/normanking/loadspec/internal/prompt"
	"github.com/normanking/loadspec/internal/recovery"
	"github.com/normanking/loadspec/internal/spec"
	"github.com/normanking/loadspec/internal/validate"
)

// Parser converts free-form text into validated load-test specs. It is safe
// for concurrent use; each Parse call owns its own working state.
type Parser struct {
	pre       *preprocess.Preprocessor
	composer  *prompt.Composer
	provider  llm.Provider
	validator *validate.Validator
	engine    *confidence.Engine
	fb        *fallback.Parser
	coord     *recovery.Coordinator
	log       zerolog.Logger
}

// New builds a Parser. provider may be nil, in which case every parse goes
// through the deterministic fallback path.
func New(cfg *config.Config, provider llm.Provider, log zerolog.Logger) *Parser {
	composer := prompt.NewComposer(cfg.Parsing.MaxExamples)
	return &Parser{
		pre:       preprocess.New(cfg.Parsing.MaxInputLength),
		composer:  composer,
		provider:  provider,
		validator: validate.New(provider, composer, cfg.Parsing.MaxCorrectionRounds, log),
		engine:    confidence.New(cfg.Parsing.LowConfidenceThreshold, cfg.Parsing.AmbiguityWarnThreshold),
		fb:        fallback.New(log),
		coord:     recovery.NewCoordinator(log),
		log:       log,
	}
}

// Fallback exposes the deterministic parser for callers that want to skip
// the AI pipeline entirely.
func (p *Parser) Fallback() *fallback.Parser { return p.fb }

// Metrics reports backend call statistics when the provider collects them.
func (p *Parser) Metrics() (llm.Snapshot, bool) {
	if m, ok := p.provider.(*llm.MetricsProvider); ok {
		return m.GetSnapshot(), true
	}
	return llm.Snapshot{}, false
}

// Parse runs the full pipeline over input. It returns an error only when the
// context is cancelled; every other failure degrades to a fallback spec.
func (p *Parser) Parse(ctx context.Context, input string) (*spec.ParseResult, error) {
	var steps []spec.ProcessingStep
	record := func(stage, detail string, start time.Time) {
		steps = append(steps, spec.ProcessingStep{
			Stage: stage, Detail: detail, Duration: time.Since(start),
		})
	}

	start := time.Now()
	cleaned, data := p.pre.Run(input)
	record("preprocess", "", start)

	start = time.Now()
	cls := classify.Classify(cleaned, data)
	record("classify", string(cls.Format), start)

	start = time.Now()
	pctx := enhance.BuildContext(input, cleaned, data, cls)
	pctx = enhance.InferMissingFields(pctx)
	pctx = enhance.ResolveAmbiguities(pctx)
	record("enhance", "", start)

	if p.provider == nil || !p.provider.IsReady() {
		perr := recovery.Classify(recovery.StageBackend, llm.ErrServiceUnavailable)
		return p.recoverToResult(ctx, input, pctx, perr, &steps), ctx.Err()
	}

	start = time.Now()
	s, assumptions, provName, err := p.aiParse(ctx, pctx, cls.Format)
	if err != nil {
		record("backend", err.Error(), start)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		stage := recovery.StageBackend
		if _, ok := err.(*validationError); ok {
			stage = recovery.StageValidation
		}
		perr := recovery.Classify(stage, err)
		return p.recoverToResult(ctx, input, pctx, perr, &steps), nil
	}
	record("backend", provName, start)

	start = time.Now()
	report := p.engine.Score(s, pctx, false)
	record("confidence", "", start)

	return &spec.ParseResult{
		Spec:        s,
		Confidence:  report.Confidence,
		Ambiguities: pctx.Ambiguities,
		Assumptions: append(assumptions, report.Assumptions...),
		Warnings:    report.Warnings,
		Suggestions: report.Suggestions,
		Steps:       steps,
		Provider:    provName,
	}, nil
}

// validationError marks failures that happened after a completion arrived,
// so recovery classifies them under the validation level.
type validationError struct{ err error }

func (e *validationError) Error() string { return e.err.Error() }
func (e *validationError) Unwrap() error { return e.err }

// aiParse does one composition → completion → validation round.
func (p *Parser) aiParse(ctx context.Context, pctx spec.ParseContext, format classify.Format) (*spec.LoadTestSpec, []spec.Assumption, string, error) {
	pkg := p.composer.Compose(pctx, format)
	resp, err := p.provider.GenerateCompletion(ctx, &llm.CompletionRequest{
		Prompt: pkg.Flatten(),
		System: pkg.System,
		Format: "json",
	})
	if err != nil {
		return nil, nil, "", err
	}
	s, assumptions, err := p.validator.Process(ctx, resp.Text, pctx)
	if err != nil {
		return nil, nil, "", &validationError{err: err}
	}
	return s, assumptions, resp.Meta.Name, nil
}

// recoverToResult routes a classified failure through the coordinator and
// packages whatever it produced. The fallback strategy cannot fail, so the
// result always carries a spec.
func (p *Parser) recoverToResult(ctx context.Context, input string, pctx spec.ParseContext, perr *spec.ParseError, steps *[]spec.ProcessingStep) *spec.ParseResult {
	start := time.Now()

	var fbRes *fallback.Result
	var aiAssumptions []spec.Assumption
	ops := recovery.Ops{
		Fallback: func(in string) (*spec.LoadTestSpec, float64) {
			fbRes = p.fb.Parse(in)
			return fbRes.Spec, fbRes.Confidence
		},
	}
	if p.provider != nil {
		ops.Retry = func(ctx context.Context) (*spec.LoadTestSpec, float64, error) {
			s, assumptions, _, err := p.aiParse(ctx, pctx, classify.FormatNatural)
			if err != nil {
				return nil, 0, err
			}
			aiAssumptions = assumptions
			report := p.engine.Score(s, pctx, false)
			return s, report.Confidence, nil
		}
		ops.EnhanceAndRetry = func(ctx context.Context, prevErr string) (*spec.LoadTestSpec, float64, error) {
			pkg := p.composer.ComposeCorrection(prevErr, perr.Suggestions, pctx)
			resp, err := p.provider.GenerateCompletion(ctx, &llm.CompletionRequest{
				Prompt: pkg.Flatten(),
				System: pkg.System,
				Format: "json",
			})
			if err != nil {
				return nil, 0, err
			}
			s, assumptions, err := p.validator.Process(ctx, resp.Text, pctx)
			if err != nil {
				return nil, 0, err
			}
			aiAssumptions = assumptions
			report := p.engine.Score(s, pctx, false)
			return s, report.Confidence, nil
		}
	}

	rec := p.coord.Recover(ctx, input, perr, ops)

	if !rec.Success || rec.Spec == nil {
		// Exhausted strategies: a templated fallback spec is still better
		// than nothing.
		fbRes = p.fb.Parse(input)
		rec.Spec, rec.Confidence, rec.FallbackUsed = fbRes.Spec, fbRes.Confidence, true
	}

	detail := string(perr.Level) + "/" + perr.Type
	if rec.FallbackUsed && fbRes != nil && len(fbRes.MatchedRules) > 0 {
		detail += " rules=" + strings.Join(fbRes.MatchedRules, ",")
	}
	*steps = append(*steps, spec.ProcessingStep{
		Stage:    "recovery",
		Detail:   detail,
		Duration: time.Since(start),
	})

	res := &spec.ParseResult{
		Spec:         rec.Spec,
		Confidence:   rec.Confidence,
		Ambiguities:  pctx.Ambiguities,
		Steps:        *steps,
		FallbackUsed: rec.FallbackUsed,
	}
	if !rec.FallbackUsed {
		res.Assumptions = append(res.Assumptions, aiAssumptions...)
	}
	if rec.FallbackUsed && fbRes != nil {
		res.Assumptions = append(res.Assumptions, fbRes.Assumptions...)
		if perr.Level == spec.LevelAI {
			res.Assumptions = append(res.Assumptions, spec.Assumption{
				Field:        "spec",
				AssumedValue: "fallback parse",
				Reason:       "AI backend was unavailable; the spec was built deterministically",
			})
		}
		res.Warnings = append(res.Warnings, fbRes.Warnings...)
		report := p.engine.Score(rec.Spec, pctx, true)
		res.Warnings = append(res.Warnings, report.Warnings...)
		res.Suggestions = report.Suggestions
		if len(res.Warnings) == 0 {
			res.Warnings = append(res.Warnings, "spec was produced by the deterministic fallback parser; review before running")
		}
		res.Warnings = append(res.Warnings, perr.Suggestions...)
	}
	return res
}
