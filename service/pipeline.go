package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"clauselens-backend/llm"
	"clauselens-backend/models"
)

const (
	// Minimum segment length considered a clause during extraction
	minSegmentLen = 100

	// Maximum clauses emitted by extraction
	maxSegments = 10

	// Maximum risky clauses that receive a rewrite suggestion
	maxSuggestions = 3

	// Confidence recorded for a step absorbed on its fallback path
	degradedConfidence = 0.6

	// Generation bounds for the summarization call
	summaryMaxTokens   = 500
	summaryTemperature = 0.3
	summaryTopP        = 0.9

	// Longest input/output snapshot stored on an audit step
	snapshotLen = 200
)

// TextGenerator is the slice of the model client the pipeline needs
type TextGenerator interface {
	Generate(ctx context.Context, prompt string, params llm.Params) (*llm.GenerateResult, error)
}

// runState is the mutable working set of one analysis run. Later steps
// consume what earlier steps produced; a step ordered before its dependency
// simply sees the zero value.
type runState struct {
	text            string
	fileName        string
	goal            string
	clauses         models.Clauses
	recommendations models.Recommendations
	summary         string
	usedFallback    bool
}

// pipelineStep is one variant of the closed step enumeration
type pipelineStep interface {
	Kind() models.StepType
	Run(ctx context.Context, state *runState) (stepOutcome, error)
}

// PipelineExecutor runs the policy-ordered steps sequentially, isolating each
// step's failure from the others. Only an authentication failure against the
// model provider aborts a run; every other step error is absorbed into the
// trail with lowered confidence and the remaining steps still execute.
type PipelineExecutor struct {
	steps map[models.StepType]pipelineStep
}

// NewPipelineExecutor builds the dispatch table over all step kinds
func NewPipelineExecutor(generator TextGenerator, fallback *FallbackSynthesizer) *PipelineExecutor {
	table := []pipelineStep{
		&extractionStep{},
		&riskTaggingStep{},
		&suggestionStep{},
		&summaryStep{generator: generator, fallback: fallback},
	}

	steps := make(map[models.StepType]pipelineStep, len(table))
	for _, s := range table {
		steps[s.Kind()] = s
	}
	return &PipelineExecutor{steps: steps}
}

// Execute runs the given steps strictly in order, recording each to the trail
func (e *PipelineExecutor) Execute(ctx context.Context, trail *TrailRecorder, order []models.StepType, state *runState) error {
	for _, kind := range order {
		step, ok := e.steps[kind]
		if !ok {
			// Prioritization is recorded by the policy, not executed here
			continue
		}

		started := time.Now()
		outcome, err := step.Run(ctx, state)
		completed := time.Now()

		if err != nil {
			var authErr *llm.AuthError
			if errors.As(err, &authErr) {
				return authErr
			}
			trail.Record(kind, started, completed, stepOutcome{
				decision:   "step failed; contribution omitted",
				reasoning:  fmt.Sprintf("Step error absorbed, continuing on the fallback path: %v.", err),
				confidence: degradedConfidence,
				input:      snapshot(state.text),
			})
			continue
		}

		trail.Record(kind, started, completed, outcome)
	}
	return nil
}

// blank-line paragraph separator, tolerant of CRLF line endings
var segmentSep = regexp.MustCompile(`\r?\n[ \t]*\r?\n`)

// extractionStep splits text into paragraph-like segments of a minimum
// length, capped, and labels each as a provisional clause
type extractionStep struct{}

func (s *extractionStep) Kind() models.StepType { return models.StepExtraction }

func (s *extractionStep) Run(ctx context.Context, state *runState) (stepOutcome, error) {
	clauses := make(models.Clauses, 0, maxSegments)

	offset := 0
	for _, seg := range segmentSep.Split(state.text, -1) {
		pos := strings.Index(state.text[offset:], seg)
		start := offset + pos
		offset = start + len(seg)

		trimmed := strings.TrimSpace(seg)
		if len(trimmed) < minSegmentLen {
			continue
		}
		if len(clauses) >= maxSegments {
			break
		}

		n := len(clauses) + 1
		clauses = append(clauses, models.Clause{
			ID:          fmt.Sprintf("clause-%d", n),
			Text:        trimmed,
			Summary:     fmt.Sprintf("Provisional clause %d (medium importance)", n),
			RiskLevel:   models.RiskReview,
			RiskReasons: []string{},
			Confidence:  0.75,
			StartPos:    start,
			EndPos:      start + len(seg),
		})
	}

	state.clauses = clauses
	return stepOutcome{
		decision:   fmt.Sprintf("extracted %d candidate clause(s)", len(clauses)),
		reasoning:  fmt.Sprintf("Split on blank lines, kept segments of %d+ characters, capped at %d.", minSegmentLen, maxSegments),
		confidence: 0.8,
		input:      snapshot(state.text),
		output:     fmt.Sprintf("%d clauses", len(clauses)),
	}, nil
}

// riskTaggingStep applies lexical rules to each extracted clause.
// With no extracted clauses (policy reordering) it tags nothing and succeeds.
type riskTaggingStep struct{}

func (s *riskTaggingStep) Kind() models.StepType { return models.StepRiskTagging }

func (s *riskTaggingStep) Run(ctx context.Context, state *runState) (stepOutcome, error) {
	risky := 0
	for i := range state.clauses {
		lower := strings.ToLower(state.clauses[i].Text)
		switch {
		case strings.Contains(lower, "liability") || strings.Contains(lower, "damages"):
			state.clauses[i].RiskLevel = models.RiskRisky
			state.clauses[i].RiskReasons = append(state.clauses[i].RiskReasons, "contains liability/damages language")
			risky++
		case strings.Contains(lower, "termination") || strings.Contains(lower, "breach"):
			state.clauses[i].RiskLevel = models.RiskReview
			state.clauses[i].RiskReasons = append(state.clauses[i].RiskReasons, "contains termination/breach language")
		default:
			state.clauses[i].RiskLevel = models.RiskSafe
		}
		state.clauses[i].Confidence = 0.8
	}

	return stepOutcome{
		decision:   fmt.Sprintf("tagged %d clause(s), %d risky", len(state.clauses), risky),
		reasoning:  "Applied lexical risk rules: liability/damages risky, termination/breach review, otherwise safe.",
		confidence: 0.8,
		input:      fmt.Sprintf("%d clauses", len(state.clauses)),
		output:     fmt.Sprintf("%d risky", risky),
	}, nil
}

// suggestionStep emits a templated rewrite recommendation for risky clauses
type suggestionStep struct{}

func (s *suggestionStep) Kind() models.StepType { return models.StepClauseSuggestion }

func (s *suggestionStep) Run(ctx context.Context, state *runState) (stepOutcome, error) {
	suggested := 0
	for i := range state.clauses {
		if state.clauses[i].RiskLevel != models.RiskRisky {
			continue
		}
		if suggested >= maxSuggestions {
			break
		}

		excerpt := snapshot(state.clauses[i].Text)
		suggestion := fmt.Sprintf("Consider revising this clause to limit exposure: %q", excerpt)
		state.clauses[i].Suggestion = &suggestion
		state.recommendations = append(state.recommendations,
			fmt.Sprintf("Review clause %s: %q", state.clauses[i].ID, excerpt))
		suggested++
	}

	return stepOutcome{
		decision:   fmt.Sprintf("suggested rewrites for %d clause(s)", suggested),
		reasoning:  fmt.Sprintf("Templated recommendations for risky clauses, capped at %d.", maxSuggestions),
		confidence: 0.8,
		input:      fmt.Sprintf("%d clauses", len(state.clauses)),
		output:     fmt.Sprintf("%d suggestions", suggested),
	}, nil
}

// summaryStep calls the model for a bounded summary; on timeout or HTTP
// failure it substitutes the fallback synthesizer's deterministic result.
// Authentication failures are not absorbed here.
type summaryStep struct {
	generator TextGenerator
	fallback  *FallbackSynthesizer
}

func (s *summaryStep) Kind() models.StepType { return models.StepSummary }

func (s *summaryStep) Run(ctx context.Context, state *runState) (stepOutcome, error) {
	focus := "Focus on obligations, duration, and risk."
	if state.goal != "" {
		focus = fmt.Sprintf("Focus on obligations, duration, and risk, with attention to the caller's goal: %s.", state.goal)
	}
	prompt := fmt.Sprintf(
		"Summarize the following contract in 3-5 sentences for a non-lawyer. %s\n\nCONTRACT:\n%s",
		focus, state.text)

	if s.generator != nil {
		result, err := s.generator.Generate(ctx, prompt, llm.Params{
			MaxNewTokens: summaryMaxTokens,
			Temperature:  summaryTemperature,
			TopP:         summaryTopP,
		})
		if err == nil {
			state.summary = result.Text
			return stepOutcome{
				decision:   "summarized via model",
				reasoning:  "Model summarization succeeded within the timeout.",
				tokens:     result.InputTokens + result.GeneratedTokens,
				confidence: 0.9,
				input:      snapshot(prompt),
				output:     snapshot(result.Text),
			}, nil
		}

		var authErr *llm.AuthError
		if errors.As(err, &authErr) {
			return stepOutcome{}, authErr
		}

		return s.runFallback(state, fmt.Sprintf("model call failed (%v)", err)), nil
	}

	return s.runFallback(state, "no model client configured"), nil
}

// runFallback substitutes the deterministic synthesized result. When
// extraction produced no clauses the synthetic ones stand in for them.
func (s *summaryStep) runFallback(state *runState, cause string) stepOutcome {
	fb := s.fallback.Synthesize(state.text, state.fileName)

	state.summary = fb.Summary
	state.usedFallback = true
	if len(state.clauses) == 0 {
		state.clauses = fb.Clauses
	}

	return stepOutcome{
		decision:   "summarized via fallback synthesizer",
		reasoning:  fmt.Sprintf("%s; substituted the deterministic fallback synthesizer.", cause),
		tokens:     fb.TokensUsed,
		confidence: degradedConfidence,
		input:      snapshot(state.text),
		output:     snapshot(fb.Summary),
	}
}

// snapshot truncates text for an opaque audit snapshot
func snapshot(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= snapshotLen {
		return trimmed
	}
	return trimmed[:snapshotLen] + "..."
}
