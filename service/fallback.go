package service

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"clauselens-backend/models"
)

const (
	// Confidence assigned to clauses synthesized from a phrase match
	fallbackMatchConfidence = 0.85

	// Confidence assigned to the injected default clause when nothing matched
	fallbackDefaultConfidence = 0.90

	// Longest clause excerpt taken around a phrase match
	fallbackExcerptLen = 160
)

// FallbackResult is the Analysis-shaped partial result of a synthesis
type FallbackResult struct {
	Summary      string
	Clauses      models.Clauses
	OverallRisk  models.RiskLevel
	TokensUsed   int
	ContractType string
}

// FallbackSynthesizer produces a deterministic, content-derived approximation
// of an analysis so the pipeline always completes with zero external calls.
// It is pure: identical input always yields identical output.
type FallbackSynthesizer struct {
	heuristic RiskHeuristic
}

// NewFallbackSynthesizer creates a synthesizer backed by the given heuristic
func NewFallbackSynthesizer(heuristic RiskHeuristic) *FallbackSynthesizer {
	if heuristic == nil {
		heuristic = NewPhraseHeuristic()
	}
	return &FallbackSynthesizer{heuristic: heuristic}
}

// Synthesize scans the text with the phrase-table heuristic and emits one
// synthetic clause per match, or exactly one default "standard terms" clause
// when nothing matches. Token cost is estimated as ceil(len(text)/4) so usage
// accounting stays consistent whether or not the model was reached.
func (f *FallbackSynthesizer) Synthesize(contractText, fileName string) *FallbackResult {
	matches := f.heuristic.Match(contractText)

	clauses := make(models.Clauses, 0, len(matches))
	score := 0
	for i, m := range matches {
		score += m.Score
		clauses = append(clauses, models.Clause{
			ID:          fmt.Sprintf("fallback-%d", i+1),
			Text:        excerptAt(contractText, m.Pos),
			Summary:     fmt.Sprintf("Detected %q language; flagged as %s.", m.Phrase, m.Risk),
			RiskLevel:   m.Risk,
			RiskReasons: []string{fmt.Sprintf("contains %q", m.Phrase)},
			Confidence:  fallbackMatchConfidence,
			StartPos:    m.Pos,
			EndPos:      m.End,
		})
	}

	overall := f.heuristic.Overall(score)

	if len(clauses) == 0 {
		end := len(contractText)
		if end > fallbackExcerptLen {
			end = fallbackExcerptLen
			for end < len(contractText) && !utf8.RuneStart(contractText[end]) {
				end++
			}
		}
		clauses = append(clauses, models.Clause{
			ID:          "fallback-1",
			Text:        contractText[:end],
			Summary:     "Standard terms; no risk indicators matched.",
			RiskLevel:   models.RiskSafe,
			RiskReasons: []string{},
			Confidence:  fallbackDefaultConfidence,
			StartPos:    0,
			EndPos:      end,
		})
		overall = models.RiskSafe
	}

	name := fileName
	if name == "" {
		name = "contract"
	}

	return &FallbackResult{
		Summary: fmt.Sprintf(
			"Automated review of %s (%d characters): %d risk indicator(s) matched; overall assessment %s.",
			name, len(contractText), len(matches), overall),
		Clauses:      clauses,
		OverallRisk:  overall,
		TokensUsed:   EstimateTokens(contractText),
		ContractType: DetectContractType(contractText),
	}
}

// EstimateTokens is the deterministic, API-call-free token estimate
// used on every fallback path: ceil(characterCount / 4)
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// excerptAt returns a bounded excerpt starting at the given byte offset
func excerptAt(text string, pos int) string {
	if pos < 0 || pos > len(text) {
		return ""
	}
	end := pos + fallbackExcerptLen
	if end > len(text) {
		end = len(text)
	}
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end++
	}
	return strings.TrimSpace(text[pos:end])
}

// DetectContractType assigns a heuristic contract-type label from lexical markers
func DetectContractType(text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "non-disclosure") || strings.Contains(lower, "nda"):
		return "NDA"
	case strings.Contains(lower, "employment"):
		return "Employment Agreement"
	case strings.Contains(lower, "lease"):
		return "Lease Agreement"
	case strings.Contains(lower, "services") || strings.Contains(lower, "statement of work"):
		return "Service Agreement"
	default:
		return "General Contract"
	}
}
