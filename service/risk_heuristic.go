package service

import (
	"unicode"
	"unicode/utf8"

	"clauselens-backend/models"
)

// PhraseMatch is one risk-indicating phrase found in contract text.
// Pos and End are byte offsets into the original text.
type PhraseMatch struct {
	Phrase string
	Risk   models.RiskLevel
	Score  int
	Pos    int
	End    int
}

// RiskHeuristic scores contract text lexically. The default phrase-table
// implementation is a placeholder for real model output and is pluggable so
// it can be swapped without touching the pipeline executor.
type RiskHeuristic interface {
	// Match returns every matched phrase in table order
	Match(text string) []PhraseMatch

	// Overall maps an accumulated score to a risk verdict
	Overall(score int) models.RiskLevel
}

// phraseEntry pairs a lowercase phrase with its risk tier
type phraseEntry struct {
	phrase string
	risk   models.RiskLevel
}

// PhraseHeuristic is the table-driven default RiskHeuristic. Scores and
// cutoffs are tuned by inspection, not derived; they are fields rather than
// hard-coded so deployments can adjust them.
type PhraseHeuristic struct {
	entries      []phraseEntry
	TierScores   map[models.RiskLevel]int
	RiskyCutoff  int
	ReviewCutoff int
}

// NewPhraseHeuristic creates the default phrase-table heuristic
func NewPhraseHeuristic() *PhraseHeuristic {
	return &PhraseHeuristic{
		entries: []phraseEntry{
			{"unlimited liability", models.RiskRisky},
			{"liquidated damages", models.RiskRisky},
			{"indemnify", models.RiskRisky},
			{"perpetual", models.RiskRisky},
			{"irrevocable", models.RiskRisky},
			{"non-compete", models.RiskReview},
			{"confidential", models.RiskReview},
			{"termination", models.RiskReview},
			{"auto-renew", models.RiskReview},
			{"arbitration", models.RiskReview},
			{"exclusive", models.RiskReview},
			{"notice", models.RiskSafe},
			{"governing law", models.RiskSafe},
			{"severability", models.RiskSafe},
		},
		TierScores: map[models.RiskLevel]int{
			models.RiskRisky:  3,
			models.RiskReview: 2,
			models.RiskSafe:   1,
		},
		RiskyCutoff:  6,
		ReviewCutoff: 3,
	}
}

// Match scans the text case-insensitively against the phrase table. Table
// order is fixed so identical input always yields identical matches.
func (h *PhraseHeuristic) Match(text string) []PhraseMatch {
	var matches []PhraseMatch
	for _, entry := range h.entries {
		pos, end := indexFold(text, entry.phrase)
		if pos < 0 {
			continue
		}
		matches = append(matches, PhraseMatch{
			Phrase: entry.phrase,
			Risk:   entry.risk,
			Score:  h.TierScores[entry.risk],
			Pos:    pos,
			End:    end,
		})
	}
	return matches
}

// Overall maps an accumulated score to a risk verdict
func (h *PhraseHeuristic) Overall(score int) models.RiskLevel {
	switch {
	case score >= h.RiskyCutoff:
		return models.RiskRisky
	case score >= h.ReviewCutoff:
		return models.RiskReview
	default:
		return models.RiskSafe
	}
}

// indexFold locates the first case-insensitive occurrence of phrase in text
// and returns its start and end byte offsets, or -1, -1. Lowering happens
// rune by rune during comparison so the offsets index the original bytes;
// ToLower-then-Index cannot guarantee that for multi-byte text, where
// lowering can change byte lengths.
func indexFold(text, phrase string) (int, int) {
	for i := range text {
		if n := prefixLenFold(text[i:], phrase); n >= 0 {
			return i, i + n
		}
	}
	return -1, -1
}

// prefixLenFold returns the byte length of the prefix of s that matches
// phrase case-insensitively, or -1
func prefixLenFold(s, phrase string) int {
	n := 0
	for _, pr := range phrase {
		r, size := utf8.DecodeRuneInString(s[n:])
		if size == 0 {
			return -1
		}
		if unicode.ToLower(r) != unicode.ToLower(pr) {
			return -1
		}
		n += size
	}
	return n
}
