package service

import (
	"fmt"
	"strings"

	"clauselens-backend/models"
)

// Token cost attributed to the prioritization decision itself.
// No external call happens there; this is a fixed bookkeeping constant.
const prioritizationTokenCost = 25

// UserHistory summarizes what is known about a user's prior runs
type UserHistory struct {
	ContractCount int
	FeedbackCount int
	Patterns      []string
}

// DecisionPolicy chooses a step ordering and a one-sentence rationale before
// pipeline execution. It is a rule table keyed on lexical presence, performs
// no external calls, and never fails.
type DecisionPolicy struct{}

// NewDecisionPolicy creates a decision policy
func NewDecisionPolicy() *DecisionPolicy {
	return &DecisionPolicy{}
}

// Decide returns the ordered pipeline steps and the reasoning behind them
func (p *DecisionPolicy) Decide(contractText string, history UserHistory) ([]models.StepType, string) {
	lower := strings.ToLower(contractText)

	var order []models.StepType
	var reasoning string

	switch {
	case strings.Contains(lower, "termination") || strings.Contains(lower, "arbitration"):
		order = []models.StepType{
			models.StepExtraction,
			models.StepRiskTagging,
			models.StepClauseSuggestion,
			models.StepSummary,
		}
		reasoning = "Contract contains termination/arbitration language, so risk tagging runs before suggestion drafting" + historySuffix(history)
	case strings.Contains(lower, "confidential") || strings.Contains(lower, "non-disclosure") || strings.Contains(lower, "nda"):
		order = []models.StepType{
			models.StepExtraction,
			models.StepClauseSuggestion,
			models.StepRiskTagging,
			models.StepSummary,
		}
		reasoning = "Contract contains confidentiality/NDA language, so suggestion drafting runs before risk tagging" + historySuffix(history)
	default:
		order = []models.StepType{
			models.StepExtraction,
			models.StepRiskTagging,
			models.StepClauseSuggestion,
			models.StepSummary,
		}
		reasoning = "No priority markers found; using the default extraction-first order" + historySuffix(history)
	}

	return order, reasoning
}

// historySuffix closes the reasoning sentence, citing prior runs when any exist
func historySuffix(history UserHistory) string {
	if history.ContractCount > 0 {
		return fmt.Sprintf(", informed by %d prior contract(s).", history.ContractCount)
	}
	return "."
}
