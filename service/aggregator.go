package service

import "clauselens-backend/models"

// Fraction of risky clauses at or above which the whole contract is risky
const riskyClauseRatio = 0.3

// AggregateRisk reduces clause-level risk tags into one overall verdict.
// An empty clause set yields review: no evidence cannot certify safety.
func AggregateRisk(clauses models.Clauses) models.RiskLevel {
	if len(clauses) == 0 {
		return models.RiskReview
	}

	risky := 0
	for _, c := range clauses {
		if c.RiskLevel == models.RiskRisky {
			risky++
		}
	}

	ratio := float64(risky) / float64(len(clauses))
	switch {
	case ratio >= riskyClauseRatio:
		return models.RiskRisky
	case risky > 0:
		return models.RiskReview
	default:
		return models.RiskSafe
	}
}

// OverallConfidence is the arithmetic mean of the trail's per-step
// confidences, 0.5 when the trail is empty
func OverallConfidence(trail models.AuditTrail) float64 {
	if len(trail) == 0 {
		return 0.5
	}

	sum := 0.0
	for _, step := range trail {
		sum += step.Confidence
	}
	return sum / float64(len(trail))
}
