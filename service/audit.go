package service

import (
	"fmt"
	"time"

	"clauselens-backend/models"
)

// stepOutcome is what a completed (or absorbed) step contributes to the trail
type stepOutcome struct {
	decision   string
	reasoning  string
	tokens     int
	confidence float64
	input      string
	output     string
}

// TrailRecorder captures the append-only audit trail of one analysis run.
// One run has exactly one recorder, created at run start.
type TrailRecorder struct {
	steps models.AuditTrail
}

// NewTrailRecorder creates an empty trail recorder
func NewTrailRecorder() *TrailRecorder {
	return &TrailRecorder{steps: make(models.AuditTrail, 0)}
}

// Record appends one step to the trail
func (r *TrailRecorder) Record(stepType models.StepType, started, completed time.Time, o stepOutcome) {
	r.steps = append(r.steps, models.AgentStep{
		ID:          fmt.Sprintf("step-%d", len(r.steps)+1),
		Type:        stepType,
		Decision:    o.decision,
		Reasoning:   o.reasoning,
		StartedAt:   started,
		CompletedAt: completed,
		TokensUsed:  o.tokens,
		Confidence:  o.confidence,
		Input:       o.input,
		Output:      o.output,
	})
}

// Steps returns the recorded trail in order
func (r *TrailRecorder) Steps() models.AuditTrail {
	return r.steps
}

// TotalTokens sums token consumption across the trail
func (r *TrailRecorder) TotalTokens() int {
	total := 0
	for _, step := range r.steps {
		total += step.TokensUsed
	}
	return total
}
