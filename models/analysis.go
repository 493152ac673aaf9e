package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RiskLevel represents the risk rating of a clause or a whole analysis
type RiskLevel string

const (
	RiskSafe   RiskLevel = "safe"
	RiskReview RiskLevel = "review"
	RiskRisky  RiskLevel = "risky"
)

// Priority represents the caller's stated analysis priority
type Priority string

const (
	PrioritySpeed        Priority = "speed"
	PriorityThoroughness Priority = "thoroughness"
	PriorityCompliance   Priority = "compliance"
)

// StepType identifies a pipeline step kind
type StepType string

const (
	StepPrioritization   StepType = "prioritization"
	StepExtraction       StepType = "extraction"
	StepRiskTagging      StepType = "risk_tagging"
	StepClauseSuggestion StepType = "clause_suggestion"
	StepSummary          StepType = "summary"
)

// Clause represents a discrete contract excerpt with an assigned risk label
type Clause struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Summary     string    `json:"summary"`
	RiskLevel   RiskLevel `json:"risk_level"`
	RiskReasons []string  `json:"risk_reasons"`
	Suggestion  *string   `json:"suggestion,omitempty"`
	Confidence  float64   `json:"confidence"`
	StartPos    int       `json:"start_pos"`
	EndPos      int       `json:"end_pos"`
}

// Clauses represents the ordered clause list of an analysis
type Clauses []Clause

// Value implements driver.Valuer for JSONB
func (c Clauses) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Scan implements sql.Scanner for JSONB
func (c *Clauses) Scan(value interface{}) error {
	if value == nil {
		*c = make(Clauses, 0)
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		*c = make(Clauses, 0)
		return nil
	}

	if len(bytes) == 0 {
		*c = make(Clauses, 0)
		return nil
	}

	return json.Unmarshal(bytes, c)
}

// AgentStep is one append-only audit record of a pipeline decision
type AgentStep struct {
	ID          string    `json:"id"`
	Type        StepType  `json:"type"`
	Decision    string    `json:"decision"`
	Reasoning   string    `json:"reasoning"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	TokensUsed  int       `json:"tokens_used"`
	Confidence  float64   `json:"confidence"`
	Input       string    `json:"input,omitempty"`
	Output      string    `json:"output,omitempty"`
}

// AuditTrail is the ordered sequence of AgentSteps for one analysis run
type AuditTrail []AgentStep

// Value implements driver.Valuer for JSONB
func (t AuditTrail) Value() (driver.Value, error) {
	return json.Marshal(t)
}

// Scan implements sql.Scanner for JSONB
func (t *AuditTrail) Scan(value interface{}) error {
	if value == nil {
		*t = make(AuditTrail, 0)
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		*t = make(AuditTrail, 0)
		return nil
	}

	if len(bytes) == 0 {
		*t = make(AuditTrail, 0)
		return nil
	}

	return json.Unmarshal(bytes, t)
}

// Recommendations represents the free-text recommendation list
type Recommendations []string

// Value implements driver.Valuer for JSONB
func (r Recommendations) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// Scan implements sql.Scanner for JSONB
func (r *Recommendations) Scan(value interface{}) error {
	if value == nil {
		*r = make(Recommendations, 0)
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		*r = make(Recommendations, 0)
		return nil
	}

	if len(bytes) == 0 {
		*r = make(Recommendations, 0)
		return nil
	}

	return json.Unmarshal(bytes, r)
}

// Analysis represents the final result of one analysis run.
// Created once per request and immutable thereafter.
type Analysis struct {
	ID              uuid.UUID       `json:"id"`
	UserID          uuid.UUID       `json:"user_id"`
	SessionID       string          `json:"session_id"`
	Summary         string          `json:"summary"`
	Clauses         Clauses         `json:"clauses"`
	OverallRisk     RiskLevel       `json:"overall_risk"`
	Confidence      float64         `json:"confidence"`
	TokensUsed      int             `json:"tokens_used"`
	ProcessingMS    int64           `json:"processing_ms"`
	ContractType    string          `json:"contract_type"`
	Recommendations Recommendations `json:"recommendations"`
	Trail           AuditTrail      `json:"trail"`
	CreatedAt       time.Time       `json:"created_at"`
}
