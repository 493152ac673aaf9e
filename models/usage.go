package models

import (
	"time"

	"github.com/google/uuid"
)

// PlanTier represents a user's subscription tier
type PlanTier string

const (
	PlanFree PlanTier = "free"
	PlanPro  PlanTier = "pro"
	PlanTeam PlanTier = "team"
)

// UsageState tracks a user's cumulative token consumption against their quota
type UsageState struct {
	UserID       uuid.UUID `json:"user_id"`
	TokensUsed   int       `json:"tokens_used"`
	TokensLimit  int       `json:"tokens_limit"`
	PlanTier     PlanTier  `json:"plan_tier"`
	UploadsCount int       `json:"uploads_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// QuotaExceeded reports whether a new analysis should be gated
func (u *UsageState) QuotaExceeded() bool {
	return u.TokensUsed >= u.TokensLimit
}
