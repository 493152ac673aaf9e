package repository

import (
	"context"

	"clauselens-backend/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Default quota assigned when a user has no usage row yet
const defaultTokensLimit = 100000

// UsageRepository handles database operations for per-user token usage
type UsageRepository struct {
	db *pgxpool.Pool
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *pgxpool.Pool) *UsageRepository {
	return &UsageRepository{db: db}
}

// GetByUserID retrieves a user's usage state, creating the default row on
// first use
func (r *UsageRepository) GetByUserID(ctx context.Context, userID uuid.UUID) (*models.UsageState, error) {
	usage := &models.UsageState{}
	query := `
		INSERT INTO usage_states (user_id, tokens_used, tokens_limit, plan_tier, uploads_count)
		VALUES ($1, 0, $2, 'free', 0)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING user_id, tokens_used, tokens_limit, plan_tier, uploads_count, updated_at`

	err := r.db.QueryRow(ctx, query, userID, defaultTokensLimit).Scan(
		&usage.UserID,
		&usage.TokensUsed,
		&usage.TokensLimit,
		&usage.PlanTier,
		&usage.UploadsCount,
		&usage.UpdatedAt,
	)

	if err != nil {
		return nil, err
	}

	return usage, nil
}

// AddUsage atomically bills a completed run: tokens consumed plus one upload
func (r *UsageRepository) AddUsage(ctx context.Context, userID uuid.UUID, tokens int) error {
	query := `
		UPDATE usage_states SET
			tokens_used = tokens_used + $2,
			uploads_count = uploads_count + 1,
			updated_at = NOW()
		WHERE user_id = $1`

	_, err := r.db.Exec(ctx, query, userID, tokens)
	return err
}

// SetLimit updates a user's quota and plan tier
func (r *UsageRepository) SetLimit(ctx context.Context, userID uuid.UUID, tokensLimit int, tier models.PlanTier) error {
	query := `
		UPDATE usage_states SET
			tokens_limit = $2,
			plan_tier = $3,
			updated_at = NOW()
		WHERE user_id = $1`

	_, err := r.db.Exec(ctx, query, userID, tokensLimit, tier)
	return err
}
