package repository

import (
	"context"
	"errors"

	"clauselens-backend/models"
	"clauselens-backend/service"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AnalysisRepository handles database operations for analyses
type AnalysisRepository struct {
	db *pgxpool.Pool
}

// NewAnalysisRepository creates a new analysis repository
func NewAnalysisRepository(db *pgxpool.Pool) *AnalysisRepository {
	return &AnalysisRepository{db: db}
}

// Create persists a completed analysis
func (r *AnalysisRepository) Create(ctx context.Context, analysis *models.Analysis) error {
	query := `
		INSERT INTO analyses (
			id, user_id, session_id, summary, clauses, overall_risk,
			confidence, tokens_used, processing_ms, contract_type,
			recommendations, trail
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		) RETURNING created_at`

	err := r.db.QueryRow(
		ctx, query,
		analysis.ID,
		analysis.UserID,
		analysis.SessionID,
		analysis.Summary,
		analysis.Clauses,
		analysis.OverallRisk,
		analysis.Confidence,
		analysis.TokensUsed,
		analysis.ProcessingMS,
		analysis.ContractType,
		analysis.Recommendations,
		analysis.Trail,
	).Scan(&analysis.CreatedAt)

	return err
}

// GetByID retrieves an analysis by ID
func (r *AnalysisRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Analysis, error) {
	analysis := &models.Analysis{}
	query := `
		SELECT id, user_id, session_id, summary, clauses, overall_risk,
			confidence, tokens_used, processing_ms, contract_type,
			recommendations, trail, created_at
		FROM analyses
		WHERE id = $1`

	err := r.db.QueryRow(ctx, query, id).Scan(
		&analysis.ID,
		&analysis.UserID,
		&analysis.SessionID,
		&analysis.Summary,
		&analysis.Clauses,
		&analysis.OverallRisk,
		&analysis.Confidence,
		&analysis.TokensUsed,
		&analysis.ProcessingMS,
		&analysis.ContractType,
		&analysis.Recommendations,
		&analysis.Trail,
		&analysis.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, service.ErrAnalysisNotFound
	}
	if err != nil {
		return nil, err
	}

	return analysis, nil
}

// ListByUserID retrieves analyses for a user, most recent first
func (r *AnalysisRepository) ListByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Analysis, error) {
	query := `
		SELECT id, user_id, session_id, summary, clauses, overall_risk,
			confidence, tokens_used, processing_ms, contract_type,
			recommendations, trail, created_at
		FROM analyses
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var analyses []*models.Analysis
	for rows.Next() {
		analysis := &models.Analysis{}
		err := rows.Scan(
			&analysis.ID,
			&analysis.UserID,
			&analysis.SessionID,
			&analysis.Summary,
			&analysis.Clauses,
			&analysis.OverallRisk,
			&analysis.Confidence,
			&analysis.TokensUsed,
			&analysis.ProcessingMS,
			&analysis.ContractType,
			&analysis.Recommendations,
			&analysis.Trail,
			&analysis.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		analyses = append(analyses, analysis)
	}

	return analyses, rows.Err()
}
