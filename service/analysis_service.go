package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"clauselens-backend/models"

	"github.com/google/uuid"
)

// Practical upper bound on contract text size
const maxContractBytes = 10 * 1024 * 1024

// AnalysisSaver is the slice of persistence the engine needs for results
type AnalysisSaver interface {
	Create(ctx context.Context, analysis *models.Analysis) error
}

// UsageStore is the slice of persistence the engine needs for quotas
type UsageStore interface {
	GetByUserID(ctx context.Context, userID uuid.UUID) (*models.UsageState, error)
	AddUsage(ctx context.Context, userID uuid.UUID, tokens int) error
}

// AnalysisService orchestrates contract analysis runs: admission against the
// user's quota, the decision policy, the step pipeline, risk aggregation, and
// the post-run fan-out to persistence and usage accounting.
type AnalysisService struct {
	analysisRepo AnalysisSaver
	usageRepo    UsageStore
	generator    TextGenerator
	policy       *DecisionPolicy
	fallback     *FallbackSynthesizer
	sessions     SessionStore
}

// AnalysisServiceOption is a functional option for AnalysisService
type AnalysisServiceOption func(*AnalysisService)

// WithAnalysisRepository sets the analysis repository
func WithAnalysisRepository(repo AnalysisSaver) AnalysisServiceOption {
	return func(s *AnalysisService) {
		s.analysisRepo = repo
	}
}

// WithUsageRepository sets the usage repository
func WithUsageRepository(repo UsageStore) AnalysisServiceOption {
	return func(s *AnalysisService) {
		s.usageRepo = repo
	}
}

// WithGenerator sets the external model client
func WithGenerator(g TextGenerator) AnalysisServiceOption {
	return func(s *AnalysisService) {
		s.generator = g
	}
}

// WithSessionStore sets the session store
func WithSessionStore(store SessionStore) AnalysisServiceOption {
	return func(s *AnalysisService) {
		s.sessions = store
	}
}

// WithFallbackSynthesizer sets the fallback synthesizer
func WithFallbackSynthesizer(f *FallbackSynthesizer) AnalysisServiceOption {
	return func(s *AnalysisService) {
		s.fallback = f
	}
}

// NewAnalysisService creates a new analysis service
func NewAnalysisService(opts ...AnalysisServiceOption) *AnalysisService {
	s := &AnalysisService{
		policy: NewDecisionPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.fallback == nil {
		s.fallback = NewFallbackSynthesizer(NewPhraseHeuristic())
	}
	if s.sessions == nil {
		s.sessions = NewMemorySessionStore()
	}
	return s
}

// AnalyzeRequest represents a request to analyze a contract
type AnalyzeRequest struct {
	ContractText string
	FileName     string
	UserID       uuid.UUID
	SessionID    string
	Priority     models.Priority
	Goal         string
}

// AnalyzeResult represents the result of an analysis run
type AnalyzeResult struct {
	Analysis *models.Analysis
}

// Analyze runs the full pipeline for one contract. Only validation, quota,
// and model-authentication failures escape; every other failure degrades into
// a complete Analysis with explanatory audit trail entries.
func (s *AnalysisService) Analyze(ctx context.Context, req AnalyzeRequest) (*AnalyzeResult, error) {
	if s.usageRepo == nil {
		return nil, errors.New("usage repository not set")
	}

	// Validation happens before any work; no partial run is created
	if strings.TrimSpace(req.ContractText) == "" {
		return nil, ErrEmptyContract
	}
	if len(req.ContractText) > maxContractBytes {
		return nil, ErrContractTooLarge
	}

	// Admission gate
	usage, err := s.usageRepo.GetByUserID(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load usage state: %w", err)
	}
	if usage.QuotaExceeded() {
		return nil, ErrQuotaExceeded
	}

	state, ok := s.sessions.Get(req.SessionID)
	if !ok {
		state = &SessionState{}
	}

	started := time.Now()
	trail := NewTrailRecorder()

	// Decision policy: choose and record the step ordering
	policyStart := time.Now()
	order, reasoning := s.policy.Decide(req.ContractText, state.History)
	policyInput := req.ContractText
	if req.Goal != "" {
		policyInput = "goal: " + req.Goal + "\n" + policyInput
	}
	trail.Record(models.StepPrioritization, policyStart, time.Now(), stepOutcome{
		decision:   describeOrder(order, req.Priority),
		reasoning:  reasoning,
		tokens:     prioritizationTokenCost,
		confidence: 0.95,
		input:      snapshot(policyInput),
	})

	// Pipeline
	run := &runState{text: req.ContractText, fileName: req.FileName, goal: req.Goal}
	executor := NewPipelineExecutor(s.generator, s.fallback)
	if err := executor.Execute(ctx, trail, order, run); err != nil {
		return nil, err
	}

	analysis := &models.Analysis{
		ID:              uuid.New(),
		UserID:          req.UserID,
		SessionID:       req.SessionID,
		Summary:         run.summary,
		Clauses:         run.clauses,
		OverallRisk:     AggregateRisk(run.clauses),
		Confidence:      OverallConfidence(trail.Steps()),
		TokensUsed:      trail.TotalTokens(),
		ProcessingMS:    time.Since(started).Milliseconds(),
		ContractType:    DetectContractType(req.ContractText),
		Recommendations: run.recommendations,
		Trail:           trail.Steps(),
		CreatedAt:       time.Now(),
	}
	if analysis.Recommendations == nil {
		analysis.Recommendations = make(models.Recommendations, 0)
	}

	// Persisting the result and billing the tokens touch disjoint state, so
	// they fan out concurrently. Both are attempted even if one fails;
	// partial success is logged, never dropped.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if s.analysisRepo == nil {
			return
		}
		if err := s.analysisRepo.Create(ctx, analysis); err != nil {
			log.Printf("Warning: Failed to persist analysis %s: %v", analysis.ID, err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := s.usageRepo.AddUsage(ctx, req.UserID, analysis.TokensUsed); err != nil {
			log.Printf("Warning: Failed to update usage for user %s: %v", req.UserID, err)
		}
	}()
	wg.Wait()

	// Session memory for the next run
	state.History.ContractCount++
	state.LastTrail = trail.Steps()
	s.sessions.Put(req.SessionID, state)

	return &AnalyzeResult{Analysis: analysis}, nil
}

// ClearSessionRequest represents a request to clear session memory
type ClearSessionRequest struct {
	SessionID string
}

// ClearSession drops all session-scoped engine memory for a session
func (s *AnalysisService) ClearSession(ctx context.Context, req ClearSessionRequest) error {
	s.sessions.Clear(req.SessionID)
	return nil
}

// describeOrder renders the chosen ordering for the audit decision string
func describeOrder(order []models.StepType, priority models.Priority) string {
	names := make([]string, 0, len(order))
	for _, step := range order {
		names = append(names, string(step))
	}
	decision := "step order: " + strings.Join(names, " -> ")
	if priority != "" {
		decision += " (priority: " + string(priority) + ")"
	}
	return decision
}
