package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"clauselens-backend/llm"
	"clauselens-backend/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAnalysisRepo struct {
	mu    sync.Mutex
	saved []*models.Analysis
	err   error
}

func (r *fakeAnalysisRepo) Create(ctx context.Context, analysis *models.Analysis) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.saved = append(r.saved, analysis)
	return nil
}

func (r *fakeAnalysisRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.saved)
}

type fakeUsageRepo struct {
	mu     sync.Mutex
	usage  *models.UsageState
	added  []int
	getErr error
	addErr error
}

func (r *fakeUsageRepo) GetByUserID(ctx context.Context, userID uuid.UUID) (*models.UsageState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	return r.usage, nil
}

func (r *fakeUsageRepo) AddUsage(ctx context.Context, userID uuid.UUID, tokens int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.addErr != nil {
		return r.addErr
	}
	r.added = append(r.added, tokens)
	return nil
}

func (r *fakeUsageRepo) billed() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.added...)
}

func newTestService(analysisRepo *fakeAnalysisRepo, usageRepo *fakeUsageRepo, gen TextGenerator) *AnalysisService {
	return NewAnalysisService(
		WithAnalysisRepository(analysisRepo),
		WithUsageRepository(usageRepo),
		WithGenerator(gen),
	)
}

func openUsage() *models.UsageState {
	return &models.UsageState{TokensUsed: 0, TokensLimit: 100000, PlanTier: models.PlanFree}
}

// Contract text long enough for extraction to keep at least one segment
func testContract() string {
	return "This agreement covers the supply of maintenance services. " +
		strings.Repeat("The supplier shall respond to reported faults within one business day of receipt. ", 2) +
		"\n\n" +
		"The customer assumes liability for damages caused by misuse of the equipment. " +
		strings.Repeat("Misuse includes operation outside the documented environmental envelope. ", 2)
}

func TestAnalyzeRejectsEmptyContract(t *testing.T) {
	analysisRepo := &fakeAnalysisRepo{}
	usageRepo := &fakeUsageRepo{usage: openUsage()}
	svc := newTestService(analysisRepo, usageRepo, nil)

	_, err := svc.Analyze(context.Background(), AnalyzeRequest{
		ContractText: "   \n\t  ",
		UserID:       uuid.New(),
		SessionID:    "session-1",
	})

	assert.ErrorIs(t, err, ErrEmptyContract)
	assert.Zero(t, analysisRepo.count())
	assert.Empty(t, usageRepo.billed())
}

func TestAnalyzeRejectsOversizedContract(t *testing.T) {
	usageRepo := &fakeUsageRepo{usage: openUsage()}
	svc := newTestService(&fakeAnalysisRepo{}, usageRepo, nil)

	_, err := svc.Analyze(context.Background(), AnalyzeRequest{
		ContractText: strings.Repeat("a", maxContractBytes+1),
		UserID:       uuid.New(),
		SessionID:    "session-1",
	})

	assert.ErrorIs(t, err, ErrContractTooLarge)
}

func TestAnalyzeRejectsExhaustedQuota(t *testing.T) {
	analysisRepo := &fakeAnalysisRepo{}
	usageRepo := &fakeUsageRepo{usage: &models.UsageState{
		TokensUsed:  100000,
		TokensLimit: 100000,
		PlanTier:    models.PlanFree,
	}}
	svc := newTestService(analysisRepo, usageRepo, nil)

	_, err := svc.Analyze(context.Background(), AnalyzeRequest{
		ContractText: testContract(),
		UserID:       uuid.New(),
		SessionID:    "session-1",
	})

	assert.ErrorIs(t, err, ErrQuotaExceeded)
	// No pipeline ran, nothing persisted, nothing billed
	assert.Zero(t, analysisRepo.count())
	assert.Empty(t, usageRepo.billed())
}

func TestAnalyzeUsageLookupFailure(t *testing.T) {
	usageRepo := &fakeUsageRepo{getErr: errors.New("connection reset")}
	svc := newTestService(&fakeAnalysisRepo{}, usageRepo, nil)

	_, err := svc.Analyze(context.Background(), AnalyzeRequest{
		ContractText: testContract(),
		UserID:       uuid.New(),
		SessionID:    "session-1",
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load usage state")
}

func TestAnalyzeFullRunWithModel(t *testing.T) {
	analysisRepo := &fakeAnalysisRepo{}
	usageRepo := &fakeUsageRepo{usage: openUsage()}
	gen := &stubGenerator{result: &llm.GenerateResult{
		Text:            "The supplier maintains equipment and the customer bears misuse liability.",
		InputTokens:     200,
		GeneratedTokens: 60,
	}}
	svc := newTestService(analysisRepo, usageRepo, gen)

	userID := uuid.New()
	result, err := svc.Analyze(context.Background(), AnalyzeRequest{
		ContractText: testContract(),
		UserID:       userID,
		SessionID:    "session-1",
	})

	require.NoError(t, err)
	analysis := result.Analysis
	require.NotNil(t, analysis)

	assert.Equal(t, userID, analysis.UserID)
	assert.Equal(t, "The supplier maintains equipment and the customer bears misuse liability.", analysis.Summary)
	assert.NotEmpty(t, analysis.Clauses)

	// Trail opens with the prioritization decision, closes with the summary
	require.GreaterOrEqual(t, len(analysis.Trail), 2)
	assert.Equal(t, models.StepPrioritization, analysis.Trail[0].Type)
	assert.Equal(t, models.StepSummary, analysis.Trail[len(analysis.Trail)-1].Type)

	// Token accounting: prioritization bookkeeping plus the model call
	assert.Equal(t, prioritizationTokenCost+200+60, analysis.TokensUsed)

	// Fan-out persisted and billed the same figure
	assert.Equal(t, 1, analysisRepo.count())
	assert.Equal(t, []int{analysis.TokensUsed}, usageRepo.billed())

	// Confidence is the trail mean, inside (0, 1]
	assert.Greater(t, analysis.Confidence, 0.0)
	assert.LessOrEqual(t, analysis.Confidence, 1.0)
}

func TestAnalyzeDegradesWithoutModel(t *testing.T) {
	analysisRepo := &fakeAnalysisRepo{}
	usageRepo := &fakeUsageRepo{usage: openUsage()}
	svc := newTestService(analysisRepo, usageRepo, nil)

	result, err := svc.Analyze(context.Background(), AnalyzeRequest{
		ContractText: testContract(),
		UserID:       uuid.New(),
		SessionID:    "session-1",
	})

	require.NoError(t, err)
	analysis := result.Analysis

	assert.NotEmpty(t, analysis.Summary)
	assert.NotEmpty(t, analysis.Clauses)

	last := analysis.Trail[len(analysis.Trail)-1]
	assert.Equal(t, models.StepSummary, last.Type)
	assert.Equal(t, "summarized via fallback synthesizer", last.Decision)
	assert.Equal(t, degradedConfidence, last.Confidence)

	// The degraded run is still persisted and billed
	assert.Equal(t, 1, analysisRepo.count())
	assert.Equal(t, []int{analysis.TokensUsed}, usageRepo.billed())
}

func TestAnalyzeDegradesOnModelTimeout(t *testing.T) {
	analysisRepo := &fakeAnalysisRepo{}
	usageRepo := &fakeUsageRepo{usage: openUsage()}
	gen := &stubGenerator{err: &llm.TimeoutError{Timeout: 8 * time.Second}}
	svc := newTestService(analysisRepo, usageRepo, gen)

	result, err := svc.Analyze(context.Background(), AnalyzeRequest{
		ContractText: testContract(),
		UserID:       uuid.New(),
		SessionID:    "session-1",
	})

	require.NoError(t, err)
	analysis := result.Analysis

	last := analysis.Trail[len(analysis.Trail)-1]
	assert.Equal(t, models.StepSummary, last.Type)
	assert.Equal(t, "summarized via fallback synthesizer", last.Decision)
	assert.Contains(t, last.Reasoning, "model call failed")
	assert.Equal(t, degradedConfidence, last.Confidence)

	// The degraded run still bills its fallback token cost
	assert.Equal(t, []int{analysis.TokensUsed}, usageRepo.billed())
	assert.Equal(t, 1, analysisRepo.count())
}

func TestAnalyzePropagatesAuthError(t *testing.T) {
	analysisRepo := &fakeAnalysisRepo{}
	usageRepo := &fakeUsageRepo{usage: openUsage()}
	gen := &stubGenerator{err: &llm.AuthError{Status: 401, Msg: "invalid api key"}}
	svc := newTestService(analysisRepo, usageRepo, gen)

	_, err := svc.Analyze(context.Background(), AnalyzeRequest{
		ContractText: testContract(),
		UserID:       uuid.New(),
		SessionID:    "session-1",
	})

	require.Error(t, err)
	var authErr *llm.AuthError
	assert.ErrorAs(t, err, &authErr)
	assert.Zero(t, analysisRepo.count())
	assert.Empty(t, usageRepo.billed())
}

func TestAnalyzeSurvivesPersistenceFailure(t *testing.T) {
	analysisRepo := &fakeAnalysisRepo{err: errors.New("disk full")}
	usageRepo := &fakeUsageRepo{usage: openUsage()}
	svc := newTestService(analysisRepo, usageRepo, nil)

	result, err := svc.Analyze(context.Background(), AnalyzeRequest{
		ContractText: testContract(),
		UserID:       uuid.New(),
		SessionID:    "session-1",
	})

	// The caller still gets the full result; usage is still billed
	require.NoError(t, err)
	require.NotNil(t, result.Analysis)
	assert.Equal(t, []int{result.Analysis.TokensUsed}, usageRepo.billed())
}

func TestAnalyzeSessionMemoryAccumulates(t *testing.T) {
	usageRepo := &fakeUsageRepo{usage: openUsage()}
	svc := newTestService(&fakeAnalysisRepo{}, usageRepo, nil)
	ctx := context.Background()
	req := AnalyzeRequest{
		ContractText: testContract(),
		UserID:       uuid.New(),
		SessionID:    "session-mem",
	}

	first, err := svc.Analyze(ctx, req)
	require.NoError(t, err)
	assert.NotContains(t, first.Analysis.Trail[0].Reasoning, "prior contract")

	second, err := svc.Analyze(ctx, req)
	require.NoError(t, err)
	assert.Contains(t, second.Analysis.Trail[0].Reasoning, "informed by 1 prior contract(s)")
}

func TestClearSessionForgetsHistory(t *testing.T) {
	usageRepo := &fakeUsageRepo{usage: openUsage()}
	svc := newTestService(&fakeAnalysisRepo{}, usageRepo, nil)
	ctx := context.Background()
	req := AnalyzeRequest{
		ContractText: testContract(),
		UserID:       uuid.New(),
		SessionID:    "session-clear",
	}

	_, err := svc.Analyze(ctx, req)
	require.NoError(t, err)

	require.NoError(t, svc.ClearSession(ctx, ClearSessionRequest{SessionID: "session-clear"}))

	after, err := svc.Analyze(ctx, req)
	require.NoError(t, err)
	assert.NotContains(t, after.Analysis.Trail[0].Reasoning, "prior contract")
}

func TestAnalyzeSessionsAreIsolated(t *testing.T) {
	usageRepo := &fakeUsageRepo{usage: openUsage()}
	svc := newTestService(&fakeAnalysisRepo{}, usageRepo, nil)
	ctx := context.Background()

	_, err := svc.Analyze(ctx, AnalyzeRequest{
		ContractText: testContract(),
		UserID:       uuid.New(),
		SessionID:    "session-a",
	})
	require.NoError(t, err)

	other, err := svc.Analyze(ctx, AnalyzeRequest{
		ContractText: testContract(),
		UserID:       uuid.New(),
		SessionID:    "session-b",
	})
	require.NoError(t, err)
	assert.NotContains(t, other.Analysis.Trail[0].Reasoning, "prior contract")
}

func TestAnalyzeGoalRecordedOnPrioritization(t *testing.T) {
	usageRepo := &fakeUsageRepo{usage: openUsage()}
	svc := newTestService(&fakeAnalysisRepo{}, usageRepo, nil)

	result, err := svc.Analyze(context.Background(), AnalyzeRequest{
		ContractText: testContract(),
		UserID:       uuid.New(),
		SessionID:    "session-1",
		Goal:         "flag auto-renewal traps",
	})

	require.NoError(t, err)
	assert.Contains(t, result.Analysis.Trail[0].Input, "goal: flag auto-renewal traps")
}

func TestAnalyzePriorityAppearsInDecision(t *testing.T) {
	usageRepo := &fakeUsageRepo{usage: openUsage()}
	svc := newTestService(&fakeAnalysisRepo{}, usageRepo, nil)

	result, err := svc.Analyze(context.Background(), AnalyzeRequest{
		ContractText: testContract(),
		UserID:       uuid.New(),
		SessionID:    "session-1",
		Priority:     models.PriorityThoroughness,
	})

	require.NoError(t, err)
	assert.Contains(t, result.Analysis.Trail[0].Decision, "priority: thoroughness")
}
