package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"clauselens-backend/models"
	"clauselens-backend/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memAnalysisRepo struct {
	saved []*models.Analysis
}

func (r *memAnalysisRepo) Create(ctx context.Context, analysis *models.Analysis) error {
	r.saved = append(r.saved, analysis)
	return nil
}

type memUsageRepo struct {
	usage *models.UsageState
}

func (r *memUsageRepo) GetByUserID(ctx context.Context, userID uuid.UUID) (*models.UsageState, error) {
	return r.usage, nil
}

func (r *memUsageRepo) AddUsage(ctx context.Context, userID uuid.UUID, tokens int) error {
	r.usage.TokensUsed += tokens
	return nil
}

func (r *memUsageRepo) SetLimit(ctx context.Context, userID uuid.UUID, tokensLimit int, tier models.PlanTier) error {
	r.usage.TokensLimit = tokensLimit
	r.usage.PlanTier = tier
	return nil
}

type fakeAnalysisReader struct {
	analysis *models.Analysis
	err      error
}

func (f *fakeAnalysisReader) GetByID(ctx context.Context, id uuid.UUID) (*models.Analysis, error) {
	return f.analysis, f.err
}

func (f *fakeAnalysisReader) ListByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Analysis, error) {
	return nil, nil
}

type fakeFileStore struct {
	file    *models.File
	linked  [][2]uuid.UUID
	deleted []uuid.UUID
}

func (f *fakeFileStore) Create(ctx context.Context, file *models.File) error {
	f.file = file
	return nil
}

func (f *fakeFileStore) GetByID(ctx context.Context, id uuid.UUID) (*models.File, error) {
	if f.file == nil || f.file.ID != id {
		return nil, errors.New("no rows in result set")
	}
	return f.file, nil
}

func (f *fakeFileStore) LinkAnalysis(ctx context.Context, fileID, analysisID uuid.UUID) error {
	f.linked = append(f.linked, [2]uuid.UUID{fileID, analysisID})
	return nil
}

func (f *fakeFileStore) Delete(ctx context.Context, id uuid.UUID) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeStorage struct {
	content string
	deleted []string
}

func (s *fakeStorage) Upload(ctx context.Context, fileID uuid.UUID, filename string, data io.Reader) (string, error) {
	return fileID.String() + "/" + filename, nil
}

func (s *fakeStorage) Download(ctx context.Context, storagePath string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(s.content)), nil
}

func (s *fakeStorage) Delete(ctx context.Context, storagePath string) error {
	s.deleted = append(s.deleted, storagePath)
	return nil
}

func newTestRouter(usage *models.UsageState) (*gin.Engine, *memAnalysisRepo) {
	gin.SetMode(gin.TestMode)

	analysisRepo := &memAnalysisRepo{}
	svc := service.NewAnalysisService(
		service.WithAnalysisRepository(analysisRepo),
		service.WithUsageRepository(&memUsageRepo{usage: usage}),
	)
	handler := NewAnalysisHandler(svc, nil, nil, nil, nil)

	router := gin.New()
	router.POST("/api/analyses", handler.Analyze)
	router.DELETE("/api/sessions/:id", handler.ClearSession)
	return router, analysisRepo
}

func postAnalyze(router *gin.Engine, body map[string]interface{}) *httptest.ResponseRecorder {
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", "/api/analyses", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	return envelope
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	envelope := decodeEnvelope(t, w)
	errObj, ok := envelope["error"].(map[string]interface{})
	require.True(t, ok, "response has no error object")
	return errObj["code"].(string)
}

func openUsageState() *models.UsageState {
	return &models.UsageState{TokensLimit: 100000, PlanTier: models.PlanFree}
}

func TestAnalyzeEndpointSuccess(t *testing.T) {
	router, analysisRepo := newTestRouter(openUsageState())

	contract := "This services agreement covers monthly maintenance. " +
		strings.Repeat("The supplier shall respond to reported faults within one business day. ", 2)
	w := postAnalyze(router, map[string]interface{}{
		"contract_text": contract,
		"user_id":       uuid.New().String(),
		"session_id":    "session-1",
	})

	assert.Equal(t, http.StatusCreated, w.Code)

	envelope := decodeEnvelope(t, w)
	assert.Equal(t, true, envelope["success"])
	data, ok := envelope["data"].(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, data["summary"])
	assert.NotEmpty(t, data["trail"])

	assert.Len(t, analysisRepo.saved, 1)
}

func TestAnalyzeEndpointRequiresSessionID(t *testing.T) {
	router, _ := newTestRouter(openUsageState())

	w := postAnalyze(router, map[string]interface{}{
		"contract_text": "some text",
		"user_id":       uuid.New().String(),
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, w))
}

func TestAnalyzeEndpointRejectsBadUserID(t *testing.T) {
	router, _ := newTestRouter(openUsageState())

	w := postAnalyze(router, map[string]interface{}{
		"contract_text": "some text",
		"user_id":       "not-a-uuid",
		"session_id":    "session-1",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_USER_ID", errorCode(t, w))
}

func TestAnalyzeEndpointRejectsEmptyContract(t *testing.T) {
	router, _ := newTestRouter(openUsageState())

	w := postAnalyze(router, map[string]interface{}{
		"contract_text": "   ",
		"user_id":       uuid.New().String(),
		"session_id":    "session-1",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(t, w))
}

func TestAnalyzeEndpointQuotaExceeded(t *testing.T) {
	router, analysisRepo := newTestRouter(&models.UsageState{
		TokensUsed:  100000,
		TokensLimit: 100000,
		PlanTier:    models.PlanFree,
	})

	w := postAnalyze(router, map[string]interface{}{
		"contract_text": "The parties agree to the following terms of service delivery.",
		"user_id":       uuid.New().String(),
		"session_id":    "session-1",
	})

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "QUOTA_EXCEEDED", errorCode(t, w))
	assert.Empty(t, analysisRepo.saved)
}

func TestClearSessionEndpoint(t *testing.T) {
	router, _ := newTestRouter(openUsageState())

	req := httptest.NewRequest("DELETE", "/api/sessions/session-9", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	envelope := decodeEnvelope(t, w)
	data := envelope["data"].(map[string]interface{})
	assert.Equal(t, "session-9", data["session_id"])
	assert.Equal(t, true, data["cleared"])
}

func TestAnalyzeByFileIDLinksFileToAnalysis(t *testing.T) {
	gin.SetMode(gin.TestMode)

	contract := "This supply agreement covers quarterly deliveries. " +
		strings.Repeat("The supplier shall give written notice before any price change. ", 2)
	fileID := uuid.New()
	fileRepo := &fakeFileStore{file: &models.File{
		ID:          fileID,
		UserID:      uuid.New(),
		Filename:    "supply.txt",
		MimeType:    "text/plain",
		Size:        int64(len(contract)),
		StoragePath: fileID.String() + "/supply.txt",
	}}

	analysisRepo := &memAnalysisRepo{}
	svc := service.NewAnalysisService(
		service.WithAnalysisRepository(analysisRepo),
		service.WithUsageRepository(&memUsageRepo{usage: openUsageState()}),
	)
	handler := NewAnalysisHandler(svc, nil, nil, fileRepo, &fakeStorage{content: contract})

	router := gin.New()
	router.POST("/api/analyses", handler.Analyze)

	w := postAnalyze(router, map[string]interface{}{
		"file_id":    fileID.String(),
		"user_id":    uuid.New().String(),
		"session_id": "session-1",
	})

	assert.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, analysisRepo.saved, 1)
	require.Len(t, fileRepo.linked, 1)
	assert.Equal(t, fileID, fileRepo.linked[0][0])
	assert.Equal(t, analysisRepo.saved[0].ID, fileRepo.linked[0][1])
}

func TestAnalyzeByFileIDRejectsBinaryFile(t *testing.T) {
	gin.SetMode(gin.TestMode)

	fileID := uuid.New()
	fileRepo := &fakeFileStore{file: &models.File{
		ID:       fileID,
		Filename: "contract.pdf",
		MimeType: "application/pdf",
	}}
	handler := NewAnalysisHandler(nil, nil, nil, fileRepo, &fakeStorage{})

	router := gin.New()
	router.POST("/api/analyses", handler.Analyze)

	w := postAnalyze(router, map[string]interface{}{
		"file_id":    fileID.String(),
		"user_id":    uuid.New().String(),
		"session_id": "session-1",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "UNSUPPORTED_FILE_TYPE", errorCode(t, w))
}

func TestGetAnalysisNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewAnalysisHandler(nil, &fakeAnalysisReader{err: service.ErrAnalysisNotFound}, nil, nil, nil)
	router := gin.New()
	router.GET("/api/analyses/:id", handler.GetAnalysis)

	req := httptest.NewRequest("GET", "/api/analyses/"+uuid.New().String(), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, w))
}

func TestUpdateUsageLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)

	usageRepo := &memUsageRepo{usage: openUsageState()}
	handler := NewAnalysisHandler(nil, nil, usageRepo, nil, nil)
	router := gin.New()
	router.PUT("/api/users/:id/usage/limit", handler.UpdateUsageLimit)

	payload, _ := json.Marshal(map[string]interface{}{
		"tokens_limit": 500000,
		"plan_tier":    "pro",
	})
	req := httptest.NewRequest("PUT", "/api/users/"+uuid.New().String()+"/usage/limit", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 500000, usageRepo.usage.TokensLimit)
	assert.Equal(t, models.PlanPro, usageRepo.usage.PlanTier)
}

func TestUpdateUsageLimitRejectsUnknownTier(t *testing.T) {
	gin.SetMode(gin.TestMode)

	usageRepo := &memUsageRepo{usage: openUsageState()}
	handler := NewAnalysisHandler(nil, nil, usageRepo, nil, nil)
	router := gin.New()
	router.PUT("/api/users/:id/usage/limit", handler.UpdateUsageLimit)

	payload, _ := json.Marshal(map[string]interface{}{
		"tokens_limit": 500000,
		"plan_tier":    "platinum",
	})
	req := httptest.NewRequest("PUT", "/api/users/"+uuid.New().String()+"/usage/limit", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, w))
	assert.Equal(t, models.PlanFree, usageRepo.usage.PlanTier)
}
