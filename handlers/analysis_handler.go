package handlers

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"

	"clauselens-backend/llm"
	"clauselens-backend/models"
	"clauselens-backend/service"
	"clauselens-backend/storage"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AnalysisReader is the slice of the analysis repository the handlers need
type AnalysisReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Analysis, error)
	ListByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Analysis, error)
}

// UsageReader is the slice of the usage repository the handlers need
type UsageReader interface {
	GetByUserID(ctx context.Context, userID uuid.UUID) (*models.UsageState, error)
	SetLimit(ctx context.Context, userID uuid.UUID, tokensLimit int, tier models.PlanTier) error
}

// FileStore is the slice of the file repository the handlers need
type FileStore interface {
	Create(ctx context.Context, file *models.File) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.File, error)
	LinkAnalysis(ctx context.Context, fileID, analysisID uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// AnalysisHandler handles HTTP requests for contract analyses
type AnalysisHandler struct {
	analysisService *service.AnalysisService
	analysisRepo    AnalysisReader
	usageRepo       UsageReader
	fileRepo        FileStore
	storage         storage.Storage
}

// NewAnalysisHandler creates a new analysis handler
func NewAnalysisHandler(
	analysisService *service.AnalysisService,
	analysisRepo AnalysisReader,
	usageRepo UsageReader,
	fileRepo FileStore,
	fileStorage storage.Storage,
) *AnalysisHandler {
	return &AnalysisHandler{
		analysisService: analysisService,
		analysisRepo:    analysisRepo,
		usageRepo:       usageRepo,
		fileRepo:        fileRepo,
		storage:         fileStorage,
	}
}

// AnalyzeRequest represents the request body for starting an analysis
type AnalyzeRequest struct {
	ContractText string  `json:"contract_text"`
	FileID       *string `json:"file_id"`
	UserID       string  `json:"user_id" binding:"required"`
	SessionID    string  `json:"session_id" binding:"required"`
	Priority     string  `json:"priority"`
	Goal         string  `json:"goal"`
}

// Analyze handles POST /api/analyses
func (h *AnalysisHandler) Analyze(c *gin.Context) {
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "INVALID_REQUEST",
				"message": err.Error(),
			},
		})
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "INVALID_USER_ID",
				"message": "Invalid user_id format",
			},
		})
		return
	}

	contractText := req.ContractText
	fileName := ""
	var analyzedFileID *uuid.UUID
	if contractText == "" && req.FileID != nil {
		fileID, err := uuid.Parse(*req.FileID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "INVALID_FILE_ID",
					"message": "Invalid file_id format",
				},
			})
			return
		}

		contractText, fileName, err = h.loadContractText(c, fileID)
		if err != nil {
			return // response already written
		}
		analyzedFileID = &fileID
	}

	serviceReq := service.AnalyzeRequest{
		ContractText: contractText,
		FileName:     fileName,
		UserID:       userID,
		SessionID:    req.SessionID,
		Priority:     models.Priority(req.Priority),
		Goal:         req.Goal,
	}

	result, err := h.analysisService.Analyze(c.Request.Context(), serviceReq)
	if err != nil {
		h.writeAnalyzeError(c, err)
		return
	}

	if analyzedFileID != nil {
		if err := h.fileRepo.LinkAnalysis(c.Request.Context(), *analyzedFileID, result.Analysis.ID); err != nil {
			log.Printf("Warning: Failed to link file %s to analysis %s: %v", *analyzedFileID, result.Analysis.ID, err)
		}
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data":    result.Analysis,
	})
}

// loadContractText resolves a plain-text contract by uploaded file id.
// Binary formats need the (external) extraction service first.
func (h *AnalysisHandler) loadContractText(c *gin.Context, fileID uuid.UUID) (string, string, error) {
	file, err := h.fileRepo.GetByID(c.Request.Context(), fileID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "FILE_NOT_FOUND",
				"message": "Uploaded file not found",
			},
		})
		return "", "", err
	}

	if file.MimeType != "text/plain" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "UNSUPPORTED_FILE_TYPE",
				"message": "Only text/plain files can be analyzed directly; extract text first",
			},
		})
		return "", "", errors.New("unsupported file type")
	}

	reader, err := h.storage.Download(c.Request.Context(), file.StoragePath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "DOWNLOAD_FAILED",
				"message": err.Error(),
			},
		})
		return "", "", err
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "READ_FAILED",
				"message": err.Error(),
			},
		})
		return "", "", err
	}

	return string(data), file.Filename, nil
}

// writeAnalyzeError maps engine rejections to HTTP statuses
func (h *AnalysisHandler) writeAnalyzeError(c *gin.Context, err error) {
	var authErr *llm.AuthError
	switch {
	case errors.Is(err, service.ErrEmptyContract), errors.Is(err, service.ErrContractTooLarge):
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "VALIDATION_FAILED",
				"message": err.Error(),
			},
		})
	case errors.Is(err, service.ErrQuotaExceeded):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "QUOTA_EXCEEDED",
				"message": "Token quota exceeded; retry after your quota resets",
			},
		})
	case errors.As(err, &authErr):
		c.JSON(http.StatusBadGateway, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "MODEL_AUTH_FAILED",
				"message": err.Error(),
			},
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "ANALYSIS_FAILED",
				"message": err.Error(),
			},
		})
	}
}

// GetAnalysis handles GET /api/analyses/:id
func (h *AnalysisHandler) GetAnalysis(c *gin.Context) {
	idStr := c.Param("id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "INVALID_ID",
				"message": "Invalid analysis ID format",
			},
		})
		return
	}

	analysis, err := h.analysisRepo.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrAnalysisNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "NOT_FOUND",
					"message": "Analysis not found",
				},
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "FETCH_FAILED",
				"message": err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    analysis,
	})
}

// ListAnalyses handles GET /api/users/:id/analyses
func (h *AnalysisHandler) ListAnalyses(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "INVALID_USER_ID",
				"message": "Invalid user ID format",
			},
		})
		return
	}

	analyses, err := h.analysisRepo.ListByUserID(c.Request.Context(), userID, 20, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "LIST_FAILED",
				"message": err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    analyses,
	})
}

// GetUsage handles GET /api/users/:id/usage
func (h *AnalysisHandler) GetUsage(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "INVALID_USER_ID",
				"message": "Invalid user ID format",
			},
		})
		return
	}

	usage, err := h.usageRepo.GetByUserID(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "USAGE_FAILED",
				"message": err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    usage,
	})
}

// UpdateUsageLimitRequest represents the request body for a quota update
type UpdateUsageLimitRequest struct {
	TokensLimit int    `json:"tokens_limit" binding:"required,gt=0"`
	PlanTier    string `json:"plan_tier" binding:"required,oneof=free pro team"`
}

// UpdateUsageLimit handles PUT /api/users/:id/usage/limit
func (h *AnalysisHandler) UpdateUsageLimit(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "INVALID_USER_ID",
				"message": "Invalid user ID format",
			},
		})
		return
	}

	var req UpdateUsageLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "INVALID_REQUEST",
				"message": err.Error(),
			},
		})
		return
	}

	if err := h.usageRepo.SetLimit(c.Request.Context(), userID, req.TokensLimit, models.PlanTier(req.PlanTier)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "LIMIT_UPDATE_FAILED",
				"message": err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"user_id":      userID,
			"tokens_limit": req.TokensLimit,
			"plan_tier":    req.PlanTier,
		},
	})
}

// ClearSession handles DELETE /api/sessions/:id
func (h *AnalysisHandler) ClearSession(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "INVALID_SESSION_ID",
				"message": "Session ID is required",
			},
		})
		return
	}

	if err := h.analysisService.ClearSession(c.Request.Context(), service.ClearSessionRequest{SessionID: sessionID}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "CLEAR_FAILED",
				"message": err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"session_id": sessionID,
			"cleared":    true,
		},
	})
}
