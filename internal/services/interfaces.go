package services

import (
	"context"

	"github.com/temcen/workalloc/internal/bandit"
	"github.com/temcen/workalloc/internal/features"
	"github.com/temcen/workalloc/pkg/models"
)

// AllocationServiceInterface is the API the HTTP handlers depend on.
type AllocationServiceInterface interface {
	Recommend(ctx context.Context, factoryID string, req *models.RecommendationRequest) (*models.RecommendationResponse, error)
	RecordAllocation(ctx context.Context, factoryID string, req *models.AllocationRequest) (*models.AllocationResponse, error)
	CompleteFeedback(ctx context.Context, feedbackID string, req *models.CompleteFeedbackRequest, immediate bool) (*models.CompleteFeedbackResponse, error)
	RunBatchUpdate(ctx context.Context, factoryID string) (*models.BatchUpdateResponse, error)
	GetPerformanceRanking(ctx context.Context, factoryID string, limit int) (*models.PerformanceResponse, error)
	ListModels(ctx context.Context, factoryID string) (*models.ModelListResponse, error)
	GetModel(ctx context.Context, factoryID string, workerID int64) (*bandit.Export, error)
	ResetModel(ctx context.Context, factoryID string, workerID int64) error
	ResetAllModels(ctx context.Context, factoryID string) (int64, error)
	GroupFeatures(ctx context.Context, factoryID string, workerIDs []int64) features.GroupFeatures
}

// HealthChecker reports dependency health.
type HealthChecker interface {
	CheckHealth(ctx context.Context) *HealthStatus
}

var (
	_ AllocationServiceInterface = (*AllocationService)(nil)
	_ HealthChecker              = (*HealthService)(nil)
	_ BatchRunner                = (*AllocationService)(nil)
)
