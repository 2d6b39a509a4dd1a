package features

import (
	"context"
	"errors"
	"time"
)

var ErrWorkerNotFound = errors.New("worker not found")

// Worker is the subset of a worker record the feature layer reads.
type Worker struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	HireDate    *time.Time `json:"hire_date,omitempty"`
	SkillLevels string     `json:"skill_levels"`
	IsTemporary bool       `json:"is_temporary"`
}

// WorkerSource supplies worker records by numeric identifier.
type WorkerSource interface {
	GetWorker(ctx context.Context, factoryID string, workerID int64) (*Worker, error)
}

// ComplexityProvider looks up the 1-5 complexity of a product type. The
// boolean is false when the product type is unknown.
type ComplexityProvider interface {
	GetComplexity(ctx context.Context, factoryID, productTypeID string) (int, bool, error)
}

// TaskSource resolves typed task descriptions from production plans.
type TaskSource interface {
	GetProductionPlan(ctx context.Context, factoryID string, planID int64) (TaskInfo, error)
}

// WorkerStatsLookup exposes the historical aggregates feature extraction
// needs. An empty stageType means "all stages". samples is 0 when there is
// no history in the window.
type WorkerStatsLookup interface {
	AverageEfficiency(ctx context.Context, factoryID string, workerID int64, stageType string, since time.Time) (avg float64, samples int, err error)
	HoursAssignedSince(ctx context.Context, factoryID string, workerID int64, since time.Time) (float64, error)
}
