package feedback

import (
	"context"
	"errors"
	"time"

	"github.com/temcen/workalloc/internal/bandit"
	"github.com/temcen/workalloc/internal/features"
)

var (
	ErrNotFound          = errors.New("feedback not found")
	ErrAlreadyCompleted  = errors.New("feedback already completed")
	ErrInvalidAllocation = errors.New("invalid allocation")
	ErrAlreadyProcessed  = errors.New("feedback already processed")
)

// Feedback is one (task, worker) assignment and, once known, its outcome.
// Context is frozen at assignment time.
type Feedback struct {
	ID              string    `json:"id"`
	FactoryID       string    `json:"factory_id"`
	TaskID          string    `json:"task_id"`
	StageType       string    `json:"stage_type"`
	ProductTypeID   string    `json:"product_type_id,omitempty"`
	Complexity      *float64  `json:"complexity,omitempty"`
	WorkerID        int64     `json:"worker_id"`
	Context         []float64 `json:"context_vector"`
	PredictedScore  float64   `json:"predicted_score"`
	PlannedQuantity *float64  `json:"planned_quantity,omitempty"`
	PlannedHours    *float64  `json:"planned_hours,omitempty"`
	AssignedAt      time.Time `json:"assigned_at"`

	ActualQuantity *float64   `json:"actual_quantity,omitempty"`
	ActualHours    *float64   `json:"actual_hours,omitempty"`
	ActualQuality  *float64   `json:"actual_quality,omitempty"`
	IsOvertime     bool       `json:"is_overtime"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Reward         *float64   `json:"reward,omitempty"`

	IsProcessed bool       `json:"is_processed"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

func (f *Feedback) Completed() bool { return f.CompletedAt != nil }

// Completion is the outcome written by Store.Complete.
type Completion struct {
	ActualQuantity float64
	ActualHours    float64
	ActualQuality  float64
	IsOvertime     bool
	Reward         float64
	CompletedAt    time.Time
}

// Assignment is the history view the diversity reranker reads.
type Assignment struct {
	WorkerID      int64     `json:"worker_id"`
	StageType     string    `json:"stage_type"`
	ProductTypeID string    `json:"product_type_id,omitempty"`
	Complexity    *float64  `json:"complexity,omitempty"`
	AssignedAt    time.Time `json:"assigned_at"`
}

// Store is the append-only feedback history.
//
// Complete returns ErrAlreadyCompleted if the record was completed before.
// ListPending returns completed, unprocessed records assigned at or after
// since, oldest first. CommitProcessed persists an updated model and marks
// the records it consumed as processed in one atomic write; if any of ids is
// already processed it writes nothing and returns ErrAlreadyProcessed.
type Store interface {
	Insert(ctx context.Context, f *Feedback) error
	Get(ctx context.Context, id string) (*Feedback, error)
	Complete(ctx context.Context, id string, c Completion) error
	ListPending(ctx context.Context, factoryID string, since time.Time, limit int) ([]*Feedback, error)
	ProcessedAmong(ctx context.Context, ids []string) (map[string]bool, error)
	CommitProcessed(ctx context.Context, m *bandit.Model, ids []string, at time.Time) error
	FactoriesWithPending(ctx context.Context, since time.Time) ([]string, error)

	// Worker history used by feature extraction and diversity scoring.
	AverageEfficiency(ctx context.Context, factoryID string, workerID int64, stageType string, since time.Time) (float64, int, error)
	HoursAssignedSince(ctx context.Context, factoryID string, workerID int64, since time.Time) (float64, error)
	Assignments(ctx context.Context, factoryID string, workerIDs []int64, since time.Time) ([]Assignment, error)
}

// efficiency is the per-record ratio the rolling averages are built from.
func efficiency(f *Feedback, maxEfficiency float64) (float64, bool) {
	if f.ActualQuantity == nil || f.PlannedQuantity == nil || *f.PlannedQuantity <= 0 {
		return 0, false
	}
	return clamp(*f.ActualQuantity / *f.PlannedQuantity, 0, maxEfficiency), true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

var (
	_ Store                      = (*MemoryStore)(nil)
	_ Store                      = (*PostgresStore)(nil)
	_ features.WorkerStatsLookup = (*PostgresStore)(nil)
)
