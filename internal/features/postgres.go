package features

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/temcen/workalloc/internal/database"
)

// PostgresWorkerSource reads worker records from the workers table.
type PostgresWorkerSource struct {
	db database.Querier
}

func NewPostgresWorkerSource(db database.Querier) *PostgresWorkerSource {
	return &PostgresWorkerSource{db: db}
}

func (s *PostgresWorkerSource) GetWorker(ctx context.Context, factoryID string, workerID int64) (*Worker, error) {
	query := `
		SELECT id, name, hire_date, skill_levels, is_temporary
		FROM workers
		WHERE factory_id = $1 AND id = $2`

	var (
		w      Worker
		skills *string
	)
	err := s.db.QueryRow(ctx, query, factoryID, workerID).Scan(
		&w.ID,
		&w.Name,
		&w.HireDate,
		&skills,
		&w.IsTemporary,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWorkerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker %d: %w", workerID, err)
	}
	if skills != nil {
		w.SkillLevels = *skills
	}
	return &w, nil
}

// PostgresComplexityProvider reads product complexity from product_types.
type PostgresComplexityProvider struct {
	db database.Querier
}

func NewPostgresComplexityProvider(db database.Querier) *PostgresComplexityProvider {
	return &PostgresComplexityProvider{db: db}
}

func (p *PostgresComplexityProvider) GetComplexity(ctx context.Context, factoryID, productTypeID string) (int, bool, error) {
	query := `SELECT complexity FROM product_types WHERE factory_id = $1 AND id = $2`

	var complexity *int
	err := p.db.QueryRow(ctx, query, factoryID, productTypeID).Scan(&complexity)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get product complexity: %w", err)
	}
	if complexity == nil {
		return 0, false, nil
	}
	return *complexity, true, nil
}

// PostgresTaskSource resolves TaskInfo from the production_plans table.
type PostgresTaskSource struct {
	db database.Querier
}

func NewPostgresTaskSource(db database.Querier) *PostgresTaskSource {
	return &PostgresTaskSource{db: db}
}

var ErrPlanNotFound = errors.New("production plan not found")

func (s *PostgresTaskSource) GetProductionPlan(ctx context.Context, factoryID string, planID int64) (TaskInfo, error) {
	query := `
		SELECT planned_quantity, expected_completion_date, product_type_id,
		       priority, workshop_id, stage_type, planned_hours
		FROM production_plans
		WHERE factory_id = $1 AND id = $2`

	var (
		info                             TaskInfo
		deadline                         *time.Time
		productType, workshop, stage     *string
		quantity, priority, plannedHours *float64
	)
	err := s.db.QueryRow(ctx, query, factoryID, planID).Scan(
		&quantity,
		&deadline,
		&productType,
		&priority,
		&workshop,
		&stage,
		&plannedHours,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return info, ErrPlanNotFound
	}
	if err != nil {
		return info, fmt.Errorf("failed to get production plan %d: %w", planID, err)
	}

	info.Quantity = quantity
	info.Deadline = deadline
	info.Priority = priority
	info.PlannedHours = plannedHours
	if productType != nil {
		info.ProductTypeID = *productType
	}
	if workshop != nil {
		info.WorkshopID = *workshop
	}
	if stage != nil {
		info.StageType = *stage
	}
	return info, nil
}
