package features

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresWorkerSource(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockDB.Close()

	src := NewPostgresWorkerSource(mockDB)
	ctx := context.Background()
	hired := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	skills := "cutting:4,sewing:2"

	mockDB.ExpectQuery("FROM workers").
		WithArgs("f1", int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "hire_date", "skill_levels", "is_temporary"}).
			AddRow(int64(7), "Lin", &hired, &skills, true))

	w, err := src.GetWorker(ctx, "f1", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), w.ID)
	assert.Equal(t, skills, w.SkillLevels)
	assert.True(t, w.IsTemporary)
	require.NotNil(t, w.HireDate)
	assert.True(t, hired.Equal(*w.HireDate))

	mockDB.ExpectQuery("FROM workers").
		WithArgs("f1", int64(8)).
		WillReturnError(pgx.ErrNoRows)

	_, err = src.GetWorker(ctx, "f1", 8)
	assert.ErrorIs(t, err, ErrWorkerNotFound)

	mockDB.ExpectQuery("FROM workers").
		WithArgs("f1", int64(9)).
		WillReturnError(errors.New("connection reset"))

	_, err = src.GetWorker(ctx, "f1", 9)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrWorkerNotFound)

	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestPostgresComplexityProvider(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockDB.Close()

	p := NewPostgresComplexityProvider(mockDB)
	ctx := context.Background()
	four := 4

	mockDB.ExpectQuery("FROM product_types").
		WithArgs("f1", "shirt").
		WillReturnRows(pgxmock.NewRows([]string{"complexity"}).AddRow(&four))

	c, ok, err := p.GetComplexity(ctx, "f1", "shirt")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4, c)

	mockDB.ExpectQuery("FROM product_types").
		WithArgs("f1", "unknown").
		WillReturnError(pgx.ErrNoRows)

	_, ok, err = p.GetComplexity(ctx, "f1", "unknown")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestPostgresTaskSource(t *testing.T) {
	mockDB, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockDB.Close()

	src := NewPostgresTaskSource(mockDB)
	ctx := context.Background()
	deadline := time.Date(2026, 10, 15, 18, 0, 0, 0, time.UTC)
	quantity, priority := 250.0, 7.0
	productType, stage := "shirt", "sewing"

	mockDB.ExpectQuery("FROM production_plans").
		WithArgs("f1", int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{
			"planned_quantity", "expected_completion_date", "product_type_id",
			"priority", "workshop_id", "stage_type", "planned_hours",
		}).AddRow(&quantity, &deadline, &productType, &priority, (*string)(nil), &stage, (*float64)(nil)))

	info, err := src.GetProductionPlan(ctx, "f1", 3)
	require.NoError(t, err)
	require.NotNil(t, info.Quantity)
	assert.Equal(t, 250.0, *info.Quantity)
	assert.Equal(t, "shirt", info.ProductTypeID)
	assert.Equal(t, "sewing", info.StageType)
	assert.Empty(t, info.WorkshopID)
	assert.Nil(t, info.PlannedHours)

	mockDB.ExpectQuery("FROM production_plans").
		WithArgs("f1", int64(4)).
		WillReturnError(pgx.ErrNoRows)

	_, err = src.GetProductionPlan(ctx, "f1", 4)
	assert.ErrorIs(t, err, ErrPlanNotFound)

	assert.NoError(t, mockDB.ExpectationsWereMet())
}
