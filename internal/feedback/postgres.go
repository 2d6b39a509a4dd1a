package feedback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/temcen/workalloc/internal/bandit"
	"github.com/temcen/workalloc/internal/database"
)

// PostgresStore keeps feedback in the allocation_feedback table.
type PostgresStore struct {
	db            database.Querier
	maxEfficiency float64
}

func NewPostgresStore(db database.Querier, maxEfficiency float64) *PostgresStore {
	return &PostgresStore{db: db, maxEfficiency: maxEfficiency}
}

const feedbackColumns = `id::text, factory_id, task_id, stage_type, product_type_id, complexity,
	worker_id, context_vector, predicted_score, planned_quantity, planned_hours, assigned_at,
	actual_quantity, actual_hours, actual_quality, is_overtime, completed_at, reward,
	is_processed, processed_at`

func (s *PostgresStore) Insert(ctx context.Context, f *Feedback) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO allocation_feedback (id, factory_id, task_id, stage_type, product_type_id, complexity,
			worker_id, context_vector, predicted_score, planned_quantity, planned_hours, assigned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		f.ID, f.FactoryID, f.TaskID, f.StageType, f.ProductTypeID, f.Complexity,
		f.WorkerID, f.Context, f.PredictedScore, f.PlannedQuantity, f.PlannedHours, f.AssignedAt)
	if err != nil {
		return fmt.Errorf("failed to insert feedback: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Feedback, error) {
	row := s.db.QueryRow(ctx, `SELECT `+feedbackColumns+` FROM allocation_feedback WHERE id = $1`, id)
	f, err := scanFeedback(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feedback %s: %w", id, err)
	}
	return f, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id string, c Completion) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE allocation_feedback
		SET actual_quantity = $2, actual_hours = $3, actual_quality = $4,
			is_overtime = $5, reward = $6, completed_at = $7
		WHERE id = $1 AND completed_at IS NULL`,
		id, c.ActualQuantity, c.ActualHours, c.ActualQuality, c.IsOvertime, c.Reward, c.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to complete feedback %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyCompleted
	}
	return nil
}

func (s *PostgresStore) ListPending(ctx context.Context, factoryID string, since time.Time, limit int) ([]*Feedback, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+feedbackColumns+`
		FROM allocation_feedback
		WHERE factory_id = $1 AND completed_at IS NOT NULL AND NOT is_processed AND assigned_at >= $2
		ORDER BY assigned_at, id
		LIMIT $3`, factoryID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending feedback: %w", err)
	}
	defer rows.Close()

	var out []*Feedback
	for rows.Next() {
		f, err := scanFeedback(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ProcessedAmong(ctx context.Context, ids []string) (map[string]bool, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id::text FROM allocation_feedback WHERE id = ANY($1::uuid[]) AND is_processed`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to read processed flags: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// CommitProcessed flips the processed flags first so concurrent writers of
// the same records serialize on their row locks, then upserts the model in
// the same transaction.
func (s *PostgresStore) CommitProcessed(ctx context.Context, m *bandit.Model, ids []string, at time.Time) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE allocation_feedback SET is_processed = TRUE, processed_at = $2
		WHERE id = ANY($1::uuid[]) AND NOT is_processed`, ids, at)
	if err != nil {
		return fmt.Errorf("failed to mark feedback processed: %w", err)
	}
	if tag.RowsAffected() != int64(len(ids)) {
		return ErrAlreadyProcessed
	}

	if err := bandit.SaveModel(ctx, tx, m); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit feedback update: %w", err)
	}
	return nil
}

func (s *PostgresStore) FactoriesWithPending(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT factory_id FROM allocation_feedback
		WHERE completed_at IS NOT NULL AND NOT is_processed AND assigned_at >= $1
		ORDER BY factory_id`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list factories with pending feedback: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AverageEfficiency averages actual/planned quantity, each clamped like the
// reward efficiency. An empty stageType covers every stage.
func (s *PostgresStore) AverageEfficiency(ctx context.Context, factoryID string, workerID int64, stageType string, since time.Time) (float64, int, error) {
	var (
		avg     *float64
		samples int
	)
	err := s.db.QueryRow(ctx, `
		SELECT AVG(LEAST(GREATEST(actual_quantity / planned_quantity, 0), $5)), COUNT(*)
		FROM allocation_feedback
		WHERE factory_id = $1 AND worker_id = $2
			AND ($3 = '' OR stage_type = $3)
			AND assigned_at >= $4
			AND completed_at IS NOT NULL
			AND actual_quantity IS NOT NULL
			AND planned_quantity > 0`,
		factoryID, workerID, stageType, since, s.maxEfficiency).Scan(&avg, &samples)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to compute average efficiency: %w", err)
	}
	if avg == nil {
		return 0, 0, nil
	}
	return *avg, samples, nil
}

func (s *PostgresStore) HoursAssignedSince(ctx context.Context, factoryID string, workerID int64, since time.Time) (float64, error) {
	var hours float64
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(COALESCE(actual_hours, planned_hours, 0)), 0)
		FROM allocation_feedback
		WHERE factory_id = $1 AND worker_id = $2 AND assigned_at >= $3`,
		factoryID, workerID, since).Scan(&hours)
	if err != nil {
		return 0, fmt.Errorf("failed to sum assigned hours: %w", err)
	}
	return hours, nil
}

func (s *PostgresStore) Assignments(ctx context.Context, factoryID string, workerIDs []int64, since time.Time) ([]Assignment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT worker_id, stage_type, product_type_id, complexity, assigned_at
		FROM allocation_feedback
		WHERE factory_id = $1 AND worker_id = ANY($2) AND assigned_at >= $3
		ORDER BY assigned_at`, factoryID, workerIDs, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load allocation history: %w", err)
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.WorkerID, &a.StageType, &a.ProductTypeID, &a.Complexity, &a.AssignedAt); err != nil {
			return nil, fmt.Errorf("failed to scan allocation history: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanFeedback(row pgx.Row) (*Feedback, error) {
	var f Feedback
	err := row.Scan(&f.ID, &f.FactoryID, &f.TaskID, &f.StageType, &f.ProductTypeID, &f.Complexity,
		&f.WorkerID, &f.Context, &f.PredictedScore, &f.PlannedQuantity, &f.PlannedHours, &f.AssignedAt,
		&f.ActualQuantity, &f.ActualHours, &f.ActualQuality, &f.IsOvertime, &f.CompletedAt, &f.Reward,
		&f.IsProcessed, &f.ProcessedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}
