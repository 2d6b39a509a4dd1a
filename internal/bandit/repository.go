package bandit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/temcen/workalloc/internal/database"
)

// Repository persists models. Get returns ErrModelNotFound when no row
// exists and ErrCorruptModel when the stored state cannot be decoded.
type Repository interface {
	Get(ctx context.Context, key Key) (*Model, error)
	Save(ctx context.Context, m *Model) error
	Delete(ctx context.Context, key Key) error
	DeleteAll(ctx context.Context, factoryID string) (int64, error)
	List(ctx context.Context, factoryID string) ([]*Model, error)
}

// MemoryRepository keeps models in process memory.
type MemoryRepository struct {
	mu     sync.RWMutex
	models map[Key]*Model
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{models: make(map[Key]*Model)}
}

func (r *MemoryRepository) Get(_ context.Context, key Key) (*Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[key]
	if !ok {
		return nil, ErrModelNotFound
	}
	return m.Clone(), nil
}

func (r *MemoryRepository) Save(_ context.Context, m *Model) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.Key()] = m.Clone()
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, key Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.models, key)
	return nil
}

func (r *MemoryRepository) DeleteAll(_ context.Context, factoryID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k := range r.models {
		if k.FactoryID == factoryID {
			delete(r.models, k)
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) List(_ context.Context, factoryID string) ([]*Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Model, 0)
	for k, m := range r.models {
		if k.FactoryID == factoryID {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

// PostgresRepository stores models in the bandit_models table. Matrices
// are kept as BYTEA in gonum's binary encoding.
type PostgresRepository struct {
	db     database.Querier
	logger *logrus.Logger
}

func NewPostgresRepository(db database.Querier, logger *logrus.Logger) *PostgresRepository {
	return &PostgresRepository{db: db, logger: logger}
}

const modelColumns = `worker_id, dimension, a_matrix, a_inverse, b_vector,
	update_count, total_reward, avg_reward, created_at, last_updated_at`

func (r *PostgresRepository) Get(ctx context.Context, key Key) (*Model, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+modelColumns+` FROM bandit_models WHERE factory_id = $1 AND worker_id = $2`,
		key.FactoryID, key.WorkerID)

	m, err := scanModel(row, key.FactoryID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrModelNotFound
	}
	if err != nil && !errors.Is(err, ErrCorruptModel) {
		return nil, fmt.Errorf("failed to load bandit model %s: %w", key, err)
	}
	return m, err
}

func (r *PostgresRepository) Save(ctx context.Context, m *Model) error {
	return SaveModel(ctx, r.db, m)
}

// SaveModel upserts m on q. Callers pass a pgx.Tx to persist a model in the
// same transaction as other writes.
func SaveModel(ctx context.Context, q database.Querier, m *Model) error {
	state, err := m.EncodeState()
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx, `
		INSERT INTO bandit_models (factory_id, worker_id, dimension, a_matrix, a_inverse, b_vector,
			update_count, total_reward, avg_reward, created_at, last_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (factory_id, worker_id) DO UPDATE SET
			dimension = EXCLUDED.dimension,
			a_matrix = EXCLUDED.a_matrix,
			a_inverse = EXCLUDED.a_inverse,
			b_vector = EXCLUDED.b_vector,
			update_count = EXCLUDED.update_count,
			total_reward = EXCLUDED.total_reward,
			avg_reward = EXCLUDED.avg_reward,
			last_updated_at = EXCLUDED.last_updated_at`,
		m.FactoryID, m.WorkerID, Dimension, state.A, state.AInverse, state.B,
		m.UpdateCount, m.TotalReward, m.AvgReward, m.CreatedAt, m.LastUpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save bandit model %s: %w", m.Key(), err)
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, key Key) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM bandit_models WHERE factory_id = $1 AND worker_id = $2`,
		key.FactoryID, key.WorkerID)
	if err != nil {
		return fmt.Errorf("failed to delete bandit model %s: %w", key, err)
	}
	return nil
}

func (r *PostgresRepository) DeleteAll(ctx context.Context, factoryID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM bandit_models WHERE factory_id = $1`, factoryID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete bandit models for factory %s: %w", factoryID, err)
	}
	return tag.RowsAffected(), nil
}

// List skips rows whose state cannot be decoded; they are rebuilt on the
// next GetOrCreate for that worker.
func (r *PostgresRepository) List(ctx context.Context, factoryID string) ([]*Model, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+modelColumns+` FROM bandit_models WHERE factory_id = $1 ORDER BY worker_id`,
		factoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bandit models: %w", err)
	}
	defer rows.Close()

	out := make([]*Model, 0)
	for rows.Next() {
		m, err := scanModel(rows, factoryID)
		if errors.Is(err, ErrCorruptModel) {
			r.logger.WithFields(logrus.Fields{
				"factory_id": factoryID,
				"worker_id":  m.WorkerID,
			}).WithError(err).Warn("Skipping corrupt bandit model")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to scan bandit model: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bandit models: %w", err)
	}
	return out, nil
}

// scanModel returns a partially filled model alongside ErrCorruptModel so
// callers can still log which worker was affected.
func scanModel(row pgx.Row, factoryID string) (*Model, error) {
	var (
		m         = &Model{FactoryID: factoryID}
		dimension int
		state     State
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&m.WorkerID, &dimension, &state.A, &state.AInverse, &state.B,
		&m.UpdateCount, &m.TotalReward, &m.AvgReward, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m.CreatedAt, m.LastUpdatedAt = createdAt, updatedAt

	if dimension != Dimension {
		return m, fmt.Errorf("%w: stored dimension %d", ErrCorruptModel, dimension)
	}
	if err := m.DecodeState(state); err != nil {
		return m, err
	}
	return m, nil
}
