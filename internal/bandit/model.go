package bandit

import (
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"
)

const (
	// Dimension of the context vector: 8 task + 8 worker features.
	Dimension = 16
	// DefaultLambda is the ridge regularization used to seed A.
	DefaultLambda = 1.0
	// DefaultAlpha scales the exploration bonus.
	DefaultAlpha = 0.5
)

var (
	ErrModelNotFound     = errors.New("bandit model not found")
	ErrCorruptModel      = errors.New("bandit model state is corrupt")
	ErrDimensionMismatch = errors.New("context dimension mismatch")
)

// Key identifies one model.
type Key struct {
	FactoryID string
	WorkerID  int64
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d", k.FactoryID, k.WorkerID)
}

// Model is the ridge-regression state of one (factory, worker) pair.
type Model struct {
	FactoryID     string
	WorkerID      int64
	A             *mat.Dense
	AInverse      *mat.Dense
	B             *mat.VecDense
	UpdateCount   int
	TotalReward   float64
	AvgReward     float64
	CreatedAt     time.Time
	LastUpdatedAt time.Time
}

// NewModel returns a fresh model with A = λI, A⁻¹ = I/λ and b = 0.
func NewModel(factoryID string, workerID int64, lambda float64, now time.Time) *Model {
	if lambda <= 0 {
		lambda = DefaultLambda
	}
	return &Model{
		FactoryID:     factoryID,
		WorkerID:      workerID,
		A:             identity(Dimension, lambda),
		AInverse:      identity(Dimension, 1/lambda),
		B:             mat.NewVecDense(Dimension, nil),
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
}

func (m *Model) Key() Key {
	return Key{FactoryID: m.FactoryID, WorkerID: m.WorkerID}
}

// Clone returns a deep copy.
func (m *Model) Clone() *Model {
	c := *m
	c.A = mat.DenseCopyOf(m.A)
	c.AInverse = mat.DenseCopyOf(m.AInverse)
	c.B = mat.VecDenseCopyOf(m.B)
	return &c
}

// Theta returns the coefficient estimate A⁻¹·b.
func (m *Model) Theta() *mat.VecDense {
	theta := mat.NewVecDense(Dimension, nil)
	theta.MulVec(m.AInverse, m.B)
	return theta
}

// update folds one observation into the model.
func (m *Model) update(x *mat.VecDense, reward float64, now time.Time) {
	m.A.RankOne(m.A, 1, x, x)
	m.B.AddScaledVec(m.B, reward, x)
	m.AInverse = Invert(m.A)

	m.UpdateCount++
	m.TotalReward += reward
	m.AvgReward = m.TotalReward / float64(m.UpdateCount)
	m.LastUpdatedAt = now
}

// State is the compact binary form persisted for a model.
type State struct {
	A        []byte
	AInverse []byte
	B        []byte
}

// EncodeState serializes the matrices with gonum's binary encoding.
func (m *Model) EncodeState() (State, error) {
	var (
		s   State
		err error
	)
	if s.A, err = m.A.MarshalBinary(); err != nil {
		return s, fmt.Errorf("failed to encode A: %w", err)
	}
	if s.AInverse, err = m.AInverse.MarshalBinary(); err != nil {
		return s, fmt.Errorf("failed to encode A inverse: %w", err)
	}
	if s.B, err = m.B.MarshalBinary(); err != nil {
		return s, fmt.Errorf("failed to encode b: %w", err)
	}
	return s, nil
}

// DecodeState restores matrices into m. Any decode or shape problem is
// reported as ErrCorruptModel.
func (m *Model) DecodeState(s State) error {
	var a, aInv mat.Dense
	var b mat.VecDense

	if err := a.UnmarshalBinary(s.A); err != nil {
		return fmt.Errorf("%w: A: %v", ErrCorruptModel, err)
	}
	if err := aInv.UnmarshalBinary(s.AInverse); err != nil {
		return fmt.Errorf("%w: A inverse: %v", ErrCorruptModel, err)
	}
	if err := b.UnmarshalBinary(s.B); err != nil {
		return fmt.Errorf("%w: b: %v", ErrCorruptModel, err)
	}
	if r, c := a.Dims(); r != Dimension || c != Dimension {
		return fmt.Errorf("%w: A is %dx%d", ErrCorruptModel, r, c)
	}
	if r, c := aInv.Dims(); r != Dimension || c != Dimension {
		return fmt.Errorf("%w: A inverse is %dx%d", ErrCorruptModel, r, c)
	}
	if b.Len() != Dimension {
		return fmt.Errorf("%w: b has length %d", ErrCorruptModel, b.Len())
	}

	m.A, m.AInverse, m.B = &a, &aInv, &b
	return nil
}

// Export is the JSON debug view of a model. It is never used for storage.
type Export struct {
	FactoryID     string      `json:"factory_id"`
	WorkerID      int64       `json:"worker_id"`
	Dimension     int         `json:"dimension"`
	A             [][]float64 `json:"a"`
	AInverse      [][]float64 `json:"a_inverse"`
	B             []float64   `json:"b"`
	Theta         []float64   `json:"theta"`
	UpdateCount   int         `json:"update_count"`
	TotalReward   float64     `json:"total_reward"`
	AvgReward     float64     `json:"avg_reward"`
	CreatedAt     time.Time   `json:"created_at"`
	LastUpdatedAt time.Time   `json:"last_updated_at"`
}

func (m *Model) Export() Export {
	return Export{
		FactoryID:     m.FactoryID,
		WorkerID:      m.WorkerID,
		Dimension:     Dimension,
		A:             rows(m.A),
		AInverse:      rows(m.AInverse),
		B:             mat.Col(nil, 0, m.B),
		Theta:         mat.Col(nil, 0, m.Theta()),
		UpdateCount:   m.UpdateCount,
		TotalReward:   m.TotalReward,
		AvgReward:     m.AvgReward,
		CreatedAt:     m.CreatedAt,
		LastUpdatedAt: m.LastUpdatedAt,
	}
}
