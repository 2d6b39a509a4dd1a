package bandit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/temcen/workalloc/internal/features"
)

// Score is the LinUCB evaluation of one worker for one context.
// ConfidenceWidth is sqrt(xᵀA⁻¹x) before scaling by alpha.
type Score struct {
	WorkerID        int64   `json:"worker_id"`
	UCB             float64 `json:"ucb_score"`
	ExpectedReward  float64 `json:"expected_reward"`
	ConfidenceWidth float64 `json:"confidence_width"`
	UpdateCount     int     `json:"update_count"`
	Explanation     string  `json:"explanation"`
}

// Recommendation pairs a scored candidate with its features.
type Recommendation struct {
	Score
	Candidate features.Candidate `json:"-"`
}

// Recommender scores and updates LinUCB models.
type Recommender struct {
	store  *Store
	alpha  float64
	logger *logrus.Logger
	now    func() time.Time
}

func NewRecommender(store *Store, alpha float64, logger *logrus.Logger) *Recommender {
	if alpha <= 0 {
		alpha = DefaultAlpha
	}
	return &Recommender{store: store, alpha: alpha, logger: logger, now: time.Now}
}

// Store exposes the model store the recommender works against.
func (r *Recommender) Store() *Store { return r.store }

// Lock acquires the write lock of one model. See ApplyBatch.
func (r *Recommender) Lock(factoryID string, workerID int64) func() {
	return r.store.Lock(factoryID, workerID)
}

// Evaluate computes the UCB score of x under m.
func (r *Recommender) Evaluate(m *Model, x []float64) (Score, error) {
	if len(x) != Dimension {
		return Score{}, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(x), Dimension)
	}
	xv := mat.NewVecDense(Dimension, append([]float64(nil), x...))

	expected := mat.Dot(m.Theta(), xv)
	variance := mat.Inner(xv, m.AInverse, xv)
	if variance < 0 {
		variance = 0
	}
	width := math.Sqrt(variance)

	s := Score{
		WorkerID:        m.WorkerID,
		UCB:             expected + r.alpha*width,
		ExpectedReward:  expected,
		ConfidenceWidth: width,
		UpdateCount:     m.UpdateCount,
	}
	s.Explanation = Explain(s)
	return s, nil
}

// ComputeUCB scores one worker without modifying its model.
func (r *Recommender) ComputeUCB(ctx context.Context, factoryID string, workerID int64, x []float64) (Score, error) {
	m, err := r.store.Snapshot(ctx, factoryID, workerID)
	if err != nil {
		return Score{}, err
	}
	return r.Evaluate(m, x)
}

// Rank scores every candidate and returns them ordered by UCB, highest first.
// Ties keep input order. A candidate whose model cannot be loaded is scored
// against the prior. Only cancellation aborts the ranking.
func (r *Recommender) Rank(ctx context.Context, factoryID string, candidates []features.Candidate) ([]Recommendation, error) {
	out := make([]Recommendation, 0, len(candidates))
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		m, err := r.store.Snapshot(ctx, factoryID, c.WorkerID)
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"factory_id": factoryID,
				"worker_id":  c.WorkerID,
			}).WithError(err).Warn("Failed to load bandit model, scoring with prior")
			m = NewModel(factoryID, c.WorkerID, r.store.lambda, r.now())
		}

		s, err := r.Evaluate(m, c.Context)
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"factory_id": factoryID,
				"worker_id":  c.WorkerID,
			}).WithError(err).Warn("Invalid context vector")
			s = Score{WorkerID: c.WorkerID, UpdateCount: m.UpdateCount, Explanation: "Invalid context vector"}
		}
		out = append(out, Recommendation{Score: s, Candidate: c})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].UCB > out[j].UCB })
	return out, nil
}

// Observation is one context vector and the reward observed for it.
type Observation struct {
	X      []float64
	Reward float64
}

// Commit persists a model that ApplyBatch has updated.
type Commit func(ctx context.Context, m *Model) error

// UpdateModel folds an observed reward into the worker's model. It
// serializes with other writers of the same model and, once started, runs to
// completion even if ctx is cancelled.
func (r *Recommender) UpdateModel(ctx context.Context, factoryID string, workerID int64, x []float64, reward float64) (*Model, error) {
	unlock := r.Lock(factoryID, workerID)
	defer unlock()
	return r.ApplyBatch(ctx, factoryID, workerID, []Observation{{X: x, Reward: reward}}, r.store.repo.Save)
}

// ApplyBatch folds obs into the worker's model in order and passes the
// result to commit, which must persist it. Nothing is written when any
// observation is invalid or commit fails. The caller holds Lock for the
// model.
func (r *Recommender) ApplyBatch(ctx context.Context, factoryID string, workerID int64, obs []Observation, commit Commit) (*Model, error) {
	for _, o := range obs {
		if len(o.X) != Dimension {
			return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(o.X), Dimension)
		}
		if math.IsNaN(o.Reward) || math.IsInf(o.Reward, 0) {
			return nil, fmt.Errorf("invalid reward %v", o.Reward)
		}
	}
	ctx = context.WithoutCancel(ctx)

	key := Key{FactoryID: factoryID, WorkerID: workerID}
	m, err := r.store.loadForUpdate(ctx, key)
	if err != nil {
		return nil, err
	}

	now := r.now()
	for _, o := range obs {
		m.update(mat.NewVecDense(Dimension, append([]float64(nil), o.X...)), o.Reward, now)
	}
	if err := commit(ctx, m); err != nil {
		r.store.evict(key)
		return nil, err
	}
	r.store.cachePut(m)

	r.logger.WithFields(logrus.Fields{
		"factory_id":   factoryID,
		"worker_id":    workerID,
		"observations": len(obs),
		"update_count": m.UpdateCount,
		"avg_reward":   m.AvgReward,
	}).Debug("Bandit model updated")
	return m.Clone(), nil
}

// Explain renders a short human-readable reason for a score.
func Explain(s Score) string {
	var parts []string
	if s.UpdateCount < 5 {
		parts = append(parts, "new worker, exploration recommended")
	}
	if s.ConfidenceWidth > 0.3 {
		parts = append(parts, "limited history")
	}
	switch {
	case s.ExpectedReward > 0.8:
		parts = append(parts, "high predicted efficiency")
	case s.ExpectedReward < 0.5:
		parts = append(parts, "low predicted efficiency")
	}
	if len(parts) == 0 {
		return "balanced expected reward and confidence"
	}
	return strings.Join(parts, "; ")
}
