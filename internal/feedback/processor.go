package feedback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/temcen/workalloc/internal/bandit"
	"github.com/temcen/workalloc/internal/config"
	"github.com/temcen/workalloc/internal/features"
)

// ModelUpdater applies rewards to bandit models. ApplyBatch must be called
// with the lock returned by Lock held.
type ModelUpdater interface {
	Lock(factoryID string, workerID int64) (unlock func())
	ApplyBatch(ctx context.Context, factoryID string, workerID int64, obs []bandit.Observation, commit bandit.Commit) (*bandit.Model, error)
}

// Allocation is the input to RecordAllocation.
type Allocation struct {
	FactoryID       string
	TaskID          string
	StageType       string
	ProductTypeID   string
	Complexity      *float64
	WorkerID        int64
	Context         []float64
	PredictedScore  float64
	PlannedQuantity *float64
	PlannedHours    *float64
}

// CompletionResult reports the outcome of CompleteFeedback.
type CompletionResult struct {
	Feedback *Feedback `json:"feedback"`
	Reward   Reward    `json:"reward"`
	// Applied is true when the model was updated as part of the call.
	Applied bool `json:"applied"`
}

// Processor records allocations and turns completed outcomes into bandit
// updates, either immediately or in batches.
type Processor struct {
	store   Store
	models  ModelUpdater
	rewards RewardCalculator
	cfg     config.FeedbackConfig
	logger  *logrus.Logger
	now     func() time.Time
}

func NewProcessor(store Store, models ModelUpdater, rewards RewardCalculator, cfg config.FeedbackConfig, logger *logrus.Logger) *Processor {
	return &Processor{
		store:   store,
		models:  models,
		rewards: rewards,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the time source.
func (p *Processor) SetClock(now func() time.Time) { p.now = now }

// RecordAllocation persists a pending feedback record. It does not touch
// the model.
func (p *Processor) RecordAllocation(ctx context.Context, a Allocation) (*Feedback, error) {
	if strings.TrimSpace(a.FactoryID) == "" {
		return nil, fmt.Errorf("%w: factory id is required", ErrInvalidAllocation)
	}
	if a.WorkerID <= 0 {
		return nil, fmt.Errorf("%w: worker id must be positive", ErrInvalidAllocation)
	}
	if err := validContext(a.Context); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAllocation, err)
	}

	f := &Feedback{
		ID:              uuid.NewString(),
		FactoryID:       a.FactoryID,
		TaskID:          a.TaskID,
		StageType:       features.CanonicalStage(a.StageType),
		ProductTypeID:   a.ProductTypeID,
		Complexity:      a.Complexity,
		WorkerID:        a.WorkerID,
		Context:         append([]float64(nil), a.Context...),
		PredictedScore:  a.PredictedScore,
		PlannedQuantity: a.PlannedQuantity,
		PlannedHours:    a.PlannedHours,
		AssignedAt:      p.now(),
	}
	if err := p.store.Insert(ctx, f); err != nil {
		return nil, err
	}

	p.logger.WithFields(logrus.Fields{
		"feedback_id": f.ID,
		"factory_id":  f.FactoryID,
		"worker_id":   f.WorkerID,
		"stage_type":  f.StageType,
	}).Debug("Allocation recorded")
	return f, nil
}

// CompleteFeedback stores the outcome and its reward. The record stays
// unprocessed until a batch or immediate update applies it.
func (p *Processor) CompleteFeedback(ctx context.Context, id string, o Outcome) (*CompletionResult, error) {
	f, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.Completed() {
		return nil, ErrAlreadyCompleted
	}

	r := p.rewards.Compute(f.PlannedQuantity, f.PlannedHours, o)
	c := Completion{
		ActualQuantity: o.ActualQuantity,
		ActualHours:    o.ActualHours,
		ActualQuality:  r.Quality,
		IsOvertime:     r.IsOvertime,
		Reward:         r.Value,
		CompletedAt:    p.now(),
	}
	if err := p.store.Complete(ctx, id, c); err != nil {
		return nil, err
	}

	f.ActualQuantity = &c.ActualQuantity
	f.ActualHours = &c.ActualHours
	f.ActualQuality = &c.ActualQuality
	f.IsOvertime = c.IsOvertime
	f.Reward = &c.Reward
	f.CompletedAt = &c.CompletedAt

	p.logger.WithFields(logrus.Fields{
		"feedback_id": id,
		"worker_id":   f.WorkerID,
		"efficiency":  r.Efficiency,
		"reward":      r.Value,
		"overtime":    r.IsOvertime,
	}).Info("Feedback completed")
	return &CompletionResult{Feedback: f, Reward: r}, nil
}

// CompleteFeedbackWithImmediateUpdate completes the record and applies it to
// the model right away. Failures in the update leave the record for the next
// batch run; they are logged, not returned.
func (p *Processor) CompleteFeedbackWithImmediateUpdate(ctx context.Context, id string, o Outcome) (*CompletionResult, error) {
	res, err := p.CompleteFeedback(ctx, id, o)
	if err != nil {
		return nil, err
	}

	applied, err := p.applyGroup(context.WithoutCancel(ctx), []*Feedback{res.Feedback})
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"feedback_id": id,
			"worker_id":   res.Feedback.WorkerID,
		}).WithError(err).Warn("Immediate model update failed, leaving feedback for batch")
		return res, nil
	}
	res.Applied = applied == 1
	if res.Applied {
		now := p.now()
		res.Feedback.IsProcessed = true
		res.Feedback.ProcessedAt = &now
	}
	return res, nil
}

// ProcessUnprocessedFeedbacks applies every completed, unprocessed record of
// a factory that is younger than the batch age cutoff. Records are grouped
// per worker; each group is applied under that model's lock and marked
// processed in one write. It returns the number of records applied.
func (p *Processor) ProcessUnprocessedFeedbacks(ctx context.Context, factoryID string) (int, error) {
	since := p.now().Add(-p.cfg.BatchAgeCutoff)
	pending, err := p.store.ListPending(ctx, factoryID, since, p.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending feedback: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	var order []int64
	groups := make(map[int64][]*Feedback)
	for _, f := range pending {
		if _, ok := groups[f.WorkerID]; !ok {
			order = append(order, f.WorkerID)
		}
		groups[f.WorkerID] = append(groups[f.WorkerID], f)
	}

	var (
		mu    sync.Mutex
		total int
	)
	g, gctx := errgroup.WithContext(ctx)
	if p.cfg.BatchParallel > 0 {
		g.SetLimit(p.cfg.BatchParallel)
	}
	for _, workerID := range order {
		group := groups[workerID]
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			n, err := p.applyGroup(context.WithoutCancel(gctx), group)
			if err != nil {
				p.logger.WithFields(logrus.Fields{
					"factory_id": factoryID,
					"worker_id":  workerID,
				}).WithError(err).Warn("Failed to apply feedback group")
			}
			mu.Lock()
			total += n
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	p.logger.WithFields(logrus.Fields{
		"factory_id": factoryID,
		"pending":    len(pending),
		"processed":  total,
	}).Info("Batch feedback processing finished")
	return total, ctx.Err()
}

// applyGroup applies records that share one model. The processed flags are
// re-read under the model lock so a record applied concurrently by another
// path is skipped. The updated model and the processed flags are committed
// together, so a failed commit leaves both untouched for the next run.
func (p *Processor) applyGroup(ctx context.Context, group []*Feedback) (int, error) {
	if len(group) == 0 {
		return 0, nil
	}
	factoryID, workerID := group[0].FactoryID, group[0].WorkerID

	unlock := p.models.Lock(factoryID, workerID)
	defer unlock()

	ids := make([]string, len(group))
	for i, f := range group {
		ids[i] = f.ID
	}
	processed, err := p.store.ProcessedAmong(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to check processed state: %w", err)
	}

	var (
		applied []string
		obs     []bandit.Observation
	)
	for _, f := range group {
		if processed[f.ID] {
			continue
		}
		log := p.logger.WithFields(logrus.Fields{
			"feedback_id": f.ID,
			"factory_id":  f.FactoryID,
			"worker_id":   f.WorkerID,
		})
		if f.Reward == nil || math.IsNaN(*f.Reward) || math.IsInf(*f.Reward, 0) {
			log.Warn("Skipping feedback without usable reward")
			continue
		}
		if err := validContext(f.Context); err != nil {
			log.WithError(err).Warn("Skipping feedback with unusable context")
			continue
		}
		applied = append(applied, f.ID)
		obs = append(obs, bandit.Observation{X: f.Context, Reward: *f.Reward})
	}
	if len(applied) == 0 {
		return 0, nil
	}

	at := p.now()
	_, err = p.models.ApplyBatch(ctx, factoryID, workerID, obs, func(ctx context.Context, m *bandit.Model) error {
		return p.store.CommitProcessed(ctx, m, applied, at)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to apply %d feedback records: %w", len(applied), err)
	}
	return len(applied), nil
}

// FactoriesWithPending lists factories the batch scheduler should visit.
func (p *Processor) FactoriesWithPending(ctx context.Context) ([]string, error) {
	return p.store.FactoriesWithPending(ctx, p.now().Add(-p.cfg.BatchAgeCutoff))
}

// Get returns a feedback record.
func (p *Processor) Get(ctx context.Context, id string) (*Feedback, error) {
	return p.store.Get(ctx, id)
}

func validContext(x []float64) error {
	if len(x) != bandit.Dimension {
		return fmt.Errorf("context has %d components, want %d", len(x), bandit.Dimension)
	}
	for i, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("context component %d is not finite", i)
		}
	}
	return nil
}

// IsClientError reports whether err was caused by the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyCompleted) || errors.Is(err, ErrInvalidAllocation)
}
