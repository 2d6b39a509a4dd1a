package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/temcen/workalloc/internal/bandit"
	"github.com/temcen/workalloc/internal/config"
	"github.com/temcen/workalloc/internal/diversity"
	"github.com/temcen/workalloc/internal/features"
	"github.com/temcen/workalloc/internal/feedback"
	"github.com/temcen/workalloc/internal/messaging"
	"github.com/temcen/workalloc/pkg/models"
)

// ErrPlanNotFound is returned when a production plan id cannot be resolved
// and no task info was sent along.
var ErrPlanNotFound = errors.New("production plan not found")

// EventPublisher emits allocation audit events. Nil disables publishing.
type EventPublisher interface {
	Publish(ctx context.Context, event messaging.AllocationEvent) error
}

// HistoryInvalidator drops cached allocation history of a factory.
type HistoryInvalidator interface {
	Invalidate(ctx context.Context, factoryID string) error
}

// AllocationService is the caller-facing API of the allocation engine. It
// composes feature extraction, LinUCB ranking, diversity reranking and the
// feedback loop.
type AllocationService struct {
	engineer    *features.Engineer
	tasks       features.TaskSource
	recommender *bandit.Recommender
	processor   *feedback.Processor
	reranker    *diversity.Reranker
	history     HistoryInvalidator
	events      EventPublisher
	metrics     *Metrics
	cfg         *config.Config
	logger      *logrus.Logger
	now         func() time.Time
}

// AllocationDeps groups the collaborators of AllocationService. Tasks,
// History, Events and Metrics are optional.
type AllocationDeps struct {
	Engineer    *features.Engineer
	Tasks       features.TaskSource
	Recommender *bandit.Recommender
	Processor   *feedback.Processor
	Reranker    *diversity.Reranker
	History     HistoryInvalidator
	Events      EventPublisher
	Metrics     *Metrics
}

func NewAllocationService(deps AllocationDeps, cfg *config.Config, logger *logrus.Logger) *AllocationService {
	return &AllocationService{
		engineer:    deps.Engineer,
		tasks:       deps.Tasks,
		recommender: deps.Recommender,
		processor:   deps.Processor,
		reranker:    deps.Reranker,
		history:     deps.History,
		events:      deps.Events,
		metrics:     deps.Metrics,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// Recommend ranks the candidate workers for one task. An empty candidate
// list or factory id yields an empty ranking.
func (s *AllocationService) Recommend(ctx context.Context, factoryID string, req *models.RecommendationRequest) (*models.RecommendationResponse, error) {
	start := s.now()
	mode := req.Mode
	if mode == "" {
		mode = models.ModeFull
	}

	resp := &models.RecommendationResponse{
		FactoryID:       factoryID,
		Mode:            mode,
		Recommendations: []models.WorkerRecommendation{},
		GeneratedAt:     start,
	}

	ids := uniqueIDs(req.CandidateWorkerIDs)
	if len(ids) == 0 || strings.TrimSpace(factoryID) == "" {
		resp.StageType = features.CanonicalStage(req.StageType)
		return resp, nil
	}

	info, err := s.resolveTask(ctx, factoryID, req.TaskInfo, req.ProductionPlanID)
	if err != nil {
		return nil, err
	}
	if req.StageType != "" {
		info.StageType = req.StageType
	}
	stage := features.CanonicalStage(info.StageType)
	resp.StageType = stage

	taskFeatures, taskDefaults := s.engineer.ExtractTaskFeatures(ctx, factoryID, info)
	s.metrics.observeDefaults(taskDefaults)
	resp.DefaultedTask = taskDefaults

	candidates := s.engineer.ExtractCandidates(ctx, factoryID, taskFeatures, stage, ids)
	for _, c := range candidates {
		s.metrics.observeDefaults(c.Defaults)
	}

	ranked, err := s.recommender.Rank(ctx, factoryID, candidates)
	if err != nil {
		return nil, err
	}

	byWorker := make(map[int64]bandit.Recommendation, len(ranked))
	divCandidates := make([]diversity.Candidate, len(ranked))
	for i, r := range ranked {
		byWorker[r.WorkerID] = r
		divCandidates[i] = diversity.Candidate{
			WorkerID:    r.WorkerID,
			BanditScore: r.UCB,
			IsTemporary: r.Candidate.Worker.IsTemporary(),
			StageSkill:  r.Candidate.Worker.StageSkill,
		}
	}

	task := diversity.Task{
		StageType:     stage,
		ProductTypeID: info.ProductTypeID,
		Complexity:    rawComplexity(taskFeatures, taskDefaults),
	}
	opts := diversity.Options{IncludeExcluded: req.IncludeExcluded, Limit: req.Limit}

	var results []diversity.Result
	if mode == models.ModeMMR {
		results = s.reranker.ApplyMMR(ctx, factoryID, task, divCandidates, opts)
	} else {
		results = s.reranker.Rerank(ctx, factoryID, task, divCandidates, opts)
	}

	excluded := 0
	for i, res := range results {
		rec := byWorker[res.WorkerID]
		if res.Excluded {
			excluded++
		}
		resp.Recommendations = append(resp.Recommendations, models.WorkerRecommendation{
			WorkerID:           res.WorkerID,
			Rank:               i + 1,
			Score:              res.FinalScore,
			UCBScore:           rec.UCB,
			ExpectedEfficiency: rec.ExpectedReward,
			ConfidenceWidth:    rec.ConfidenceWidth,
			UpdateCount:        rec.UpdateCount,
			Explanation:        explain(rec.Explanation, res),
			Excluded:           res.Excluded,
			Diversity: models.DiversityBreakdown{
				FairnessBonus:         res.FairnessBonus,
				SkillMaintenanceBonus: res.SkillMaintenanceBonus,
				RepetitionPenalty:     res.RepetitionPenalty,
				LearningBonus:         res.LearningBonus,
				ComplexityBonus:       res.ComplexityBonus,
				SeverePenalty:         res.SeverePenalty,
				HistorySimilarity:     res.Similarity,
				ConsecutiveDays:       res.ConsecutiveDays,
			},
			Context:           rec.Candidate.Context,
			DefaultedFeatures: rec.Candidate.Defaults,
		})
	}

	s.metrics.observeRecommendation(mode, len(ids), excluded, s.now().Sub(start))
	s.logger.WithFields(logrus.Fields{
		"factory_id": factoryID,
		"stage_type": stage,
		"candidates": len(ids),
		"returned":   len(resp.Recommendations),
		"mode":       mode,
	}).Debug("Recommendation generated")
	return resp, nil
}

// RecordAllocation stores a pending feedback record for an assignment the
// caller made. A missing context vector is extracted from the request.
func (s *AllocationService) RecordAllocation(ctx context.Context, factoryID string, req *models.AllocationRequest) (*models.AllocationResponse, error) {
	x := req.Context
	predicted := req.PredictedScore

	if len(x) == 0 {
		info := features.TaskInfoFromMap(req.TaskInfo)
		info.StageType = req.StageType
		if info.ProductTypeID == "" {
			info.ProductTypeID = req.ProductTypeID
		}
		if info.Complexity == nil {
			info.Complexity = req.Complexity
		}
		if info.Quantity == nil {
			info.Quantity = req.PlannedQuantity
		}
		tf, defaults := s.engineer.ExtractTaskFeatures(ctx, factoryID, info)
		s.metrics.observeDefaults(defaults)
		cands := s.engineer.ExtractCandidates(ctx, factoryID, tf, features.CanonicalStage(req.StageType), []int64{req.WorkerID})
		x = cands[0].Context
	}

	if predicted == nil {
		score, err := s.recommender.ComputeUCB(ctx, factoryID, req.WorkerID, x)
		if err == nil {
			predicted = &score.UCB
		}
	}
	var predictedScore float64
	if predicted != nil {
		predictedScore = *predicted
	}

	f, err := s.processor.RecordAllocation(ctx, feedback.Allocation{
		FactoryID:       factoryID,
		TaskID:          req.TaskID,
		StageType:       req.StageType,
		ProductTypeID:   req.ProductTypeID,
		Complexity:      req.Complexity,
		WorkerID:        req.WorkerID,
		Context:         x,
		PredictedScore:  predictedScore,
		PlannedQuantity: req.PlannedQuantity,
		PlannedHours:    req.PlannedHours,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.observeAllocation()

	if s.history != nil {
		if err := s.history.Invalidate(ctx, factoryID); err != nil {
			s.logger.WithError(err).WithField("factory_id", factoryID).Warn("Failed to invalidate allocation history cache")
		}
	}
	s.publish(ctx, messaging.AllocationEvent{
		Type:           messaging.EventAllocationRecorded,
		FactoryID:      f.FactoryID,
		WorkerID:       f.WorkerID,
		FeedbackID:     f.ID,
		TaskID:         f.TaskID,
		StageType:      f.StageType,
		PredictedScore: &f.PredictedScore,
	})

	return &models.AllocationResponse{
		FeedbackID:     f.ID,
		FactoryID:      f.FactoryID,
		WorkerID:       f.WorkerID,
		StageType:      f.StageType,
		PredictedScore: f.PredictedScore,
		AssignedAt:     f.AssignedAt,
	}, nil
}

// CompleteFeedback records a task outcome. With immediate set the worker's
// model is updated in the same call.
func (s *AllocationService) CompleteFeedback(ctx context.Context, feedbackID string, req *models.CompleteFeedbackRequest, immediate bool) (*models.CompleteFeedbackResponse, error) {
	outcome := feedback.Outcome{
		ActualQuantity: req.ActualQuantity,
		ActualHours:    req.ActualHours,
		QualityScore:   req.QualityScore,
	}

	var (
		res *feedback.CompletionResult
		err error
	)
	if immediate {
		res, err = s.processor.CompleteFeedbackWithImmediateUpdate(ctx, feedbackID, outcome)
	} else {
		res, err = s.processor.CompleteFeedback(ctx, feedbackID, outcome)
	}
	if err != nil {
		return nil, err
	}

	s.metrics.observeCompletion(res.Reward.Value, res.Applied)

	f := res.Feedback
	reward := res.Reward.Value
	s.publish(ctx, messaging.AllocationEvent{
		Type:       messaging.EventFeedbackCompleted,
		FactoryID:  f.FactoryID,
		WorkerID:   f.WorkerID,
		FeedbackID: f.ID,
		TaskID:     f.TaskID,
		StageType:  f.StageType,
		Reward:     &reward,
		Applied:    res.Applied,
	})

	resp := &models.CompleteFeedbackResponse{
		FeedbackID: f.ID,
		WorkerID:   f.WorkerID,
		Reward:     reward,
		Efficiency: res.Reward.Efficiency,
		Quality:    res.Reward.Quality,
		IsOvertime: res.Reward.IsOvertime,
		Applied:    res.Applied,
	}
	if f.CompletedAt != nil {
		resp.CompletedAt = *f.CompletedAt
	}
	return resp, nil
}

// HandleTaskOutcome applies an outcome message from the task-outcome topic.
// Redelivered outcomes of already completed records are acknowledged.
func (s *AllocationService) HandleTaskOutcome(ctx context.Context, msg messaging.TaskOutcome) error {
	_, err := s.CompleteFeedback(ctx, msg.FeedbackID, &models.CompleteFeedbackRequest{
		ActualQuantity: msg.ActualQuantity,
		ActualHours:    msg.ActualHours,
		QualityScore:   msg.QualityScore,
	}, true)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, feedback.ErrAlreadyCompleted):
		s.logger.WithField("feedback_id", msg.FeedbackID).Info("Task outcome already applied")
		return nil
	case feedback.IsClientError(err):
		return messaging.Permanent(err)
	default:
		return err
	}
}

// RunBatchUpdate applies every completed, unprocessed feedback record of a
// factory.
func (s *AllocationService) RunBatchUpdate(ctx context.Context, factoryID string) (*models.BatchUpdateResponse, error) {
	n, err := s.processor.ProcessUnprocessedFeedbacks(ctx, factoryID)
	s.metrics.observeBatch(n, err)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		s.publish(ctx, messaging.AllocationEvent{
			Type:      messaging.EventModelUpdated,
			FactoryID: factoryID,
		})
	}
	return &models.BatchUpdateResponse{
		FactoryID:   factoryID,
		Processed:   n,
		CompletedAt: s.now(),
	}, nil
}

// RunAllBatches runs RunBatchUpdate for every factory with pending
// feedback. A failing factory does not stop the others.
func (s *AllocationService) RunAllBatches(ctx context.Context) (int, error) {
	factories, err := s.processor.FactoriesWithPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list factories with pending feedback: %w", err)
	}

	total := 0
	for _, factoryID := range factories {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		res, err := s.RunBatchUpdate(ctx, factoryID)
		if err != nil {
			s.logger.WithError(err).WithField("factory_id", factoryID).Error("Batch update failed")
			continue
		}
		total += res.Processed
	}
	return total, nil
}

func (s *AllocationService) GetPerformanceRanking(ctx context.Context, factoryID string, limit int) (*models.PerformanceResponse, error) {
	ranking, err := s.recommender.Store().PerformanceRanking(ctx, factoryID, limit)
	if err != nil {
		return nil, err
	}
	resp := &models.PerformanceResponse{
		FactoryID: factoryID,
		Workers:   make([]models.WorkerPerformance, 0, len(ranking)),
	}
	for _, r := range ranking {
		resp.Workers = append(resp.Workers, models.WorkerPerformance{
			WorkerID:      r.WorkerID,
			UpdateCount:   r.UpdateCount,
			AvgReward:     r.AvgReward,
			TotalReward:   r.TotalReward,
			LastUpdatedAt: r.LastUpdatedAt,
		})
	}
	return resp, nil
}

func (s *AllocationService) ListModels(ctx context.Context, factoryID string) (*models.ModelListResponse, error) {
	stored, err := s.recommender.Store().List(ctx, factoryID)
	if err != nil {
		return nil, err
	}
	resp := &models.ModelListResponse{
		FactoryID: factoryID,
		Models:    make([]models.ModelSummary, 0, len(stored)),
	}
	for _, m := range stored {
		resp.Models = append(resp.Models, models.ModelSummary{
			WorkerID:      m.WorkerID,
			UpdateCount:   m.UpdateCount,
			AvgReward:     m.AvgReward,
			TotalReward:   m.TotalReward,
			CreatedAt:     m.CreatedAt,
			LastUpdatedAt: m.LastUpdatedAt,
		})
	}
	sort.Slice(resp.Models, func(i, j int) bool { return resp.Models[i].WorkerID < resp.Models[j].WorkerID })
	return resp, nil
}

// GetModel exports a stored model for debugging.
func (s *AllocationService) GetModel(ctx context.Context, factoryID string, workerID int64) (*bandit.Export, error) {
	m, err := s.recommender.Store().Get(ctx, factoryID, workerID)
	if err != nil {
		return nil, err
	}
	export := m.Export()
	return &export, nil
}

func (s *AllocationService) ResetModel(ctx context.Context, factoryID string, workerID int64) error {
	if err := s.recommender.Store().Reset(ctx, factoryID, workerID); err != nil {
		return err
	}
	s.metrics.observeReset(1)
	s.publish(ctx, messaging.AllocationEvent{
		Type:      messaging.EventModelReset,
		FactoryID: factoryID,
		WorkerID:  workerID,
	})
	return nil
}

func (s *AllocationService) ResetAllModels(ctx context.Context, factoryID string) (int64, error) {
	n, err := s.recommender.Store().ResetAll(ctx, factoryID)
	if err != nil {
		return 0, err
	}
	s.metrics.observeReset(n)
	s.publish(ctx, messaging.AllocationEvent{
		Type:      messaging.EventModelReset,
		FactoryID: factoryID,
	})
	return n, nil
}

// GroupFeatures aggregates capacity statistics over a group of workers.
func (s *AllocationService) GroupFeatures(ctx context.Context, factoryID string, workerIDs []int64) features.GroupFeatures {
	return s.engineer.ExtractWorkerGroupFeatures(ctx, factoryID, uniqueIDs(workerIDs))
}

// resolveTask prefers a production plan when one is referenced. If the
// plan cannot be read the loose task info is used instead.
func (s *AllocationService) resolveTask(ctx context.Context, factoryID string, raw map[string]interface{}, planID *int64) (features.TaskInfo, error) {
	loose := features.TaskInfoFromMap(raw)
	if planID == nil || s.tasks == nil {
		return loose, nil
	}

	info, err := s.tasks.GetProductionPlan(ctx, factoryID, *planID)
	if err == nil {
		return mergeTaskInfo(info, loose), nil
	}
	log := s.logger.WithFields(logrus.Fields{"factory_id": factoryID, "production_plan_id": *planID})
	if len(raw) == 0 {
		log.WithError(err).Warn("Production plan lookup failed")
		return features.TaskInfo{}, fmt.Errorf("%w: %d", ErrPlanNotFound, *planID)
	}
	log.WithError(err).Warn("Production plan lookup failed, using task info")
	return loose, nil
}

// mergeTaskInfo fills gaps of the plan from the loose description.
func mergeTaskInfo(plan, loose features.TaskInfo) features.TaskInfo {
	if plan.Quantity == nil {
		plan.Quantity = loose.Quantity
	}
	if plan.DeadlineHours == nil && plan.Deadline == nil {
		plan.DeadlineHours = loose.DeadlineHours
		plan.Deadline = loose.Deadline
	}
	if plan.Priority == nil {
		plan.Priority = loose.Priority
	}
	if plan.Complexity == nil {
		plan.Complexity = loose.Complexity
	}
	if plan.PlannedHours == nil {
		plan.PlannedHours = loose.PlannedHours
	}
	if plan.ProductTypeID == "" {
		plan.ProductTypeID = loose.ProductTypeID
	}
	if plan.WorkshopID == "" {
		plan.WorkshopID = loose.WorkshopID
	}
	if plan.StageType == "" {
		plan.StageType = loose.StageType
	}
	return plan
}

func (s *AllocationService) publish(ctx context.Context, event messaging.AllocationEvent) {
	if s.events == nil {
		return
	}
	event.Timestamp = s.now()
	if err := s.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		s.metrics.observePublishFailure()
		s.logger.WithError(err).WithFields(logrus.Fields{
			"event_type": event.Type,
			"factory_id": event.FactoryID,
		}).Warn("Failed to publish allocation event")
	}
}

// rawComplexity recovers the 1-5 complexity the features were built from,
// or nil when it was defaulted.
func rawComplexity(tf features.TaskFeatures, defaults features.Defaults) *float64 {
	if defaults.Has(features.DefaultComplexity) {
		return nil
	}
	c := 1 + 4*tf.Complexity
	return &c
}

func explain(base string, res diversity.Result) string {
	var notes []string
	if base != "" {
		notes = append(notes, base)
	}
	switch {
	case res.Excluded:
		notes = append(notes, fmt.Sprintf("excluded for rotation after %d consecutive days on this stage", res.ConsecutiveDays))
	case res.SeverePenalty < 0:
		notes = append(notes, fmt.Sprintf("%d consecutive days on this stage", res.ConsecutiveDays))
	}
	if res.FairnessBonus >= 1 {
		notes = append(notes, "no recent allocations")
	}
	return strings.Join(notes, "; ")
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
