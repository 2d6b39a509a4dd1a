package services

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/temcen/workalloc/internal/bandit"
	"github.com/temcen/workalloc/internal/config"
	"github.com/temcen/workalloc/internal/database"
	"github.com/temcen/workalloc/internal/diversity"
	"github.com/temcen/workalloc/internal/features"
	"github.com/temcen/workalloc/internal/feedback"
	"github.com/temcen/workalloc/internal/messaging"
)

type Services struct {
	Allocation *AllocationService
	Health     *HealthService
	Metrics    *Metrics
	// Scheduler is nil when the batch schedule is disabled.
	Scheduler *BatchScheduler
	// MessageBus is nil when Kafka is disabled.
	MessageBus *messaging.MessageBus
	// RateLimit is nil without Redis or when rate limiting is disabled.
	RateLimit *RateLimitService
}

// New wires the allocation engine on top of PostgreSQL, the optional Redis
// history cache and the optional Kafka bus.
func New(cfg *config.Config, logger *logrus.Logger, db *database.Database, bus *messaging.MessageBus, reg prometheus.Registerer) (*Services, error) {
	metrics := NewMetrics(reg)

	feedbackStore := feedback.NewPostgresStore(db.PG, cfg.Reward.MaxEfficiency)

	modelStore := bandit.NewStore(
		bandit.NewPostgresRepository(db.PG, logger),
		cfg.Bandit.Lambda,
		logger,
		bandit.WithCache(bandit.NewModelCache(cfg.Bandit.ModelCacheSize, cfg.Bandit.ModelCacheTTL)),
	)
	recommender := bandit.NewRecommender(modelStore, cfg.Bandit.Alpha, logger)

	processor := feedback.NewProcessor(
		feedbackStore,
		recommender,
		feedback.NewRewardCalculator(cfg.Reward),
		cfg.Feedback,
		logger,
	)

	loc := diversity.LoadLocation(cfg.Diversity.TimeZone, logger)
	engineer := features.NewEngineer(
		features.NewPostgresWorkerSource(db.PG),
		features.NewPostgresComplexityProvider(db.PG),
		feedbackStore,
		cfg.Features,
		logger,
		features.WithLocation(loc),
	)

	var (
		history     diversity.HistorySource = feedbackStore
		invalidator HistoryInvalidator
	)
	nonCritical := map[string]Check{}
	if db.Redis != nil {
		cached := diversity.NewCachedHistory(feedbackStore, db.Redis, cfg.Diversity.HistoryCacheTTL, logger)
		history, invalidator = cached, cached
		nonCritical["redis"] = func(ctx context.Context) error { return db.Redis.Ping(ctx).Err() }
	}
	reranker := diversity.NewReranker(history, cfg.Diversity, logger, diversity.WithLocation(loc))

	var events EventPublisher
	if bus != nil {
		events = bus.Publisher()
	}

	allocation := NewAllocationService(AllocationDeps{
		Engineer:    engineer,
		Tasks:       features.NewPostgresTaskSource(db.PG),
		Recommender: recommender,
		Processor:   processor,
		Reranker:    reranker,
		History:     invalidator,
		Events:      events,
		Metrics:     metrics,
	}, cfg, logger)

	health := NewHealthService(
		map[string]Check{"postgresql": db.PG.Ping},
		nonCritical,
		reg,
		logger,
	)

	svc := &Services{
		Allocation: allocation,
		Health:     health,
		Metrics:    metrics,
		MessageBus: bus,
	}

	if db.Redis != nil && cfg.Security.RateLimit.Enabled {
		svc.RateLimit = NewRateLimitService(cfg.Security.RateLimit, db.Redis)
	}

	if cfg.Scheduler.Enabled {
		scheduler, err := NewBatchScheduler(allocation, cfg.Scheduler.BatchUpdateCron, logger)
		if err != nil {
			return nil, err
		}
		svc.Scheduler = scheduler
	}

	return svc, nil
}
