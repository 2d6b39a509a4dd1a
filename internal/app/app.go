package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/temcen/workalloc/internal/config"
	"github.com/temcen/workalloc/internal/database"
	"github.com/temcen/workalloc/internal/handlers"
	"github.com/temcen/workalloc/internal/messaging"
	"github.com/temcen/workalloc/internal/middleware"
	"github.com/temcen/workalloc/internal/services"
	"github.com/temcen/workalloc/internal/validation"
)

type App struct {
	config     *config.Config
	logger     *logrus.Logger
	db         *database.Database
	bus        *messaging.MessageBus
	services   *services.Services
	handlers   *handlers.Handlers
	validation *middleware.ValidationMiddleware
	registry   *prometheus.Registry
	router     *gin.Engine

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{
		config:   cfg,
		logger:   setupLogger(cfg),
		registry: prometheus.NewRegistry(),
	}
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	db, err := database.New(cfg, app.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.Kafka.Enabled {
		app.bus = messaging.NewMessageBus(cfg.Kafka, app.logger)
	}

	svc, err := services.New(cfg, app.logger, db, app.bus, app.registry)
	if err != nil {
		app.closeClients()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	app.services = svc

	schemas, err := validation.NewSchemaValidator()
	if err != nil {
		app.closeClients()
		return nil, fmt.Errorf("failed to load schemas: %w", err)
	}
	app.validation = middleware.NewValidationMiddleware(schemas)
	app.handlers = handlers.New(cfg, app.logger, svc, schemas)

	app.setupRouter()

	return app, nil
}

func (a *App) Router() *gin.Engine {
	return a.router
}

// Start launches the background workers: the batch update schedule and the
// task outcome consumer.
func (a *App) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.services.Scheduler != nil {
		a.services.Scheduler.Start()
	}

	if a.bus != nil {
		consumer := a.bus.Consumer()
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.logger.WithField("topic", a.config.Kafka.Topics.TaskOutcomes).Info("Task outcome consumer started")
			if err := consumer.Run(ctx, a.services.Allocation.HandleTaskOutcome); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.WithError(err).Error("Task outcome consumer stopped")
			}
		}()
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down application...")

	if a.services.Scheduler != nil {
		a.services.Scheduler.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("Timed out waiting for background workers")
	}

	return a.closeClients()
}

func (a *App) closeClients() error {
	var errs []error
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.db.Close(); err != nil {
		a.logger.WithError(err).Error("Error closing database connections")
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func setupLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	return logger
}

func (a *App) setupRouter() {
	if a.config.Server.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(a.logger))
	router.Use(middleware.Recovery(a.logger))
	router.Use(middleware.CORS(a.config.Security.CORS))

	router.GET("/health", a.handlers.Health.Check)

	if a.config.Monitoring.Enabled {
		path := a.config.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, gin.WrapH(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry})))
	}

	rd := routeDeps{
		handler:    a.handlers.Allocation,
		validation: a.validation,
		cache:      middleware.NewResponseCache(a.db.Redis, a.config.Server.ResponseCacheTTL, a.logger),
	}
	if a.services.RateLimit != nil {
		rd.rateLimit = middleware.RateLimit(a.services.RateLimit, a.logger)
	}
	registerRoutes(router.Group("/api/v1"), rd)

	a.router = router
}

type routeDeps struct {
	handler    *handlers.AllocationHandler
	validation *middleware.ValidationMiddleware
	cache      *middleware.ResponseCache
	// rateLimit guards the recommendation endpoints; nil disables it.
	rateLimit gin.HandlerFunc
}

func registerRoutes(api *gin.RouterGroup, rd routeDeps) {
	h, vm := rd.handler, rd.validation
	limit := rd.rateLimit
	if limit == nil {
		limit = func(c *gin.Context) { c.Next() }
	}

	api.Use(vm.ValidatePathParams())

	factories := api.Group("/factories/:factoryId")
	factories.Use(rd.cache.Invalidate())
	{
		factories.POST("/recommendations", limit, vm.ValidateRecommendationRequest(), h.Recommend)
		factories.POST("/recommendations/mmr", limit, vm.ValidateRecommendationRequest(), h.RecommendMMR)
		factories.POST("/allocations", vm.ValidateAllocationRequest(), h.RecordAllocation)
		factories.POST("/batch-update", h.RunBatchUpdate)
		factories.GET("/performance", rd.cache.Cache(), h.GetPerformance)
		factories.POST("/workers/group-features", h.GroupFeatures)

		models := factories.Group("/models")
		{
			models.GET("", middleware.Compression(), rd.cache.Cache(), h.ListModels)
			models.DELETE("", h.ResetAllModels)
			models.GET("/:workerId", middleware.Compression(), h.GetModel)
			models.DELETE("/:workerId", h.ResetModel)
		}
	}

	api.POST("/feedback/:feedbackId/complete", vm.ValidateTaskOutcome(), h.CompleteFeedback)
}
