package handlers

import (
	"github.com/sirupsen/logrus"

	"github.com/temcen/workalloc/internal/config"
	"github.com/temcen/workalloc/internal/services"
	"github.com/temcen/workalloc/internal/validation"
)

type Handlers struct {
	Health     *HealthHandler
	Allocation *AllocationHandler
}

func New(cfg *config.Config, logger *logrus.Logger, services *services.Services, schemas *validation.SchemaValidator) *Handlers {
	return &Handlers{
		Health:     NewHealthHandler(logger, services.Health),
		Allocation: NewAllocationHandler(logger, services.Allocation, schemas, cfg.Feedback.ImmediateUpdate),
	}
}
