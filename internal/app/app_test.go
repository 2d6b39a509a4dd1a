package app

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temcen/workalloc/internal/config"
	"github.com/temcen/workalloc/internal/handlers"
	"github.com/temcen/workalloc/internal/middleware"
	"github.com/temcen/workalloc/internal/validation"
)

func TestSetupLogger(t *testing.T) {
	cfg := config.Default()

	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"
	logger := setupLogger(cfg)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	cfg.Logging.Level = "nonsense"
	cfg.Logging.Format = "text"
	logger = setupLogger(cfg)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}

func TestRegisterRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	schemas, err := validation.NewSchemaValidator()
	require.NoError(t, err)
	h := handlers.NewAllocationHandler(logrus.New(), nil, schemas, false)

	r := gin.New()
	registerRoutes(r.Group("/api/v1"), routeDeps{
		handler:    h,
		validation: middleware.NewValidationMiddleware(schemas),
	})

	got := map[string]bool{}
	for _, route := range r.Routes() {
		got[route.Method+" "+route.Path] = true
	}

	want := []string{
		http.MethodPost + " /api/v1/factories/:factoryId/recommendations",
		http.MethodPost + " /api/v1/factories/:factoryId/recommendations/mmr",
		http.MethodPost + " /api/v1/factories/:factoryId/allocations",
		http.MethodPost + " /api/v1/feedback/:feedbackId/complete",
		http.MethodPost + " /api/v1/factories/:factoryId/batch-update",
		http.MethodGet + " /api/v1/factories/:factoryId/performance",
		http.MethodGet + " /api/v1/factories/:factoryId/models",
		http.MethodGet + " /api/v1/factories/:factoryId/models/:workerId",
		http.MethodDelete + " /api/v1/factories/:factoryId/models/:workerId",
		http.MethodDelete + " /api/v1/factories/:factoryId/models",
		http.MethodPost + " /api/v1/factories/:factoryId/workers/group-features",
	}
	for _, route := range want {
		assert.True(t, got[route], route)
	}
}
