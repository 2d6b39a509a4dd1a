package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/temcen/workalloc/internal/bandit"
	"github.com/temcen/workalloc/internal/feedback"
	"github.com/temcen/workalloc/internal/services"
	"github.com/temcen/workalloc/internal/validation"
	"github.com/temcen/workalloc/pkg/models"
)

const defaultPerformanceLimit = 20

type AllocationHandler struct {
	logger           *logrus.Logger
	allocationSvc    services.AllocationServiceInterface
	schemas          *validation.SchemaValidator
	validator        *validator.Validate
	immediateDefault bool
}

func NewAllocationHandler(logger *logrus.Logger, allocationSvc services.AllocationServiceInterface, schemas *validation.SchemaValidator, immediateDefault bool) *AllocationHandler {
	return &AllocationHandler{
		logger:           logger,
		allocationSvc:    allocationSvc,
		schemas:          schemas,
		validator:        validator.New(),
		immediateDefault: immediateDefault,
	}
}

func (h *AllocationHandler) Recommend(c *gin.Context) {
	h.recommend(c, "")
}

// RecommendMMR reranks with maximal marginal relevance regardless of the
// mode in the body.
func (h *AllocationHandler) RecommendMMR(c *gin.Context) {
	h.recommend(c, models.ModeMMR)
}

func (h *AllocationHandler) recommend(c *gin.Context, mode string) {
	var req models.RecommendationRequest
	if !h.bind(c, &req) {
		return
	}
	if mode != "" {
		req.Mode = mode
	}
	if req.TaskInfo != nil && !h.validTaskInfo(c, req.TaskInfo) {
		return
	}

	resp, err := h.allocationSvc.Recommend(c.Request.Context(), c.Param("factoryId"), &req)
	if err != nil {
		h.respondError(c, err, "Failed to generate recommendations")
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *AllocationHandler) RecordAllocation(c *gin.Context) {
	var req models.AllocationRequest
	if !h.bind(c, &req) {
		return
	}
	if req.TaskInfo != nil && !h.validTaskInfo(c, req.TaskInfo) {
		return
	}

	resp, err := h.allocationSvc.RecordAllocation(c.Request.Context(), c.Param("factoryId"), &req)
	if err != nil {
		h.respondError(c, err, "Failed to record allocation")
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *AllocationHandler) CompleteFeedback(c *gin.Context) {
	var req models.CompleteFeedbackRequest
	if !h.bind(c, &req) {
		return
	}

	immediate := h.immediateDefault
	if raw := c.Query("immediate"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_QUERY_PARAM", "immediate must be true or false", nil)
			return
		}
		immediate = v
	}

	resp, err := h.allocationSvc.CompleteFeedback(c.Request.Context(), c.Param("feedbackId"), &req, immediate)
	if err != nil {
		h.respondError(c, err, "Failed to complete feedback")
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *AllocationHandler) RunBatchUpdate(c *gin.Context) {
	resp, err := h.allocationSvc.RunBatchUpdate(c.Request.Context(), c.Param("factoryId"))
	if err != nil {
		h.respondError(c, err, "Batch update failed")
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *AllocationHandler) GetPerformance(c *gin.Context) {
	limit := defaultPerformanceLimit
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			writeError(c, http.StatusBadRequest, "INVALID_QUERY_PARAM", "limit must be a positive integer", nil)
			return
		}
		limit = v
	}

	resp, err := h.allocationSvc.GetPerformanceRanking(c.Request.Context(), c.Param("factoryId"), limit)
	if err != nil {
		h.respondError(c, err, "Failed to load performance ranking")
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *AllocationHandler) ListModels(c *gin.Context) {
	resp, err := h.allocationSvc.ListModels(c.Request.Context(), c.Param("factoryId"))
	if err != nil {
		h.respondError(c, err, "Failed to list models")
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *AllocationHandler) GetModel(c *gin.Context) {
	workerID, ok := workerIDParam(c)
	if !ok {
		return
	}
	export, err := h.allocationSvc.GetModel(c.Request.Context(), c.Param("factoryId"), workerID)
	if err != nil {
		h.respondError(c, err, "Failed to load model")
		return
	}
	c.JSON(http.StatusOK, export)
}

func (h *AllocationHandler) ResetModel(c *gin.Context) {
	workerID, ok := workerIDParam(c)
	if !ok {
		return
	}
	factoryID := c.Param("factoryId")
	if err := h.allocationSvc.ResetModel(c.Request.Context(), factoryID, workerID); err != nil {
		h.respondError(c, err, "Failed to reset model")
		return
	}
	c.JSON(http.StatusOK, models.ResetResponse{FactoryID: factoryID, WorkerID: &workerID, Reset: 1})
}

func (h *AllocationHandler) ResetAllModels(c *gin.Context) {
	factoryID := c.Param("factoryId")
	n, err := h.allocationSvc.ResetAllModels(c.Request.Context(), factoryID)
	if err != nil {
		h.respondError(c, err, "Failed to reset models")
		return
	}
	c.JSON(http.StatusOK, models.ResetResponse{FactoryID: factoryID, Reset: n})
}

func (h *AllocationHandler) GroupFeatures(c *gin.Context) {
	var req models.GroupFeaturesRequest
	if !h.bind(c, &req) {
		return
	}
	c.JSON(http.StatusOK, h.allocationSvc.GroupFeatures(c.Request.Context(), c.Param("factoryId"), req.WorkerIDs))
}

func (h *AllocationHandler) bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		h.logger.WithError(err).Debug("Failed to bind request")
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format", err.Error())
		return false
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed", err.Error())
		return false
	}
	return true
}

func (h *AllocationHandler) validTaskInfo(c *gin.Context, info map[string]interface{}) bool {
	if h.schemas == nil {
		return true
	}
	result := h.schemas.ValidateTaskInfo(info)
	if result.Valid {
		return true
	}
	writeError(c, http.StatusBadRequest, "INVALID_TASK_INFO", "Task info validation failed", result.FieldErrors())
	return false
}

func (h *AllocationHandler) respondError(c *gin.Context, err error, message string) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithField("path", c.FullPath()).Error(message)
		writeError(c, status, code, message, nil)
		return
	}
	writeError(c, status, code, err.Error(), nil)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, feedback.ErrNotFound):
		return http.StatusNotFound, "FEEDBACK_NOT_FOUND"
	case errors.Is(err, feedback.ErrAlreadyCompleted):
		return http.StatusConflict, "FEEDBACK_ALREADY_COMPLETED"
	case errors.Is(err, feedback.ErrInvalidAllocation):
		return http.StatusBadRequest, "INVALID_ALLOCATION"
	case errors.Is(err, bandit.ErrModelNotFound):
		return http.StatusNotFound, "MODEL_NOT_FOUND"
	case errors.Is(err, services.ErrPlanNotFound):
		return http.StatusNotFound, "PLAN_NOT_FOUND"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func workerIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("workerId"), 10, 64)
	if err != nil || id <= 0 {
		writeError(c, http.StatusBadRequest, "INVALID_WORKER_ID", "Worker ID must be a positive integer", nil)
		return 0, false
	}
	return id, true
}

func writeError(c *gin.Context, status int, code, message string, details interface{}) {
	c.JSON(status, models.ErrorResponse{
		Error: models.ErrorDetail{Code: code, Message: message, Details: details},
	})
}
