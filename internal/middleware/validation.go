package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/temcen/workalloc/internal/validation"
	"github.com/temcen/workalloc/pkg/models"
)

const maxBodyBytes = 1 << 20

// ValidationMiddleware validates request bodies and path parameters before
// they reach the handlers.
type ValidationMiddleware struct {
	validator *validation.SchemaValidator
}

func NewValidationMiddleware(validator *validation.SchemaValidator) *ValidationMiddleware {
	return &ValidationMiddleware{validator: validator}
}

func (vm *ValidationMiddleware) ValidateRecommendationRequest() gin.HandlerFunc {
	return vm.validateRequestBody(validation.RecommendationRequest)
}

func (vm *ValidationMiddleware) ValidateAllocationRequest() gin.HandlerFunc {
	return vm.validateRequestBody(validation.AllocationRequest)
}

func (vm *ValidationMiddleware) ValidateTaskOutcome() gin.HandlerFunc {
	return vm.validateRequestBody(validation.TaskOutcome)
}

func (vm *ValidationMiddleware) validateRequestBody(schemaName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		bodyBytes, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
		if err != nil {
			abortWithError(c, http.StatusBadRequest, "BODY_READ_ERROR", "Failed to read request body", err.Error())
			return
		}
		if len(bodyBytes) > maxBodyBytes {
			abortWithError(c, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "Request body is too large", nil)
			return
		}
		if len(bytes.TrimSpace(bodyBytes)) == 0 {
			abortWithError(c, http.StatusBadRequest, "EMPTY_BODY", "Request body is required", nil)
			return
		}

		c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))

		result := vm.validator.ValidateJSON(schemaName, bodyBytes)
		if !result.Valid {
			abortWithError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Request validation failed", map[string]interface{}{
				"validationErrors": result.Errors,
				"fieldErrors":      result.FieldErrors(),
			})
			return
		}
		c.Next()
	}
}

// ValidatePathParams checks the numeric path parameters and the limit query.
func (vm *ValidationMiddleware) ValidatePathParams() gin.HandlerFunc {
	return func(c *gin.Context) {
		var errs []validation.ValidationError

		if factoryID := c.Param("factoryId"); factoryID != "" && len(factoryID) > 64 {
			errs = append(errs, validation.ValidationError{
				Field:   "factoryId",
				Message: "Factory ID must be at most 64 characters",
				Code:    "INVALID_PATH_PARAM",
				Value:   factoryID,
			})
		}
		if workerID := c.Param("workerId"); workerID != "" {
			if n, err := strconv.ParseInt(workerID, 10, 64); err != nil || n <= 0 {
				errs = append(errs, validation.ValidationError{
					Field:   "workerId",
					Message: "Worker ID must be a positive integer",
					Code:    "INVALID_PATH_PARAM",
					Value:   workerID,
				})
			}
		}
		if limit := c.Query("limit"); limit != "" {
			if n, err := strconv.Atoi(limit); err != nil || n < 1 || n > 1000 {
				errs = append(errs, validation.ValidationError{
					Field:   "limit",
					Message: "Limit must be an integer between 1 and 1000",
					Code:    "INVALID_QUERY_PARAM",
					Value:   limit,
				})
			}
		}
		if immediate := c.Query("immediate"); immediate != "" {
			if _, err := strconv.ParseBool(immediate); err != nil {
				errs = append(errs, validation.ValidationError{
					Field:   "immediate",
					Message: "Immediate must be true or false",
					Code:    "INVALID_QUERY_PARAM",
					Value:   immediate,
				})
			}
		}

		if len(errs) > 0 {
			result := validation.ValidationResult{Errors: errs}
			abortWithError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Request validation failed", map[string]interface{}{
				"validationErrors": errs,
				"fieldErrors":      result.FieldErrors(),
			})
			return
		}
		c.Next()
	}
}

func abortWithError(c *gin.Context, status int, code, message string, details interface{}) {
	c.AbortWithStatusJSON(status, models.ErrorResponse{
		Error: models.ErrorDetail{Code: code, Message: message, Details: details},
	})
}
