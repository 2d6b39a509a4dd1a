package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temcen/workalloc/internal/validation"
	"github.com/temcen/workalloc/pkg/models"
)

func testRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	sv, err := validation.NewSchemaValidator()
	require.NoError(t, err)
	vm := NewValidationMiddleware(sv)

	r := gin.New()
	r.Use(RequestID(), Logger(logger), Recovery(logger))
	r.POST("/factories/:factoryId/recommendations", vm.ValidatePathParams(), vm.ValidateRecommendationRequest(), func(c *gin.Context) {
		var body map[string]interface{}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusTeapot)
			return
		}
		c.JSON(http.StatusOK, body)
	})
	r.GET("/factories/:factoryId/models/:workerId", vm.ValidatePathParams(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	r.GET("/panic", func(c *gin.Context) { panic("boom") })
	return r
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestValidationMiddleware_Body(t *testing.T) {
	r := testRouter(t)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"valid body is passed on", `{"candidate_worker_ids":[1,2]}`, http.StatusOK, ""},
		{"empty body", ``, http.StatusBadRequest, "EMPTY_BODY"},
		{"schema violation", `{"candidate_worker_ids":"1,2"}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"malformed json", `{"candidate_worker_ids":[1,`, http.StatusBadRequest, "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/factories/f1/recommendations", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.code != "" {
				assert.Equal(t, tt.code, decodeError(t, w).Error.Code)
			}
		})
	}
}

func TestValidationMiddleware_PathParams(t *testing.T) {
	r := testRouter(t)

	tests := []struct {
		path   string
		status int
	}{
		{"/factories/f1/models/12", http.StatusNoContent},
		{"/factories/f1/models/abc", http.StatusBadRequest},
		{"/factories/f1/models/0", http.StatusBadRequest},
		{"/factories/f1/models/12?limit=5000", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestRequestID(t *testing.T) {
	r := testRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/factories/f1/models/1", nil))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/factories/f1/models/1", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))
}

func TestRecovery(t *testing.T) {
	r := testRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_SERVER_ERROR", decodeError(t, w).Error.Code)
}
