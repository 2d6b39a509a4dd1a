package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temcen/workalloc/pkg/models"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type stubLimiter struct {
	allowed bool
	err     error
	keys    []string
}

func (s *stubLimiter) IsAllowed(_ context.Context, key string) (bool, *models.RateLimitInfo, error) {
	s.keys = append(s.keys, key)
	if s.err != nil {
		return false, nil, s.err
	}
	return s.allowed, &models.RateLimitInfo{Limit: 10, Remaining: 0, ResetTime: 1}, nil
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name    string
		limiter *stubLimiter
		status  int
	}{
		{"allowed", &stubLimiter{allowed: true}, http.StatusOK},
		{"exceeded", &stubLimiter{allowed: false}, http.StatusTooManyRequests},
		{"limiter failure lets request through", &stubLimiter{err: errors.New("redis down")}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.POST("/factories/:factoryId/recommendations", RateLimit(tt.limiter, quietLogger()), func(c *gin.Context) {
				c.Status(http.StatusOK)
			})

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/factories/f1/recommendations", nil))

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, []string{"factory:f1"}, tt.limiter.keys)
		})
	}
}

func TestResponseCache(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	rc := NewResponseCache(client, time.Minute, quietLogger())
	require.NotNil(t, rc)

	calls := 0
	r := gin.New()
	g := r.Group("/factories/:factoryId")
	g.Use(rc.Invalidate())
	g.GET("/performance", rc.Cache(), func(c *gin.Context) {
		calls++
		c.JSON(http.StatusOK, gin.H{"calls": calls})
	})
	g.DELETE("/models", func(c *gin.Context) { c.Status(http.StatusOK) })

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	w := get("/factories/f1/performance?limit=5")
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
	w = get("/factories/f1/performance?limit=5")
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))
	assert.JSONEq(t, `{"calls":1}`, w.Body.String())
	assert.Equal(t, 1, calls)

	get("/factories/f1/performance?limit=6")
	assert.Equal(t, 2, calls, "query is part of the key")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/factories/f1/models", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = get("/factories/f1/performance?limit=5")
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
	assert.Equal(t, 3, calls)
}

func TestResponseCache_DisabledPassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rc := NewResponseCache(nil, time.Minute, quietLogger())
	assert.Nil(t, rc)

	calls := 0
	r := gin.New()
	r.GET("/factories/:factoryId/performance", rc.Cache(), func(c *gin.Context) {
		calls++
		c.Status(http.StatusOK)
	})
	for i := 0; i < 2; i++ {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/factories/f1/performance", nil))
	}
	assert.Equal(t, 2, calls)
}

func TestCompression(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/model", Compression(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"dimension": 16})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/model", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
	zr, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.JSONEq(t, `{"dimension":16}`, string(body))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/model", nil))
	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.JSONEq(t, `{"dimension":16}`, w.Body.String())
}
