package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const responseCachePrefix = "workalloc:resp"

// ResponseCache stores successful GET responses per factory in Redis. Writes
// to a factory drop its entries; anything else ages out after the TTL.
type ResponseCache struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

// NewResponseCache returns nil when caching is disabled. A nil cache passes
// every request through.
func NewResponseCache(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *ResponseCache {
	if client == nil || ttl <= 0 {
		return nil
	}
	return &ResponseCache{redis: client, ttl: ttl, logger: logger}
}

type cachedResponse struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

type cacheWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *cacheWriter) Write(data []byte) (int, error) {
	w.body.Write(data)
	return w.ResponseWriter.Write(data)
}

func (w *cacheWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// Cache serves GET requests from Redis and stores 200 responses.
func (rc *ResponseCache) Cache() gin.HandlerFunc {
	return func(c *gin.Context) {
		factoryID := c.Param("factoryId")
		if rc == nil || c.Request.Method != http.MethodGet || factoryID == "" {
			c.Next()
			return
		}

		key := cacheKey(factoryID, c.Request.URL.Path, c.Request.URL.RawQuery)
		if raw, err := rc.redis.Get(c.Request.Context(), key).Bytes(); err == nil {
			var cached cachedResponse
			if err := json.Unmarshal(raw, &cached); err == nil {
				c.Header("X-Cache", "HIT")
				c.Data(cached.StatusCode, cached.ContentType, cached.Body)
				c.Abort()
				return
			}
		} else if err != redis.Nil {
			rc.logger.WithError(err).Debug("Response cache lookup failed")
		}

		writer := &cacheWriter{ResponseWriter: c.Writer}
		c.Writer = writer
		c.Header("X-Cache", "MISS")

		c.Next()

		if writer.Status() != http.StatusOK || writer.body.Len() == 0 {
			return
		}
		data, err := json.Marshal(cachedResponse{
			StatusCode:  writer.Status(),
			ContentType: writer.Header().Get("Content-Type"),
			Body:        writer.body.Bytes(),
		})
		if err != nil {
			return
		}
		if err := rc.redis.Set(context.WithoutCancel(c.Request.Context()), key, data, rc.ttl).Err(); err != nil {
			rc.logger.WithError(err).WithField("factory_id", factoryID).Warn("Failed to cache response")
		}
	}
}

// Invalidate drops a factory's cached responses after a successful write.
func (rc *ResponseCache) Invalidate() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		factoryID := c.Param("factoryId")
		if rc == nil || c.Request.Method == http.MethodGet || factoryID == "" {
			return
		}
		if c.Writer.Status() >= http.StatusBadRequest {
			return
		}
		if err := rc.Purge(context.WithoutCancel(c.Request.Context()), factoryID); err != nil {
			rc.logger.WithError(err).WithField("factory_id", factoryID).Warn("Failed to invalidate response cache")
		}
	}
}

// Purge deletes every cached response of a factory.
func (rc *ResponseCache) Purge(ctx context.Context, factoryID string) error {
	iter := rc.redis.Scan(ctx, 0, fmt.Sprintf("%s:%s:*", responseCachePrefix, factoryID), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return rc.redis.Del(ctx, keys...).Err()
}

func cacheKey(factoryID, path, query string) string {
	return fmt.Sprintf("%s:%s:%016x", responseCachePrefix, factoryID, xxhash.Sum64String(path+"?"+query))
}
