package middleware

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/temcen/workalloc/pkg/models"
)

// RateLimiter decides whether one more request for key is allowed.
type RateLimiter interface {
	IsAllowed(ctx context.Context, key string) (bool, *models.RateLimitInfo, error)
}

// RateLimit throttles requests per factory. Limiter failures let the request
// through.
func RateLimit(limiter RateLimiter, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		factoryID := c.Param("factoryId")
		if factoryID == "" {
			c.Next()
			return
		}

		allowed, info, err := limiter.IsAllowed(c.Request.Context(), "factory:"+factoryID)
		if err != nil {
			logger.WithError(err).WithField("factory_id", factoryID).Warn("Failed to check rate limit")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime, 10))

		if !allowed {
			logger.WithFields(logrus.Fields{
				"factory_id": factoryID,
				"limit":      info.Limit,
			}).Warn("Rate limit exceeded")

			c.AbortWithStatusJSON(http.StatusTooManyRequests, models.ErrorResponse{
				Error: models.ErrorDetail{
					Code:    "RATE_LIMIT_EXCEEDED",
					Message: "Rate limit exceeded. Please try again later.",
					Details: info,
				},
			})
			return
		}

		c.Next()
	}
}
