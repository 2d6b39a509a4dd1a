package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/temcen/workalloc/internal/config"
	"github.com/temcen/workalloc/pkg/models"
)

const rateLimitTimeout = time.Second

// RateLimitService enforces a sliding window of requests per key using one
// Redis sorted set per key. Rejected attempts count against the window.
type RateLimitService struct {
	cfg         config.RateLimitConfig
	redisClient *redis.Client
	now         func() time.Time
}

func NewRateLimitService(cfg config.RateLimitConfig, redisClient *redis.Client) *RateLimitService {
	return &RateLimitService{
		cfg:         cfg,
		redisClient: redisClient,
		now:         time.Now,
	}
}

// IsAllowed records one request for key and reports whether it fits in the
// window.
func (s *RateLimitService) IsAllowed(ctx context.Context, key string) (bool, *models.RateLimitInfo, error) {
	now := s.now()
	window := s.cfg.Window
	redisKey := "rate_limit:" + key

	ctx, cancel := context.WithTimeout(ctx, rateLimitTimeout)
	defer cancel()

	pipe := s.redisClient.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(now.Add(-window).UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, redisKey)
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.NewString(),
	})
	pipe.Expire(ctx, redisKey, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, nil, fmt.Errorf("failed to execute rate limit pipeline: %w", err)
	}

	prior := int(countCmd.Val())
	info := &models.RateLimitInfo{
		Limit:     s.cfg.Requests,
		Remaining: s.cfg.Requests - prior - 1,
		ResetTime: now.Add(window).Unix(),
	}
	if info.Remaining < 0 {
		info.Remaining = 0
	}
	return prior < s.cfg.Requests, info, nil
}
