package diversity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/temcen/workalloc/internal/feedback"
)

// HistorySource returns assignments of the given workers made at or after
// since, oldest first.
type HistorySource interface {
	Assignments(ctx context.Context, factoryID string, workerIDs []int64, since time.Time) ([]feedback.Assignment, error)
}

// CachedHistory serves history from Redis for a short TTL. Stale reads only
// shift advisory scores, so a miss or Redis failure simply falls through to
// the underlying source.
type CachedHistory struct {
	source HistorySource
	redis  *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

func NewCachedHistory(source HistorySource, client *redis.Client, ttl time.Duration, logger *logrus.Logger) *CachedHistory {
	return &CachedHistory{source: source, redis: client, ttl: ttl, logger: logger}
}

func (c *CachedHistory) Assignments(ctx context.Context, factoryID string, workerIDs []int64, since time.Time) ([]feedback.Assignment, error) {
	if c.redis == nil || c.ttl <= 0 {
		return c.source.Assignments(ctx, factoryID, workerIDs, since)
	}

	key := historyKey(factoryID, workerIDs, since)
	data, err := c.redis.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached []feedback.Assignment
		if err := json.Unmarshal(data, &cached); err == nil {
			return cached, nil
		}
		c.logger.WithField("key", key).Warn("Discarding undecodable history cache entry")
	case !errors.Is(err, redis.Nil):
		c.logger.WithError(err).Warn("History cache read failed")
	}

	history, err := c.source.Assignments(ctx, factoryID, workerIDs, since)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(history); err == nil {
		if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.WithError(err).Warn("History cache write failed")
		}
	}
	return history, nil
}

// Invalidate drops every cached history entry of a factory. Called after a
// new allocation so the next ranking sees it.
func (c *CachedHistory) Invalidate(ctx context.Context, factoryID string) error {
	if c.redis == nil {
		return nil
	}
	iter := c.redis.Scan(ctx, 0, historyPrefix(factoryID)+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan history cache: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return c.redis.Del(ctx, keys...).Err()
}

func historyPrefix(factoryID string) string {
	return "workalloc:history:" + factoryID + ":"
}

func historyKey(factoryID string, workerIDs []int64, since time.Time) string {
	ids := slices.Clone(workerIDs)
	slices.Sort(ids)
	h := xxhash.New()
	for _, id := range ids {
		_, _ = h.WriteString(strconv.FormatInt(id, 10))
		_, _ = h.WriteString(",")
	}
	return fmt.Sprintf("%s%d:%016x", historyPrefix(factoryID), since.Unix(), h.Sum64())
}
