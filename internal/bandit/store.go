package bandit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

// ModelCache holds recently used models in front of the repository.
type ModelCache struct {
	lru *expirable.LRU[Key, *Model]
}

// NewModelCache returns a cache bounded by size entries, each expiring ttl
// after insertion.
func NewModelCache(size int, ttl time.Duration) *ModelCache {
	if size <= 0 {
		size = 1024
	}
	return &ModelCache{lru: expirable.NewLRU[Key, *Model](size, nil, ttl)}
}

func (c *ModelCache) get(key Key) (*Model, bool) {
	m, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

func (c *ModelCache) put(m *Model) {
	c.lru.Add(m.Key(), m.Clone())
}

func (c *ModelCache) remove(key Key) {
	c.lru.Remove(key)
}

func (c *ModelCache) removeFactory(factoryID string) {
	for _, k := range c.lru.Keys() {
		if k.FactoryID == factoryID {
			c.lru.Remove(k)
		}
	}
}

// Len reports the number of live entries.
func (c *ModelCache) Len() int {
	return c.lru.Len()
}

// keyedMutex serializes work per model key. Entries are dropped once no
// goroutine holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[Key]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key Key) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[Key]*refMutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Store owns model lifecycle: lazy creation, persistence, caching and
// per-key serialization of writes.
type Store struct {
	repo   Repository
	cache  *ModelCache
	lambda float64
	logger *logrus.Logger
	now    func() time.Time
	locks  keyedMutex
}

type StoreOption func(*Store)

// WithCache puts a cache in front of the repository.
func WithCache(c *ModelCache) StoreOption {
	return func(s *Store) { s.cache = c }
}

// WithStoreClock overrides the time source.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func NewStore(repo Repository, lambda float64, logger *logrus.Logger, opts ...StoreOption) *Store {
	if lambda <= 0 {
		lambda = DefaultLambda
	}
	s := &Store{
		repo:   repo,
		lambda: lambda,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lock acquires the write lock for one model. Every read-modify-write of a
// model must happen while it is held.
func (s *Store) Lock(factoryID string, workerID int64) (unlock func()) {
	return s.locks.lock(Key{FactoryID: factoryID, WorkerID: workerID})
}

// Snapshot returns a private copy of the current model for scoring. A
// missing or corrupt model is created under the write lock; if persisting
// it fails the fresh prior is still returned.
func (s *Store) Snapshot(ctx context.Context, factoryID string, workerID int64) (*Model, error) {
	key := Key{FactoryID: factoryID, WorkerID: workerID}
	m, err := s.load(ctx, key)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, ErrModelNotFound) && !errors.Is(err, ErrCorruptModel) {
		return nil, err
	}

	unlock := s.locks.lock(key)
	defer unlock()

	m, err = s.GetOrCreate(ctx, factoryID, workerID)
	if err != nil {
		s.logger.WithFields(logrus.Fields{"factory_id": factoryID, "worker_id": workerID}).
			WithError(err).Warn("Failed to persist new bandit model, scoring with prior")
		return NewModel(factoryID, workerID, s.lambda, s.now()), nil
	}
	return m, nil
}

// Get returns a copy of a stored model without creating a missing one. A
// corrupt stored state is replaced by a fresh prior.
func (s *Store) Get(ctx context.Context, factoryID string, workerID int64) (*Model, error) {
	key := Key{FactoryID: factoryID, WorkerID: workerID}
	m, err := s.load(ctx, key)
	if !errors.Is(err, ErrCorruptModel) {
		return m, err
	}

	unlock := s.locks.lock(key)
	defer unlock()
	return s.GetOrCreate(ctx, factoryID, workerID)
}

// GetOrCreate returns the model for key, creating and persisting a fresh one
// when absent. A corrupt stored state is discarded and replaced. Callers
// that intend to modify the model must hold Lock.
func (s *Store) GetOrCreate(ctx context.Context, factoryID string, workerID int64) (*Model, error) {
	key := Key{FactoryID: factoryID, WorkerID: workerID}
	m, err := s.load(ctx, key)
	if err == nil {
		return m, nil
	}

	log := s.logger.WithFields(logrus.Fields{"factory_id": factoryID, "worker_id": workerID})
	switch {
	case errors.Is(err, ErrCorruptModel):
		log.WithError(err).Warn("Resetting corrupt bandit model")
	case errors.Is(err, ErrModelNotFound):
		log.Debug("Creating bandit model")
	default:
		return nil, err
	}

	m = NewModel(factoryID, workerID, s.lambda, s.now())
	if err := s.Save(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Save persists m and refreshes the cache.
func (s *Store) Save(ctx context.Context, m *Model) error {
	if err := s.repo.Save(ctx, m); err != nil {
		s.evict(m.Key())
		return err
	}
	s.cachePut(m)
	return nil
}

// Reset drops the learned state of one worker.
func (s *Store) Reset(ctx context.Context, factoryID string, workerID int64) error {
	key := Key{FactoryID: factoryID, WorkerID: workerID}
	unlock := s.locks.lock(key)
	defer unlock()

	if s.cache != nil {
		s.cache.remove(key)
	}
	if err := s.repo.Delete(ctx, key); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{"factory_id": factoryID, "worker_id": workerID}).
		Info("Bandit model reset")
	return nil
}

// ResetAll drops every model of a factory and returns how many were removed.
// The write lock of each stored model is held across the delete so an update
// in flight cannot save its pre-reset state afterwards.
func (s *Store) ResetAll(ctx context.Context, factoryID string) (int64, error) {
	stored, err := s.repo.List(ctx, factoryID)
	if err != nil {
		return 0, err
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].WorkerID < stored[j].WorkerID })
	for _, m := range stored {
		unlock := s.locks.lock(m.Key())
		defer unlock()
	}

	if s.cache != nil {
		s.cache.removeFactory(factoryID)
	}
	n, err := s.repo.DeleteAll(ctx, factoryID)
	if err != nil {
		return 0, err
	}
	s.logger.WithFields(logrus.Fields{"factory_id": factoryID, "models": n}).
		Info("All bandit models reset")
	return n, nil
}

// List returns every stored model of a factory ordered by worker ID.
func (s *Store) List(ctx context.Context, factoryID string) ([]*Model, error) {
	return s.repo.List(ctx, factoryID)
}

// PerformanceSummary is one row of the worker performance ranking.
type PerformanceSummary struct {
	WorkerID      int64     `json:"worker_id"`
	AvgReward     float64   `json:"avg_reward"`
	TotalReward   float64   `json:"total_reward"`
	UpdateCount   int       `json:"update_count"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// PerformanceRanking orders a factory's workers by average reward, then by
// number of updates. limit <= 0 returns everything.
func (s *Store) PerformanceRanking(ctx context.Context, factoryID string, limit int) ([]PerformanceSummary, error) {
	models, err := s.repo.List(ctx, factoryID)
	if err != nil {
		return nil, err
	}

	out := make([]PerformanceSummary, 0, len(models))
	for _, m := range models {
		out = append(out, PerformanceSummary{
			WorkerID:      m.WorkerID,
			AvgReward:     m.AvgReward,
			TotalReward:   m.TotalReward,
			UpdateCount:   m.UpdateCount,
			LastUpdatedAt: m.LastUpdatedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AvgReward != out[j].AvgReward {
			return out[i].AvgReward > out[j].AvgReward
		}
		return out[i].UpdateCount > out[j].UpdateCount
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) load(ctx context.Context, key Key) (*Model, error) {
	if s.cache != nil {
		if m, ok := s.cache.get(key); ok {
			return m, nil
		}
	}
	m, err := s.repo.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.put(m)
	}
	return m, nil
}

// loadForUpdate reads the persisted model past the cache, so a writer never
// builds on a stale cached copy. A missing or corrupt row yields a fresh
// prior that the writer's commit persists.
func (s *Store) loadForUpdate(ctx context.Context, key Key) (*Model, error) {
	m, err := s.repo.Get(ctx, key)
	switch {
	case err == nil:
		return m, nil
	case errors.Is(err, ErrCorruptModel):
		s.logger.WithFields(logrus.Fields{"factory_id": key.FactoryID, "worker_id": key.WorkerID}).
			WithError(err).Warn("Resetting corrupt bandit model")
	case errors.Is(err, ErrModelNotFound):
	default:
		return nil, err
	}
	return NewModel(key.FactoryID, key.WorkerID, s.lambda, s.now()), nil
}

func (s *Store) cachePut(m *Model) {
	if s.cache != nil {
		s.cache.put(m)
	}
}

func (s *Store) evict(key Key) {
	if s.cache != nil {
		s.cache.remove(key)
	}
}
