package feedback

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/temcen/workalloc/internal/bandit"
)

// MemoryStore is an in-process Store. Models committed with processed
// records are written to models.
type MemoryStore struct {
	mu            sync.RWMutex
	records       map[string]*Feedback
	models        bandit.Repository
	maxEfficiency float64
}

func NewMemoryStore(maxEfficiency float64, models bandit.Repository) *MemoryStore {
	return &MemoryStore{records: make(map[string]*Feedback), models: models, maxEfficiency: maxEfficiency}
}

func copyFeedback(f *Feedback) *Feedback {
	c := *f
	c.Context = append([]float64(nil), f.Context...)
	return &c
}

func (s *MemoryStore) Insert(_ context.Context, f *Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[f.ID] = copyFeedback(f)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyFeedback(f), nil
}

func (s *MemoryStore) Complete(_ context.Context, id string, c Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if f.Completed() {
		return ErrAlreadyCompleted
	}
	f.ActualQuantity = &c.ActualQuantity
	f.ActualHours = &c.ActualHours
	f.ActualQuality = &c.ActualQuality
	f.IsOvertime = c.IsOvertime
	f.Reward = &c.Reward
	completed := c.CompletedAt
	f.CompletedAt = &completed
	return nil
}

func (s *MemoryStore) ListPending(_ context.Context, factoryID string, since time.Time, limit int) ([]*Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Feedback
	for _, f := range s.records {
		if f.FactoryID == factoryID && f.Completed() && !f.IsProcessed && !f.AssignedAt.Before(since) {
			out = append(out, copyFeedback(f))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AssignedAt.Equal(out[j].AssignedAt) {
			return out[i].AssignedAt.Before(out[j].AssignedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ProcessedAmong(_ context.Context, ids []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		if f, ok := s.records[id]; ok && f.IsProcessed {
			out[id] = true
		}
	}
	return out, nil
}

func (s *MemoryStore) CommitProcessed(ctx context.Context, m *bandit.Model, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		f, ok := s.records[id]
		if !ok {
			return ErrNotFound
		}
		if f.IsProcessed {
			return ErrAlreadyProcessed
		}
	}
	if err := s.models.Save(ctx, m); err != nil {
		return err
	}
	for _, id := range ids {
		f := s.records[id]
		f.IsProcessed = true
		processed := at
		f.ProcessedAt = &processed
	}
	return nil
}

func (s *MemoryStore) FactoriesWithPending(_ context.Context, since time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, f := range s.records {
		if f.Completed() && !f.IsProcessed && !f.AssignedAt.Before(since) {
			seen[f.FactoryID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) AverageEfficiency(_ context.Context, factoryID string, workerID int64, stageType string, since time.Time) (float64, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		sum float64
		n   int
	)
	for _, f := range s.records {
		if f.FactoryID != factoryID || f.WorkerID != workerID || !f.Completed() || f.AssignedAt.Before(since) {
			continue
		}
		if stageType != "" && f.StageType != stageType {
			continue
		}
		if eff, ok := efficiency(f, s.maxEfficiency); ok {
			sum += eff
			n++
		}
	}
	if n == 0 {
		return 0, 0, nil
	}
	return sum / float64(n), n, nil
}

func (s *MemoryStore) HoursAssignedSince(_ context.Context, factoryID string, workerID int64, since time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var hours float64
	for _, f := range s.records {
		if f.FactoryID != factoryID || f.WorkerID != workerID || f.AssignedAt.Before(since) {
			continue
		}
		switch {
		case f.ActualHours != nil:
			hours += *f.ActualHours
		case f.PlannedHours != nil:
			hours += *f.PlannedHours
		}
	}
	return hours, nil
}

func (s *MemoryStore) Assignments(_ context.Context, factoryID string, workerIDs []int64, since time.Time) ([]Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := make(map[int64]struct{}, len(workerIDs))
	for _, id := range workerIDs {
		wanted[id] = struct{}{}
	}
	var out []Assignment
	for _, f := range s.records {
		if f.FactoryID != factoryID || f.AssignedAt.Before(since) {
			continue
		}
		if _, ok := wanted[f.WorkerID]; !ok {
			continue
		}
		out = append(out, Assignment{
			WorkerID:      f.WorkerID,
			StageType:     f.StageType,
			ProductTypeID: f.ProductTypeID,
			Complexity:    f.Complexity,
			AssignedAt:    f.AssignedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedAt.Before(out[j].AssignedAt) })
	return out, nil
}
