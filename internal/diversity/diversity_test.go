package diversity

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/temcen/workalloc/internal/config"
	"github.com/temcen/workalloc/internal/feedback"
)

var fixedNow = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testDiversityConfig() config.DiversityConfig {
	return config.DiversityConfig{
		BanditWeight:         0.5,
		FairnessWeight:       0.2,
		SkillWeight:          0.2,
		RepetitionWeight:     0.1,
		ComplexityWeight:     0.05,
		RepetitionPenalty:    0.5,
		SeverePenalty:        0.3,
		ExcludedScore:        -1,
		FairnessWindowDays:   14,
		SkillDecayDays:       30,
		RepetitionWindowDays: 3,
		MaxConsecutiveDays:   3,
		Temporary: config.TemporaryWorkerConfig{
			BanditMultiplier:   0.8,
			FairnessMultiplier: 1.2,
			LearningBonus:      0.1,
			LearningFactor:     1.2,
		},
		MMRLambda:      0.7,
		MMRHistoryDays: 7,
		TimeZone:       "UTC",
	}
}

type stubHistory struct {
	entries []feedback.Assignment
	calls   atomic.Int32
	err     error
}

func (s *stubHistory) Assignments(_ context.Context, _ string, workerIDs []int64, since time.Time) ([]feedback.Assignment, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	wanted := make(map[int64]bool)
	for _, id := range workerIDs {
		wanted[id] = true
	}
	var out []feedback.Assignment
	for _, a := range s.entries {
		if wanted[a.WorkerID] && !a.AssignedAt.Before(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

func daysAgo(workerID int64, days int, stage string) feedback.Assignment {
	return feedback.Assignment{
		WorkerID:   workerID,
		StageType:  stage,
		AssignedAt: fixedNow.AddDate(0, 0, -days).Add(-4 * time.Hour),
	}
}

func newTestReranker(history HistorySource) *Reranker {
	return NewReranker(history, testDiversityConfig(), testLogger(), WithClock(func() time.Time { return fixedNow }))
}

func ids(results []Result) []int64 {
	out := make([]int64, len(results))
	for i, r := range results {
		out[i] = r.WorkerID
	}
	return out
}

func byWorker(results []Result) map[int64]Result {
	out := make(map[int64]Result, len(results))
	for _, r := range results {
		out[r.WorkerID] = r
	}
	return out
}

func TestFairnessBonus(t *testing.T) {
	assert.Equal(t, 1.0, FairnessBonus(0, 0))
	assert.Equal(t, 1.0, FairnessBonus(3, 0))
	assert.Equal(t, 0.0, FairnessBonus(3, 6))
	assert.Equal(t, 0.75, FairnessBonus(4, 1))

	for avg := 0.0; avg < 10; avg += 0.5 {
		for n := 0; n < 20; n++ {
			b := FairnessBonus(avg, n)
			assert.GreaterOrEqual(t, b, 0.0)
			assert.LessOrEqual(t, b, 1.0)
		}
	}
}

func TestSkillMaintenanceBonus(t *testing.T) {
	assert.Equal(t, 0.0, SkillMaintenanceBonus(0, 30))
	assert.Equal(t, 0.5, SkillMaintenanceBonus(15, 30))
	assert.Equal(t, 1.0, SkillMaintenanceBonus(90, 30))
	assert.Equal(t, 1.0, SkillMaintenanceBonus(3, 0))
}

func TestReranker_ForcedRotation(t *testing.T) {
	history := &stubHistory{entries: []feedback.Assignment{
		daysAgo(1, 3, "SLICING"),
		daysAgo(1, 2, "SLICING"),
		daysAgo(1, 2, "SLICING"),
		daysAgo(1, 1, "slicing"),
	}}
	r := newTestReranker(history)
	candidates := []Candidate{{WorkerID: 1, BanditScore: 2.0}, {WorkerID: 2, BanditScore: 0.1}}

	t.Run("excluded from the same stage", func(t *testing.T) {
		results := r.Rerank(context.Background(), "f1", Task{StageType: "SLICING"}, candidates, Options{})
		assert.Equal(t, []int64{2}, ids(results))

		audit := r.Rerank(context.Background(), "f1", Task{StageType: "SLICING"}, candidates, Options{IncludeExcluded: true})
		require.Len(t, audit, 2)
		assert.Equal(t, int64(1), audit[1].WorkerID)
		assert.True(t, audit[1].Excluded)
		assert.Equal(t, -1.0, audit[1].FinalScore)
		assert.Equal(t, 3, audit[1].ConsecutiveDays)
	})

	t.Run("free for another stage", func(t *testing.T) {
		results := r.Rerank(context.Background(), "f1", Task{StageType: "PACKAGING"}, candidates, Options{})
		require.Len(t, results, 2)
		assert.Equal(t, int64(1), results[0].WorkerID)
		assert.False(t, results[0].Excluded)
		assert.Equal(t, 0, results[0].ConsecutiveDays)
	})
}

func TestReranker_SeverePenalty(t *testing.T) {
	ctx := context.Background()

	t.Run("one day short of the limit", func(t *testing.T) {
		r := newTestReranker(&stubHistory{entries: []feedback.Assignment{
			daysAgo(1, 2, "SLICING"),
			daysAgo(1, 1, "SLICING"),
		}})
		res := r.Rerank(ctx, "f1", Task{StageType: "SLICING"}, []Candidate{{WorkerID: 1, BanditScore: 0.5}}, Options{})
		require.Len(t, res, 1)
		assert.Equal(t, 2, res[0].ConsecutiveDays)
		assert.InDelta(t, -0.2, res[0].SeverePenalty, 1e-9)
		assert.Equal(t, 0.5, res[0].RepetitionPenalty)
		assert.InDelta(t, 1.0/30, res[0].SkillMaintenanceBonus, 1e-9)
	})

	t.Run("streak broken by another stage", func(t *testing.T) {
		r := newTestReranker(&stubHistory{entries: []feedback.Assignment{
			daysAgo(1, 3, "SLICING"),
			daysAgo(1, 2, "PACKAGING"),
			daysAgo(1, 1, "SLICING"),
		}})
		res := r.Rerank(ctx, "f1", Task{StageType: "SLICING"}, []Candidate{{WorkerID: 1, BanditScore: 0.5}}, Options{})
		require.Len(t, res, 1)
		assert.Equal(t, 1, res[0].ConsecutiveDays)
		assert.Equal(t, 0.0, res[0].SeverePenalty)
		assert.False(t, res[0].Excluded)
	})
}

func TestReranker_Fairness(t *testing.T) {
	var entries []feedback.Assignment
	for i := 0; i < 4; i++ {
		entries = append(entries, daysAgo(1, 5+i, "PACKAGING"))
	}
	entries = append(entries, daysAgo(3, 5, "PACKAGING"), daysAgo(3, 6, "PACKAGING"))
	// Outside the 14 day fairness window.
	entries = append(entries, daysAgo(2, 20, "PACKAGING"))

	r := newTestReranker(&stubHistory{entries: entries})
	candidates := []Candidate{{WorkerID: 1}, {WorkerID: 2}, {WorkerID: 3}}
	results := byWorker(r.Rerank(context.Background(), "f1", Task{StageType: "SLICING"}, candidates, Options{}))

	assert.Equal(t, 0.0, results[1].FairnessBonus)
	assert.Equal(t, 1.0, results[2].FairnessBonus)
	assert.Equal(t, 0.0, results[3].FairnessBonus)
}

func TestReranker_Composition(t *testing.T) {
	r := newTestReranker(&stubHistory{})
	complexity := 3.0
	candidates := []Candidate{
		{WorkerID: 1, BanditScore: 0.8},
		{WorkerID: 2, BanditScore: 0.8, IsTemporary: true},
		{WorkerID: 3, BanditScore: 0.8, StageSkill: 0.75},
	}

	plain := byWorker(r.Rerank(context.Background(), "f1", Task{StageType: "SLICING"}, candidates, Options{}))
	assert.InDelta(t, 0.5*0.8+0.2+0.2, plain[1].FinalScore, 1e-9)
	assert.Equal(t, 0.0, plain[1].LearningBonus)
	assert.InDelta(t, 0.5*0.8*0.8+0.2*1.2+0.2+0.1*1.2, plain[2].FinalScore, 1e-9)
	assert.InDelta(t, 0.12, plain[2].LearningBonus, 1e-9)

	withComplexity := byWorker(r.Rerank(context.Background(), "f1", Task{StageType: "SLICING", Complexity: &complexity}, candidates, Options{}))
	assert.InDelta(t, 0.05*0.75, withComplexity[3].ComplexityBonus, 1e-9)
	assert.InDelta(t, 0.05*0.5, withComplexity[1].ComplexityBonus, 1e-9)
}

func TestReranker_PreservesCandidates(t *testing.T) {
	var entries []feedback.Assignment
	stages := []string{"SLICING", "PACKAGING", "COOKING"}
	for w := int64(1); w <= 8; w++ {
		for d := 1; d <= int(w); d++ {
			entries = append(entries, daysAgo(w, d*2, stages[(int(w)+d)%3]))
		}
	}
	r := newTestReranker(&stubHistory{entries: entries})

	var candidates []Candidate
	for w := int64(1); w <= 8; w++ {
		candidates = append(candidates, Candidate{WorkerID: w, BanditScore: float64(w) / 10, IsTemporary: w%2 == 0})
	}
	results := r.Rerank(context.Background(), "f1", Task{StageType: "QUALITY_INSPECTION"}, candidates, Options{})

	got := ids(results)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8}, got)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].FinalScore, results[i].FinalScore)
	}

	limited := r.Rerank(context.Background(), "f1", Task{StageType: "QUALITY_INSPECTION"}, candidates, Options{Limit: 3})
	assert.Equal(t, ids(results)[:3], ids(limited))

	assert.Empty(t, r.Rerank(context.Background(), "f1", Task{StageType: "SLICING"}, nil, Options{}))
}

func TestReranker_HistoryFailureIsNeutral(t *testing.T) {
	r := newTestReranker(&stubHistory{err: errors.New("db down")})
	results := r.Rerank(context.Background(), "f1", Task{StageType: "SLICING"},
		[]Candidate{{WorkerID: 1, BanditScore: 0.9}, {WorkerID: 2, BanditScore: 0.3}}, Options{})

	require.Len(t, results, 2)
	assert.Equal(t, int64(1), results[0].WorkerID)
	for _, res := range results {
		assert.Equal(t, 1.0, res.FairnessBonus)
		assert.Equal(t, 1.0, res.SkillMaintenanceBonus)
		assert.False(t, res.Excluded)
	}
}

func TestReranker_ApplyMMR(t *testing.T) {
	three, four := 3.0, 4.0
	history := &stubHistory{entries: []feedback.Assignment{
		{WorkerID: 1, StageType: "SLICING", ProductTypeID: "P1", AssignedAt: fixedNow.AddDate(0, 0, -1)},
		{WorkerID: 1, StageType: "SLICING", ProductTypeID: "P1", AssignedAt: fixedNow.AddDate(0, 0, -2)},
		{WorkerID: 2, StageType: "PACKAGING", ProductTypeID: "P1", Complexity: &four, AssignedAt: fixedNow.AddDate(0, 0, -3)},
		{WorkerID: 3, StageType: "SLICING", ProductTypeID: "P1", AssignedAt: fixedNow.AddDate(0, 0, -10)},
	}}
	r := newTestReranker(history)
	task := Task{StageType: "SLICING", ProductTypeID: "P1", Complexity: &three}
	candidates := []Candidate{{WorkerID: 1, BanditScore: 0.6}, {WorkerID: 2, BanditScore: 0.6}, {WorkerID: 3, BanditScore: 0.6}}

	results := r.ApplyMMR(context.Background(), "f1", task, candidates, Options{})
	assert.Equal(t, []int64{3, 2, 1}, ids(results))

	scores := byWorker(results)
	assert.Equal(t, 1.0, scores[1].Similarity)
	assert.InDelta(t, 0.5, scores[2].Similarity, 1e-9)
	assert.Equal(t, 0.0, scores[3].Similarity)
	assert.InDelta(t, 0.7*0.6-0.3*1.0, scores[1].FinalScore, 1e-9)
	assert.InDelta(t, 0.7*0.6, scores[3].FinalScore, 1e-9)
}

func TestCachedHistory(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	source := &stubHistory{entries: []feedback.Assignment{daysAgo(1, 1, "SLICING")}}
	cached := NewCachedHistory(source, client, time.Minute, testLogger())
	since := fixedNow.AddDate(0, 0, -7)

	first, err := cached.Assignments(ctx, "f1", []int64{2, 1}, since)
	require.NoError(t, err)
	second, err := cached.Assignments(ctx, "f1", []int64{1, 2}, since)
	require.NoError(t, err)

	assert.Equal(t, int32(1), source.calls.Load())
	require.Len(t, second, 1)
	assert.Equal(t, first[0].StageType, second[0].StageType)
	assert.True(t, first[0].AssignedAt.Equal(second[0].AssignedAt))

	t.Run("expires with ttl", func(t *testing.T) {
		mr.FastForward(2 * time.Minute)
		_, err := cached.Assignments(ctx, "f1", []int64{1, 2}, since)
		require.NoError(t, err)
		assert.Equal(t, int32(2), source.calls.Load())
	})

	t.Run("invalidate", func(t *testing.T) {
		require.NoError(t, cached.Invalidate(ctx, "f1"))
		_, err := cached.Assignments(ctx, "f1", []int64{1, 2}, since)
		require.NoError(t, err)
		assert.Equal(t, int32(3), source.calls.Load())
	})

	t.Run("redis down falls through", func(t *testing.T) {
		mr.Close()
		history, err := cached.Assignments(ctx, "f1", []int64{1}, since)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})
}
