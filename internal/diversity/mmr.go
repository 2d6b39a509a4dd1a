package diversity

import (
	"context"
	"math"
	"sort"

	"github.com/temcen/workalloc/internal/features"
	"github.com/temcen/workalloc/internal/feedback"
)

// Per-entry weights of the history similarity used by ApplyMMR.
const (
	sameStageWeight      = 0.5
	sameProductWeight    = 0.3
	similarComplexWeight = 0.2
)

// ApplyMMR is the lighter diversity mode: each worker scores
// λ·bandit - (1-λ)·similarity, where similarity measures how much of the
// worker's recent history looks like this task.
func (r *Reranker) ApplyMMR(ctx context.Context, factoryID string, task Task, candidates []Candidate, opts Options) []Result {
	if len(candidates) == 0 {
		return []Result{}
	}

	since := r.today().AddDate(0, 0, -r.cfg.MMRHistoryDays)
	history := r.loadHistory(ctx, factoryID, candidates, since)
	lambda := r.cfg.MMRLambda

	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		var recent []feedback.Assignment
		for _, a := range history[c.WorkerID].entries {
			if !a.AssignedAt.Before(since) {
				recent = append(recent, a)
			}
		}
		sim := HistorySimilarity(task, recent)
		results = append(results, Result{
			WorkerID:    c.WorkerID,
			BanditScore: c.BanditScore,
			Similarity:  sim,
			FinalScore:  lambda*c.BanditScore - (1-lambda)*sim,
		})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].FinalScore > results[j].FinalScore })
	return finish(results, opts)
}

// HistorySimilarity sums per-assignment matches against the task, capped
// at 1.
func HistorySimilarity(task Task, history []feedback.Assignment) float64 {
	stage := features.CanonicalStage(task.StageType)
	sim := 0.0
	for _, a := range history {
		if stage != "" && features.CanonicalStage(a.StageType) == stage {
			sim += sameStageWeight
		}
		if task.ProductTypeID != "" && a.ProductTypeID == task.ProductTypeID {
			sim += sameProductWeight
		}
		if task.Complexity != nil && a.Complexity != nil && math.Abs(*task.Complexity-*a.Complexity) <= 1 {
			sim += similarComplexWeight
		}
		if sim >= 1 {
			return 1
		}
	}
	return sim
}
