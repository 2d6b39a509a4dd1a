package diversity

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/temcen/workalloc/internal/config"
	"github.com/temcen/workalloc/internal/features"
	"github.com/temcen/workalloc/internal/feedback"
)

// Candidate is one bandit-ranked worker entering the reranker.
type Candidate struct {
	WorkerID    int64
	BanditScore float64
	IsTemporary bool
	// StageSkill is the worker's normalized skill for the task's stage.
	StageSkill float64
}

// Task describes what is being allocated.
type Task struct {
	StageType     string
	ProductTypeID string
	// Complexity is the raw 1-5 product complexity, if known.
	Complexity *float64
}

type Options struct {
	// IncludeExcluded keeps rotation-excluded workers at the bottom of the
	// result instead of dropping them.
	IncludeExcluded bool
	// Limit caps the result; 0 returns everything.
	Limit int
}

// Result is one reranked worker with the components of its final score.
type Result struct {
	WorkerID              int64   `json:"worker_id"`
	FinalScore            float64 `json:"final_score"`
	BanditScore           float64 `json:"bandit_score"`
	FairnessBonus         float64 `json:"fairness_bonus"`
	SkillMaintenanceBonus float64 `json:"skill_maintenance_bonus"`
	RepetitionPenalty     float64 `json:"repetition_penalty"`
	LearningBonus         float64 `json:"learning_bonus"`
	ComplexityBonus       float64 `json:"complexity_bonus"`
	SeverePenalty         float64 `json:"severe_penalty"`
	Similarity            float64 `json:"history_similarity,omitempty"`
	ConsecutiveDays       int     `json:"consecutive_days"`
	Excluded              bool    `json:"excluded"`
}

// Reranker rescores a bandit ranking for fairness, skill maintenance and
// rotation.
type Reranker struct {
	history HistorySource
	cfg     config.DiversityConfig
	logger  *logrus.Logger
	loc     *time.Location
	now     func() time.Time
}

type Option func(*Reranker)

func WithClock(now func() time.Time) Option {
	return func(r *Reranker) { r.now = now }
}

func WithLocation(loc *time.Location) Option {
	return func(r *Reranker) { r.loc = loc }
}

func NewReranker(history HistorySource, cfg config.DiversityConfig, logger *logrus.Logger, opts ...Option) *Reranker {
	r := &Reranker{
		history: history,
		cfg:     cfg,
		logger:  logger,
		loc:     LoadLocation(cfg.TimeZone, logger),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadLocation resolves the configured time zone, falling back to the
// process's local zone.
func LoadLocation(name string, logger *logrus.Logger) *time.Location {
	if name == "" || name == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		logger.WithError(err).WithField("time_zone", name).Warn("Unknown time zone, using local")
		return time.Local
	}
	return loc
}

// workerHistory is one worker's assignments bucketed by local date.
type workerHistory struct {
	// days holds the stages worked on each date, newest date first.
	days        []dayStages
	allocations int
	lastStage   map[string]time.Time
	entries     []feedback.Assignment
}

type dayStages struct {
	date   time.Time
	stages map[string]bool
}

func (r *Reranker) today() time.Time {
	return truncateDay(r.now(), r.loc)
}

func truncateDay(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)
}

func (r *Reranker) lookbackDays() int {
	return max(r.cfg.FairnessWindowDays, r.cfg.SkillDecayDays, r.cfg.RepetitionWindowDays, r.cfg.MaxConsecutiveDays, r.cfg.MMRHistoryDays)
}

// loadHistory groups history by worker. A failing source degrades to "no
// history", which leaves every worker with neutral diversity terms.
func (r *Reranker) loadHistory(ctx context.Context, factoryID string, candidates []Candidate, since time.Time) map[int64]*workerHistory {
	out := make(map[int64]*workerHistory, len(candidates))
	ids := make([]int64, len(candidates))
	for i, c := range candidates {
		ids[i] = c.WorkerID
		out[c.WorkerID] = &workerHistory{lastStage: make(map[string]time.Time)}
	}
	if r.history == nil {
		return out
	}

	assignments, err := r.history.Assignments(ctx, factoryID, ids, since)
	if err != nil {
		r.logger.WithError(err).WithField("factory_id", factoryID).Warn("Allocation history unavailable, skipping diversity terms")
		return out
	}

	fairnessStart := r.today().AddDate(0, 0, -r.cfg.FairnessWindowDays)
	for _, a := range assignments {
		h, ok := out[a.WorkerID]
		if !ok {
			continue
		}
		stage := features.CanonicalStage(a.StageType)
		day := truncateDay(a.AssignedAt, r.loc)

		h.entries = append(h.entries, a)
		if !a.AssignedAt.Before(fairnessStart) {
			h.allocations++
		}
		if last, ok := h.lastStage[stage]; !ok || day.After(last) {
			h.lastStage[stage] = day
		}

		idx := sort.Search(len(h.days), func(i int) bool { return !h.days[i].date.After(day) })
		if idx < len(h.days) && h.days[idx].date.Equal(day) {
			h.days[idx].stages[stage] = true
			continue
		}
		h.days = append(h.days, dayStages{})
		copy(h.days[idx+1:], h.days[idx:])
		h.days[idx] = dayStages{date: day, stages: map[string]bool{stage: true}}
	}
	return out
}

// streak counts the most recent working dates that all include stage.
func (h *workerHistory) streak(stage string) int {
	k := 0
	for _, d := range h.days {
		if !d.stages[stage] {
			break
		}
		k++
	}
	return k
}

// Rerank applies fairness, skill maintenance, repetition, rotation and the
// worker-class adjustments, then sorts by final score. Rotation-excluded
// workers sort last and are dropped unless opts.IncludeExcluded is set.
func (r *Reranker) Rerank(ctx context.Context, factoryID string, task Task, candidates []Candidate, opts Options) []Result {
	if len(candidates) == 0 {
		return []Result{}
	}

	today := r.today()
	since := today.AddDate(0, 0, -r.lookbackDays())
	history := r.loadHistory(ctx, factoryID, candidates, since)
	stage := features.CanonicalStage(task.StageType)

	total := 0
	for _, c := range candidates {
		total += history[c.WorkerID].allocations
	}
	avgAllocations := float64(total) / float64(len(candidates))

	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		h := history[c.WorkerID]
		res := Result{WorkerID: c.WorkerID, BanditScore: c.BanditScore}

		res.FairnessBonus = FairnessBonus(avgAllocations, h.allocations)

		res.SkillMaintenanceBonus = 1.0
		if last, ok := h.lastStage[stage]; ok && stage != "" {
			days := daysBetween(last, today)
			res.SkillMaintenanceBonus = SkillMaintenanceBonus(days, r.cfg.SkillDecayDays)
			if days <= r.cfg.RepetitionWindowDays {
				res.RepetitionPenalty = r.cfg.RepetitionPenalty
			}
		}

		bw, fw := r.cfg.BanditWeight, r.cfg.FairnessWeight
		if c.IsTemporary {
			bw *= r.cfg.Temporary.BanditMultiplier
			fw *= r.cfg.Temporary.FairnessMultiplier
			res.LearningBonus = r.cfg.Temporary.LearningBonus * r.cfg.Temporary.LearningFactor * res.SkillMaintenanceBonus
		}

		if task.Complexity != nil {
			complexity := features.Normalize(*task.Complexity, 1, 5)
			res.ComplexityBonus = r.cfg.ComplexityWeight * (1 - math.Abs(complexity-c.StageSkill))
		}

		n := r.cfg.MaxConsecutiveDays
		if stage != "" && n > 0 {
			res.ConsecutiveDays = h.streak(stage)
			switch {
			case res.ConsecutiveDays >= n:
				res.Excluded = true
			case res.ConsecutiveDays >= n-1 && res.ConsecutiveDays > 0:
				res.SeverePenalty = -r.cfg.SeverePenalty * float64(res.ConsecutiveDays) / float64(n)
			}
		}

		if res.Excluded {
			res.FinalScore = r.cfg.ExcludedScore
		} else {
			res.FinalScore = bw*c.BanditScore +
				fw*res.FairnessBonus +
				r.cfg.SkillWeight*res.SkillMaintenanceBonus -
				r.cfg.RepetitionWeight*res.RepetitionPenalty +
				res.LearningBonus +
				res.ComplexityBonus +
				res.SeverePenalty
		}
		results = append(results, res)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Excluded != results[j].Excluded {
			return !results[i].Excluded
		}
		return results[i].FinalScore > results[j].FinalScore
	})

	r.logger.WithFields(logrus.Fields{
		"factory_id": factoryID,
		"stage_type": stage,
		"candidates": len(candidates),
	}).Debug("Diversity rerank applied")
	return finish(results, opts)
}

func finish(results []Result, opts Options) []Result {
	if !opts.IncludeExcluded {
		kept := results[:0]
		for _, res := range results {
			if !res.Excluded {
				kept = append(kept, res)
			}
		}
		results = kept
	}
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results
}

// FairnessBonus is the relative shortfall of a worker's allocations against
// the average, in [0,1]. Workers without allocations get 1.
func FairnessBonus(avgAllocations float64, allocations int) float64 {
	if allocations == 0 || avgAllocations <= 0 {
		return 1
	}
	return math.Max(0, (avgAllocations-float64(allocations))/avgAllocations)
}

// SkillMaintenanceBonus grows linearly with days since the stage was last
// worked, reaching 1 at decayDays.
func SkillMaintenanceBonus(daysSince, decayDays int) float64 {
	if decayDays <= 0 {
		return 1
	}
	return math.Min(1, math.Max(0, float64(daysSince)/float64(decayDays)))
}

func daysBetween(from, to time.Time) int {
	// Round absorbs DST shifts between two local midnights.
	return int(math.Round(to.Sub(from).Hours() / 24))
}
