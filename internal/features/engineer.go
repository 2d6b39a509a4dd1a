package features

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/temcen/workalloc/internal/config"
)

// Names reported in Defaults when an extraction step falls back.
const (
	DefaultQuantity        = "quantity"
	DefaultDeadline        = "deadline"
	DefaultPriority        = "priority"
	DefaultComplexity      = "complexity"
	DefaultWorker          = "worker"
	DefaultSkillLevels     = "skill_levels"
	DefaultTenure          = "tenure"
	DefaultEfficiency      = "efficiency"
	DefaultHoursToday      = "hours_today"
	DefaultStageSkill      = "stage_skill"
	DefaultStageEfficiency = "stage_efficiency"
)

// Defaults lists the features that were filled from configured defaults
// instead of real data.
type Defaults []string

func (d *Defaults) add(name string) { *d = append(*d, name) }

// Has reports whether name fell back to its default.
func (d Defaults) Has(name string) bool {
	for _, n := range d {
		if n == name {
			return true
		}
	}
	return false
}

// Candidate is one worker prepared for scoring.
type Candidate struct {
	WorkerID int64          `json:"worker_id"`
	Worker   WorkerFeatures `json:"worker"`
	Context  []float64      `json:"context"`
	Defaults Defaults       `json:"defaults,omitempty"`
}

// GroupFeatures summarizes a set of workers for capacity planning.
type GroupFeatures struct {
	WorkerCount         int     `json:"worker_count"`
	AvgExperienceDays   float64 `json:"avg_experience_days"`
	AvgSkillLevel       float64 `json:"avg_skill_level"`
	TemporaryRatio      float64 `json:"temporary_ratio"`
	AvgEfficiency       float64 `json:"avg_efficiency"`
	TotalAvailableHours float64 `json:"total_available_hours"`
	Defaulted           bool    `json:"defaulted"`
}

// Engineer turns task and worker records into bandit feature vectors. Every
// lookup degrades to a default; extraction never fails.
type Engineer struct {
	workers    WorkerSource
	complexity ComplexityProvider
	stats      WorkerStatsLookup
	cfg        config.FeatureConfig
	logger     *logrus.Logger
	now        func() time.Time
	loc        *time.Location
}

type Option func(*Engineer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engineer) { e.now = now }
}

// WithLocation sets the zone used to find the start of the working day.
func WithLocation(loc *time.Location) Option {
	return func(e *Engineer) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// NewEngineer creates a feature engineer. complexity and stats may be nil.
func NewEngineer(
	workers WorkerSource,
	complexity ComplexityProvider,
	stats WorkerStatsLookup,
	cfg config.FeatureConfig,
	logger *logrus.Logger,
	opts ...Option,
) *Engineer {
	e := &Engineer{
		workers:    workers,
		complexity: complexity,
		stats:      stats,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		loc:        time.Local,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.MaxParallel <= 0 {
		e.cfg.MaxParallel = 8
	}
	return e
}

// ExtractTaskFeatures normalizes a task description.
func (e *Engineer) ExtractTaskFeatures(ctx context.Context, factoryID string, info TaskInfo) (TaskFeatures, Defaults) {
	var defaults Defaults

	quantity := e.cfg.DefaultQuantity
	if info.Quantity != nil && *info.Quantity >= 0 {
		quantity = *info.Quantity
	} else {
		defaults.add(DefaultQuantity)
	}

	hours := e.cfg.DefaultDeadlineHours
	switch {
	case info.DeadlineHours != nil:
		hours = *info.DeadlineHours
	case info.Deadline != nil:
		hours = info.Deadline.Sub(e.now()).Hours()
	default:
		defaults.add(DefaultDeadline)
	}

	priority := e.cfg.DefaultPriority
	if info.Priority != nil {
		priority = *info.Priority
	} else {
		defaults.add(DefaultPriority)
	}

	complexity, ok := e.lookupComplexity(ctx, factoryID, info.ProductTypeID)
	if !ok {
		if info.Complexity != nil {
			complexity = *info.Complexity
		} else {
			complexity = e.cfg.DefaultComplexity
			defaults.add(DefaultComplexity)
		}
	}

	stage := CanonicalStage(info.StageType)

	return TaskFeatures{
		Quantity:           Normalize(quantity, 0, e.cfg.MaxQuantity),
		Urgency:            1 - Normalize(hours, 0, 24),
		ProductType:        EncodeCategorical(info.ProductTypeID),
		Priority:           Normalize(priority, 0, 10),
		Complexity:         Normalize(complexity, 1, 5),
		Workshop:           EncodeCategorical(info.WorkshopID),
		StageType:          EncodeCategorical(stage),
		StageRequiredSkill: Normalize(float64(RequiredSkillLevel(stage)), 1, 5),
	}, defaults
}

func (e *Engineer) lookupComplexity(ctx context.Context, factoryID, productTypeID string) (float64, bool) {
	if e.complexity == nil || factoryID == "" || productTypeID == "" {
		return 0, false
	}
	lctx, cancel := e.lookupContext(ctx)
	defer cancel()

	c, found, err := e.complexity.GetComplexity(lctx, factoryID, productTypeID)
	if err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"factory_id":      factoryID,
			"product_type_id": productTypeID,
		}).Warn("Product complexity lookup failed, using task value")
		return 0, false
	}
	if !found || c < 1 || c > 5 {
		return 0, false
	}
	return float64(c), true
}

// ExtractWorkerFeatures reads and normalizes one worker's current state.
// stageType may be empty.
func (e *Engineer) ExtractWorkerFeatures(ctx context.Context, factoryID string, workerID int64, stageType string) (WorkerFeatures, Defaults) {
	var defaults Defaults
	now := e.now()
	log := e.logger.WithFields(logrus.Fields{
		"factory_id": factoryID,
		"worker_id":  workerID,
	})

	worker := e.fetchWorker(ctx, factoryID, workerID, log)
	if worker == nil {
		defaults.add(DefaultWorker)
		worker = &Worker{ID: workerID}
	}

	skills, skipped := ParseSkillLevels(worker.SkillLevels)
	if skipped > 0 {
		log.WithField("skipped", skipped).Warn("Skipped malformed skill level entries")
	}
	if len(skills) == 0 {
		defaults.add(DefaultSkillLevels)
	}
	avgSkill := skills.Average(e.cfg.DefaultSkillLevel)

	tenureDays := 0.0
	if worker.HireDate != nil && !worker.HireDate.IsZero() {
		tenureDays = math.Max(0, now.Sub(*worker.HireDate).Hours()/24)
	} else {
		defaults.add(DefaultTenure)
	}

	employment := PermanentFlag
	if worker.IsTemporary {
		employment = TemporaryFlag
	}

	since := now.Add(-e.cfg.EfficiencyWindow)
	efficiency, ok := e.averageEfficiency(ctx, factoryID, workerID, "", since, log)
	if !ok {
		defaults.add(DefaultEfficiency)
	}

	hoursToday, ok := e.hoursToday(ctx, factoryID, workerID, now, log)
	if !ok {
		defaults.add(DefaultHoursToday)
	}

	stageSkill := avgSkill
	stageEfficiency := efficiency
	if stageType != "" {
		if level, found := skills.ForStage(stageType); found {
			stageSkill = level
		} else {
			defaults.add(DefaultStageSkill)
		}
		if eff, found := e.averageEfficiency(ctx, factoryID, workerID, CanonicalStage(stageType), since, log); found {
			stageEfficiency = eff
		} else {
			defaults.add(DefaultStageEfficiency)
		}
	}

	return WorkerFeatures{
		AvgSkill:        Normalize(avgSkill, 1, 5),
		Tenure:          Normalize(tenureDays, 0, e.cfg.MaxTenure),
		Efficiency:      clamp(efficiency, 0, 1),
		Employment:      employment,
		HoursToday:      Normalize(hoursToday, 0, e.cfg.MaxHoursDay),
		Fatigue:         Fatigue(hoursToday, e.cfg.FatigueStart, e.cfg.MaxHoursDay),
		StageSkill:      Normalize(stageSkill, 1, 5),
		StageEfficiency: clamp(stageEfficiency, 0, 1),
	}, defaults
}

// Fatigue is 0 up to start hours and ramps linearly to 1 at full hours.
func Fatigue(hours, start, full float64) float64 {
	if hours <= start {
		return 0
	}
	return Normalize(hours, start, full)
}

// ExtractCandidates builds context vectors for every worker, in input order.
// Lookups run in parallel, bounded by features.max_parallel.
func (e *Engineer) ExtractCandidates(ctx context.Context, factoryID string, task TaskFeatures, stageType string, workerIDs []int64) []Candidate {
	candidates := make([]Candidate, len(workerIDs))

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxParallel)
	for i, id := range workerIDs {
		g.Go(func() error {
			wf, defaults := e.ExtractWorkerFeatures(ctx, factoryID, id, stageType)
			candidates[i] = Candidate{
				WorkerID: id,
				Worker:   wf,
				Context:  Combine(task, wf),
				Defaults: defaults,
			}
			return nil
		})
	}
	_ = g.Wait()

	return candidates
}

// DefaultGroupFeatures is returned when no worker of a group could be read.
func (e *Engineer) DefaultGroupFeatures() GroupFeatures {
	return GroupFeatures{
		AvgSkillLevel: e.cfg.DefaultSkillLevel,
		AvgEfficiency: e.cfg.DefaultEfficiency,
		Defaulted:     true,
	}
}

// ExtractWorkerGroupFeatures aggregates raw (unnormalized) statistics over a
// group of workers. Workers that cannot be read are left out.
func (e *Engineer) ExtractWorkerGroupFeatures(ctx context.Context, factoryID string, workerIDs []int64) GroupFeatures {
	if len(workerIDs) == 0 {
		return e.DefaultGroupFeatures()
	}

	type row struct {
		ok         bool
		experience float64
		skill      float64
		temporary  bool
		efficiency float64
		available  float64
	}
	rows := make([]row, len(workerIDs))
	now := e.now()

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxParallel)
	for i, id := range workerIDs {
		g.Go(func() error {
			log := e.logger.WithFields(logrus.Fields{"factory_id": factoryID, "worker_id": id})
			w := e.fetchWorker(ctx, factoryID, id, log)
			if w == nil {
				return nil
			}
			skills, _ := ParseSkillLevels(w.SkillLevels)
			r := row{
				ok:        true,
				skill:     skills.Average(e.cfg.DefaultSkillLevel),
				temporary: w.IsTemporary,
			}
			if w.HireDate != nil {
				r.experience = math.Max(0, now.Sub(*w.HireDate).Hours()/24)
			}
			r.efficiency, _ = e.averageEfficiency(ctx, factoryID, id, "", now.Add(-e.cfg.EfficiencyWindow), log)
			hours, _ := e.hoursToday(ctx, factoryID, id, now, log)
			r.available = math.Max(0, e.cfg.MaxHoursDay-hours)
			rows[i] = r
			return nil
		})
	}
	_ = g.Wait()

	var (
		gf    GroupFeatures
		temps int
	)
	for _, r := range rows {
		if !r.ok {
			continue
		}
		gf.WorkerCount++
		gf.AvgExperienceDays += r.experience
		gf.AvgSkillLevel += r.skill
		gf.AvgEfficiency += r.efficiency
		gf.TotalAvailableHours += r.available
		if r.temporary {
			temps++
		}
	}
	if gf.WorkerCount == 0 {
		return e.DefaultGroupFeatures()
	}

	n := float64(gf.WorkerCount)
	gf.AvgExperienceDays /= n
	gf.AvgSkillLevel /= n
	gf.AvgEfficiency /= n
	gf.TemporaryRatio = float64(temps) / n
	return gf
}

func (e *Engineer) fetchWorker(ctx context.Context, factoryID string, workerID int64, log *logrus.Entry) *Worker {
	if e.workers == nil {
		return nil
	}
	lctx, cancel := e.lookupContext(ctx)
	defer cancel()

	w, err := e.workers.GetWorker(lctx, factoryID, workerID)
	if err != nil {
		if errors.Is(err, ErrWorkerNotFound) {
			log.Warn("Worker not found, using default features")
		} else {
			log.WithError(err).Warn("Worker lookup failed, using default features")
		}
		return nil
	}
	return w
}

// averageEfficiency returns the configured default when there is no usable
// history; the boolean reports whether real history was found.
func (e *Engineer) averageEfficiency(ctx context.Context, factoryID string, workerID int64, stageType string, since time.Time, log *logrus.Entry) (float64, bool) {
	if e.stats == nil {
		return e.cfg.DefaultEfficiency, false
	}
	lctx, cancel := e.lookupContext(ctx)
	defer cancel()

	avg, samples, err := e.stats.AverageEfficiency(lctx, factoryID, workerID, stageType, since)
	if err != nil {
		log.WithError(err).WithField("stage_type", stageType).Warn("Efficiency lookup failed, using default")
		return e.cfg.DefaultEfficiency, false
	}
	if samples == 0 || math.IsNaN(avg) {
		return e.cfg.DefaultEfficiency, false
	}
	return avg, true
}

func (e *Engineer) hoursToday(ctx context.Context, factoryID string, workerID int64, now time.Time, log *logrus.Entry) (float64, bool) {
	if e.stats == nil {
		return 0, false
	}
	lctx, cancel := e.lookupContext(ctx)
	defer cancel()

	local := now.In(e.loc)
	startOfDay := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.loc)
	hours, err := e.stats.HoursAssignedSince(lctx, factoryID, workerID, startOfDay)
	if err != nil {
		log.WithError(err).Warn("Hours-worked lookup failed, assuming none")
		return 0, false
	}
	return math.Max(0, hours), true
}

func (e *Engineer) lookupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.LookupTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.LookupTimeout)
	}
	return context.WithCancel(ctx)
}
