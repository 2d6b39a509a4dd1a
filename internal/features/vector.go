package features

import (
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Layout of the bandit context vector. Task components come first.
const (
	TaskDim    = 8
	WorkerDim  = 8
	ContextDim = TaskDim + WorkerDim
)

// Indices into the combined context vector.
const (
	IdxQuantity = iota
	IdxUrgency
	IdxProductType
	IdxPriority
	IdxComplexity
	IdxWorkshop
	IdxStageType
	IdxStageRequiredSkill
	IdxAvgSkill
	IdxTenure
	IdxEfficiency
	IdxEmployment
	IdxHoursToday
	IdxFatigue
	IdxStageSkill
	IdxStageEfficiency
)

// Employment flag values.
const (
	PermanentFlag = 1.0
	TemporaryFlag = 0.5
)

// TaskFeatures is the normalized description of one production task.
type TaskFeatures struct {
	Quantity           float64 `json:"quantity"`
	Urgency            float64 `json:"urgency"`
	ProductType        float64 `json:"product_type"`
	Priority           float64 `json:"priority"`
	Complexity         float64 `json:"complexity"`
	Workshop           float64 `json:"workshop"`
	StageType          float64 `json:"stage_type"`
	StageRequiredSkill float64 `json:"stage_required_skill"`
}

// Vector returns the task features in context order.
func (t TaskFeatures) Vector() []float64 {
	return []float64{
		t.Quantity, t.Urgency, t.ProductType, t.Priority,
		t.Complexity, t.Workshop, t.StageType, t.StageRequiredSkill,
	}
}

// WorkerFeatures is the normalized description of one worker at request time.
type WorkerFeatures struct {
	AvgSkill        float64 `json:"avg_skill"`
	Tenure          float64 `json:"tenure"`
	Efficiency      float64 `json:"efficiency"`
	Employment      float64 `json:"employment"`
	HoursToday      float64 `json:"hours_today"`
	Fatigue         float64 `json:"fatigue"`
	StageSkill      float64 `json:"stage_skill"`
	StageEfficiency float64 `json:"stage_efficiency"`
}

// Vector returns the worker features in context order.
func (w WorkerFeatures) Vector() []float64 {
	return []float64{
		w.AvgSkill, w.Tenure, w.Efficiency, w.Employment,
		w.HoursToday, w.Fatigue, w.StageSkill, w.StageEfficiency,
	}
}

// IsTemporary reports whether the employment flag marks a contingent worker.
func (w WorkerFeatures) IsTemporary() bool {
	return w.Employment < PermanentFlag
}

// Combine concatenates task and worker features into a bandit context.
func Combine(task TaskFeatures, worker WorkerFeatures) []float64 {
	x := make([]float64, 0, ContextDim)
	x = append(x, task.Vector()...)
	return append(x, worker.Vector()...)
}

// Normalize maps value into [0,1] relative to [min,max]. A degenerate range
// yields 0.
func Normalize(value, min, max float64) float64 {
	if max <= min || math.IsNaN(value) {
		return 0
	}
	return clamp((value-min)/(max-min), 0, 1)
}

// EncodeCategorical hashes a categorical value into [0,1). The encoding is
// stable across processes and lossy: distinct values may collide. Empty
// input maps to the neutral midpoint 0.5.
func EncodeCategorical(value string) float64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0.5
	}
	return float64(xxhash.Sum64String(value)%1000) / 1000.0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
