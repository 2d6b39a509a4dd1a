package feedback

import (
	"math"

	"github.com/temcen/workalloc/internal/config"
)

// Outcome is what a completed task reports back.
type Outcome struct {
	ActualQuantity float64  `json:"actual_quantity"`
	ActualHours    float64  `json:"actual_hours"`
	QualityScore   *float64 `json:"quality_score,omitempty"`
}

// Reward is the breakdown of a computed reward.
type Reward struct {
	Efficiency float64 `json:"efficiency"`
	Quality    float64 `json:"quality"`
	IsOvertime bool    `json:"is_overtime"`
	Value      float64 `json:"reward"`
}

// RewardCalculator turns outcomes into scalar rewards:
//
//	reward = efficiencyWeight*efficiency + qualityWeight*quality - overtimePenalty
//
// efficiency = actual/planned clamped to [0, maxEfficiency] (1.0 when nothing
// was planned), quality is clamped to [0, 1], and the result to [0, maxReward].
type RewardCalculator struct {
	cfg config.RewardConfig
}

func NewRewardCalculator(cfg config.RewardConfig) RewardCalculator {
	return RewardCalculator{cfg: cfg}
}

func (c RewardCalculator) Compute(plannedQuantity, plannedHours *float64, o Outcome) Reward {
	eff := 1.0
	if plannedQuantity != nil && *plannedQuantity > 0 {
		eff = clamp(o.ActualQuantity / *plannedQuantity, 0, c.cfg.MaxEfficiency)
	}
	if math.IsNaN(eff) {
		eff = 0
	}

	quality := c.cfg.DefaultQuality
	if o.QualityScore != nil && !math.IsNaN(*o.QualityScore) {
		quality = *o.QualityScore
	}
	quality = clamp(quality, 0, 1)

	overtime := plannedHours != nil && o.ActualHours > *plannedHours

	value := c.cfg.EfficiencyWeight*eff + c.cfg.QualityWeight*quality
	if overtime {
		value -= c.cfg.OvertimePenalty
	}

	return Reward{
		Efficiency: eff,
		Quality:    quality,
		IsOvertime: overtime,
		Value:      clamp(value, 0, c.cfg.MaxReward),
	}
}
