package models

import "time"

// Diversity modes accepted by the recommendation endpoints.
const (
	ModeFull = "full"
	ModeMMR  = "mmr"
)

type RecommendationRequest struct {
	// TaskInfo is the loose task description. Keys may be camelCase or
	// snake_case.
	TaskInfo         map[string]interface{} `json:"task_info,omitempty"`
	ProductionPlanID *int64                 `json:"production_plan_id,omitempty" validate:"omitempty,min=1"`
	// StageType overrides the stage found in TaskInfo or the plan.
	StageType          string  `json:"stage_type,omitempty" validate:"max=64"`
	CandidateWorkerIDs []int64 `json:"candidate_worker_ids" validate:"max=500,dive,min=1"`
	Limit              int     `json:"limit,omitempty" validate:"min=0,max=500"`
	IncludeExcluded    bool    `json:"include_excluded"`
	Mode               string  `json:"mode,omitempty" validate:"omitempty,oneof=full mmr"`
}

type DiversityBreakdown struct {
	FairnessBonus         float64 `json:"fairness_bonus"`
	SkillMaintenanceBonus float64 `json:"skill_maintenance_bonus"`
	RepetitionPenalty     float64 `json:"repetition_penalty"`
	LearningBonus         float64 `json:"learning_bonus"`
	ComplexityBonus       float64 `json:"complexity_bonus"`
	SeverePenalty         float64 `json:"severe_penalty"`
	HistorySimilarity     float64 `json:"history_similarity,omitempty"`
	ConsecutiveDays       int     `json:"consecutive_days"`
}

type WorkerRecommendation struct {
	WorkerID           int64              `json:"worker_id"`
	Rank               int                `json:"rank"`
	Score              float64            `json:"score"`
	UCBScore           float64            `json:"ucb_score"`
	ExpectedEfficiency float64            `json:"expected_efficiency"`
	ConfidenceWidth    float64            `json:"confidence_width"`
	UpdateCount        int                `json:"update_count"`
	Explanation        string             `json:"explanation"`
	Excluded           bool               `json:"excluded"`
	Diversity          DiversityBreakdown `json:"diversity"`
	// Context is the feature vector the score was computed from. Send it
	// back with the allocation so the outcome trains the same context.
	Context           []float64 `json:"context"`
	DefaultedFeatures []string  `json:"defaulted_features,omitempty"`
}

type RecommendationResponse struct {
	FactoryID       string                 `json:"factory_id"`
	StageType       string                 `json:"stage_type"`
	Mode            string                 `json:"mode"`
	Recommendations []WorkerRecommendation `json:"recommendations"`
	DefaultedTask   []string               `json:"defaulted_task_features,omitempty"`
	GeneratedAt     time.Time              `json:"generated_at"`
}

type AllocationRequest struct {
	TaskID        string   `json:"task_id" validate:"required,max=128"`
	StageType     string   `json:"stage_type" validate:"required,max=64"`
	ProductTypeID string   `json:"product_type_id,omitempty" validate:"max=128"`
	Complexity    *float64 `json:"complexity,omitempty" validate:"omitempty,min=1,max=5"`
	WorkerID      int64    `json:"worker_id" validate:"required,min=1"`
	// Context may be omitted when TaskInfo is given; it is then extracted
	// the same way a recommendation would.
	Context         []float64              `json:"context,omitempty" validate:"omitempty,len=16"`
	TaskInfo        map[string]interface{} `json:"task_info,omitempty"`
	PredictedScore  *float64               `json:"predicted_score,omitempty"`
	PlannedQuantity *float64               `json:"planned_quantity,omitempty" validate:"omitempty,min=0"`
	PlannedHours    *float64               `json:"planned_hours,omitempty" validate:"omitempty,min=0"`
}

type AllocationResponse struct {
	FeedbackID     string    `json:"feedback_id"`
	FactoryID      string    `json:"factory_id"`
	WorkerID       int64     `json:"worker_id"`
	StageType      string    `json:"stage_type"`
	PredictedScore float64   `json:"predicted_score"`
	AssignedAt     time.Time `json:"assigned_at"`
}

type CompleteFeedbackRequest struct {
	ActualQuantity float64  `json:"actual_quantity" validate:"min=0"`
	ActualHours    float64  `json:"actual_hours" validate:"min=0"`
	QualityScore   *float64 `json:"quality_score,omitempty" validate:"omitempty,min=0,max=1"`
}

type CompleteFeedbackResponse struct {
	FeedbackID  string    `json:"feedback_id"`
	WorkerID    int64     `json:"worker_id"`
	Reward      float64   `json:"reward"`
	Efficiency  float64   `json:"efficiency"`
	Quality     float64   `json:"quality"`
	IsOvertime  bool      `json:"is_overtime"`
	Applied     bool      `json:"applied"`
	CompletedAt time.Time `json:"completed_at"`
}

type BatchUpdateResponse struct {
	FactoryID   string    `json:"factory_id"`
	Processed   int       `json:"processed"`
	CompletedAt time.Time `json:"completed_at"`
}

type WorkerPerformance struct {
	WorkerID      int64     `json:"worker_id"`
	UpdateCount   int       `json:"update_count"`
	AvgReward     float64   `json:"avg_reward"`
	TotalReward   float64   `json:"total_reward"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

type PerformanceResponse struct {
	FactoryID string              `json:"factory_id"`
	Workers   []WorkerPerformance `json:"workers"`
}

type ModelSummary struct {
	WorkerID      int64     `json:"worker_id"`
	UpdateCount   int       `json:"update_count"`
	AvgReward     float64   `json:"avg_reward"`
	TotalReward   float64   `json:"total_reward"`
	CreatedAt     time.Time `json:"created_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

type ModelListResponse struct {
	FactoryID string         `json:"factory_id"`
	Models    []ModelSummary `json:"models"`
}

type ResetResponse struct {
	FactoryID string `json:"factory_id"`
	WorkerID  *int64 `json:"worker_id,omitempty"`
	Reset     int64  `json:"reset"`
}

type GroupFeaturesRequest struct {
	WorkerIDs []int64 `json:"worker_ids" validate:"required,min=1,max=1000,dive,min=1"`
}
