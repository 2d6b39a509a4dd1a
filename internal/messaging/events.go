package messaging

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event types published to the allocation events topic.
const (
	EventAllocationRecorded = "allocation_recorded"
	EventFeedbackCompleted  = "feedback_completed"
	EventModelUpdated       = "model_updated"
	EventModelReset         = "model_reset"
)

// AllocationEvent is the audit record emitted for every state change of an
// allocation or a model.
type AllocationEvent struct {
	EventID        uuid.UUID `json:"event_id"`
	Type           string    `json:"type"`
	FactoryID      string    `json:"factory_id"`
	WorkerID       int64     `json:"worker_id,omitempty"`
	FeedbackID     string    `json:"feedback_id,omitempty"`
	TaskID         string    `json:"task_id,omitempty"`
	StageType      string    `json:"stage_type,omitempty"`
	PredictedScore *float64  `json:"predicted_score,omitempty"`
	Reward         *float64  `json:"reward,omitempty"`
	Applied        bool      `json:"applied,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// TaskOutcome is the message a shop-floor system sends when a task finishes.
type TaskOutcome struct {
	FeedbackID     string   `json:"feedbackId"`
	ActualQuantity float64  `json:"actualQuantity"`
	ActualHours    float64  `json:"actualHours"`
	QualityScore   *float64 `json:"qualityScore,omitempty"`
}

func (o TaskOutcome) Validate() error {
	if strings.TrimSpace(o.FeedbackID) == "" {
		return errors.New("feedbackId is required")
	}
	if o.ActualQuantity < 0 || o.ActualHours < 0 {
		return errors.New("actual quantity and hours must not be negative")
	}
	return nil
}
