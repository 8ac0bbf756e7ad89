package pipeline

import "github.com/UnknownOlympus/cartographer/internal/models"

// Stage identifies a step of the positioning state machine.
type Stage string

const (
	StageIdle        Stage = "idle"
	StageReading     Stage = "reading"
	StageExtracting  Stage = "extracting"
	StageGeocoding   Stage = "geocoding"
	StagePositioning Stage = "positioning"
	StageRefining    Stage = "refining"
	StageSettled     Stage = "settled"
	StageFailed      Stage = "failed"
)

// Event statuses within a stage.
const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Event is one progress record emitted by a pipeline run.
type Event struct {
	SessionID string         `json:"session_id"`
	Stage     Stage          `json:"stage"`
	Status    string         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Bounds    *models.Bounds `json:"bounds,omitempty"`
}

// StopReason distinguishes why the deep-refinement loop ended. Callers need
// the distinction for UX; folding these into a generic "done" is a defect.
type StopReason string

const (
	// StopConverged: the model reported it is confident or proposing only
	// negligible shifts.
	StopConverged StopReason = "converged"
	// StopNoAdjustment: the model returned no usable adjustment.
	StopNoAdjustment StopReason = "no_adjustment"
	// StopMaxIterations: the iteration cap was reached.
	StopMaxIterations StopReason = "max_iterations"
	// StopCancelled: cancellation was observed between iterations or between
	// send and apply.
	StopCancelled StopReason = "cancelled"
)

// IterationResult is one deep-refinement iteration's outcome. The final
// record on the stream carries the StopReason.
type IterationResult struct {
	Iteration       int                          `json:"iteration"`
	Adjustment      *models.RefinementAdjustment `json:"adjustment,omitempty"`
	FeaturesMatched []string                     `json:"features_matched,omitempty"`
	Bounds          *models.Bounds               `json:"bounds,omitempty"`
	BoundsClamped   bool                         `json:"bounds_clamped"`
	StopReason      StopReason                   `json:"stop_reason,omitempty"`
	Message         string                       `json:"message,omitempty"`
}
