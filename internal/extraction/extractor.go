// Package extraction wraps the vision model behind the narrow collaborator
// contracts the pipeline consumes: location extraction from a scanned plan,
// single-pass visual refinement, and deep refinement against terrain
// imagery. The model is a black box that returns structured JSON; parsing
// failures degrade per the pipeline's policy instead of failing hard.
package extraction

import (
	"context"
	"errors"

	"github.com/UnknownOlympus/cartographer/internal/models"
)

// ErrNoLocationData is returned when the model produced no usable
// structured data for a document. Terminal for the pipeline.
var ErrNoLocationData = errors.New("no usable location data in document")

// Extractor recovers structured location data from a scanned plan image.
type Extractor interface {
	ExtractLocationData(ctx context.Context, documentImage []byte) (*models.ExtractedPlanData, error)
}

// Refiner proposes placement corrections from visual comparisons.
// A nil adjustment with a nil error means "alignment looks good".
type Refiner interface {
	RequestVisualRefinement(
		ctx context.Context,
		screenshot, referenceDocument []byte,
		current models.Bounds,
		history []models.ConversationTurn,
	) (*models.RefinementAdjustment, error)

	RequestDeepRefinement(
		ctx context.Context,
		drawingImage, terrainScreenshot []byte,
		current, original models.Bounds,
		iteration int,
		maxShiftMeters float64,
	) (*models.DeepRefinement, error)
}
