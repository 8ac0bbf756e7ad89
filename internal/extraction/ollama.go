package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"

	"github.com/UnknownOlympus/cartographer/internal/geo"
	"github.com/UnknownOlympus/cartographer/internal/models"
	"github.com/ollama/ollama/api"
	"github.com/ollama/ollama/envconfig"
)

// Deep-refinement convergence contract: the model keeps iterating while it
// is neither confident nor proposing negligible shifts.
const (
	confidenceSettled     = 0.9
	negligibleShiftMeters = 2.0
)

// OllamaAPIClient is the subset of the Ollama client used here; narrowed
// for mocking in tests.
type OllamaAPIClient interface {
	Generate(ctx context.Context, req *api.GenerateRequest, fn api.GenerateResponseFunc) error
}

// OllamaExtractor implements Extractor and Refiner on a local Ollama
// vision model.
type OllamaExtractor struct {
	client OllamaAPIClient
	model  string
	log    *slog.Logger
}

// NewOllamaExtractor creates an extractor against the configured Ollama
// host (OLLAMA_HOST or the library default).
func NewOllamaExtractor(model string, log *slog.Logger) *OllamaExtractor {
	client := api.NewClient(envconfig.Host(), http.DefaultClient)
	return NewOllamaExtractorWithClient(client, model, log)
}

// NewOllamaExtractorWithClient allows injecting a custom API client,
// primarily for tests.
func NewOllamaExtractorWithClient(client OllamaAPIClient, model string, log *slog.Logger) *OllamaExtractor {
	return &OllamaExtractor{client: client, model: model, log: log}
}

// generate runs one non-streaming-style generation, accumulating the
// response chunks into a single reply string.
func (oe *OllamaExtractor) generate(ctx context.Context, prompt string, images []api.ImageData) (string, error) {
	req := api.GenerateRequest{
		Model:  oe.model,
		Prompt: prompt,
		Images: images,
		Format: json.RawMessage(`"json"`),
		Options: map[string]any{
			"temperature": 0.1,
			"num_predict": 1024,
		},
	}

	var reply strings.Builder
	err := oe.client.Generate(ctx, &req, func(resp api.GenerateResponse) error {
		_, werr := reply.WriteString(resp.Response)
		return werr
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate model response: %w", err)
	}

	return reply.String(), nil
}

const extractionPrompt = `You are analyzing a scanned construction site plan.
Extract every location hint you can find and reply with a single JSON object:
{
  "address": "street address if printed on the plan, else empty",
  "city": "...", "state": "...",
  "roads": [{"name": "...", "direction": "north|south|east|west|unknown", "isPrimary": true}],
  "intersections": [{"road1": "...", "road2": "...", "cornerPosition": "northwest|northeast|southwest|southeast|unknown"}],
  "estimatedSizeMeters": 100,
  "confidence": 0.0
}
Only report roads and intersections that are actually labeled on the drawing.`

// ExtractLocationData asks the vision model for structured location data.
// A reply with no address, roads, or intersections is ErrNoLocationData.
func (oe *OllamaExtractor) ExtractLocationData(
	ctx context.Context,
	documentImage []byte,
) (*models.ExtractedPlanData, error) {
	oe.log.DebugContext(ctx, "Extracting location data from plan", "image_bytes", len(documentImage))

	raw, err := oe.generate(ctx, extractionPrompt, []api.ImageData{documentImage})
	if err != nil {
		return nil, err
	}

	data, err := parsePlanData(raw)
	if err != nil {
		oe.log.WarnContext(ctx, "Model reply was not parseable plan data", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrNoLocationData, err)
	}
	if data.Address == "" && len(data.Roads) == 0 && len(data.Intersections) == 0 {
		return nil, ErrNoLocationData
	}

	oe.log.InfoContext(ctx, "Extracted plan data",
		"roads", len(data.Roads), "intersections", len(data.Intersections),
		"city", data.City, "confidence", data.Confidence)
	return data, nil
}

// RequestVisualRefinement compares the composite screenshot against the
// source document and proposes an adjustment. A reply that cannot be parsed
// as a structured adjustment is treated as "no change needed", except when
// the prose contains an explicit bounds quadruple, which is converted to a
// relative adjustment as the documented degraded fallback.
func (oe *OllamaExtractor) RequestVisualRefinement(
	ctx context.Context,
	screenshot, referenceDocument []byte,
	current models.Bounds,
	history []models.ConversationTurn,
) (*models.RefinementAdjustment, error) {
	var prompt strings.Builder
	prompt.WriteString("The first image is a satellite map with the construction plan overlaid; ")
	prompt.WriteString("the second is the original plan. Judge the overlay alignment.\n")
	fmt.Fprintf(&prompt, "Current bounds: north=%.6f south=%.6f east=%.6f west=%.6f\n",
		current.North, current.South, current.East, current.West)
	for _, turn := range history {
		fmt.Fprintf(&prompt, "[%s] %s\n", turn.Role, turn.Content)
	}
	prompt.WriteString(`Reply with JSON:
{"shiftMeters":{"north":0,"east":0},"scaleFactor":1.0,"confidence":0.0,"reasoning":"...","noChangeNeeded":false}`)

	raw, err := oe.generate(ctx, prompt.String(), []api.ImageData{screenshot, referenceDocument})
	if err != nil {
		return nil, err
	}

	adj, _, err := parseAdjustment(raw)
	if err != nil {
		if bounds, ok := ParseBoundsFromText(raw); ok {
			oe.log.WarnContext(ctx, "Falling back to bounds parsed from prose reply")
			return adjustmentBetween(current, *bounds), nil
		}
		oe.log.WarnContext(ctx, "Model reply was not a usable adjustment, keeping bounds", "error", err)
		return nil, nil
	}

	return adj, nil
}

// RequestDeepRefinement runs one deep-refinement comparison against terrain
// imagery. Unparseable replies degrade to a stop with no adjustment.
func (oe *OllamaExtractor) RequestDeepRefinement(
	ctx context.Context,
	drawingImage, terrainScreenshot []byte,
	current, original models.Bounds,
	iteration int,
	maxShiftMeters float64,
) (*models.DeepRefinement, error) {
	var prompt strings.Builder
	prompt.WriteString("The first image is the construction drawing; the second is terrain imagery ")
	prompt.WriteString("of the current placement. Match roads, parcel edges, and structures.\n")
	fmt.Fprintf(&prompt, "Iteration %d. Current bounds: north=%.6f south=%.6f east=%.6f west=%.6f. ",
		iteration, current.North, current.South, current.East, current.West)
	fmt.Fprintf(&prompt, "Original bounds: north=%.6f south=%.6f east=%.6f west=%.6f. ",
		original.North, original.South, original.East, original.West)
	fmt.Fprintf(&prompt, "Never propose moving more than %.0f meters total from the original placement.\n", maxShiftMeters)
	prompt.WriteString(`Reply with JSON:
{"shiftMeters":{"north":0,"east":0},"scaleFactor":1.0,"confidence":0.0,"reasoning":"...",` +
		`"featuresMatched":["..."],"shouldContinue":true}`)

	raw, err := oe.generate(ctx, prompt.String(), []api.ImageData{drawingImage, terrainScreenshot})
	if err != nil {
		return nil, err
	}

	adj, wire, err := parseAdjustment(raw)
	if err != nil {
		oe.log.WarnContext(ctx, "Deep refinement reply was not a usable adjustment", "error", err)
		return &models.DeepRefinement{ShouldContinue: false}, nil
	}

	result := &models.DeepRefinement{Adjustment: adj}
	if wire != nil {
		result.FeaturesMatched = wire.FeaturesMatched
	}
	switch {
	case wire != nil && wire.ShouldContinue != nil:
		result.ShouldContinue = *wire.ShouldContinue
	case adj != nil:
		// Older model replies omit the flag; re-derive it from the
		// documented convergence rule.
		result.ShouldContinue = adj.Confidence < confidenceSettled &&
			(math.Abs(adj.ShiftMeters.North) > negligibleShiftMeters ||
				math.Abs(adj.ShiftMeters.East) > negligibleShiftMeters)
	}

	return result, nil
}

// adjustmentBetween expresses target as a relative adjustment from current:
// the center delta in meters plus the span ratio.
func adjustmentBetween(current, target models.Bounds) *models.RefinementAdjustment {
	offset := geo.CenterOffsetMeters(target, current)
	return &models.RefinementAdjustment{
		ShiftMeters: offset,
		ScaleFactor: target.LatSpan() / current.LatSpan(),
		Confidence:  confidenceSingleRoad,
		Reasoning:   "derived from explicit bounds in prose reply",
	}
}
