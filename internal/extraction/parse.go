package extraction

import (
	"encoding/json"
	"errors"
	"regexp"
	"strconv"

	"github.com/UnknownOlympus/cartographer/internal/models"
)

// Default confidence when the model omits one: higher when at least two
// roads were recognized. Placeholder policy pending calibration against
// real placement outcomes.
const (
	confidenceMultiRoad  = 0.8
	confidenceSingleRoad = 0.5
)

var errNoJSONObject = errors.New("no JSON object in model reply")

// firstJSONObject returns the first complete top-level JSON object in s.
// The reply is scanned once with a brace-depth walk that honors string
// literals and escapes; no repeated regex passes over a growing buffer.
func firstJSONObject(s string) (string, bool) {
	depth, start := 0, -1
	inString, escaped := false, false

	for i := range len(s) {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}

// wirePlanData mirrors the model's extraction schema before normalization.
type wirePlanData struct {
	Address       string `json:"address"`
	City          string `json:"city"`
	State         string `json:"state"`
	Roads         []struct {
		Name      string `json:"name"`
		Direction string `json:"direction"`
		IsPrimary bool   `json:"isPrimary"`
	} `json:"roads"`
	Intersections []struct {
		Road1          string `json:"road1"`
		Road2          string `json:"road2"`
		CornerPosition string `json:"cornerPosition"`
	} `json:"intersections"`
	EstimatedSizeMeters float64  `json:"estimatedSizeMeters"`
	Confidence          *float64 `json:"confidence"`
}

// parsePlanData turns a raw model reply into normalized plan data.
func parsePlanData(raw string) (*models.ExtractedPlanData, error) {
	blob, ok := firstJSONObject(raw)
	if !ok {
		return nil, errNoJSONObject
	}

	var wire wirePlanData
	if err := json.Unmarshal([]byte(blob), &wire); err != nil {
		return nil, err
	}

	data := &models.ExtractedPlanData{
		Address:             wire.Address,
		City:                wire.City,
		State:               wire.State,
		EstimatedSizeMeters: wire.EstimatedSizeMeters,
	}
	for _, r := range wire.Roads {
		data.Roads = append(data.Roads, models.ExtractedRoad{
			Name:      r.Name,
			Direction: parseRoadDirection(r.Direction),
			IsPrimary: r.IsPrimary,
		})
	}
	for _, ix := range wire.Intersections {
		data.Intersections = append(data.Intersections, models.ExtractedIntersection{
			Road1:          ix.Road1,
			Road2:          ix.Road2,
			CornerPosition: models.ParseCornerPosition(ix.CornerPosition),
		})
	}

	switch {
	case wire.Confidence != nil:
		data.Confidence = *wire.Confidence
	case len(data.Roads) >= 2:
		data.Confidence = confidenceMultiRoad
	default:
		data.Confidence = confidenceSingleRoad
	}

	return data, nil
}

func parseRoadDirection(s string) models.RoadDirection {
	switch models.RoadDirection(s) {
	case models.RoadNorth, models.RoadSouth, models.RoadEast, models.RoadWest:
		return models.RoadDirection(s)
	default:
		return models.RoadUnknown
	}
}

// wireAdjustment mirrors the refinement schema.
type wireAdjustment struct {
	ShiftMeters struct {
		North float64 `json:"north"`
		East  float64 `json:"east"`
	} `json:"shiftMeters"`
	ScaleFactor     *float64 `json:"scaleFactor"`
	Confidence      float64  `json:"confidence"`
	Reasoning       string   `json:"reasoning"`
	FeaturesMatched []string `json:"featuresMatched"`
	ShouldContinue  *bool    `json:"shouldContinue"`
	NoChange        bool     `json:"noChangeNeeded"`
}

// parseAdjustment extracts a refinement adjustment from a raw model reply.
// Returns (nil, nil) when the model explicitly reported no change needed;
// an error when the reply is not a usable adjustment at all.
func parseAdjustment(raw string) (*models.RefinementAdjustment, *wireAdjustment, error) {
	blob, ok := firstJSONObject(raw)
	if !ok {
		return nil, nil, errNoJSONObject
	}

	var wire wireAdjustment
	if err := json.Unmarshal([]byte(blob), &wire); err != nil {
		return nil, nil, err
	}
	if wire.NoChange {
		return nil, &wire, nil
	}

	scale := 1.0
	if wire.ScaleFactor != nil {
		scale = *wire.ScaleFactor
	}
	if scale <= 0 {
		return nil, nil, errors.New("adjustment has non-positive scale factor")
	}

	adj := &models.RefinementAdjustment{
		ShiftMeters: models.ShiftMeters{
			North: wire.ShiftMeters.North,
			East:  wire.ShiftMeters.East,
		},
		ScaleFactor: scale,
		Confidence:  min(max(wire.Confidence, 0), 1),
		Reasoning:   wire.Reasoning,
	}
	return adj, &wire, nil
}

// boundsFromTextRe matches a loose "north: <num> ... west: <num>" quadruple
// in prose replies. Degraded-mode fallback for the legacy chat-style flow;
// never the primary parse and never trusted without Bounds.Validate.
var boundsFromTextRe = regexp.MustCompile(
	`(?is)north\D*?(-?\d+\.?\d*).*?south\D*?(-?\d+\.?\d*).*?east\D*?(-?\d+\.?\d*).*?west\D*?(-?\d+\.?\d*)`,
)

// ParseBoundsFromText scavenges an explicit bounds quadruple out of a prose
// reply. Best-effort with no guaranteed success.
func ParseBoundsFromText(text string) (*models.Bounds, bool) {
	m := boundsFromTextRe.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}

	vals := make([]float64, 4)
	for i, s := range m[1:] {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, false
		}
		vals[i] = v
	}

	bounds := &models.Bounds{North: vals[0], South: vals[1], East: vals[2], West: vals[3]}
	if err := bounds.Validate(); err != nil {
		return nil, false
	}
	return bounds, true
}
