package models

// RoadDirection is the compass position of a road relative to the site.
type RoadDirection string

const (
	RoadNorth   RoadDirection = "north"
	RoadSouth   RoadDirection = "south"
	RoadEast    RoadDirection = "east"
	RoadWest    RoadDirection = "west"
	RoadUnknown RoadDirection = "unknown"
)

// ExtractedRoad is a road mentioned in the source document.
type ExtractedRoad struct {
	Name      string        `json:"name"`
	Direction RoadDirection `json:"direction"`
	IsPrimary bool          `json:"is_primary"`
}

// ExtractedIntersection is a pair of roads believed to meet at one corner
// of the site.
type ExtractedIntersection struct {
	Road1          string         `json:"road1"`
	Road2          string         `json:"road2"`
	CornerPosition CornerPosition `json:"corner_position"`
}

// ExtractedPlanData is the structured location data recovered from a scanned
// construction plan by the vision model.
type ExtractedPlanData struct {
	Address             string                  `json:"address,omitempty"`
	City                string                  `json:"city,omitempty"`
	State               string                  `json:"state,omitempty"`
	Roads               []ExtractedRoad         `json:"roads"`
	Intersections       []ExtractedIntersection `json:"intersections"`
	EstimatedSizeMeters float64                 `json:"estimated_size_meters,omitempty"`
	Confidence          float64                 `json:"confidence"`
}

// PrimaryRoad returns the road flagged as primary, or the first extracted
// road when none is flagged. Returns nil if no roads were extracted.
func (d *ExtractedPlanData) PrimaryRoad() *ExtractedRoad {
	for i := range d.Roads {
		if d.Roads[i].IsPrimary {
			return &d.Roads[i]
		}
	}
	if len(d.Roads) > 0 {
		return &d.Roads[0]
	}
	return nil
}

// GeocodedLocation is a successful geocoder match.
type GeocodedLocation struct {
	Point            GeoPoint `json:"point"`
	FormattedAddress string   `json:"formatted_address"`
}

// ShiftMeters is a translation expressed in meters along the two axes.
// Positive north moves the overlay up, positive east moves it right.
type ShiftMeters struct {
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

// RefinementAdjustment is a model-proposed relative correction to the
// current bounds: a translation in meters plus a multiplicative size change.
type RefinementAdjustment struct {
	ShiftMeters ShiftMeters `json:"shift_meters"`
	ScaleFactor float64     `json:"scale_factor"` // must be > 0
	Confidence  float64     `json:"confidence"`   // 0..1
	Reasoning   string      `json:"reasoning,omitempty"`
}

// IsNoop reports whether applying the adjustment would leave bounds
// unchanged.
func (a RefinementAdjustment) IsNoop() bool {
	return a.ShiftMeters.North == 0 && a.ShiftMeters.East == 0 && a.ScaleFactor == 1
}

// DeepRefinement is one iteration's outcome from the deep-refinement
// collaborator.
type DeepRefinement struct {
	Adjustment      *RefinementAdjustment `json:"adjustment,omitempty"`
	FeaturesMatched []string              `json:"features_matched,omitempty"`
	ShouldContinue  bool                  `json:"should_continue"`
}

// ConversationTurn is one entry of a session's refinement conversation,
// carried between multi-turn refinement calls so the model sees what it
// already proposed.
type ConversationTurn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// RoadGeometry is a decoded road path for display, tagged with the road name
// it was fetched for.
type RoadGeometry struct {
	Name   string     `json:"name"`
	Points []GeoPoint `json:"points"`
}
