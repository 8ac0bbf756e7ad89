package geocoding

import (
	"context"
	"errors"

	"github.com/UnknownOlympus/cartographer/internal/models"
)

// ErrNoMatch is returned when a geocoding query resolves to nothing. The
// pipeline treats it as "try the next fallback", not as a hard failure.
var ErrNoMatch = errors.New("no geocoding match for query")

// Provider resolves a textual address or intersection description to
// coordinates.
type Provider interface {
	Geocode(ctx context.Context, query string) (*models.GeocodedLocation, error)
}

// RoadGeometrySource fetches the path of a named road near a point, for
// highlighting on the map. Implementations are best-effort; the pipeline
// tolerates per-road failures.
type RoadGeometrySource interface {
	FetchRoadGeometry(
		ctx context.Context,
		roadName string,
		near models.GeoPoint,
		searchRadiusMeters float64,
	) ([]models.GeoPoint, error)
}
