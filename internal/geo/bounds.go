package geo

import "github.com/UnknownOlympus/cartographer/internal/models"

// planSpans derives the site's width and height in meters from the longest
// side and the plan's width/height aspect ratio.
func planSpans(sizeMeters, aspectRatio float64) (width, height float64) {
	if aspectRatio >= 1 {
		return sizeMeters, sizeMeters / aspectRatio
	}
	return sizeMeters * aspectRatio, sizeMeters
}

// BoundsFromCenter builds a rectangle of the given size and aspect ratio
// symmetric around center. sizeMeters is the longest side; the caller must
// pass sizeMeters > 0 (the orchestrator clamps before calling).
func BoundsFromCenter(center models.GeoPoint, sizeMeters, aspectRatio float64) models.Bounds {
	width, height := planSpans(sizeMeters, aspectRatio)

	halfLat := height / 2 / MetersPerDegreeLat
	halfLng := width / 2 / MetersPerDegreeLng(center.Lat)

	return models.Bounds{
		North: center.Lat + halfLat,
		South: center.Lat - halfLat,
		East:  center.Lng + halfLng,
		West:  center.Lng - halfLng,
	}
}

// BoundsFromCorner builds a rectangle anchored at corner: the named vertex
// keeps the corner's exact coordinates and the rectangle extends toward the
// opposite corner. An unknown corner position falls back to northwest
// anchoring rather than failing.
func BoundsFromCorner(
	corner models.GeoPoint,
	position models.CornerPosition,
	sizeMeters, aspectRatio float64,
) models.Bounds {
	width, height := planSpans(sizeMeters, aspectRatio)

	dLat := height / MetersPerDegreeLat
	dLng := width / MetersPerDegreeLng(corner.Lat)

	switch position {
	case models.CornerNortheast:
		return models.Bounds{
			North: corner.Lat,
			South: corner.Lat - dLat,
			East:  corner.Lng,
			West:  corner.Lng - dLng,
		}
	case models.CornerSouthwest:
		return models.Bounds{
			North: corner.Lat + dLat,
			South: corner.Lat,
			East:  corner.Lng + dLng,
			West:  corner.Lng,
		}
	case models.CornerSoutheast:
		return models.Bounds{
			North: corner.Lat + dLat,
			South: corner.Lat,
			East:  corner.Lng,
			West:  corner.Lng - dLng,
		}
	case models.CornerNorthwest:
		fallthrough
	default:
		// Degraded behavior for unrecognized positions: anchor northwest.
		return models.Bounds{
			North: corner.Lat,
			South: corner.Lat - dLat,
			East:  corner.Lng + dLng,
			West:  corner.Lng,
		}
	}
}
