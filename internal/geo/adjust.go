package geo

import "github.com/UnknownOlympus/cartographer/internal/models"

// ApplyAdjustment maps a relative shift/scale adjustment onto existing
// bounds. The shift is converted to degree deltas at the current center's
// latitude, the spans are multiplied by the scale factor, and the rectangle
// is rebuilt around the moved center. The adjustment's validity
// (scale factor > 0) is the caller's policy.
func ApplyAdjustment(current models.Bounds, adj models.RefinementAdjustment) models.Bounds {
	center := current.Center()

	newCenter := models.GeoPoint{
		Lat: center.Lat + adj.ShiftMeters.North/MetersPerDegreeLat,
		Lng: center.Lng + adj.ShiftMeters.East/MetersPerDegreeLng(center.Lat),
	}

	latSpan := current.LatSpan() * adj.ScaleFactor
	lngSpan := current.LngSpan() * adj.ScaleFactor

	return models.Bounds{
		North: newCenter.Lat + latSpan/2,
		South: newCenter.Lat - latSpan/2,
		East:  newCenter.Lng + lngSpan/2,
		West:  newCenter.Lng - lngSpan/2,
	}
}

// CenterOffsetMeters returns how far current's center sits from original's
// center, in meters north and east. Used by the deep-refinement loop to
// enforce the cumulative displacement cap.
func CenterOffsetMeters(current, original models.Bounds) models.ShiftMeters {
	cur, orig := current.Center(), original.Center()
	return models.ShiftMeters{
		North: (cur.Lat - orig.Lat) * MetersPerDegreeLat,
		East:  (cur.Lng - orig.Lng) * MetersPerDegreeLng(orig.Lat),
	}
}
