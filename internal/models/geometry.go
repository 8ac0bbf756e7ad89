package models

import "errors"

// GeoPoint represents a geographical point in WGS84 degrees.
type GeoPoint struct {
	Lat float64 `json:"lat"` // Latitude, -90..90.
	Lng float64 `json:"lng"` // Longitude, -180..180.
}

// Bounds is an axis-aligned lat/lng rectangle describing where a plan
// overlay sits on the map.
type Bounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// ErrInvalidBounds is returned when a bounds rectangle violates the
// north>south / east>west invariant. Such a value indicates an upstream
// data or arithmetic bug and must never be repaired by swapping edges.
var ErrInvalidBounds = errors.New("invalid bounds: requires north > south and east > west")

// Validate rejects degenerate or flipped rectangles.
func (b Bounds) Validate() error {
	if b.North <= b.South || b.East <= b.West {
		return ErrInvalidBounds
	}
	return nil
}

// Center returns the midpoint of the rectangle.
func (b Bounds) Center() GeoPoint {
	return GeoPoint{
		Lat: (b.North + b.South) / 2,
		Lng: (b.East + b.West) / 2,
	}
}

// LatSpan returns the north-south extent in degrees.
func (b Bounds) LatSpan() float64 { return b.North - b.South }

// LngSpan returns the east-west extent in degrees.
func (b Bounds) LngSpan() float64 { return b.East - b.West }

// CornerPosition identifies which corner of a rectangular site a geocoded
// intersection represents.
type CornerPosition string

const (
	CornerNorthwest CornerPosition = "northwest"
	CornerNortheast CornerPosition = "northeast"
	CornerSouthwest CornerPosition = "southwest"
	CornerSoutheast CornerPosition = "southeast"
	CornerUnknown   CornerPosition = "unknown"
)

// ParseCornerPosition normalizes a model-supplied corner label. Anything
// unrecognized maps to CornerUnknown.
func ParseCornerPosition(s string) CornerPosition {
	switch CornerPosition(s) {
	case CornerNorthwest, CornerNortheast, CornerSouthwest, CornerSoutheast:
		return CornerPosition(s)
	default:
		return CornerUnknown
	}
}
