// Package geo holds the pure geographic math behind plan positioning:
// meter/degree conversions, bounding-box construction, adjustment
// application, and the encoded-polyline decoder. Everything here is
// deterministic and side-effect free; validation of inputs is the
// caller's responsibility.
package geo

import "math"

// MetersPerDegreeLat is the spherical-earth approximation of one degree of
// latitude. Longitude shrinks with latitude; latitude does not.
const MetersPerDegreeLat = 111000.0

// MetersPerDegreeLng returns the length in meters of one degree of
// longitude at the given latitude. NaN input propagates to the result.
func MetersPerDegreeLng(lat float64) float64 {
	return math.Cos(lat*math.Pi/180) * MetersPerDegreeLat
}
