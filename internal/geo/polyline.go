package geo

import "github.com/UnknownOlympus/cartographer/internal/models"

// DecodePolyline decodes Google's encoded-polyline format into the ordered
// sequence of points it describes. Each coordinate delta is accumulated from
// 5-bit groups (byte minus 63, bit 5 is the continuation flag), zig-zag
// decoded, scaled by 1e-5, and added to the running latitude/longitude.
// Empty input yields an empty slice. A truncated tail simply ends the walk;
// the cursor is bounded by the string length so decoding always terminates.
func DecodePolyline(encoded string) []models.GeoPoint {
	points := []models.GeoPoint{}
	var lat, lng int64

	for i := 0; i < len(encoded); {
		var delta int64
		delta, i = decodeSignedValue(encoded, i)
		lat += delta

		if i >= len(encoded) {
			break
		}
		delta, i = decodeSignedValue(encoded, i)
		lng += delta

		points = append(points, models.GeoPoint{
			Lat: float64(lat) / 1e5,
			Lng: float64(lng) / 1e5,
		})
	}

	return points
}

// decodeSignedValue reads one varint-style value starting at index i and
// returns the zig-zag decoded delta plus the next cursor position.
func decodeSignedValue(encoded string, i int) (int64, int) {
	var value int64
	var shift uint

	for i < len(encoded) {
		chunk := int64(encoded[i]) - 63
		i++
		value |= (chunk & 0x1f) << shift
		shift += 5
		if chunk < 0x20 {
			break
		}
	}

	if value&1 != 0 {
		return ^(value >> 1), i
	}
	return value >> 1, i
}
