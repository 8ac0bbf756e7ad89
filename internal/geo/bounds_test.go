package geo_test

import (
	"testing"

	"github.com/UnknownOlympus/cartographer/internal/geo"
	"github.com/UnknownOlympus/cartographer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundsFromCenter(t *testing.T) {
	t.Parallel()
	center := models.GeoPoint{Lat: 33.6, Lng: -112.3}

	t.Run("square aspect yields square in meters", func(t *testing.T) {
		t.Parallel()
		bounds := geo.BoundsFromCenter(center, 200, 1)
		require.NoError(t, bounds.Validate())

		heightMeters := bounds.LatSpan() * geo.MetersPerDegreeLat
		widthMeters := bounds.LngSpan() * geo.MetersPerDegreeLng(center.Lat)
		require.InEpsilon(t, heightMeters, widthMeters, 0.001)
		require.InEpsilon(t, 200, heightMeters, 0.001)
	})

	t.Run("result is symmetric around center", func(t *testing.T) {
		t.Parallel()
		bounds := geo.BoundsFromCenter(center, 120, 1.5)
		got := bounds.Center()
		require.InDelta(t, center.Lat, got.Lat, 1e-12)
		require.InDelta(t, center.Lng, got.Lng, 1e-12)
	})

	t.Run("wide plan puts the long side east-west", func(t *testing.T) {
		t.Parallel()
		bounds := geo.BoundsFromCenter(center, 100, 2)
		widthMeters := bounds.LngSpan() * geo.MetersPerDegreeLng(center.Lat)
		heightMeters := bounds.LatSpan() * geo.MetersPerDegreeLat
		require.InEpsilon(t, 100, widthMeters, 0.001)
		require.InEpsilon(t, 50, heightMeters, 0.001)
	})

	t.Run("tall plan puts the long side north-south", func(t *testing.T) {
		t.Parallel()
		bounds := geo.BoundsFromCenter(center, 100, 0.5)
		widthMeters := bounds.LngSpan() * geo.MetersPerDegreeLng(center.Lat)
		heightMeters := bounds.LatSpan() * geo.MetersPerDegreeLat
		require.InEpsilon(t, 50, widthMeters, 0.001)
		require.InEpsilon(t, 100, heightMeters, 0.001)
	})
}

func TestBoundsFromCorner(t *testing.T) {
	t.Parallel()
	corner := models.GeoPoint{Lat: 40.0, Lng: -75.0}
	const size, aspect = 150.0, 1.25

	dLat := (size / aspect) / geo.MetersPerDegreeLat
	dLng := size / geo.MetersPerDegreeLng(corner.Lat)

	tests := []struct {
		position models.CornerPosition
		want     models.Bounds
	}{
		{models.CornerNorthwest, models.Bounds{
			North: corner.Lat, South: corner.Lat - dLat,
			West: corner.Lng, East: corner.Lng + dLng,
		}},
		{models.CornerNortheast, models.Bounds{
			North: corner.Lat, South: corner.Lat - dLat,
			East: corner.Lng, West: corner.Lng - dLng,
		}},
		{models.CornerSouthwest, models.Bounds{
			South: corner.Lat, North: corner.Lat + dLat,
			West: corner.Lng, East: corner.Lng + dLng,
		}},
		{models.CornerSoutheast, models.Bounds{
			South: corner.Lat, North: corner.Lat + dLat,
			East: corner.Lng, West: corner.Lng - dLng,
		}},
	}

	for _, tc := range tests {
		t.Run(string(tc.position), func(t *testing.T) {
			t.Parallel()
			bounds := geo.BoundsFromCorner(corner, tc.position, size, aspect)
			require.NoError(t, bounds.Validate())

			// The anchored vertex must be exact, the opposite one offset by
			// the full span.
			assert.InDelta(t, tc.want.North, bounds.North, 1e-12)
			assert.InDelta(t, tc.want.South, bounds.South, 1e-12)
			assert.InDelta(t, tc.want.East, bounds.East, 1e-12)
			assert.InDelta(t, tc.want.West, bounds.West, 1e-12)
		})
	}

	t.Run("unknown position falls back to northwest anchoring", func(t *testing.T) {
		t.Parallel()
		got := geo.BoundsFromCorner(corner, models.CornerUnknown, size, aspect)
		want := geo.BoundsFromCorner(corner, models.CornerNorthwest, size, aspect)
		require.Equal(t, want, got)
	})
}

func TestBoundsValidate(t *testing.T) {
	t.Parallel()

	valid := models.Bounds{North: 1, South: 0, East: 1, West: 0}
	require.NoError(t, valid.Validate())

	flippedLat := models.Bounds{North: 0, South: 1, East: 1, West: 0}
	require.ErrorIs(t, flippedLat.Validate(), models.ErrInvalidBounds)

	flippedLng := models.Bounds{North: 1, South: 0, East: 0, West: 1}
	require.ErrorIs(t, flippedLng.Validate(), models.ErrInvalidBounds)
}
