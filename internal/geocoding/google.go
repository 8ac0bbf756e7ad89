package geocoding

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/UnknownOlympus/cartographer/internal/geo"
	"github.com/UnknownOlympus/cartographer/internal/models"
	"googlemaps.github.io/maps"
)

// GoogleProvider geocodes through the Google Maps API and additionally
// serves road geometry via the Directions API.
type GoogleProvider struct {
	client GoogleAPIClient // client is the Google Maps API client
	log    *slog.Logger    // log is the logger for logging operations
}

// GoogleAPIClient is the subset of the Google Maps client the provider
// needs; narrowed for mocking in tests.
type GoogleAPIClient interface {
	Geocode(ctx context.Context, r *maps.GeocodingRequest) ([]maps.GeocodingResult, error)
	Directions(ctx context.Context, r *maps.DirectionsRequest) ([]maps.Route, []maps.GeocodedWaypoint, error)
}

// NewGoogleProvider wraps an existing Google Maps client.
func NewGoogleProvider(client GoogleAPIClient, log *slog.Logger) *GoogleProvider {
	return &GoogleProvider{client: client, log: log}
}

// Geocode resolves the query to coordinates plus the formatted address
// Google matched it to. An empty result set maps to ErrNoMatch.
func (gp *GoogleProvider) Geocode(ctx context.Context, query string) (*models.GeocodedLocation, error) {
	gp.log.DebugContext(ctx, "Geocoding using Google Maps", "query", query)

	req := maps.GeocodingRequest{Address: query}
	results, err := gp.client.Geocode(ctx, &req)
	if err != nil {
		return nil, fmt.Errorf("failed to geocode query: %w", err)
	}

	if len(results) == 0 {
		return nil, ErrNoMatch
	}
	loc := results[0].Geometry.Location

	return &models.GeocodedLocation{
		Point:            models.GeoPoint{Lat: loc.Lat, Lng: loc.Lng},
		FormattedAddress: results[0].FormattedAddress,
	}, nil
}

// FetchRoadGeometry returns the path of roadName near the given point. The
// road name is geocoded with a viewport bias around the point, then a short
// driving route is requested through that anchor; Google snaps it onto the
// road network, and the overview polyline is decoded into display points.
func (gp *GoogleProvider) FetchRoadGeometry(
	ctx context.Context,
	roadName string,
	near models.GeoPoint,
	searchRadiusMeters float64,
) ([]models.GeoPoint, error) {
	gp.log.DebugContext(ctx, "Fetching road geometry",
		"road", roadName, "lat", near.Lat, "lng", near.Lng, "radius_m", searchRadiusMeters)

	dLat := searchRadiusMeters / geo.MetersPerDegreeLat
	dLng := searchRadiusMeters / geo.MetersPerDegreeLng(near.Lat)

	anchorResults, err := gp.client.Geocode(ctx, &maps.GeocodingRequest{
		Address: roadName,
		Bounds: &maps.LatLngBounds{
			NorthEast: maps.LatLng{Lat: near.Lat + dLat, Lng: near.Lng + dLng},
			SouthWest: maps.LatLng{Lat: near.Lat - dLat, Lng: near.Lng - dLng},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to locate road %q: %w", roadName, err)
	}
	if len(anchorResults) == 0 {
		return nil, ErrNoMatch
	}
	anchor := anchorResults[0].Geometry.Location

	// Route a straight pass through the anchor; snapping it to the network
	// yields the road's geometry around the site.
	routes, _, err := gp.client.Directions(ctx, &maps.DirectionsRequest{
		Origin:      fmt.Sprintf("%.6f,%.6f", anchor.Lat-dLat, anchor.Lng-dLng),
		Destination: fmt.Sprintf("%.6f,%.6f", anchor.Lat+dLat, anchor.Lng+dLng),
		Waypoints:   []string{fmt.Sprintf("via:%.6f,%.6f", anchor.Lat, anchor.Lng)},
		Mode:        maps.TravelModeDriving,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch directions along road %q: %w", roadName, err)
	}
	if len(routes) == 0 {
		return nil, ErrNoMatch
	}

	points := geo.DecodePolyline(routes[0].OverviewPolyline.Points)
	if len(points) == 0 {
		return nil, ErrNoMatch
	}

	return points, nil
}
