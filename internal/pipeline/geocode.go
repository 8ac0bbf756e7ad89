package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/UnknownOlympus/cartographer/internal/geocoding"
	"github.com/UnknownOlympus/cartographer/internal/models"
	"github.com/UnknownOlympus/cartographer/internal/retry"
	"github.com/UnknownOlympus/cartographer/internal/session"
)

// geocodeOutcome is the anchor the positioning stage builds bounds from.
type geocodeOutcome struct {
	location    *models.GeocodedLocation
	cornerBased bool
	corner      models.CornerPosition
	strategy    string // metrics label: intersection | address | road
}

// geocodePlan resolves extracted data to an anchor point using the
// intersection-first, address-fallback, road-last-resort policy. On an
// intersection match it also fans out best-effort road-geometry fetches.
func (s *Service) geocodePlan(
	ctx context.Context,
	sess *session.Session,
	data *models.ExtractedPlanData,
) (*geocodeOutcome, error) {
	start := time.Now()
	defer func() {
		s.metrics.StageSeconds.WithLabelValues(string(StageGeocoding)).Observe(time.Since(start).Seconds())
	}()

	// 1: intersection with a known corner, when we have a city to scope it.
	if ix := usableIntersection(data); ix != nil && data.City != "" {
		loc := s.geocodeIntersection(ctx, ix, data)
		if loc != nil {
			s.metrics.GeocodeFallbacks.WithLabelValues("intersection").Inc()
			s.fetchRoadGeometries(ctx, sess, data, loc.Point)
			return &geocodeOutcome{
				location:    loc,
				cornerBased: true,
				corner:      ix.CornerPosition,
				strategy:    "intersection",
			}, nil
		}
	}

	// 2: full address.
	if data.Address != "" {
		query := joinLocation(data.Address, data.City, data.State)
		if loc := s.tryGeocode(ctx, query); loc != nil {
			s.metrics.GeocodeFallbacks.WithLabelValues("address").Inc()
			return &geocodeOutcome{location: loc, strategy: "address"}, nil
		}
	}

	// 3: primary (or first) road plus city.
	if road := data.PrimaryRoad(); road != nil {
		query := joinLocation(road.Name, data.City, data.State)
		if loc := s.tryGeocode(ctx, query); loc != nil {
			s.metrics.GeocodeFallbacks.WithLabelValues("road").Inc()
			return &geocodeOutcome{location: loc, strategy: "road"}, nil
		}
	}

	return nil, ErrNothingToGeocode
}

// usableIntersection returns the first intersection whose corner is known.
func usableIntersection(data *models.ExtractedPlanData) *models.ExtractedIntersection {
	for i := range data.Intersections {
		if data.Intersections[i].CornerPosition != models.CornerUnknown {
			return &data.Intersections[i]
		}
	}
	return nil
}

// geocodeIntersection tries the "&" phrasing first and falls back to "and";
// geocoders disagree on which spelling they match.
func (s *Service) geocodeIntersection(
	ctx context.Context,
	ix *models.ExtractedIntersection,
	data *models.ExtractedPlanData,
) *models.GeocodedLocation {
	pair := fmt.Sprintf("%s & %s", ix.Road1, ix.Road2)
	if loc := s.tryGeocode(ctx, joinLocation(pair, data.City, data.State)); loc != nil {
		return loc
	}

	pair = fmt.Sprintf("%s and %s", ix.Road1, ix.Road2)
	return s.tryGeocode(ctx, joinLocation(pair, data.City, data.State))
}

// tryGeocode runs one query through the provider with transient-error
// backoff. Any failure, no-match included, yields nil so the caller can
// fall through to the next strategy.
func (s *Service) tryGeocode(ctx context.Context, query string) *models.GeocodedLocation {
	var loc *models.GeocodedLocation
	err := retry.WithBackoff(ctx, func() error {
		var gerr error
		loc, gerr = s.provider.Geocode(ctx, query)
		return gerr
	})
	if err != nil {
		if !errors.Is(err, geocoding.ErrNoMatch) {
			s.log.WarnContext(ctx, "Geocode query failed", "query", query, "error", err)
		}
		return nil
	}
	return loc
}

// fetchRoadGeometries issues concurrent best-effort fetches for every
// distinct road the plan mentions, joining before the pipeline proceeds.
// Per-road failures are logged and the road is simply omitted.
func (s *Service) fetchRoadGeometries(
	ctx context.Context,
	sess *session.Session,
	data *models.ExtractedPlanData,
	near models.GeoPoint,
) {
	if s.roads == nil {
		return
	}

	names := distinctRoadNames(data)
	if len(names) == 0 {
		return
	}

	var (
		mu         sync.Mutex
		geometries []models.RoadGeometry
		wgr        sync.WaitGroup
	)

	for _, name := range names {
		wgr.Add(1)
		go func(roadName string) {
			defer wgr.Done()
			points, err := s.roads.FetchRoadGeometry(ctx, roadName, near, roadSearchRadiusMeters)
			if err != nil {
				s.log.WarnContext(ctx, "Road geometry unavailable", "road", roadName, "error", err)
				return
			}
			mu.Lock()
			geometries = append(geometries, models.RoadGeometry{Name: roadName, Points: points})
			mu.Unlock()
		}(name)
	}
	wgr.Wait()

	g := s.guardFor(sess.ID)
	g.mu.Lock()
	sess.RoadGeometries = geometries
	g.mu.Unlock()
	s.log.InfoContext(ctx, "Road geometry fan-out finished",
		"session", sess.ID, "requested", len(names), "fetched", len(geometries))
}

// distinctRoadNames collects every road mentioned anywhere in the
// extraction, not just the intersection pair.
func distinctRoadNames(data *models.ExtractedPlanData) []string {
	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	for _, road := range data.Roads {
		add(road.Name)
	}
	for _, ix := range data.Intersections {
		add(ix.Road1)
		add(ix.Road2)
	}
	return names
}

// joinLocation builds "part, city, state" skipping empty components.
func joinLocation(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ", ")
}
