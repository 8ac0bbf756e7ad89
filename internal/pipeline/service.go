// Package pipeline implements the positioning orchestrator: the stateful
// machine that turns an uploaded plan image into map bounds via extraction,
// geocoding, initial positioning, and iterative visual refinement. All
// numeric work is delegated to internal/geo; all network and model calls go
// through the narrow collaborator interfaces.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/UnknownOlympus/cartographer/internal/extraction"
	"github.com/UnknownOlympus/cartographer/internal/geo"
	"github.com/UnknownOlympus/cartographer/internal/geocoding"
	"github.com/UnknownOlympus/cartographer/internal/metrics"
	"github.com/UnknownOlympus/cartographer/internal/models"
	"github.com/UnknownOlympus/cartographer/internal/repository"
	"github.com/UnknownOlympus/cartographer/internal/retry"
	"github.com/UnknownOlympus/cartographer/internal/screenshot"
	"github.com/UnknownOlympus/cartographer/internal/session"
)

// Size policy for the initial placement, in meters.
const (
	minSizeMeters     = 10.0
	maxSizeMeters     = 500.0
	defaultSizeMeters = 100.0
)

// roadSearchRadiusMeters bounds the road-geometry lookups around the
// geocoded anchor.
const roadSearchRadiusMeters = 400.0

// ErrNothingToGeocode is the terminal failure when every geocoding fallback
// was exhausted without producing an anchor point.
var ErrNothingToGeocode = errors.New("no address or roads to geocode")

// ErrRefinementInProgress is returned when a deep-refinement run is
// requested for a session that already has one running.
var ErrRefinementInProgress = errors.New("deep refinement already running for session")

// sessionGuard serializes mutation of one session. The store hands out
// shared pointers, so every read or write of a session's mutable fields
// happens under the guard's mutex; refining marks a running
// deep-refinement loop so overlapping runs are rejected.
type sessionGuard struct {
	mu       sync.Mutex
	refining bool
}

// Document is an uploaded, already-rasterized plan page. Rotation handling
// belongs to the rasterizer; the aspect ratio is trusted as-is.
type Document struct {
	Image       []byte
	AspectRatio float64 // width / height
}

// Service drives the positioning pipeline. One session is processed as one
// sequential chain; the only internal parallelism is the best-effort
// road-geometry fan-out during geocoding.
type Service struct {
	log       *slog.Logger
	provider  geocoding.Provider
	roads     geocoding.RoadGeometrySource // nil disables road highlighting
	extractor extraction.Extractor
	refiner   extraction.Refiner
	capturer  screenshot.Capturer
	cache     repository.Interface // nil disables the extraction cache
	sessions  session.Store
	metrics   *metrics.Metrics
	opacity   float64 // overlay opacity for composite screenshots
	ttl       time.Duration

	guardsMu sync.Mutex
	guards   map[string]*sessionGuard
}

// NewService creates a pipeline service. roads and cache may be nil; the
// corresponding features are then skipped.
func NewService(
	log *slog.Logger,
	provider geocoding.Provider,
	roads geocoding.RoadGeometrySource,
	extractor extraction.Extractor,
	refiner extraction.Refiner,
	capturer screenshot.Capturer,
	cache repository.Interface,
	sessions session.Store,
	appMetrics *metrics.Metrics,
	overlayOpacity float64,
	sessionTTL time.Duration,
) *Service {
	if sessionTTL <= 0 {
		sessionTTL = session.DefaultTTL
	}
	return &Service{
		log:       log,
		provider:  provider,
		roads:     roads,
		extractor: extractor,
		refiner:   refiner,
		capturer:  capturer,
		cache:     cache,
		sessions:  sessions,
		metrics:   appMetrics,
		opacity:   overlayOpacity,
		ttl:       sessionTTL,
		guards:    make(map[string]*sessionGuard),
	}
}

// StartPipeline creates a session for the document and runs the positioning
// chain, streaming stage events until settled or failed. The returned
// channel is closed when the run ends.
func (s *Service) StartPipeline(ctx context.Context, doc Document) (*session.Session, <-chan Event, error) {
	if len(doc.Image) == 0 {
		return nil, nil, errors.New("document image is empty")
	}
	if doc.AspectRatio <= 0 {
		return nil, nil, fmt.Errorf("invalid aspect ratio %v", doc.AspectRatio)
	}

	sess := session.New(doc.Image, doc.AspectRatio, s.ttl)
	if err := s.sessions.Set(ctx, sess); err != nil {
		return nil, nil, fmt.Errorf("failed to store session: %w", err)
	}
	s.metrics.ActiveSessions.Inc()

	events := make(chan Event, 8)
	go func() {
		defer close(events)
		s.run(ctx, sess, events)
	}()

	return sess, events, nil
}

// run executes the stage chain strictly in order; a later stage never
// begins before the former completes.
func (s *Service) run(ctx context.Context, sess *session.Session, events chan<- Event) {
	emit := func(stage Stage, status, message string, bounds *models.Bounds) {
		events <- Event{SessionID: sess.ID, Stage: stage, Status: status, Message: message, Bounds: bounds}
	}
	fail := func(stage Stage, err error) {
		s.log.ErrorContext(ctx, "Pipeline failed", "session", sess.ID, "stage", string(stage), "error", err)
		s.metrics.PipelineRuns.WithLabelValues("failed").Inc()
		emit(stage, StatusFailed, err.Error(), nil)
		emit(StageFailed, StatusCompleted, err.Error(), nil)
	}

	emit(StageReading, StatusCompleted, "", nil)

	// extracting
	emit(StageExtracting, StatusStarted, "", nil)
	data, err := s.extractPlanData(ctx, sess)
	if err != nil {
		fail(StageExtracting, err)
		return
	}
	emit(StageExtracting, StatusCompleted,
		fmt.Sprintf("%d roads, %d intersections", len(data.Roads), len(data.Intersections)), nil)

	// geocoding
	emit(StageGeocoding, StatusStarted, "", nil)
	anchor, err := s.geocodePlan(ctx, sess, data)
	if err != nil {
		fail(StageGeocoding, err)
		return
	}
	emit(StageGeocoding, StatusCompleted, anchor.location.FormattedAddress, nil)

	// positioning
	emit(StagePositioning, StatusStarted, "", nil)
	g := s.guardFor(sess.ID)
	g.mu.Lock()
	bounds, err := s.position(sess, data, anchor)
	g.mu.Unlock()
	if err != nil {
		fail(StagePositioning, err)
		return
	}
	emit(StagePositioning, StatusCompleted, "", &bounds)

	if err = s.sessions.Set(ctx, sess); err != nil {
		s.log.WarnContext(ctx, "Failed to persist session after positioning", "session", sess.ID, "error", err)
	}

	s.metrics.PipelineRuns.WithLabelValues("settled").Inc()
	emit(StageSettled, StatusCompleted, "", &bounds)
}

// extractPlanData recovers plan data, read-through the extraction cache.
// Cache failures are never fatal.
func (s *Service) extractPlanData(ctx context.Context, sess *session.Session) (*models.ExtractedPlanData, error) {
	start := time.Now()
	defer func() {
		s.metrics.StageSeconds.WithLabelValues(string(StageExtracting)).Observe(time.Since(start).Seconds())
	}()

	sum := sha256.Sum256(sess.DocumentImage)
	docHash := hex.EncodeToString(sum[:])

	if s.cache != nil {
		cached, cerr := s.cache.LookupExtraction(ctx, docHash)
		if cerr == nil {
			s.log.InfoContext(ctx, "Using cached extraction", "session", sess.ID, "doc_hash", docHash)
			return cached, nil
		}
		if !errors.Is(cerr, repository.ErrCacheMiss) {
			s.log.WarnContext(ctx, "Extraction cache lookup failed", "error", cerr)
		}
	}

	var data *models.ExtractedPlanData
	err := retry.WithBackoff(ctx, func() error {
		var eerr error
		data, eerr = s.extractor.ExtractLocationData(ctx, sess.DocumentImage)
		return eerr
	})
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if serr := s.cache.SaveExtraction(ctx, docHash, data); serr != nil {
			s.log.WarnContext(ctx, "Failed to cache extraction", "error", serr)
		}
	}

	return data, nil
}

// position clamps the estimated size and computes the initial bounds,
// corner-anchored when the anchor came from an intersection.
func (s *Service) position(
	sess *session.Session,
	data *models.ExtractedPlanData,
	anchor *geocodeOutcome,
) (models.Bounds, error) {
	size := data.EstimatedSizeMeters
	if size == 0 {
		size = defaultSizeMeters
	}
	size = min(max(size, minSizeMeters), maxSizeMeters)

	var bounds models.Bounds
	if anchor.cornerBased {
		bounds = geo.BoundsFromCorner(anchor.location.Point, anchor.corner, size, sess.AspectRatio)
	} else {
		bounds = geo.BoundsFromCenter(anchor.location.Point, size, sess.AspectRatio)
	}

	if err := bounds.Validate(); err != nil {
		return models.Bounds{}, fmt.Errorf("computed initial bounds are invalid: %w", err)
	}

	sess.CurrentBounds = &bounds
	snapshot := bounds
	sess.OriginalBounds = &snapshot
	return bounds, nil
}

// guardFor returns the mutation guard for a session, creating it on first
// use.
func (s *Service) guardFor(sessionID string) *sessionGuard {
	s.guardsMu.Lock()
	defer s.guardsMu.Unlock()

	g, ok := s.guards[sessionID]
	if !ok {
		g = &sessionGuard{}
		s.guards[sessionID] = g
	}
	return g
}

func (s *Service) dropGuard(sessionID string) {
	s.guardsMu.Lock()
	delete(s.guards, sessionID)
	s.guardsMu.Unlock()
}

// SetBounds replaces a session's placement directly (manual corner-handle
// drag). No pipeline involvement beyond validation.
func (s *Service) SetBounds(ctx context.Context, sessionID string, bounds models.Bounds) error {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	g := s.guardFor(sessionID)
	g.mu.Lock()
	defer g.mu.Unlock()

	if err = sess.SetBounds(bounds); err != nil {
		return err
	}
	return s.sessions.Set(ctx, sess)
}

// Reset destroys a session. A second reset of the same session returns
// session.ErrNotFound without touching the active-sessions gauge.
func (s *Service) Reset(ctx context.Context, sessionID string) error {
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return err
	}
	s.dropGuard(sessionID)
	s.metrics.ActiveSessions.Dec()
	return nil
}

// Sweep drops expired sessions and keeps the active-sessions gauge in step
// with what the store removed. Intended to run on a timer.
func (s *Service) Sweep(ctx context.Context) error {
	removed, err := s.sessions.Cleanup(ctx)
	if err != nil {
		return err
	}
	if removed > 0 {
		s.metrics.ActiveSessions.Sub(float64(removed))
		s.log.InfoContext(ctx, "Swept expired sessions", "removed", removed)
	}

	// Drop guards whose sessions are gone so the guard map cannot grow
	// without bound.
	s.guardsMu.Lock()
	ids := make([]string, 0, len(s.guards))
	for id := range s.guards {
		ids = append(ids, id)
	}
	s.guardsMu.Unlock()
	for _, id := range ids {
		if _, err = s.sessions.Get(ctx, id); errors.Is(err, session.ErrNotFound) {
			s.dropGuard(id)
		}
	}

	return nil
}
