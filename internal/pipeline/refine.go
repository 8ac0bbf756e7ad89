package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/UnknownOlympus/cartographer/internal/geo"
	"github.com/UnknownOlympus/cartographer/internal/models"
	"github.com/UnknownOlympus/cartographer/internal/retry"
	"github.com/UnknownOlympus/cartographer/internal/screenshot"
	"github.com/UnknownOlympus/cartographer/internal/session"
)

// Deep refinement defaults.
const (
	DefaultMaxIterations  = 5
	DefaultMaxShiftMeters = 200.0
)

// ErrNotPositioned is returned when refinement is requested before the
// pipeline has produced bounds for the session.
var ErrNotPositioned = errors.New("session has no bounds to refine")

// RequestManualRefinement runs one satellite-comparison pass for the
// session. Returns the applied adjustment, or nil when the model judged the
// alignment good and bounds were left unchanged. The session guard is held
// for the whole pass, so a concurrent SetBounds or deep-refinement apply
// waits rather than interleaving.
func (s *Service) RequestManualRefinement(
	ctx context.Context,
	sessionID string,
) (*models.RefinementAdjustment, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	g := s.guardFor(sessionID)
	g.mu.Lock()
	defer g.mu.Unlock()

	if sess.CurrentBounds == nil {
		return nil, ErrNotPositioned
	}

	shot, err := s.capturer.CaptureComposite(
		ctx, *sess.CurrentBounds, sess.DocumentImage, s.opacity, screenshot.MapTypeSatellite,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to capture composite screenshot: %w", err)
	}

	var adj *models.RefinementAdjustment
	err = retry.WithBackoff(ctx, func() error {
		var rerr error
		adj, rerr = s.refiner.RequestVisualRefinement(ctx, shot, sess.DocumentImage, *sess.CurrentBounds, sess.History)
		return rerr
	})
	if err != nil {
		return nil, err
	}

	if adj == nil || adj.IsNoop() {
		sess.AppendTurn("assistant", "alignment looks good")
		s.log.InfoContext(ctx, "Refinement proposed no change", "session", sess.ID)
		return nil, s.sessions.Set(ctx, sess)
	}

	next := geo.ApplyAdjustment(*sess.CurrentBounds, *adj)
	if verr := next.Validate(); verr != nil {
		// Defect, not user error: a valid adjustment cannot flip edges.
		return nil, fmt.Errorf("adjusted bounds are invalid: %w", verr)
	}

	sess.CurrentBounds = &next
	sess.AppendTurn("assistant", fmt.Sprintf(
		"shifted %.1fm north, %.1fm east, scaled %.2fx: %s",
		adj.ShiftMeters.North, adj.ShiftMeters.East, adj.ScaleFactor, adj.Reasoning))

	return adj, s.sessions.Set(ctx, sess)
}

// DeepOptions configures a deep-refinement run. Zero values select the
// defaults.
type DeepOptions struct {
	MaxIterations  int
	MaxShiftMeters float64
}

// StartDeepRefinement runs the bounded terrain-comparison loop, streaming
// one IterationResult per iteration; the final record carries the
// StopReason. One loop per session: a second call while one is running
// returns ErrRefinementInProgress. Cancel the context to stop between
// iterations — a proposal already in flight is discarded, never applied,
// once cancellation is observed.
func (s *Service) StartDeepRefinement(
	ctx context.Context,
	sessionID string,
	opts DeepOptions,
) (<-chan IterationResult, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	g := s.guardFor(sessionID)
	g.mu.Lock()
	if sess.CurrentBounds == nil || sess.OriginalBounds == nil {
		g.mu.Unlock()
		return nil, ErrNotPositioned
	}
	if g.refining {
		g.mu.Unlock()
		return nil, ErrRefinementInProgress
	}
	g.refining = true
	g.mu.Unlock()

	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.MaxShiftMeters <= 0 {
		opts.MaxShiftMeters = DefaultMaxShiftMeters
	}

	results := make(chan IterationResult, opts.MaxIterations+1)
	go func() {
		defer close(results)
		defer func() {
			g.mu.Lock()
			g.refining = false
			g.mu.Unlock()
		}()
		s.deepRefineLoop(ctx, g, sess, opts, results)
	}()

	return results, nil
}

func (s *Service) deepRefineLoop(
	ctx context.Context,
	g *sessionGuard,
	sess *session.Session,
	opts DeepOptions,
	results chan<- IterationResult,
) {
	start := time.Now()
	defer func() {
		s.metrics.StageSeconds.WithLabelValues(string(StageRefining)).Observe(time.Since(start).Seconds())
	}()

	stop := func(iteration int, reason StopReason, message string) {
		s.metrics.RefinementIterations.Observe(float64(iteration))

		g.mu.Lock()
		var final *models.Bounds
		if sess.CurrentBounds != nil {
			b := *sess.CurrentBounds
			final = &b
		}
		g.mu.Unlock()

		results <- IterationResult{
			Iteration:  iteration,
			Bounds:     final,
			StopReason: reason,
			Message:    message,
		}
		if err := s.sessions.Set(ctx, sess); err != nil {
			s.log.WarnContext(ctx, "Failed to persist session after deep refinement", "error", err)
		}
	}

	for iteration := 1; iteration <= opts.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			stop(iteration-1, StopCancelled, "stop requested")
			return
		}

		g.mu.Lock()
		current := *sess.CurrentBounds
		original := *sess.OriginalBounds
		g.mu.Unlock()

		terrain, err := s.capturer.CaptureComposite(
			ctx, current, sess.DocumentImage, s.opacity, screenshot.MapTypeTerrain,
		)
		if err != nil {
			s.log.WarnContext(ctx, "Terrain screenshot unavailable", "iteration", iteration, "error", err)
			stop(iteration-1, StopNoAdjustment, "terrain screenshot unavailable")
			return
		}

		var result *models.DeepRefinement
		err = retry.WithBackoff(ctx, func() error {
			var rerr error
			result, rerr = s.refiner.RequestDeepRefinement(
				ctx, sess.DocumentImage, terrain,
				current, original,
				iteration, opts.MaxShiftMeters,
			)
			return rerr
		})
		if err != nil {
			s.log.WarnContext(ctx, "Deep refinement call failed", "iteration", iteration, "error", err)
			stop(iteration-1, StopNoAdjustment, err.Error())
			return
		}

		// Cancellation observed between send and apply: discard the proposal.
		if ctx.Err() != nil {
			stop(iteration-1, StopCancelled, "stop requested")
			return
		}

		if result.Adjustment == nil {
			stop(iteration-1, StopNoAdjustment, "model returned no adjustment")
			return
		}

		adj := *result.Adjustment

		// Apply under the guard against the latest bounds: a manual
		// SetBounds may have moved the placement while the model worked.
		g.mu.Lock()
		current = *sess.CurrentBounds
		clamped := s.clampShift(&adj, current, *sess.OriginalBounds, opts.MaxShiftMeters)

		next := geo.ApplyAdjustment(current, adj)
		if verr := next.Validate(); verr != nil {
			g.mu.Unlock()
			stop(iteration-1, StopNoAdjustment, fmt.Sprintf("adjusted bounds are invalid: %v", verr))
			return
		}

		sess.CurrentBounds = &next
		sess.IterationCount++
		sess.AppendTurn("assistant", fmt.Sprintf(
			"iteration %d: shifted %.1fm north, %.1fm east (confidence %.2f)",
			iteration, adj.ShiftMeters.North, adj.ShiftMeters.East, adj.Confidence))
		g.mu.Unlock()

		results <- IterationResult{
			Iteration:       iteration,
			Adjustment:      &adj,
			FeaturesMatched: result.FeaturesMatched,
			Bounds:          &next,
			BoundsClamped:   clamped,
		}

		if !result.ShouldContinue {
			stop(iteration, StopConverged, "")
			return
		}
	}

	stop(opts.MaxIterations, StopMaxIterations, "")
}

// clampShift truncates the proposed shift so the cumulative displacement of
// the current center from the original never exceeds the cap on either
// axis. The truncated axis lands exactly at the cap. Reports whether any
// truncation happened.
func (s *Service) clampShift(
	adj *models.RefinementAdjustment,
	current, original models.Bounds,
	maxShiftMeters float64,
) bool {
	offset := geo.CenterOffsetMeters(current, original)

	var clamped, axisHit bool
	adj.ShiftMeters.North, axisHit = clampAxis(adj.ShiftMeters.North, offset.North, maxShiftMeters)
	clamped = clamped || axisHit
	adj.ShiftMeters.East, axisHit = clampAxis(adj.ShiftMeters.East, offset.East, maxShiftMeters)
	clamped = clamped || axisHit

	if clamped {
		s.metrics.BoundsClamped.Inc()
	}
	return clamped
}

// clampAxis returns the allowed shift along one axis given the existing
// offset from the original placement.
func clampAxis(proposed, currentOffset, limit float64) (float64, bool) {
	if math.Abs(currentOffset+proposed) <= limit {
		return proposed, false
	}
	sign := 1.0
	if proposed < 0 {
		sign = -1
	}
	return sign*limit - currentOffset, true
}
