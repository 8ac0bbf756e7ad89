package pipeline_test

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UnknownOlympus/cartographer/internal/geo"
	"github.com/UnknownOlympus/cartographer/internal/models"
	"github.com/UnknownOlympus/cartographer/internal/pipeline"
	"github.com/UnknownOlympus/cartographer/internal/session"
)

// positionedSession seeds the store with a session that already has bounds,
// as if the pipeline had settled.
func positionedSession(t *testing.T, store session.Store) *session.Session {
	t.Helper()

	sess := session.New([]byte("scan"), 1.0, session.DefaultTTL)
	bounds := geo.BoundsFromCenter(models.GeoPoint{Lat: 33.623, Lng: -112.283}, 200, 1.0)
	require.NoError(t, sess.SetBounds(bounds))
	snapshot := bounds
	sess.OriginalBounds = &snapshot
	require.NoError(t, store.Set(t.Context(), sess))
	return sess
}

func collect(t *testing.T, results <-chan pipeline.IterationResult) []pipeline.IterationResult {
	t.Helper()

	var all []pipeline.IterationResult
	for r := range results {
		all = append(all, r)
	}
	require.NotEmpty(t, all)
	return all
}

func TestManualRefinementNoChange(t *testing.T) {
	t.Parallel()

	store := session.NewMemoryStore()
	refiner := &fakeRefiner{
		visualFn: func(
			context.Context, []byte, []byte, models.Bounds, []models.ConversationTurn,
		) (*models.RefinementAdjustment, error) {
			return nil, nil
		},
	}
	svc := newTestService(deps{provider: &fakeProvider{}, extractor: &fakeExtractor{}, refiner: refiner, sessions: store})
	sess := positionedSession(t, store)
	before := *sess.CurrentBounds

	adj, err := svc.RequestManualRefinement(t.Context(), sess.ID)
	require.NoError(t, err)
	assert.Nil(t, adj)

	stored, err := store.Get(t.Context(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, before, *stored.CurrentBounds)
	require.NotEmpty(t, stored.History)
	assert.Equal(t, "assistant", stored.History[len(stored.History)-1].Role)
}

func TestManualRefinementAppliesAdjustment(t *testing.T) {
	t.Parallel()

	store := session.NewMemoryStore()
	refiner := &fakeRefiner{
		visualFn: func(
			context.Context, []byte, []byte, models.Bounds, []models.ConversationTurn,
		) (*models.RefinementAdjustment, error) {
			return &models.RefinementAdjustment{
				ShiftMeters: models.ShiftMeters{North: 50, East: -20},
				ScaleFactor: 1.2,
				Confidence:  0.7,
			}, nil
		},
	}
	svc := newTestService(deps{provider: &fakeProvider{}, extractor: &fakeExtractor{}, refiner: refiner, sessions: store})
	sess := positionedSession(t, store)
	before := *sess.CurrentBounds

	adj, err := svc.RequestManualRefinement(t.Context(), sess.ID)
	require.NoError(t, err)
	require.NotNil(t, adj)

	stored, err := store.Get(t.Context(), sess.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.CurrentBounds)
	after := *stored.CurrentBounds

	offset := geo.CenterOffsetMeters(after, before)
	assert.InDelta(t, 50, offset.North, 0.5)
	assert.InDelta(t, -20, offset.East, 0.5)
	assert.InDelta(t, before.LatSpan()*1.2, after.LatSpan(), 1e-9)
}

func TestManualRefinementNullAdjustmentIsIdentity(t *testing.T) {
	t.Parallel()

	store := session.NewMemoryStore()
	refiner := &fakeRefiner{
		visualFn: func(
			context.Context, []byte, []byte, models.Bounds, []models.ConversationTurn,
		) (*models.RefinementAdjustment, error) {
			return &models.RefinementAdjustment{ScaleFactor: 1.0, Confidence: 0.9}, nil
		},
	}
	svc := newTestService(deps{provider: &fakeProvider{}, extractor: &fakeExtractor{}, refiner: refiner, sessions: store})
	sess := positionedSession(t, store)
	before := *sess.CurrentBounds

	// A zero-shift identity-scale proposal is reported as "no change".
	adj, err := svc.RequestManualRefinement(t.Context(), sess.ID)
	require.NoError(t, err)
	assert.Nil(t, adj)

	stored, err := store.Get(t.Context(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, before, *stored.CurrentBounds)
}

func TestManualRefinementRequiresBounds(t *testing.T) {
	t.Parallel()

	store := session.NewMemoryStore()
	sess := session.New([]byte("scan"), 1.0, session.DefaultTTL)
	require.NoError(t, store.Set(t.Context(), sess))

	svc := newTestService(deps{provider: &fakeProvider{}, extractor: &fakeExtractor{}, sessions: store})

	_, err := svc.RequestManualRefinement(t.Context(), sess.ID)
	require.ErrorIs(t, err, pipeline.ErrNotPositioned)

	_, err = svc.RequestManualRefinement(t.Context(), "no-such-session")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestDeepRefinementConverges(t *testing.T) {
	t.Parallel()

	store := session.NewMemoryStore()
	refiner := &fakeRefiner{
		deepFn: func(
			_ context.Context, _, _ []byte, _, _ models.Bounds, iteration int, _ float64,
		) (*models.DeepRefinement, error) {
			return &models.DeepRefinement{
				Adjustment: &models.RefinementAdjustment{
					ShiftMeters: models.ShiftMeters{North: 10},
					ScaleFactor: 1.0,
					Confidence:  0.95,
				},
				FeaturesMatched: []string{"road grid"},
				ShouldContinue:  iteration < 2,
			}, nil
		},
	}
	svc := newTestService(deps{provider: &fakeProvider{}, extractor: &fakeExtractor{}, refiner: refiner, sessions: store})
	sess := positionedSession(t, store)

	results, err := svc.StartDeepRefinement(t.Context(), sess.ID, pipeline.DeepOptions{})
	require.NoError(t, err)

	all := collect(t, results)
	// Two applied iterations plus the terminal record.
	require.Len(t, all, 3)
	assert.Equal(t, 1, all[0].Iteration)
	assert.Equal(t, []string{"road grid"}, all[0].FeaturesMatched)
	assert.Equal(t, 2, all[1].Iteration)
	assert.Equal(t, pipeline.StopConverged, all[2].StopReason)

	stored, err := store.Get(t.Context(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.IterationCount)

	offset := geo.CenterOffsetMeters(*stored.CurrentBounds, *stored.OriginalBounds)
	assert.InDelta(t, 20, offset.North, 0.5)
}

func TestDeepRefinementStopsAtMaxIterations(t *testing.T) {
	t.Parallel()

	store := session.NewMemoryStore()
	refiner := &fakeRefiner{
		deepFn: func(
			context.Context, []byte, []byte, models.Bounds, models.Bounds, int, float64,
		) (*models.DeepRefinement, error) {
			return &models.DeepRefinement{
				Adjustment: &models.RefinementAdjustment{
					ShiftMeters: models.ShiftMeters{East: 5},
					ScaleFactor: 1.0,
					Confidence:  0.5,
				},
				ShouldContinue: true,
			}, nil
		},
	}
	svc := newTestService(deps{provider: &fakeProvider{}, extractor: &fakeExtractor{}, refiner: refiner, sessions: store})
	sess := positionedSession(t, store)

	results, err := svc.StartDeepRefinement(t.Context(), sess.ID, pipeline.DeepOptions{MaxIterations: 3})
	require.NoError(t, err)

	all := collect(t, results)
	require.Len(t, all, 4)
	assert.Equal(t, pipeline.StopMaxIterations, all[3].StopReason)
	assert.Equal(t, 3, all[3].Iteration)
}

func TestDeepRefinementClampsCumulativeShift(t *testing.T) {
	t.Parallel()

	const maxShift = 200.0

	store := session.NewMemoryStore()
	refiner := &fakeRefiner{
		deepFn: func(
			context.Context, []byte, []byte, models.Bounds, models.Bounds, int, float64,
		) (*models.DeepRefinement, error) {
			// Adversarial: always pushes hard east and north.
			return &models.DeepRefinement{
				Adjustment: &models.RefinementAdjustment{
					ShiftMeters: models.ShiftMeters{North: 150, East: 180},
					ScaleFactor: 1.0,
					Confidence:  0.4,
				},
				ShouldContinue: true,
			}, nil
		},
	}
	svc := newTestService(deps{provider: &fakeProvider{}, extractor: &fakeExtractor{}, refiner: refiner, sessions: store})
	sess := positionedSession(t, store)
	original := *sess.OriginalBounds

	results, err := svc.StartDeepRefinement(t.Context(), sess.ID, pipeline.DeepOptions{
		MaxIterations:  5,
		MaxShiftMeters: maxShift,
	})
	require.NoError(t, err)

	var sawClamp bool
	for _, r := range collect(t, results) {
		if r.Bounds == nil {
			continue
		}
		offset := geo.CenterOffsetMeters(*r.Bounds, original)
		assert.LessOrEqual(t, math.Abs(offset.North), maxShift+0.5)
		assert.LessOrEqual(t, math.Abs(offset.East), maxShift+0.5)
		sawClamp = sawClamp || r.BoundsClamped
	}
	assert.True(t, sawClamp)

	// The clamped axis lands exactly on the cap.
	stored, err := store.Get(t.Context(), sess.ID)
	require.NoError(t, err)
	offset := geo.CenterOffsetMeters(*stored.CurrentBounds, original)
	assert.InDelta(t, maxShift, offset.North, 0.5)
	assert.InDelta(t, maxShift, offset.East, 0.5)
}

func TestDeepRefinementNoAdjustmentStops(t *testing.T) {
	t.Parallel()

	store := session.NewMemoryStore()
	refiner := &fakeRefiner{
		deepFn: func(
			context.Context, []byte, []byte, models.Bounds, models.Bounds, int, float64,
		) (*models.DeepRefinement, error) {
			return &models.DeepRefinement{ShouldContinue: false}, nil
		},
	}
	svc := newTestService(deps{provider: &fakeProvider{}, extractor: &fakeExtractor{}, refiner: refiner, sessions: store})
	sess := positionedSession(t, store)
	before := *sess.CurrentBounds

	results, err := svc.StartDeepRefinement(t.Context(), sess.ID, pipeline.DeepOptions{})
	require.NoError(t, err)

	all := collect(t, results)
	require.Len(t, all, 1)
	assert.Equal(t, pipeline.StopNoAdjustment, all[0].StopReason)
	assert.Equal(t, 0, all[0].Iteration)

	stored, err := store.Get(t.Context(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, before, *stored.CurrentBounds)
}

func TestDeepRefinementCancelledBetweenSendAndApply(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())

	store := session.NewMemoryStore()
	refiner := &fakeRefiner{
		deepFn: func(
			context.Context, []byte, []byte, models.Bounds, models.Bounds, int, float64,
		) (*models.DeepRefinement, error) {
			// Cancellation arrives while the reply is in flight.
			cancel()
			return &models.DeepRefinement{
				Adjustment: &models.RefinementAdjustment{
					ShiftMeters: models.ShiftMeters{North: 100},
					ScaleFactor: 1.0,
					Confidence:  0.9,
				},
				ShouldContinue: true,
			}, nil
		},
	}
	svc := newTestService(deps{provider: &fakeProvider{}, extractor: &fakeExtractor{}, refiner: refiner, sessions: store})
	sess := positionedSession(t, store)
	before := *sess.CurrentBounds

	results, err := svc.StartDeepRefinement(ctx, sess.ID, pipeline.DeepOptions{})
	require.NoError(t, err)

	all := collect(t, results)
	require.Len(t, all, 1)
	assert.Equal(t, pipeline.StopCancelled, all[0].StopReason)

	// The in-flight proposal was discarded, not applied.
	stored, err := store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, before, *stored.CurrentBounds)
	assert.Equal(t, 0, stored.IterationCount)
}

func TestDeepRefinementRejectsOverlappingRuns(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	store := session.NewMemoryStore()
	refiner := &fakeRefiner{
		deepFn: func(
			context.Context, []byte, []byte, models.Bounds, models.Bounds, int, float64,
		) (*models.DeepRefinement, error) {
			<-release
			return &models.DeepRefinement{ShouldContinue: false}, nil
		},
	}
	svc := newTestService(deps{provider: &fakeProvider{}, extractor: &fakeExtractor{}, refiner: refiner, sessions: store})
	sess := positionedSession(t, store)

	first, err := svc.StartDeepRefinement(t.Context(), sess.ID, pipeline.DeepOptions{})
	require.NoError(t, err)

	_, err = svc.StartDeepRefinement(t.Context(), sess.ID, pipeline.DeepOptions{})
	require.ErrorIs(t, err, pipeline.ErrRefinementInProgress)

	close(release)
	collect(t, first)

	// Once the run finishes the session accepts another.
	second, err := svc.StartDeepRefinement(t.Context(), sess.ID, pipeline.DeepOptions{})
	require.NoError(t, err)
	collect(t, second)
}

func TestDeepRefinementSerializesWithManualBounds(t *testing.T) {
	t.Parallel()

	store := session.NewMemoryStore()
	refiner := &fakeRefiner{
		deepFn: func(
			context.Context, []byte, []byte, models.Bounds, models.Bounds, int, float64,
		) (*models.DeepRefinement, error) {
			return &models.DeepRefinement{
				Adjustment: &models.RefinementAdjustment{
					ShiftMeters: models.ShiftMeters{North: 2},
					ScaleFactor: 1.0,
					Confidence:  0.8,
				},
				ShouldContinue: true,
			}, nil
		},
	}
	svc := newTestService(deps{provider: &fakeProvider{}, extractor: &fakeExtractor{}, refiner: refiner, sessions: store})
	sess := positionedSession(t, store)

	results, err := svc.StartDeepRefinement(t.Context(), sess.ID, pipeline.DeepOptions{MaxIterations: 5})
	require.NoError(t, err)

	// The user drags the overlay while the deep loop is running.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			bounds := geo.BoundsFromCenter(
				models.GeoPoint{Lat: 33.623 + float64(i)*1e-5, Lng: -112.283}, 200, 1.0,
			)
			if err := svc.SetBounds(context.Background(), sess.ID, bounds); err != nil {
				return
			}
		}
	}()

	all := collect(t, results)
	wg.Wait()

	assert.Equal(t, pipeline.StopMaxIterations, all[len(all)-1].StopReason)

	stored, err := store.Get(t.Context(), sess.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.CurrentBounds)
	require.NoError(t, stored.CurrentBounds.Validate())
	assert.Equal(t, 5, stored.IterationCount)
}

func TestDeepRefinementCancelledBeforeFirstIteration(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	store := session.NewMemoryStore()
	svc := newTestService(deps{provider: &fakeProvider{}, extractor: &fakeExtractor{}, sessions: store})
	sess := positionedSession(t, store)

	results, err := svc.StartDeepRefinement(ctx, sess.ID, pipeline.DeepOptions{})
	require.NoError(t, err)

	all := collect(t, results)
	require.Len(t, all, 1)
	assert.Equal(t, pipeline.StopCancelled, all[0].StopReason)
}
