package session_test

import (
	"testing"
	"time"

	"github.com/UnknownOlympus/cartographer/internal/models"
	"github.com/UnknownOlympus/cartographer/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession(t *testing.T) {
	t.Parallel()

	t.Run("new sessions get distinct ids", func(t *testing.T) {
		t.Parallel()
		a := session.New([]byte("doc"), 1.5, session.DefaultTTL)
		b := session.New([]byte("doc"), 1.5, session.DefaultTTL)
		require.NotEmpty(t, a.ID)
		require.NotEqual(t, a.ID, b.ID)
		assert.False(t, a.IsExpired())
	})

	t.Run("set bounds validates the rectangle", func(t *testing.T) {
		t.Parallel()
		sess := session.New([]byte("doc"), 1, session.DefaultTTL)

		require.NoError(t, sess.SetBounds(models.Bounds{North: 2, South: 1, East: 2, West: 1}))
		require.NotNil(t, sess.CurrentBounds)

		err := sess.SetBounds(models.Bounds{North: 1, South: 2, East: 2, West: 1})
		require.ErrorIs(t, err, models.ErrInvalidBounds)
		// The rejected rectangle must not replace the live one.
		assert.InDelta(t, 2.0, sess.CurrentBounds.North, 1e-12)
	})

	t.Run("history is append only", func(t *testing.T) {
		t.Parallel()
		sess := session.New([]byte("doc"), 1, session.DefaultTTL)
		sess.AppendTurn("assistant", "shifted 10m north")
		sess.AppendTurn("user", "still off")
		require.Len(t, sess.History, 2)
		assert.Equal(t, "assistant", sess.History[0].Role)
	})
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	t.Run("set get delete roundtrip", func(t *testing.T) {
		t.Parallel()
		store := session.NewMemoryStore()
		sess := session.New([]byte("doc"), 1, session.DefaultTTL)

		require.NoError(t, store.Set(ctx, sess))
		got, err := store.Get(ctx, sess.ID)
		require.NoError(t, err)
		require.Equal(t, sess.ID, got.ID)

		require.NoError(t, store.Delete(ctx, sess.ID))
		_, err = store.Get(ctx, sess.ID)
		require.ErrorIs(t, err, session.ErrNotFound)

		// A second delete of the same ID must not report success.
		require.ErrorIs(t, store.Delete(ctx, sess.ID), session.ErrNotFound)
	})

	t.Run("unknown id", func(t *testing.T) {
		t.Parallel()
		store := session.NewMemoryStore()
		_, err := store.Get(ctx, "nope")
		require.ErrorIs(t, err, session.ErrNotFound)

		require.ErrorIs(t, store.Delete(ctx, "nope"), session.ErrNotFound)
	})

	t.Run("expired sessions are reported and swept", func(t *testing.T) {
		t.Parallel()
		store := session.NewMemoryStore()
		sess := session.New([]byte("doc"), 1, -time.Minute)
		require.NoError(t, store.Set(ctx, sess))
		live := session.New([]byte("doc"), 1, session.DefaultTTL)
		require.NoError(t, store.Set(ctx, live))

		_, err := store.Get(ctx, sess.ID)
		require.ErrorIs(t, err, session.ErrExpired)

		removed, err := store.Cleanup(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
		_, err = store.Get(ctx, sess.ID)
		require.ErrorIs(t, err, session.ErrNotFound)
		_, err = store.Get(ctx, live.ID)
		require.NoError(t, err)
	})
}
