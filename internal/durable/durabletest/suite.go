// Package durabletest holds the behaviour every durable.Backend must show.
package durabletest

import (
	"bytes"
	"context"
	"testing"

	"github.com/MeKo-Tech/pixelstack/internal/durable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises s against the durable.Store contract.
func Run(t *testing.T, s durable.Backend) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutGet", func(t *testing.T) {
		payload := []byte{2, 4, 0, 0, 0, 3, 0, 0, 0, 0xde, 0xad}
		id, err := s.Put(ctx, "sketch", 7, payload)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, payload, got)

		got, err = s.GetByIndex(ctx, "sketch", 7)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})

	t.Run("PutCopiesInput", func(t *testing.T) {
		payload := []byte("original")
		id, err := s.Put(ctx, "sketch", 8, payload)
		require.NoError(t, err)
		copy(payload, "mutated!")

		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []byte("original"), got)
	})

	t.Run("ProjectsAreIsolated", func(t *testing.T) {
		_, err := s.Put(ctx, "alpha", 1, []byte("a"))
		require.NoError(t, err)
		_, err = s.Put(ctx, "beta", 1, []byte("b"))
		require.NoError(t, err)

		a, err := s.GetByIndex(ctx, "alpha", 1)
		require.NoError(t, err)
		b, err := s.GetByIndex(ctx, "beta", 1)
		require.NoError(t, err)
		assert.False(t, bytes.Equal(a, b))
	})

	t.Run("Overwrite", func(t *testing.T) {
		_, err := s.Put(ctx, "sketch", 20, []byte("first"))
		require.NoError(t, err)
		id, err := s.Put(ctx, "sketch", 20, []byte("second"))
		require.NoError(t, err)

		got, err := s.GetByIndex(ctx, "sketch", 20)
		require.NoError(t, err)
		assert.Equal(t, []byte("second"), got)
		got, err = s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []byte("second"), got)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := s.GetByIndex(ctx, "sketch", 999)
		assert.ErrorIs(t, err, durable.ErrNotFound)
		_, err = s.Get(ctx, durable.Key("nobody", 1))
		assert.ErrorIs(t, err, durable.ErrNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		id, err := s.Put(ctx, "sketch", 30, []byte("gone soon"))
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, id))

		_, err = s.Get(ctx, id)
		assert.ErrorIs(t, err, durable.ErrNotFound)
		_, err = s.GetByIndex(ctx, "sketch", 30)
		assert.ErrorIs(t, err, durable.ErrNotFound)
	})

	t.Run("RejectsPathProjectIDs", func(t *testing.T) {
		for _, bad := range []string{"", ".", "..", "a/b", `..\x`} {
			_, err := s.Put(ctx, bad, 1, []byte("x"))
			assert.Error(t, err, "project id %q", bad)
		}
	})
}
