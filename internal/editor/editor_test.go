package editor

import (
	"context"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/MeKo-Tech/pixelstack/internal/blend"
	"github.com/MeKo-Tech/pixelstack/internal/durable/memory"
	"github.com/MeKo-Tech/pixelstack/internal/history"
	"github.com/MeKo-Tech/pixelstack/internal/layer"
	"github.com/MeKo-Tech/pixelstack/internal/texture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var red = color.NRGBA{R: 255, A: 255}

func newEditor(t *testing.T, configure func(*Config)) *Editor {
	t.Helper()
	cfg := DefaultConfig(16, 16)
	cfg.Workers = 2
	cfg.History.ProjectID = "editor-test"
	cfg.History.Debounce = time.Hour
	cfg.Durable = memory.NewStore()
	if configure != nil {
		configure(&cfg)
	}
	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func fillRect(r image.Rectangle, c color.NRGBA) func(*image.NRGBA) (image.Rectangle, error) {
	return func(px *image.NRGBA) (image.Rectangle, error) {
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				px.SetNRGBA(x, y, c)
			}
		}
		return r, nil
	}
}

func TestNewRecordsBaseline(t *testing.T) {
	e := newEditor(t, nil)

	st := e.History().State()
	assert.Equal(t, 1, st.Length)
	assert.Equal(t, 0, st.Position)
	assert.Equal(t, 1, e.Store().Len())
	require.NotNil(t, e.Frame())
	assert.Equal(t, color.NRGBA{}, e.Frame().NRGBAAt(0, 0))
}

func TestEditRendersAndUndoes(t *testing.T) {
	e := newEditor(t, nil)
	ctx := context.Background()

	dirty, err := e.Edit(ctx, fillRect(image.Rect(2, 2, 6, 6), red))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(2, 2, 6, 6), dirty)
	assert.Equal(t, red, e.Frame().NRGBAAt(3, 3))
	assert.True(t, e.History().Pending())

	require.NoError(t, e.Undo(ctx))
	assert.Equal(t, color.NRGBA{}, e.Frame().NRGBAAt(3, 3))

	require.NoError(t, e.Redo(ctx))
	assert.Equal(t, red, e.Frame().NRGBAAt(3, 3))
}

func TestEditLockedLayer(t *testing.T) {
	e := newEditor(t, nil)
	ctx := context.Background()

	require.NoError(t, e.Apply(ctx, func(s *layer.Store) error {
		return s.UpdateLayer(s.ActiveID(), layer.Update{Locked: layer.Set(true)})
	}))

	_, err := e.Edit(ctx, fillRect(image.Rect(0, 0, 1, 1), red))
	var locked *layer.LockedLayerError
	require.ErrorAs(t, err, &locked)
	assert.ErrorIs(t, err, layer.ErrLayerLocked)
	assert.False(t, e.History().Pending())
}

func TestApplyStructuralChange(t *testing.T) {
	e := newEditor(t, nil)
	ctx := context.Background()

	var top layer.Info
	require.NoError(t, e.Apply(ctx, func(s *layer.Store) error {
		var err error
		top, err = s.CreateLayer("top", nil, &red)
		return err
	}))
	assert.Equal(t, red, e.Frame().NRGBAAt(8, 8))
	assert.Equal(t, 2, e.History().State().Length)

	require.NoError(t, e.Apply(ctx, func(s *layer.Store) error {
		return s.UpdateLayer(top.ID, layer.Update{BlendMode: layer.Set(blend.Luminosity)})
	}))

	require.NoError(t, e.Undo(ctx))
	require.NoError(t, e.Undo(ctx))
	assert.Equal(t, 1, e.Store().Len())
	assert.Equal(t, color.NRGBA{}, e.Frame().NRGBAAt(8, 8))
}

func TestPaperLayerIsLockedBackground(t *testing.T) {
	e := newEditor(t, func(c *Config) {
		p := texture.DefaultPaperParams(0, 0)
		c.Paper = &p
	})

	layers := e.Store().Layers()
	require.Len(t, layers, 2)
	assert.Equal(t, "Paper", layers[0].Name)
	assert.True(t, layers[0].Locked)

	active, err := e.Store().Active()
	require.NoError(t, err)
	assert.Equal(t, "Layer 1", active.Name)
	assert.Equal(t, uint8(255), e.Frame().NRGBAAt(4, 4).A)
}

func TestFlatHistoryMode(t *testing.T) {
	e := newEditor(t, func(c *Config) { c.History.Mode = history.ModeFlat })
	ctx := context.Background()

	_, err := e.Edit(ctx, fillRect(image.Rect(0, 0, 16, 16), red))
	require.NoError(t, err)
	require.NoError(t, e.History().Flush(ctx))

	require.NoError(t, e.Undo(ctx))
	assert.Equal(t, color.NRGBA{}, e.Frame().NRGBAAt(10, 10))
}
