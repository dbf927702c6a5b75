package composite

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MeKo-Tech/pixelstack/internal/blend"
	"github.com/MeKo-Tech/pixelstack/internal/layer"
	"github.com/MeKo-Tech/pixelstack/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fillRect(img *image.NRGBA, rect image.Rectangle, c color.NRGBA) {
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
}

func solid(size int, rect image.Rectangle, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	fillRect(img, rect, c)
	return img
}

func newStore(t *testing.T, size int) *layer.Store {
	t.Helper()
	s, err := layer.NewStore(layer.Config{Width: size, Height: size})
	require.NoError(t, err)
	return s
}

func newCompositor(t *testing.T, cfg Config) *Compositor {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func startPool(t *testing.T) *worker.Pool {
	t.Helper()
	p := worker.New(worker.Config{Workers: 3, Timeout: time.Second})
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func TestSingleNormalLayerEqualsItsPixels(t *testing.T) {
	for _, offscreen := range []bool{false, true} {
		s := newStore(t, 8)
		px := solid(8, image.Rect(1, 1, 6, 5), color.NRGBA{R: 200, G: 40, B: 90, A: 255})
		px.SetNRGBA(7, 7, color.NRGBA{R: 1, G: 2, B: 3, A: 255})
		_, err := s.CreateLayer("ink", px, nil)
		require.NoError(t, err)

		c := newCompositor(t, Config{Stack: s, Offscreen: offscreen})
		require.NoError(t, c.RecompositeNow(context.Background()))

		assert.Equal(t, px.Pix, c.Frame().Pix, "offscreen=%v", offscreen)
	}
}

func TestTopOpaqueLayerWins(t *testing.T) {
	s := newStore(t, 4)
	red := color.NRGBA{R: 255, A: 255}
	blue := color.NRGBA{B: 255, A: 255}
	_, err := s.CreateLayer("bottom", solid(4, image.Rect(0, 0, 4, 4), red), nil)
	require.NoError(t, err)
	_, err = s.CreateLayer("top", solid(4, image.Rect(0, 0, 2, 4), blue), nil)
	require.NoError(t, err)

	c := newCompositor(t, Config{Stack: s})
	require.NoError(t, c.RecompositeNow(context.Background()))

	frame := c.Frame()
	assert.Equal(t, blue, frame.NRGBAAt(0, 0))
	assert.Equal(t, blue, frame.NRGBAAt(1, 3))
	assert.Equal(t, red, frame.NRGBAAt(3, 3), "bottom shows where top is transparent")
}

func TestHiddenLayerIsSkipped(t *testing.T) {
	s := newStore(t, 4)
	_, err := s.CreateLayer("base", solid(4, image.Rect(0, 0, 4, 4), color.NRGBA{G: 255, A: 255}), nil)
	require.NoError(t, err)
	top, err := s.CreateLayer("hidden", solid(4, image.Rect(0, 0, 4, 4), color.NRGBA{R: 255, A: 255}), nil)
	require.NoError(t, err)
	require.NoError(t, s.UpdateLayer(top.ID, layer.Update{Visible: layer.Set(false)}))

	c := newCompositor(t, Config{Stack: s})
	require.NoError(t, c.RecompositeNow(context.Background()))
	assert.Equal(t, color.NRGBA{G: 255, A: 255}, c.Frame().NRGBAAt(2, 2))
}

func TestOpacityAndNativeModesMatchBlendEngine(t *testing.T) {
	base := color.NRGBA{R: 120, G: 60, B: 200, A: 255}
	over := color.NRGBA{R: 30, G: 220, B: 100, A: 255}

	for _, mode := range []blend.Mode{blend.Normal, blend.Multiply, blend.Screen, blend.SoftLight} {
		s := newStore(t, 2)
		_, err := s.CreateLayer("base", solid(2, image.Rect(0, 0, 2, 2), base), nil)
		require.NoError(t, err)
		top, err := s.CreateLayer("top", solid(2, image.Rect(0, 0, 2, 2), over), nil)
		require.NoError(t, err)
		require.NoError(t, s.UpdateLayer(top.ID, layer.Update{Opacity: layer.Set(0.5), BlendMode: layer.Set(mode)}))

		c := newCompositor(t, Config{Stack: s})
		require.NoError(t, c.RecompositeNow(context.Background()))

		want := blend.Blend(blend.FromNRGBA(base), blend.FromNRGBA(over), mode, 0.5).NRGBA()
		got := c.Frame().NRGBAAt(0, 0)
		assert.InDelta(t, want.R, got.R, 1, mode.String())
		assert.InDelta(t, want.G, got.G, 1, mode.String())
		assert.InDelta(t, want.B, got.B, 1, mode.String())
		assert.Equal(t, uint8(255), got.A)
	}
}

func TestBackgroundFillPaintsUnderPixels(t *testing.T) {
	s := newStore(t, 4)
	bg := color.NRGBA{R: 250, G: 245, B: 235, A: 255}
	dot := color.NRGBA{A: 255}
	px := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	px.SetNRGBA(1, 1, dot)
	_, err := s.CreateLayer("paper", px, &bg)
	require.NoError(t, err)

	c := newCompositor(t, Config{Stack: s})
	require.NoError(t, c.RecompositeNow(context.Background()))

	assert.Equal(t, dot, c.Frame().NRGBAAt(1, 1))
	assert.Equal(t, bg, c.Frame().NRGBAAt(3, 0))
}

func TestNonNativeLayerWithoutWorkerFails(t *testing.T) {
	s := newStore(t, 4)
	_, err := s.CreateLayer("base", solid(4, image.Rect(0, 0, 4, 4), color.NRGBA{R: 255, A: 255}), nil)
	require.NoError(t, err)
	top, err := s.CreateLayer("hue", solid(4, image.Rect(0, 0, 4, 4), color.NRGBA{B: 255, A: 255}), nil)
	require.NoError(t, err)
	require.NoError(t, s.UpdateLayer(top.ID, layer.Update{BlendMode: layer.Set(blend.Hue)}))

	c := newCompositor(t, Config{Stack: s})
	err = c.RecompositeNow(context.Background())
	assert.ErrorIs(t, err, ErrBlendWorkerUnavailable)

	stopped := worker.New(worker.Config{Workers: 1})
	stopped.Start()
	stopped.Stop()
	c = newCompositor(t, Config{Stack: s, Blender: stopped})
	assert.ErrorIs(t, c.RecompositeNow(context.Background()), ErrBlendWorkerUnavailable)
}

func TestNonNativeLayersBlendInOrder(t *testing.T) {
	s := newStore(t, 6)
	basePx := image.NewNRGBA(image.Rect(0, 0, 6, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			basePx.SetNRGBA(x, y, color.NRGBA{R: uint8(40 * x), G: uint8(40 * y), B: 128, A: 255})
		}
	}
	hue := solid(6, image.Rect(0, 0, 6, 6), color.NRGBA{R: 10, G: 200, B: 60, A: 255})
	mid := solid(6, image.Rect(0, 0, 3, 6), color.NRGBA{R: 255, G: 255, B: 0, A: 128})
	lum := solid(6, image.Rect(2, 2, 6, 6), color.NRGBA{R: 240, G: 240, B: 240, A: 200})

	_, err := s.CreateLayer("base", basePx, nil)
	require.NoError(t, err)
	l1, err := s.CreateLayer("hue", hue, nil)
	require.NoError(t, err)
	l2, err := s.CreateLayer("mid", mid, nil)
	require.NoError(t, err)
	l3, err := s.CreateLayer("lum", lum, nil)
	require.NoError(t, err)
	require.NoError(t, s.UpdateLayer(l1.ID, layer.Update{BlendMode: layer.Set(blend.Hue)}))
	require.NoError(t, s.UpdateLayer(l2.ID, layer.Update{BlendMode: layer.Set(blend.Multiply)}))
	require.NoError(t, s.UpdateLayer(l3.ID, layer.Update{BlendMode: layer.Set(blend.Luminosity), Opacity: layer.Set(0.75)}))

	c := newCompositor(t, Config{Stack: s, Blender: startPool(t), Bands: 4})
	require.NoError(t, c.RecompositeNow(context.Background()))

	want := image.NewNRGBA(basePx.Bounds())
	copy(want.Pix, basePx.Pix)
	r := want.Bounds()
	blend.Region(want, hue, r, blend.Hue, 1)
	blend.Region(want, mid, r, blend.Multiply, 1)
	blend.Region(want, lum, r, blend.Luminosity, 0.75)

	assert.Equal(t, want.Pix, c.Frame().Pix)
}

type staticStack struct {
	bounds image.Rectangle
	layers []*layer.Layer
}

func (s *staticStack) Bounds() image.Rectangle { return s.bounds }

func (s *staticStack) View(fn func([]*layer.Layer) error) error { return fn(s.layers) }

func TestCullingFallsBackWhenEverythingIsCulled(t *testing.T) {
	px := solid(4, image.Rect(0, 0, 4, 4), color.NRGBA{R: 9, G: 9, B: 9, A: 255})
	stale := &layer.Layer{Name: "stale", Pixels: px, Visible: true, Opacity: 1, Bounds: layer.EmptyBounds()}
	st := &staticStack{bounds: px.Bounds(), layers: []*layer.Layer{stale}}

	c := newCompositor(t, Config{Stack: st})
	var last RenderComplete
	c.Subscribe(func(ev RenderComplete) { last = ev })

	require.NoError(t, c.RecompositeNow(context.Background()))
	assert.True(t, last.Fallback)
	assert.Equal(t, 1, last.Drawn)
	assert.Equal(t, px.Pix, c.Frame().Pix)
}

func TestCullingSkipsEmptyLayers(t *testing.T) {
	view := image.Rect(0, 0, 4, 4)
	visible := []*layer.Layer{
		{Name: "empty", Visible: true, Bounds: layer.EmptyBounds()},
		{Name: "unknown", Visible: true, Bounds: layer.UnknownBounds()},
		{Name: "outside", Visible: true, Bounds: layer.RectBounds(image.Rect(10, 10, 12, 12))},
		{Name: "filled", Visible: true, Bounds: layer.EmptyBounds(), Background: &color.NRGBA{A: 255}},
	}

	drawn, fallback := cull(visible, view)
	assert.False(t, fallback)
	var names []string
	for _, l := range drawn {
		names = append(names, l.Name)
	}
	assert.Equal(t, []string{"unknown", "filled"}, names)
}

func TestDirtyRegionTransfer(t *testing.T) {
	s := newStore(t, 8)
	_, err := s.CreateLayer("ink", nil, nil)
	require.NoError(t, err)

	c := newCompositor(t, Config{Stack: s, Offscreen: true, MaxDirtyRects: 2})
	var events []RenderComplete
	c.Subscribe(func(ev RenderComplete) { events = append(events, ev) })
	require.NoError(t, c.RecompositeNow(context.Background()))

	ink := color.NRGBA{R: 255, G: 128, A: 255}
	dirty, err := s.EditActive(func(px *image.NRGBA) (image.Rectangle, error) {
		px.SetNRGBA(2, 3, ink)
		return image.Rect(2, 3, 3, 4), nil
	})
	require.NoError(t, err)
	c.MarkDirty(dirty)
	require.NoError(t, c.RecompositeNow(context.Background()))

	require.Len(t, events, 2)
	assert.True(t, events[0].Full)
	assert.False(t, events[1].Full)
	assert.Equal(t, []image.Rectangle{image.Rect(2, 3, 3, 4)}, events[1].Dirty)
	assert.Equal(t, ink, c.Frame().NRGBAAt(2, 3))

	// more rects than MaxDirtyRects falls back to a full transfer
	c.MarkDirty(image.Rect(0, 0, 1, 1))
	c.MarkDirty(image.Rect(1, 1, 2, 2))
	c.MarkDirty(image.Rect(4, 4, 5, 5))
	require.NoError(t, c.RecompositeNow(context.Background()))
	assert.Len(t, events[2].Dirty, 3)
	assert.Equal(t, ink, c.Frame().NRGBAAt(2, 3))
}

func TestTransferFailureRedrawsFront(t *testing.T) {
	s := newStore(t, 4)
	px := solid(4, image.Rect(0, 0, 4, 2), color.NRGBA{G: 255, A: 255})
	_, err := s.CreateLayer("ink", px, nil)
	require.NoError(t, err)

	c := newCompositor(t, Config{Stack: s, Offscreen: true})
	c.transfer = func(dst, src *image.NRGBA, rects []image.Rectangle) error {
		return errors.New("surface lost")
	}
	require.NoError(t, c.RecompositeNow(context.Background()))
	assert.Equal(t, px.Pix, c.Frame().Pix)
}

func TestRequestRenderCoalesces(t *testing.T) {
	s := newStore(t, 4)
	_, err := s.CreateLayer("ink", nil, nil)
	require.NoError(t, err)

	c := newCompositor(t, Config{Stack: s, FrameInterval: 20 * time.Millisecond})
	var renders atomic.Int32
	c.Subscribe(func(RenderComplete) { renders.Add(1) })

	for i := 0; i < 10; i++ {
		c.RequestRender()
	}
	require.Eventually(t, func() bool { return renders.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), renders.Load())

	c.RequestRender()
	require.Eventually(t, func() bool { return renders.Load() == 2 }, time.Second, 5*time.Millisecond)
}
