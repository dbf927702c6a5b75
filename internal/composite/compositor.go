// Package composite merges the layer stack into the displayed frame.
package composite

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/MeKo-Tech/pixelstack/internal/blend"
	"github.com/MeKo-Tech/pixelstack/internal/events"
	"github.com/MeKo-Tech/pixelstack/internal/layer"
	"github.com/MeKo-Tech/pixelstack/internal/metrics"
	"github.com/MeKo-Tech/pixelstack/internal/worker"
	"golang.org/x/image/draw"
)

// ErrBlendWorkerUnavailable fails a frame that contains a non-native blend
// layer while the blend pool is missing or stopped.
var ErrBlendWorkerUnavailable = errors.New("blend worker unavailable")

// Stack is the read side of the layer store used for compositing.
type Stack interface {
	Bounds() image.Rectangle
	View(fn func(layers []*layer.Layer) error) error
}

// Config configures a Compositor.
type Config struct {
	Stack Stack
	// Blender runs non-native blend bands. Required only when such a layer is visible.
	Blender *worker.Pool
	// Offscreen renders into a back surface and transfers it to the front.
	Offscreen bool
	// MaxDirtyRects is the largest dirty set transferred region by region.
	MaxDirtyRects int
	// FrameInterval bounds RequestRender to one render per interval.
	FrameInterval time.Duration
	// Bands is the number of row bands per non-native layer (default: pool workers).
	Bands   int
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// DefaultConfig returns sensible defaults for stack s.
func DefaultConfig(s Stack) Config {
	return Config{
		Stack:         s,
		Offscreen:     true,
		MaxDirtyRects: 16,
		FrameInterval: 16 * time.Millisecond,
	}
}

// RenderComplete is published after every successful recomposite.
type RenderComplete struct {
	Frame    uint64
	Dirty    []image.Rectangle
	Full     bool
	Drawn    int
	Culled   int
	Fallback bool
	Duration time.Duration
}

// Compositor owns the front (displayed) surface and, in offscreen mode, a
// back surface of the same size.
type Compositor struct {
	cfg Config
	bus events.Bus[RenderComplete]

	renderMu sync.Mutex
	front    *image.NRGBA
	back     *image.NRGBA
	frame    uint64
	transfer func(dst, src *image.NRGBA, rects []image.Rectangle) error

	mu        sync.Mutex
	dirty     []image.Rectangle
	dirtyAll  bool
	scheduled bool
	timer     *time.Timer
	closed    bool
}

// New creates a compositor. The first render always redraws the full canvas.
func New(cfg Config) (*Compositor, error) {
	if cfg.Stack == nil {
		return nil, fmt.Errorf("compositor needs a layer stack")
	}
	if cfg.MaxDirtyRects <= 0 {
		cfg.MaxDirtyRects = 16
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 16 * time.Millisecond
	}

	c := &Compositor{cfg: cfg, dirtyAll: true}
	c.transfer = transferRegions
	return c, nil
}

func (c *Compositor) log() *slog.Logger {
	if c.cfg.Logger != nil {
		return c.cfg.Logger
	}
	return slog.Default()
}

// Subscribe registers h for RenderComplete events.
func (c *Compositor) Subscribe(h func(RenderComplete)) (unsubscribe func()) {
	return c.bus.Subscribe(h)
}

// MarkDirty records a changed rectangle. An empty rectangle marks the
// whole canvas.
func (c *Compositor) MarkDirty(r image.Rectangle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.Empty() {
		c.dirtyAll = true
		c.dirty = nil
		return
	}
	if c.dirtyAll {
		return
	}
	c.dirty = append(c.dirty, r)
}

// MarkAll forces the next render to redraw the whole canvas.
func (c *Compositor) MarkAll() {
	c.MarkDirty(image.Rectangle{})
}

// RequestRender schedules a render. Requests arriving before the pending
// render runs are folded into it.
func (c *Compositor) RequestRender() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scheduled || c.closed {
		return
	}
	c.scheduled = true
	c.timer = time.AfterFunc(c.cfg.FrameInterval, c.renderScheduled)
}

func (c *Compositor) renderScheduled() {
	c.mu.Lock()
	c.scheduled = false
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	if err := c.RecompositeNow(context.Background()); err != nil {
		c.log().Error("scheduled recomposite failed", "error", err)
	}
}

// Close cancels a pending scheduled render.
func (c *Compositor) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
}

// Frame returns a copy of the front surface, or nil before the first render.
func (c *Compositor) Frame() *image.NRGBA {
	c.renderMu.Lock()
	defer c.renderMu.Unlock()
	if c.front == nil {
		return nil
	}
	out := image.NewNRGBA(c.front.Bounds())
	copy(out.Pix, c.front.Pix)
	return out
}

// takeDirty returns the pending dirty set clipped to view. n is the number
// of marks it covers; full reports that the whole canvas must be redrawn.
func (c *Compositor) takeDirty(view image.Rectangle) (rects []image.Rectangle, n int, full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	full = c.dirtyAll
	n = len(c.dirty)
	for _, r := range c.dirty {
		if r = r.Intersect(view); !r.Empty() {
			rects = append(rects, r)
		}
	}
	return rects, n, full
}

// clearDirty drops the first n marks. Marks added during the render stay
// pending.
func (c *Compositor) clearDirty(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirtyAll = false
	if n <= len(c.dirty) {
		c.dirty = c.dirty[n:]
	} else {
		c.dirty = nil
	}
}

// RecompositeNow renders the stack synchronously and returns once the front
// surface holds the new frame.
func (c *Compositor) RecompositeNow(ctx context.Context) error {
	c.renderMu.Lock()
	defer c.renderMu.Unlock()

	start := time.Now()
	view := c.cfg.Stack.Bounds()
	if view.Empty() {
		return fmt.Errorf("layer stack has no canvas")
	}

	rects, pending, full := c.takeDirty(view)

	if c.front == nil || c.front.Bounds() != view {
		c.front = image.NewNRGBA(view)
		c.back = nil
		full = true
	}
	if c.cfg.Offscreen && c.back == nil {
		c.back = image.NewNRGBA(view)
		full = true
	}
	if len(rects) == 0 {
		full = true
	}
	region := view
	if !full {
		region = image.Rectangle{}
		for _, r := range rects {
			region = region.Union(r)
		}
	}

	var st stats
	err := c.cfg.Stack.View(func(layers []*layer.Layer) error {
		visible := visibleLayers(layers)
		drawn, fallback := cull(visible, view)
		st = stats{drawn: len(drawn), culled: len(visible) - len(drawn), fallback: fallback}
		if fallback {
			c.log().Debug("culling removed every visible layer, drawing all", "visible", len(visible))
		}

		if err := c.checkBlender(drawn); err != nil {
			return err
		}

		target := c.front
		if c.cfg.Offscreen {
			target = c.back
		}
		if err := c.draw(ctx, target, drawn, region); err != nil {
			return err
		}
		if !c.cfg.Offscreen {
			return nil
		}

		transferRects := rects
		kind := "regions"
		if full || len(rects) > c.cfg.MaxDirtyRects {
			transferRects = []image.Rectangle{view}
			kind = "full"
		}
		if err := c.transfer(c.front, c.back, transferRects); err != nil {
			c.log().Warn("offscreen transfer failed, redrawing front surface", "error", err)
			c.cfg.Metrics.Transfer("fallback")
			return c.draw(ctx, c.front, visible, view)
		}
		c.cfg.Metrics.Transfer(kind)
		return nil
	})
	elapsed := time.Since(start)
	c.cfg.Metrics.ObserveRender(elapsed, st.drawn, st.culled, st.fallback, err)
	if err != nil {
		if full {
			c.MarkAll()
		}
		return fmt.Errorf("recomposite: %w", err)
	}

	c.clearDirty(pending)
	c.frame++
	ev := RenderComplete{
		Frame:    c.frame,
		Full:     full,
		Drawn:    st.drawn,
		Culled:   st.culled,
		Fallback: st.fallback,
		Duration: elapsed,
	}
	if full {
		ev.Dirty = []image.Rectangle{view}
	} else {
		ev.Dirty = rects
	}
	c.bus.Publish(ev)
	return nil
}

type stats struct {
	drawn, culled int
	fallback      bool
}

func visibleLayers(layers []*layer.Layer) []*layer.Layer {
	out := make([]*layer.Layer, 0, len(layers))
	for _, l := range layers {
		if l.Visible {
			out = append(out, l)
		}
	}
	return out
}

// cull keeps layers that may contribute to view. Layers with a background
// fill or unknown bounds always count. When nothing survives, every visible
// layer is drawn.
func cull(visible []*layer.Layer, view image.Rectangle) (drawn []*layer.Layer, fallback bool) {
	drawn = make([]*layer.Layer, 0, len(visible))
	for _, l := range visible {
		if l.Background != nil || l.Bounds.Intersects(view) {
			drawn = append(drawn, l)
		}
	}
	if len(drawn) == 0 && len(visible) > 0 {
		return visible, true
	}
	return drawn, false
}

func (c *Compositor) checkBlender(layers []*layer.Layer) error {
	for _, l := range layers {
		if !l.BlendMode.Native() && !c.cfg.Blender.Available() {
			return fmt.Errorf("%w: layer %q uses %s", ErrBlendWorkerUnavailable, l.Name, l.BlendMode)
		}
	}
	return nil
}

// draw renders layers bottom to top into dst, limited to region. The region
// is cleared first so dst holds exactly the composite there afterwards.
func (c *Compositor) draw(ctx context.Context, dst *image.NRGBA, layers []*layer.Layer, region image.Rectangle) error {
	region = region.Intersect(dst.Bounds())
	if region.Empty() {
		return nil
	}
	draw.Draw(dst, region, image.Transparent, image.Point{}, draw.Src)

	// acc takes over as the target from the first non-native layer on.
	var acc *image.NRGBA
	target := dst

	for _, l := range layers {
		if acc == nil && !l.BlendMode.Native() {
			acc = image.NewNRGBA(region)
			draw.Draw(acc, region, dst, region.Min, draw.Src)
			target = acc
		}

		if l.Background != nil {
			bg := *l.Background
			bg.A = uint8(math.Round(float64(bg.A) * blend.Clamp01(l.Opacity)))
			blend.Fill(target, region, bg)
		}

		switch {
		case l.BlendMode == blend.Normal:
			drawNormal(target, l.Pixels, region, l.Opacity)
		case l.BlendMode.Native():
			blend.Region(target, l.Pixels, region, l.BlendMode, l.Opacity)
		default:
			if err := c.blendAsync(ctx, target, l, region); err != nil {
				return err
			}
		}
	}

	if acc != nil {
		draw.Draw(dst, region, acc, region.Min, draw.Src)
	}
	return nil
}

func drawNormal(dst, src *image.NRGBA, region image.Rectangle, opacity float64) {
	opacity = blend.Clamp01(opacity)
	if opacity == 0 {
		return
	}
	if opacity == 1 {
		draw.Draw(dst, region, src, region.Min, draw.Over)
		return
	}
	mask := image.NewUniform(color.Alpha{A: uint8(math.Round(opacity * 255))})
	draw.DrawMask(dst, region, src, region.Min, mask, image.Point{}, draw.Over)
}

// blendAsync blends one non-native layer into acc on the pool, one task per
// row band, and waits for every band before returning. Workers get a private
// copy of the layer pixels so a timed-out band never touches live data.
func (c *Compositor) blendAsync(ctx context.Context, acc *image.NRGBA, l *layer.Layer, region image.Rectangle) error {
	src := image.NewNRGBA(region)
	draw.Draw(src, region, l.Pixels, region.Min, draw.Src)

	n := c.cfg.Bands
	if n <= 0 {
		n = c.cfg.Blender.Status().Workers
	}
	mode, opacity := l.BlendMode, l.Opacity
	bands := blend.Bands(region, n)
	tasks := make([]worker.Task, len(bands))
	for i, band := range bands {
		tasks[i] = func(context.Context) error {
			blend.Region(acc, src, band, mode, opacity)
			return nil
		}
	}

	if err := worker.FirstError(c.cfg.Blender.Run(ctx, tasks)); err != nil {
		if errors.Is(err, worker.ErrUnavailable) {
			err = fmt.Errorf("%w: %w", ErrBlendWorkerUnavailable, err)
		}
		return fmt.Errorf("blend layer %q (%s): %w", l.Name, l.BlendMode, err)
	}
	return nil
}

// transferRegions copies src into dst rect by rect.
func transferRegions(dst, src *image.NRGBA, rects []image.Rectangle) error {
	if dst.Bounds() != src.Bounds() {
		return fmt.Errorf("surface size mismatch: front %v, back %v", dst.Bounds(), src.Bounds())
	}
	for _, r := range rects {
		draw.Draw(dst, r, src, r.Min, draw.Src)
	}
	return nil
}
