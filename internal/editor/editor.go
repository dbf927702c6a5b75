// Package editor wires the layer store, compositor and history manager into
// one owned editing session.
package editor

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"runtime"
	"time"

	"github.com/MeKo-Tech/pixelstack/internal/composite"
	"github.com/MeKo-Tech/pixelstack/internal/durable"
	"github.com/MeKo-Tech/pixelstack/internal/history"
	"github.com/MeKo-Tech/pixelstack/internal/layer"
	"github.com/MeKo-Tech/pixelstack/internal/metrics"
	"github.com/MeKo-Tech/pixelstack/internal/texture"
	"github.com/MeKo-Tech/pixelstack/internal/worker"
)

// Config configures an Editor.
type Config struct {
	Width     int
	Height    int
	MaxLayers int

	// Paper adds a locked paper texture layer at the bottom of the stack.
	Paper *texture.PaperParams

	// Workers sizes the blend and codec pools.
	Workers       int
	WorkerTimeout time.Duration
	Offscreen     bool

	// History holds the timeline settings. Source, Renderer, Codec, Metrics
	// and Logger are filled in by the editor.
	History history.Config
	Durable durable.Store

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// DefaultConfig returns the defaults for a w×h canvas.
func DefaultConfig(w, h int) Config {
	return Config{
		Width:         w,
		Height:        h,
		MaxLayers:     layer.DefaultMaxLayers,
		Workers:       runtime.NumCPU(),
		WorkerTimeout: 2 * time.Second,
		Offscreen:     true,
		History:       history.DefaultConfig(),
	}
}

// Editor is one editing session. Its methods are safe for concurrent use.
type Editor struct {
	store   *layer.Store
	comp    *composite.Compositor
	hist    *history.Manager
	blender *worker.Pool
	codec   *worker.Pool
	logger  *slog.Logger
	unsub   func()
}

// New builds the session, renders the first frame and records the baseline
// history entry.
func New(ctx context.Context, cfg Config) (*Editor, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := layer.NewStore(layer.Config{
		Width:     cfg.Width,
		Height:    cfg.Height,
		MaxLayers: cfg.MaxLayers,
		Logger:    logger.With("component", "layers"),
	})
	if err != nil {
		return nil, err
	}
	if err := seedLayers(store, cfg.Paper); err != nil {
		return nil, err
	}

	e := &Editor{store: store, logger: logger}
	e.blender = worker.New(worker.Config{
		Workers: cfg.Workers,
		Timeout: cfg.WorkerTimeout,
		Logger:  logger.With("component", "blend-pool"),
	})
	e.codec = worker.New(worker.Config{
		Workers: max(1, cfg.Workers/2),
		Timeout: cfg.WorkerTimeout,
		Logger:  logger.With("component", "codec-pool"),
	})
	e.blender.Start()
	e.codec.Start()

	cc := composite.DefaultConfig(store)
	cc.Blender = e.blender
	cc.Offscreen = cfg.Offscreen
	cc.Metrics = cfg.Metrics
	cc.Logger = logger.With("component", "compositor")
	if e.comp, err = composite.New(cc); err != nil {
		e.stopPools()
		return nil, err
	}

	hc := cfg.History
	switch hc.Mode {
	case history.ModeFlat:
		hc.Source = history.FlatSource{Store: store}
	default:
		hc.Source = history.StackSource{Store: store}
	}
	hc.Renderer = e.comp
	hc.Store = cfg.Durable
	hc.Codec = e.codec
	hc.Metrics = cfg.Metrics
	hc.Logger = logger.With("component", "history")
	if e.hist, err = history.New(hc); err != nil {
		e.stopPools()
		return nil, err
	}

	e.unsub = store.Subscribe(e.onLayerEvent)

	if err := e.comp.RecompositeNow(ctx); err != nil {
		e.Close()
		return nil, fmt.Errorf("first render: %w", err)
	}
	if err := e.hist.SaveImmediate(ctx); err != nil {
		e.Close()
		return nil, fmt.Errorf("baseline history entry: %w", err)
	}

	logger.Info("editor ready",
		"width", cfg.Width,
		"height", cfg.Height,
		"layers", store.Len(),
		"history_mode", hc.Mode.String(),
		"project", e.hist.ProjectID())
	return e, nil
}

func seedLayers(store *layer.Store, paper *texture.PaperParams) error {
	if paper != nil {
		p := *paper
		b := store.Bounds()
		p.Width, p.Height = b.Dx(), b.Dy()
		img, err := texture.Paper(p)
		if err != nil {
			return fmt.Errorf("paper layer: %w", err)
		}
		info, err := store.CreateLayer("Paper", img, nil)
		if err != nil {
			return err
		}
		if err := store.UpdateLayer(info.ID, layer.Update{Locked: layer.Set(true)}); err != nil {
			return err
		}
	}
	info, err := store.CreateLayer("Layer 1", nil, nil)
	if err != nil {
		return err
	}
	return store.SetActiveLayer(info.ID)
}

// onLayerEvent marks the regions a store change invalidated.
func (e *Editor) onLayerEvent(ev layer.Event) {
	switch ev.Type {
	case layer.EventActiveChanged, layer.EventLimitReached:
		return
	}
	e.comp.MarkDirty(ev.Dirty)
}

// Store returns the layer store.
func (e *Editor) Store() *layer.Store { return e.store }

// Compositor returns the compositor.
func (e *Editor) Compositor() *composite.Compositor { return e.comp }

// History returns the history manager.
func (e *Editor) History() *history.Manager { return e.hist }

// Edit is the tool entry point. fn writes into the active layer and returns
// the rectangle it touched. The frame is recomposited before Edit returns
// and a coalesced history capture is scheduled. A locked active layer fails
// with *layer.LockedLayerError.
func (e *Editor) Edit(ctx context.Context, fn func(px *image.NRGBA) (image.Rectangle, error)) (image.Rectangle, error) {
	dirty, err := e.store.EditActive(fn)
	if err != nil {
		return dirty, err
	}
	if err := e.comp.RecompositeNow(ctx); err != nil {
		return dirty, err
	}
	e.hist.Save()
	return dirty, nil
}

// Apply runs a structural change (create, delete, reorder, property update)
// against the store, recomposites and records it in history at once.
func (e *Editor) Apply(ctx context.Context, fn func(s *layer.Store) error) error {
	if err := fn(e.store); err != nil {
		return err
	}
	if err := e.comp.RecompositeNow(ctx); err != nil {
		return err
	}
	return e.hist.SaveImmediate(ctx)
}

// Undo steps back one history entry.
func (e *Editor) Undo(ctx context.Context) error { return e.hist.Undo(ctx) }

// Redo steps forward one history entry.
func (e *Editor) Redo(ctx context.Context) error { return e.hist.Redo(ctx) }

// Frame returns a copy of the displayed frame.
func (e *Editor) Frame() *image.NRGBA { return e.comp.Frame() }

// Status reports pool load.
func (e *Editor) Status() (blend, codec worker.Status) {
	return e.blender.Status(), e.codec.Status()
}

// Close flushes a pending capture, waits for background writes and stops
// the pools.
func (e *Editor) Close() {
	if e.unsub != nil {
		e.unsub()
	}
	if err := e.hist.Flush(context.Background()); err != nil {
		e.logger.Warn("final history capture failed", "error", err)
	}
	e.hist.Close()
	e.comp.Close()
	e.stopPools()
}

func (e *Editor) stopPools() {
	e.blender.Stop()
	e.codec.Stop()
}
