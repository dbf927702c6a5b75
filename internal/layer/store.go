package layer

import (
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math"
	"sync"

	"github.com/MeKo-Tech/pixelstack/internal/blend"
	"github.com/MeKo-Tech/pixelstack/internal/events"
	"github.com/oklog/ulid/v2"
	"golang.org/x/image/draw"
)

// DefaultMaxLayers is the layer ceiling used when Config.MaxLayers is unset.
const DefaultMaxLayers = 10

// Config configures a Store.
type Config struct {
	Width     int
	Height    int
	MaxLayers int
	Logger    *slog.Logger
}

// Store is the ordered layer stack. Index 0 is the bottom layer.
//
// All methods are safe for concurrent use. Pixel buffers are only written
// through EditActive, SetPixels and Restore, which hold the write lock;
// View hands out the live layers under the read lock.
type Store struct {
	mu       sync.RWMutex
	width    int
	height   int
	max      int
	layers   []*Layer
	activeID string
	bus      events.Bus[Event]
	logger   *slog.Logger
	ready    bool
}

// NewStore creates an empty store for a width×height canvas.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("canvas size must be positive, got %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.MaxLayers <= 0 {
		cfg.MaxLayers = DefaultMaxLayers
	}

	return &Store{
		width:  cfg.Width,
		height: cfg.Height,
		max:    cfg.MaxLayers,
		logger: cfg.Logger,
		ready:  true,
	}, nil
}

func (s *Store) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

func (s *Store) check() error {
	if s == nil || !s.ready {
		return ErrStoreNotInitialized
	}
	return nil
}

// Subscribe registers h for store events. Handlers run after the store
// lock has been released, so they may call back into the store.
func (s *Store) Subscribe(h func(Event)) (unsubscribe func()) {
	return s.bus.Subscribe(h)
}

// mutate runs fn under the write lock and publishes its events afterwards.
func (s *Store) mutate(fn func() ([]Event, error)) error {
	if err := s.check(); err != nil {
		return err
	}

	s.mu.Lock()
	evs, err := fn()
	s.mu.Unlock()

	for _, ev := range evs {
		s.bus.Publish(ev)
	}
	return err
}

// Bounds returns the canvas rectangle.
func (s *Store) Bounds() image.Rectangle {
	if s.check() != nil {
		return image.Rectangle{}
	}
	return image.Rect(0, 0, s.width, s.height)
}

// MaxLayers returns the layer ceiling.
func (s *Store) MaxLayers() int {
	if s.check() != nil {
		return 0
	}
	return s.max
}

// Len returns the number of layers.
func (s *Store) Len() int {
	if s.check() != nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.layers)
}

// ActiveID returns the id of the active layer, or "" for an empty store.
func (s *Store) ActiveID() string {
	if s.check() != nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// Layers describes every layer bottom to top.
func (s *Store) Layers() []Info {
	if s.check() != nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Info, len(s.layers))
	for i, l := range s.layers {
		out[i] = l.info(i)
	}
	return out
}

// Get describes the layer with the given id.
func (s *Store) Get(id string) (Info, error) {
	if err := s.check(); err != nil {
		return Info{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.indexOf(id)
	if i < 0 {
		return Info{}, fmt.Errorf("%w: %s", ErrLayerNotFound, id)
	}
	return s.layers[i].info(i), nil
}

// Active describes the active layer.
func (s *Store) Active() (Info, error) {
	if err := s.check(); err != nil {
		return Info{}, err
	}
	return s.Get(s.ActiveID())
}

// View calls fn with the live layers under the read lock. fn must not
// retain or modify the layers.
func (s *Store) View(fn func(layers []*Layer) error) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.layers)
}

func (s *Store) indexOf(id string) int {
	for i, l := range s.layers {
		if l.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) limitReached() []Event {
	s.log().Warn("layer limit reached", "max_layers", s.max)
	return []Event{{Type: EventLimitReached, Count: len(s.layers), Max: s.max}}
}

func (s *Store) limitErr() error {
	return fmt.Errorf("%w: at most %d layers", ErrLayerLimitExceeded, s.max)
}

func (s *Store) setActive(id string) Event {
	prev := s.activeID
	s.activeID = id
	return Event{Type: EventActiveChanged, LayerID: id, ActiveID: id, PreviousActiveID: prev, Count: len(s.layers)}
}

func (s *Store) newSurface() *image.NRGBA {
	return image.NewNRGBA(image.Rect(0, 0, s.width, s.height))
}

// CreateLayer adds a layer on top of the stack. initial, if non-nil, is
// copied into the new surface aligned at the canvas origin. The first layer
// created becomes the active layer.
func (s *Store) CreateLayer(name string, initial image.Image, background *color.NRGBA) (Info, error) {
	var created Info
	err := s.mutate(func() ([]Event, error) {
		if len(s.layers) >= s.max {
			return s.limitReached(), s.limitErr()
		}

		px := s.newSurface()
		bounds := EmptyBounds()
		if initial != nil {
			draw.Draw(px, px.Bounds(), initial, initial.Bounds().Min, draw.Src)
			bounds = ScanBounds(px)
		}
		if name == "" {
			name = fmt.Sprintf("Layer %d", len(s.layers)+1)
		}

		l := &Layer{
			ID:         ulid.Make().String(),
			Name:       name,
			Pixels:     px,
			Visible:    true,
			Opacity:    1,
			BlendMode:  blend.Normal,
			Background: copyColor(background),
			Bounds:     bounds,
		}
		s.layers = append(s.layers, l)
		created = l.info(len(s.layers) - 1)

		evs := []Event{{Type: EventCreated, Layer: created, LayerID: l.ID, Count: len(s.layers)}}
		if s.activeID == "" {
			evs = append(evs, s.setActive(l.ID))
		}
		s.log().Debug("layer created", "layer_id", l.ID, "name", name, "count", len(s.layers))
		return evs, nil
	})
	return created, err
}

// DeleteLayer removes a layer. The last remaining layer cannot be deleted.
// When the active layer is removed, the layer that takes its index (or the
// one below it, if it was the top) becomes active.
func (s *Store) DeleteLayer(id string) error {
	return s.mutate(func() ([]Event, error) {
		i := s.indexOf(id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, id)
		}
		if len(s.layers) == 1 {
			return nil, ErrLastLayer
		}

		s.layers = append(s.layers[:i], s.layers[i+1:]...)
		evs := []Event{{Type: EventDeleted, LayerID: id, Count: len(s.layers)}}

		if s.activeID == id {
			next := i
			if next >= len(s.layers) {
				next = len(s.layers) - 1
			}
			evs = append(evs, s.setActive(s.layers[next].ID))
		}
		return evs, nil
	})
}

// UpdateLayer applies u to a layer. Opacity is clamped to [0,1].
func (s *Store) UpdateLayer(id string, u Update) error {
	if u.BlendMode != nil && !u.BlendMode.Valid() {
		return fmt.Errorf("invalid blend mode %d", int(*u.BlendMode))
	}

	return s.mutate(func() ([]Event, error) {
		i := s.indexOf(id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, id)
		}

		l := s.layers[i]
		if u.Name != nil {
			l.Name = *u.Name
		}
		if u.Visible != nil {
			l.Visible = *u.Visible
		}
		if u.Locked != nil {
			l.Locked = *u.Locked
		}
		if u.Opacity != nil {
			l.Opacity = clampOpacity(*u.Opacity)
		}
		if u.BlendMode != nil {
			l.BlendMode = *u.BlendMode
		}
		if u.Background != nil {
			l.Background = copyColor(u.Background)
		}
		if u.ClearBackground {
			l.Background = nil
		}

		return []Event{{Type: EventUpdated, Layer: l.info(i), LayerID: id, Count: len(s.layers)}}, nil
	})
}

func clampOpacity(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return blend.Clamp01(v)
}

// DuplicateLayer deep-copies a layer, inserts the copy directly above the
// source and makes it active.
func (s *Store) DuplicateLayer(id string) (Info, error) {
	var dup Info
	err := s.mutate(func() ([]Event, error) {
		i := s.indexOf(id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, id)
		}
		if len(s.layers) >= s.max {
			return s.limitReached(), s.limitErr()
		}

		c := s.layers[i].Clone()
		c.ID = ulid.Make().String()
		c.Name = s.layers[i].Name + " copy"
		c.Locked = false

		s.insert(i+1, c)
		dup = c.info(i + 1)

		return []Event{
			{Type: EventCreated, Layer: dup, LayerID: c.ID, Count: len(s.layers)},
			s.setActive(c.ID),
		}, nil
	})
	return dup, err
}

// ExtractLayer moves the pixels of layer id inside r into a new layer placed
// directly above it, and makes the new layer active.
func (s *Store) ExtractLayer(id string, r image.Rectangle, name string) (Info, error) {
	var extracted Info
	err := s.mutate(func() ([]Event, error) {
		i := s.indexOf(id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, id)
		}
		src := s.layers[i]
		if src.Locked {
			return nil, &LockedLayerError{ID: src.ID, Name: src.Name}
		}
		if len(s.layers) >= s.max {
			return s.limitReached(), s.limitErr()
		}

		r = r.Intersect(src.Pixels.Bounds())
		px := s.newSurface()
		if !r.Empty() {
			draw.Draw(px, r, src.Pixels, r.Min, draw.Src)
			draw.Draw(src.Pixels, r, image.Transparent, image.Point{}, draw.Src)
		}
		if name == "" {
			name = src.Name + " extract"
		}

		l := &Layer{
			ID:        ulid.Make().String(),
			Name:      name,
			Pixels:    px,
			Visible:   true,
			Opacity:   src.Opacity,
			BlendMode: src.BlendMode,
			Bounds:    ScanBoundsIn(px, r),
		}
		s.insert(i+1, l)
		extracted = l.info(i + 1)

		return []Event{
			{Type: EventUpdated, Layer: src.info(i), LayerID: src.ID, Dirty: r, Count: len(s.layers)},
			{Type: EventCreated, Layer: extracted, LayerID: l.ID, Count: len(s.layers)},
			s.setActive(l.ID),
		}, nil
	})
	return extracted, err
}

func (s *Store) insert(at int, l *Layer) {
	s.layers = append(s.layers, nil)
	copy(s.layers[at+1:], s.layers[at:])
	s.layers[at] = l
}

// ReorderLayer moves the layer at from to index to.
func (s *Store) ReorderLayer(from, to int) error {
	return s.mutate(func() ([]Event, error) {
		n := len(s.layers)
		if from < 0 || from >= n || to < 0 || to >= n {
			return nil, fmt.Errorf("%w: move %d -> %d with %d layers", ErrIndexOutOfRange, from, to, n)
		}
		if from == to {
			return nil, nil
		}

		l := s.layers[from]
		s.layers = append(s.layers[:from], s.layers[from+1:]...)
		s.insert(to, l)

		return []Event{{Type: EventReordered, LayerID: l.ID, From: from, To: to, Count: n}}, nil
	})
}

// SetActiveLayer makes id the active layer.
func (s *Store) SetActiveLayer(id string) error {
	return s.mutate(func() ([]Event, error) {
		if s.indexOf(id) < 0 {
			return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, id)
		}
		if s.activeID == id {
			return nil, nil
		}
		return []Event{s.setActive(id)}, nil
	})
}

// EditActive hands the active layer's pixels to fn under the write lock.
// fn returns the rectangle it wrote; an empty rectangle marks the layer's
// bounds as unknown. Locked layers are rejected with a *LockedLayerError.
func (s *Store) EditActive(fn func(px *image.NRGBA) (image.Rectangle, error)) (image.Rectangle, error) {
	var dirty image.Rectangle
	err := s.mutate(func() ([]Event, error) {
		i := s.indexOf(s.activeID)
		if i < 0 {
			return nil, fmt.Errorf("%w: no active layer", ErrLayerNotFound)
		}
		l := s.layers[i]
		if l.Locked {
			return nil, &LockedLayerError{ID: l.ID, Name: l.Name}
		}

		r, err := fn(l.Pixels)
		r = r.Intersect(l.Pixels.Bounds())
		if err != nil || r.Empty() {
			l.Bounds = UnknownBounds()
		} else {
			l.Bounds = l.Bounds.Union(r)
		}
		if err != nil {
			return nil, err
		}

		dirty = r
		if dirty.Empty() {
			dirty = l.Pixels.Bounds()
		}
		return []Event{{Type: EventUpdated, Layer: l.info(i), LayerID: l.ID, Dirty: dirty, Count: len(s.layers)}}, nil
	})
	return dirty, err
}

// Pixels returns a copy of a layer's surface.
func (s *Store) Pixels(id string) (*image.NRGBA, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.indexOf(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, id)
	}
	return clonePixels(s.layers[i].Pixels), nil
}

// SetPixels replaces a layer's surface with a copy of px. It ignores the
// lock flag; it is the restore path for history, not a tool entry point.
func (s *Store) SetPixels(id string, px *image.NRGBA) error {
	if px == nil {
		return fmt.Errorf("nil pixel buffer")
	}
	return s.mutate(func() ([]Event, error) {
		i := s.indexOf(id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, id)
		}
		if px.Bounds() != image.Rect(0, 0, s.width, s.height) {
			return nil, fmt.Errorf("pixel bounds %v do not match canvas %dx%d", px.Bounds(), s.width, s.height)
		}

		l := s.layers[i]
		l.Pixels = clonePixels(px)
		l.Bounds = ScanBounds(l.Pixels)
		return []Event{{Type: EventUpdated, Layer: l.info(i), LayerID: id, Dirty: px.Bounds(), Count: len(s.layers)}}, nil
	})
}

// RecomputeBounds rescans a layer's pixels to get exact bounds.
func (s *Store) RecomputeBounds(id string) (Bounds, error) {
	var b Bounds
	err := s.mutate(func() ([]Event, error) {
		i := s.indexOf(id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, id)
		}
		b = ScanBounds(s.layers[i].Pixels)
		s.layers[i].Bounds = b
		return nil, nil
	})
	return b, err
}
