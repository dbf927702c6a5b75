package history

import (
	"context"
	"fmt"
	"image"

	"github.com/MeKo-Tech/pixelstack/internal/layer"
)

// Mode selects what an entry holds.
type Mode int

const (
	// ModeLayers records the whole layer stack.
	ModeLayers Mode = iota
	// ModeFlat records the pixels of a single surface.
	ModeFlat
)

func (m Mode) String() string {
	if m == ModeFlat {
		return "flat"
	}
	return "layers"
}

// Snapshot is one captured editor state. Stack is set in ModeLayers,
// Pixels in ModeFlat. Snapshots held by the timeline are never mutated.
type Snapshot struct {
	Stack    *layer.StoreSnapshot
	Pixels   *image.NRGBA
	ActiveID string
}

// Bytes approximates the memory held by the snapshot.
func (s *Snapshot) Bytes() int {
	switch {
	case s == nil:
		return 0
	case s.Stack != nil:
		return s.Stack.Bytes()
	case s.Pixels != nil:
		return len(s.Pixels.Pix)
	}
	return 0
}

// Source captures and applies editor state.
type Source interface {
	Capture() (*Snapshot, error)
	Apply(*Snapshot) error
}

// Renderer recomposites after a restore. Restores resolve only once the
// render has finished.
type Renderer interface {
	RecompositeNow(ctx context.Context) error
}

// framer is implemented by renderers that can hand out the last frame.
type framer interface {
	Frame() *image.NRGBA
}

// StackSource records the whole layer store.
type StackSource struct {
	Store *layer.Store
}

func (s StackSource) Capture() (*Snapshot, error) {
	snap, err := s.Store.Snapshot()
	if err != nil {
		return nil, err
	}
	return &Snapshot{Stack: snap, ActiveID: snap.ActiveID}, nil
}

func (s StackSource) Apply(snap *Snapshot) error {
	if snap == nil || snap.Stack == nil {
		return fmt.Errorf("snapshot has no layer stack")
	}
	return s.Store.Restore(snap.Stack)
}

// FlatSource records only the active layer's pixels.
type FlatSource struct {
	Store *layer.Store
}

func (s FlatSource) Capture() (*Snapshot, error) {
	active, err := s.Store.Active()
	if err != nil {
		return nil, err
	}
	px, err := s.Store.Pixels(active.ID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Pixels: px, ActiveID: active.ID}, nil
}

// Apply writes the pixels back to the layer they were taken from, or to the
// active layer if that one no longer exists.
func (s FlatSource) Apply(snap *Snapshot) error {
	if snap == nil || snap.Pixels == nil {
		return fmt.Errorf("snapshot has no pixels")
	}
	id := snap.ActiveID
	if _, err := s.Store.Get(id); err != nil {
		id = s.Store.ActiveID()
	}
	return s.Store.SetPixels(id, snap.Pixels)
}
