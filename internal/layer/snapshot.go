package layer

import (
	"fmt"
	"image"
)

// StoreSnapshot is an immutable deep copy of the whole stack.
type StoreSnapshot struct {
	Width    int
	Height   int
	Layers   []*Layer
	ActiveID string
}

// Bytes returns the approximate memory held by the snapshot's pixels.
func (s *StoreSnapshot) Bytes() int {
	n := 0
	for _, l := range s.Layers {
		if l.Pixels != nil {
			n += len(l.Pixels.Pix)
		}
	}
	return n
}

// Snapshot deep-copies the store.
func (s *Store) Snapshot() (*StoreSnapshot, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &StoreSnapshot{
		Width:    s.width,
		Height:   s.height,
		Layers:   make([]*Layer, len(s.layers)),
		ActiveID: s.activeID,
	}
	for i, l := range s.layers {
		snap.Layers[i] = l.Clone()
	}
	return snap, nil
}

// Restore replaces every layer and the active id with a copy of snap.
// The snapshot is validated first; on error the store is left untouched.
func (s *Store) Restore(snap *StoreSnapshot) error {
	if snap == nil {
		return fmt.Errorf("nil snapshot")
	}

	return s.mutate(func() ([]Event, error) {
		if snap.Width != s.width || snap.Height != s.height {
			return nil, fmt.Errorf("snapshot size %dx%d does not match canvas %dx%d",
				snap.Width, snap.Height, s.width, s.height)
		}
		if len(snap.Layers) == 0 {
			return nil, fmt.Errorf("snapshot has no layers")
		}
		if len(snap.Layers) > s.max {
			return nil, fmt.Errorf("%w: snapshot holds %d layers", ErrLayerLimitExceeded, len(snap.Layers))
		}

		canvas := image.Rect(0, 0, s.width, s.height)
		layers := make([]*Layer, len(snap.Layers))
		active := ""
		for i, l := range snap.Layers {
			if l.Pixels == nil || l.Pixels.Bounds() != canvas {
				return nil, fmt.Errorf("snapshot layer %q has invalid pixel bounds", l.ID)
			}
			layers[i] = l.Clone()
			if l.ID == snap.ActiveID {
				active = l.ID
			}
		}
		if active == "" {
			active = layers[len(layers)-1].ID
		}

		prev := s.activeID
		s.layers = layers
		s.activeID = active

		evs := []Event{{Type: EventRestored, Count: len(layers)}}
		if prev != active {
			evs = append(evs, Event{Type: EventActiveChanged, LayerID: active, ActiveID: active, PreviousActiveID: prev, Count: len(layers)})
		}
		return evs, nil
	})
}
