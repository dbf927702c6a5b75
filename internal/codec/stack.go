package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"

	"github.com/MeKo-Tech/pixelstack/internal/blend"
	"github.com/MeKo-Tech/pixelstack/internal/layer"
)

type stackMeta struct {
	ActiveID string      `json:"active_id"`
	Layers   []layerMeta `json:"layers"`
}

type layerMeta struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Visible     bool         `json:"visible"`
	Locked      bool         `json:"locked"`
	Opacity     float64      `json:"opacity"`
	BlendMode   blend.Mode   `json:"blend_mode"`
	Background  *color.NRGBA `json:"background,omitempty"`
	BoundsKnown bool         `json:"bounds_known"`
	Bounds      [4]int       `json:"bounds"`
}

// EncodeStack encodes a layer store snapshot. Each layer's pixels are
// nested as an image entry in opts.Format.
func EncodeStack(snap *layer.StoreSnapshot, opts Options) ([]byte, error) {
	if snap == nil || len(snap.Layers) == 0 {
		return nil, fmt.Errorf("cannot encode an empty layer stack")
	}

	meta := stackMeta{ActiveID: snap.ActiveID, Layers: make([]layerMeta, len(snap.Layers))}
	for i, l := range snap.Layers {
		r := l.Bounds.Rect()
		meta.Layers[i] = layerMeta{
			ID:          l.ID,
			Name:        l.Name,
			Visible:     l.Visible,
			Locked:      l.Locked,
			Opacity:     l.Opacity,
			BlendMode:   l.BlendMode,
			Background:  l.Background,
			BoundsKnown: l.Bounds.Known(),
			Bounds:      [4]int{r.Min.X, r.Min.Y, r.Max.X, r.Max.Y},
		}
	}
	js, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal stack metadata: %w", err)
	}

	var buf bytes.Buffer
	putHeader(&buf, FormatStack, snap.Width, snap.Height)
	putUint32(&buf, len(js))
	buf.Write(js)
	for _, l := range snap.Layers {
		entry, err := EncodeImage(l.Pixels, opts)
		if err != nil {
			return nil, fmt.Errorf("encode layer %s: %w", l.ID, err)
		}
		putUint32(&buf, len(entry))
		buf.Write(entry)
	}
	return buf.Bytes(), nil
}

// DecodeStack decodes a stack envelope produced by EncodeStack.
func DecodeStack(data []byte) (*layer.StoreSnapshot, error) {
	hdr, err := Peek(data)
	if err != nil {
		return nil, err
	}
	if hdr.Format != FormatStack {
		return nil, fmt.Errorf("%w: %s is not a stack entry", ErrUnknownFormat, hdr.Format)
	}

	js, rest, err := readChunk(data[headerSize:])
	if err != nil {
		return nil, err
	}
	var meta stackMeta
	if err := json.Unmarshal(js, &meta); err != nil {
		return nil, fmt.Errorf("%w: stack metadata: %w", ErrCorrupt, err)
	}
	if len(meta.Layers) == 0 {
		return nil, fmt.Errorf("%w: stack has no layers", ErrCorrupt)
	}

	canvas := image.Rect(0, 0, hdr.Width, hdr.Height)
	snap := &layer.StoreSnapshot{
		Width:    hdr.Width,
		Height:   hdr.Height,
		ActiveID: meta.ActiveID,
		Layers:   make([]*layer.Layer, len(meta.Layers)),
	}
	for i, m := range meta.Layers {
		var entry []byte
		if entry, rest, err = readChunk(rest); err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		px, err := DecodeImage(entry)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		if px.Bounds() != canvas {
			return nil, fmt.Errorf("%w: layer %d is %v, canvas is %v", ErrCorrupt, i, px.Bounds(), canvas)
		}

		snap.Layers[i] = &layer.Layer{
			ID:         m.ID,
			Name:       m.Name,
			Pixels:     px,
			Visible:    m.Visible,
			Locked:     m.Locked,
			Opacity:    blend.Clamp01(m.Opacity),
			BlendMode:  m.BlendMode,
			Background: m.Background,
			Bounds:     metaBounds(m),
		}
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(rest))
	}
	return snap, nil
}

func metaBounds(m layerMeta) layer.Bounds {
	if !m.BoundsKnown {
		return layer.UnknownBounds()
	}
	r := image.Rect(m.Bounds[0], m.Bounds[1], m.Bounds[2], m.Bounds[3])
	if r.Empty() {
		return layer.EmptyBounds()
	}
	return layer.RectBounds(r)
}
