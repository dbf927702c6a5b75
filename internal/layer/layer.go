// Package layer holds the ordered layer stack and the active-layer pointer.
package layer

import (
	"image"
	"image/color"

	"github.com/MeKo-Tech/pixelstack/internal/blend"
)

// Layer is one independently editable surface in the stack.
type Layer struct {
	ID         string
	Name       string
	Pixels     *image.NRGBA
	Visible    bool
	Locked     bool
	Opacity    float64
	BlendMode  blend.Mode
	Background *color.NRGBA // solid fill painted beneath Pixels, nil for none
	Bounds     Bounds
}

// Info is a pixel-free description of a layer, safe to hand to UI code.
type Info struct {
	ID         string
	Name       string
	Index      int
	Visible    bool
	Locked     bool
	Opacity    float64
	BlendMode  blend.Mode
	Background *color.NRGBA
	Bounds     Bounds
}

func (l *Layer) info(index int) Info {
	return Info{
		ID:         l.ID,
		Name:       l.Name,
		Index:      index,
		Visible:    l.Visible,
		Locked:     l.Locked,
		Opacity:    l.Opacity,
		BlendMode:  l.BlendMode,
		Background: copyColor(l.Background),
		Bounds:     l.Bounds,
	}
}

// Clone returns a deep copy, including the pixel buffer.
func (l *Layer) Clone() *Layer {
	c := *l
	c.Pixels = clonePixels(l.Pixels)
	c.Background = copyColor(l.Background)
	return &c
}

// Update lists the properties to change; nil fields are left alone.
type Update struct {
	Name       *string
	Visible    *bool
	Locked     *bool
	Opacity    *float64 // clamped to [0,1]
	BlendMode  *blend.Mode
	Background *color.NRGBA
	// ClearBackground removes the background fill. It wins over Background.
	ClearBackground bool
}

// Set returns a pointer to v, for filling Update fields inline.
func Set[T any](v T) *T {
	return &v
}

func clonePixels(src *image.NRGBA) *image.NRGBA {
	if src == nil {
		return nil
	}
	dst := &image.NRGBA{
		Pix:    make([]uint8, len(src.Pix)),
		Stride: src.Stride,
		Rect:   src.Rect,
	}
	copy(dst.Pix, src.Pix)
	return dst
}

func copyColor(c *color.NRGBA) *color.NRGBA {
	if c == nil {
		return nil
	}
	v := *c
	return &v
}
