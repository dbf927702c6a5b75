// Package preview builds small renditions of frames for history events and
// the preview server.
package preview

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"

	"github.com/disintegration/gift"
)

// Thumbnail scales img to fit within maxSide×maxSide, keeping the aspect
// ratio. Nearest-neighbour resampling keeps pixel art crisp. Images already
// small enough are copied unchanged.
func Thumbnail(img image.Image, maxSide int) (*image.NRGBA, error) {
	if img == nil {
		return nil, fmt.Errorf("nil image")
	}
	if maxSide <= 0 {
		return nil, fmt.Errorf("thumbnail size must be positive, got %d", maxSide)
	}

	b := img.Bounds()
	var g *gift.GIFT
	if b.Dx() <= maxSide && b.Dy() <= maxSide {
		g = gift.New()
	} else {
		g = gift.New(gift.ResizeToFit(maxSide, maxSide, gift.NearestNeighborResampling))
	}

	dst := image.NewNRGBA(g.Bounds(b))
	g.Draw(dst, img)
	return dst, nil
}

// Checkerboard returns the usual transparency backdrop with cells of size
// cell in the two given colours.
func Checkerboard(r image.Rectangle, cell int, a, b color.NRGBA) *image.NRGBA {
	if cell <= 0 {
		cell = 8
	}
	img := image.NewNRGBA(r)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			c := a
			if ((x-r.Min.X)/cell+(y-r.Min.Y)/cell)%2 == 1 {
				c = b
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

// Flatten draws img over a checkerboard so transparent areas stay visible
// in viewers that ignore alpha.
func Flatten(img image.Image, cell int) *image.NRGBA {
	b := img.Bounds()
	dst := Checkerboard(b, cell, color.NRGBA{R: 204, G: 204, B: 204, A: 255}, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	gift.New().DrawAt(dst, img, b.Min, gift.OverOperator)
	return dst
}

// WritePNG encodes img as PNG.
func WritePNG(w io.Writer, img image.Image) error {
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(w, img); err != nil {
		return fmt.Errorf("failed to encode png: %w", err)
	}
	return nil
}
