// Package texture generates procedural paper surfaces used as the pixels
// of a background layer.
package texture

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/aquilax/go-perlin"
	"github.com/disintegration/gift"
)

// PaperParams defines a paper surface.
type PaperParams struct {
	Width  int
	Height int
	Base   color.NRGBA
	// Grain is the strength of the noise, 0..1.
	Grain float64
	// Scale is the noise feature size in pixels (default 24).
	Scale float64
	// Soften blurs the grain with this Gaussian sigma; 0 keeps hard pixels.
	Soften float32
	Seed   int64
}

// DefaultPaperParams returns a warm off-white paper for a w×h canvas.
func DefaultPaperParams(w, h int) PaperParams {
	return PaperParams{
		Width:  w,
		Height: h,
		Base:   color.NRGBA{R: 244, G: 240, B: 232, A: 255},
		Grain:  0.35,
		Scale:  24,
		Seed:   1,
	}
}

// Paper renders an opaque paper surface.
func Paper(p PaperParams) (*image.NRGBA, error) {
	if p.Width <= 0 || p.Height <= 0 {
		return nil, fmt.Errorf("paper size must be positive, got %dx%d", p.Width, p.Height)
	}
	if p.Scale <= 0 {
		p.Scale = 24
	}
	p.Grain = math.Max(0, math.Min(1, p.Grain))

	grain := Noise(p.Width, p.Height, p.Scale, p.Seed)
	if p.Soften > 0 {
		grain = blur(grain, p.Soften)
	}

	out := image.NewNRGBA(image.Rect(0, 0, p.Width, p.Height))
	// the fine octave adds tooth on top of the broad grain
	fine := perlin.NewPerlin(1.5, 3.0, 2, p.Seed+4242)
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			g := (float64(grain.GrayAt(x, y).Y) - 128) / 128
			f := fine.Noise2D(float64(x)/3, float64(y)/3)
			d := p.Grain * (18*g + 6*f)
			out.SetNRGBA(x, y, color.NRGBA{
				R: shade(p.Base.R, d),
				G: shade(p.Base.G, d),
				B: shade(p.Base.B, d*0.8),
				A: 255,
			})
		}
	}
	return out, nil
}

// Noise generates a grayscale Perlin noise field. Smaller scale gives
// finer detail.
func Noise(width, height int, scale float64, seed int64) *image.Gray {
	p := perlin.NewPerlin(2.0, 2.0, 3, seed)
	noise := image.NewGray(image.Rect(0, 0, width, height))

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			val := p.Noise2D(float64(x)/scale, float64(y)/scale)
			normalized := (val + 1.0) / 2.0
			noise.SetGray(x, y, color.Gray{Y: uint8(math.Max(0, math.Min(255, normalized*255)))})
		}
	}
	return noise
}

func blur(img *image.Gray, sigma float32) *image.Gray {
	g := gift.New(gift.GaussianBlur(sigma))
	dst := image.NewGray(g.Bounds(img.Bounds()))
	g.Draw(dst, img)
	return dst
}

func shade(v uint8, d float64) uint8 {
	return uint8(math.Max(0, math.Min(255, math.Round(float64(v)+d))))
}
