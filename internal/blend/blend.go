package blend

import (
	"image/color"
	"math"
)

// Pixel is a straight-alpha colour with channels normalized to [0,1].
type Pixel struct {
	R, G, B, A float64
}

// FromNRGBA converts an 8-bit straight-alpha colour into a Pixel.
func FromNRGBA(c color.NRGBA) Pixel {
	return Pixel{
		R: float64(c.R) / 255.0,
		G: float64(c.G) / 255.0,
		B: float64(c.B) / 255.0,
		A: float64(c.A) / 255.0,
	}
}

// NRGBA converts p back to 8-bit channels. Values are clamped and rounded.
func (p Pixel) NRGBA() color.NRGBA {
	return color.NRGBA{
		R: toByte(p.R),
		G: toByte(p.G),
		B: toByte(p.B),
		A: toByte(p.A),
	}
}

func toByte(v float64) uint8 {
	return uint8(math.Round(Clamp01(v) * 255.0))
}

// Clamp01 clamps v to [0,1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v >= 0 {
		return v
	}
	return 0
}

// Blend combines overlay onto base using mode, scaling the overlay's
// alpha by opacity.
//
// The mode function B(base, overlay) is first mixed with the overlay colour
// by the base alpha, so a transparent base takes the overlay colour. The
// result is then composited with straight alpha-over:
//
//	oa      = overlay.A * opacity
//	resultC = base.C*(1-oa) + B.C*oa
//	resultA = base.A + oa*(1-base.A)
func Blend(base, overlay Pixel, mode Mode, opacity float64) Pixel {
	oa := Clamp01(overlay.A) * Clamp01(opacity)
	if oa == 0 {
		return base
	}
	ba := Clamp01(base.A)

	br, bg, bb := mix(base, overlay, mode)
	if ba < 1 {
		br = (1-ba)*overlay.R + ba*br
		bg = (1-ba)*overlay.G + ba*bg
		bb = (1-ba)*overlay.B + ba*bb
	}

	over := func(b, m float64) float64 {
		return b*(1-oa) + m*oa
	}

	return Pixel{
		R: Clamp01(over(base.R, br)),
		G: Clamp01(over(base.G, bg)),
		B: Clamp01(over(base.B, bb)),
		A: ba + oa*(1-ba),
	}
}

// mix returns B(base, overlay) for the colour channels only.
func mix(base, overlay Pixel, mode Mode) (r, g, b float64) {
	if mode.Native() {
		return Channel(mode, base.R, overlay.R),
			Channel(mode, base.G, overlay.G),
			Channel(mode, base.B, overlay.B)
	}
	return nonSeparable(mode, base, overlay)
}

// Channel applies a separable mode to one channel. b is the base value,
// s the overlay value. Non-separable modes fall back to Normal.
func Channel(mode Mode, b, s float64) float64 {
	switch mode {
	case Multiply:
		return b * s
	case Screen:
		return 1 - (1-b)*(1-s)
	case Overlay:
		return hardLight(s, b)
	case Darken:
		return math.Min(b, s)
	case Lighten:
		return math.Max(b, s)
	case ColorDodge:
		if b == 0 {
			return 0
		}
		if s >= 1 {
			return 1
		}
		return math.Min(1, b/(1-s))
	case ColorBurn:
		if b >= 1 {
			return 1
		}
		if s <= 0 {
			return 0
		}
		return 1 - math.Min(1, (1-b)/s)
	case HardLight:
		return hardLight(b, s)
	case SoftLight:
		if s < 0.5 {
			return b - (1-2*s)*b*(1-b)
		}
		return b + (2*s-1)*(math.Sqrt(b)-b)
	case Difference:
		return math.Abs(b - s)
	case Exclusion:
		return b + s - 2*b*s
	default:
		return s
	}
}

// hardLight switches on the overlay value; Overlay is the same function
// with the operands swapped.
func hardLight(b, s float64) float64 {
	if s < 0.5 {
		return 2 * b * s
	}
	return 1 - 2*(1-b)*(1-s)
}
