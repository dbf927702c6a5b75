package blend

import "math"

// hsl holds hue in [0,1) and saturation/lightness in [0,1].
type hsl struct {
	h, s, l float64
}

func nonSeparable(mode Mode, base, overlay Pixel) (r, g, b float64) {
	bh := rgbToHSL(base.R, base.G, base.B)
	oh := rgbToHSL(overlay.R, overlay.G, overlay.B)

	var out hsl
	switch mode {
	case Hue:
		out = hsl{h: oh.h, s: bh.s, l: bh.l}
	case Saturation:
		out = hsl{h: bh.h, s: oh.s, l: bh.l}
	case Color:
		out = hsl{h: oh.h, s: oh.s, l: bh.l}
	case Luminosity:
		out = hsl{h: bh.h, s: bh.s, l: oh.l}
	default:
		return overlay.R, overlay.G, overlay.B
	}
	return hslToRGB(out)
}

func rgbToHSL(r, g, b float64) hsl {
	maxv := math.Max(r, math.Max(g, b))
	minv := math.Min(r, math.Min(g, b))
	l := (maxv + minv) / 2

	delta := maxv - minv
	if delta == 0 {
		return hsl{l: l}
	}

	var s float64
	if l > 0.5 {
		s = delta / (2 - maxv - minv)
	} else {
		s = delta / (maxv + minv)
	}

	var h float64
	switch maxv {
	case r:
		h = (g - b) / delta
		if g < b {
			h += 6
		}
	case g:
		h = (b-r)/delta + 2
	default:
		h = (r-g)/delta + 4
	}

	return hsl{h: h / 6, s: s, l: l}
}

func hslToRGB(c hsl) (r, g, b float64) {
	if c.s == 0 {
		return c.l, c.l, c.l
	}

	var q float64
	if c.l < 0.5 {
		q = c.l * (1 + c.s)
	} else {
		q = c.l + c.s - c.l*c.s
	}
	p := 2*c.l - q

	return hueToRGB(p, q, c.h+1.0/3), hueToRGB(p, q, c.h), hueToRGB(p, q, c.h-1.0/3)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6:
		return p + (q-p)*6*t
	case t < 0.5:
		return q
	case t < 2.0/3:
		return p + (q-p)*(2.0/3-t)*6
	default:
		return p
	}
}
