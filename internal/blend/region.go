package blend

import (
	"image"
	"image/color"
)

// Region blends src onto dst inside r, in place. Both images must share a
// coordinate space; r is clipped to both bounds. Fully transparent source
// pixels leave dst untouched.
//
// Region only reads src and only writes the rows of dst covered by r, so
// callers may run it concurrently on disjoint row bands.
func Region(dst, src *image.NRGBA, r image.Rectangle, mode Mode, opacity float64) {
	r = r.Intersect(dst.Bounds()).Intersect(src.Bounds())
	if r.Empty() {
		return
	}
	opacity = Clamp01(opacity)
	if opacity == 0 {
		return
	}

	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			s := src.NRGBAAt(x, y)
			if s.A == 0 {
				continue
			}
			d := dst.NRGBAAt(x, y)
			out := Blend(FromNRGBA(d), FromNRGBA(s), mode, opacity)
			dst.SetNRGBA(x, y, out.NRGBA())
		}
	}
}

// Fill paints a solid colour over r with normal blending.
func Fill(dst *image.NRGBA, r image.Rectangle, c color.NRGBA) {
	r = r.Intersect(dst.Bounds())
	if r.Empty() || c.A == 0 {
		return
	}
	if c.A == 255 {
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				dst.SetNRGBA(x, y, c)
			}
		}
		return
	}
	over := FromNRGBA(c)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			d := FromNRGBA(dst.NRGBAAt(x, y))
			dst.SetNRGBA(x, y, Blend(d, over, Normal, 1).NRGBA())
		}
	}
}

// Bands splits r into at most n horizontal bands of near-equal height.
func Bands(r image.Rectangle, n int) []image.Rectangle {
	h := r.Dy()
	if r.Empty() {
		return nil
	}
	if n < 1 {
		n = 1
	}
	if n > h {
		n = h
	}

	bands := make([]image.Rectangle, 0, n)
	step := h / n
	extra := h % n
	y := r.Min.Y
	for i := 0; i < n; i++ {
		rows := step
		if i < extra {
			rows++
		}
		bands = append(bands, image.Rect(r.Min.X, y, r.Max.X, y+rows))
		y += rows
	}
	return bands
}
