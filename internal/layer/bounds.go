package layer

import (
	"fmt"
	"image"
)

// Bounds tracks the smallest rectangle holding non-transparent pixels.
//
// The zero value is "unknown", which consumers must treat as possibly
// non-empty. A known bounds is either empty or a rectangle, and is always
// allowed to be larger than the true content.
type Bounds struct {
	known bool
	rect  image.Rectangle
}

// UnknownBounds returns bounds that must be assumed non-empty.
func UnknownBounds() Bounds { return Bounds{} }

// EmptyBounds returns bounds of a fully transparent surface.
func EmptyBounds() Bounds { return Bounds{known: true} }

// RectBounds returns known bounds covering r. An empty r yields EmptyBounds.
func RectBounds(r image.Rectangle) Bounds {
	r = r.Canon()
	if r.Empty() {
		return EmptyBounds()
	}
	return Bounds{known: true, rect: r}
}

// Known reports whether the bounds have been tracked.
func (b Bounds) Known() bool { return b.known }

// Empty reports whether the bounds are known to contain nothing.
func (b Bounds) Empty() bool { return b.known && b.rect.Empty() }

// Rect returns the tracked rectangle. It is meaningless when !Known().
func (b Bounds) Rect() image.Rectangle { return b.rect }

// Union grows known bounds to cover r. Unknown bounds stay unknown.
func (b Bounds) Union(r image.Rectangle) Bounds {
	if !b.known {
		return b
	}
	if b.rect.Empty() {
		return RectBounds(r)
	}
	if r.Empty() {
		return b
	}
	return Bounds{known: true, rect: b.rect.Union(r)}
}

// Intersects reports whether content may be visible inside view.
func (b Bounds) Intersects(view image.Rectangle) bool {
	if !b.known {
		return true
	}
	return b.rect.Overlaps(view)
}

func (b Bounds) String() string {
	switch {
	case !b.known:
		return "unknown"
	case b.rect.Empty():
		return "empty"
	default:
		return fmt.Sprint(b.rect)
	}
}

// ScanBounds computes exact bounds by scanning alpha.
func ScanBounds(img *image.NRGBA) Bounds {
	return ScanBoundsIn(img, img.Bounds())
}

// ScanBoundsIn computes exact bounds of the content inside r.
func ScanBoundsIn(img *image.NRGBA, r image.Rectangle) Bounds {
	r = r.Intersect(img.Bounds())
	minX, minY := r.Max.X, r.Max.Y
	maxX, maxY := r.Min.X-1, r.Min.Y-1

	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := img.Pix[img.PixOffset(r.Min.X, y):]
		for x := r.Min.X; x < r.Max.X; x++ {
			if row[(x-r.Min.X)*4+3] == 0 {
				continue
			}
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			maxY = y
		}
	}

	if maxX < minX {
		return EmptyBounds()
	}
	return RectBounds(image.Rect(minX, minY, maxX+1, maxY+1))
}
