// Package geom converts points between source-image pixel space and the
// scaled display space of a preview surface.
package geom

import (
	"image"
	"math"
)

// Point is a position in either source or display space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Pt is shorthand for Point{x, y}.
func Pt(x, y float64) Point {
	return Point{X: x, Y: y}
}

// Add returns p+q.
func (p Point) Add(q Point) Point {
	return Point{X: p.X + q.X, Y: p.Y + q.Y}
}

// Sub returns p-q.
func (p Point) Sub(q Point) Point {
	return Point{X: p.X - q.X, Y: p.Y - q.Y}
}

// Round returns the nearest integer pixel.
func (p Point) Round() image.Point {
	return image.Point{X: int(math.Round(p.X)), Y: int(math.Round(p.Y))}
}

// FromImage converts an integer pixel position.
func FromImage(p image.Point) Point {
	return Point{X: float64(p.X), Y: float64(p.Y)}
}

// ComputeScale returns the largest uniform scale at which a srcW x srcH image
// fits inside dstW x dstH (fit-inside, aspect preserved). Degenerate sizes
// yield 0.
func ComputeScale(srcW, srcH, dstW, dstH int) float64 {
	if srcW <= 0 || srcH <= 0 || dstW <= 0 || dstH <= 0 {
		return 0
	}
	return math.Min(float64(dstW)/float64(srcW), float64(dstH)/float64(srcH))
}

// ToDisplay maps a source-space point into display space.
func ToDisplay(p Point, scale float64, origin Point) Point {
	return Point{X: p.X*scale + origin.X, Y: p.Y*scale + origin.Y}
}

// ToSource is the inverse of ToDisplay. The result is clamped to
// [0,srcW] x [0,srcH].
func ToSource(p Point, scale float64, origin Point, srcW, srcH int) Point {
	if scale <= 0 {
		return Point{}
	}
	x := (p.X - origin.X) / scale
	y := (p.Y - origin.Y) / scale
	return Point{X: clamp(x, 0, float64(srcW)), Y: clamp(y, 0, float64(srcH))}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}

// Viewport describes how a source image is laid out on a display surface.
type Viewport struct {
	Scale   float64     `json:"scale"`
	Origin  Point       `json:"origin"`
	Display image.Point `json:"display"` // scaled image size
	Surface image.Point `json:"surface"`
	Source  image.Point `json:"source"`
}

// Fit centres a srcW x srcH image inside a dstW x dstH surface.
func Fit(srcW, srcH, dstW, dstH int) Viewport {
	s := ComputeScale(srcW, srcH, dstW, dstH)
	dw := int(math.Round(float64(srcW) * s))
	dh := int(math.Round(float64(srcH) * s))
	if s > 0 {
		dw = max(dw, 1)
		dh = max(dh, 1)
	}
	return Viewport{
		Scale:   s,
		Origin:  Point{X: float64((dstW - dw) / 2), Y: float64((dstH - dh) / 2)},
		Display: image.Point{X: dw, Y: dh},
		Surface: image.Point{X: dstW, Y: dstH},
		Source:  image.Point{X: srcW, Y: srcH},
	}
}

// ToDisplay maps a source-space point onto the surface.
func (v Viewport) ToDisplay(p Point) Point {
	return ToDisplay(p, v.Scale, v.Origin)
}

// ToSource maps a surface point back into clamped source space.
func (v Viewport) ToSource(p Point) Point {
	return ToSource(p, v.Scale, v.Origin, v.Source.X, v.Source.Y)
}

// DisplayRect is the area the scaled image occupies on the surface.
func (v Viewport) DisplayRect() image.Rectangle {
	o := v.Origin.Round()
	return image.Rectangle{Min: o, Max: o.Add(v.Display)}
}
