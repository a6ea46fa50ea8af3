// Package placement resolves where a watermark's text box is drawn.
package placement

import (
	"fmt"
	"image"
	"math"

	"photomark/internal/geom"
)

// Margin is the distance in pixels kept between preset anchors and the
// image edges.
const Margin = 10

// Position enumerates the anchor modes.
type Position string

const (
	TopLeft      Position = "TopLeft"
	TopCenter    Position = "TopCenter"
	TopRight     Position = "TopRight"
	MiddleLeft   Position = "MiddleLeft"
	Center       Position = "Center"
	MiddleRight  Position = "MiddleRight"
	BottomLeft   Position = "BottomLeft"
	BottomCenter Position = "BottomCenter"
	BottomRight  Position = "BottomRight"
	Manual       Position = "Manual"
)

// Positions lists every mode in display order.
var Positions = []Position{
	TopLeft, TopCenter, TopRight,
	MiddleLeft, Center, MiddleRight,
	BottomLeft, BottomCenter, BottomRight,
	Manual,
}

// Valid reports whether p is one of the known modes.
func (p Position) Valid() bool {
	for _, known := range Positions {
		if p == known {
			return true
		}
	}
	return false
}

// ParsePosition validates a persisted position name.
func ParsePosition(s string) (Position, error) {
	p := Position(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown position %q", s)
	}
	return p, nil
}

func (p Position) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("unknown position %q", string(p))
	}
	return []byte(p), nil
}

func (p *Position) UnmarshalText(b []byte) error {
	parsed, err := ParsePosition(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Anchor is the closed set of placement inputs: a Preset or a Manual point.
type Anchor interface {
	isAnchor()
}

// Preset is one of the nine named edge, corner or centre anchors.
type Preset Position

func (Preset) isAnchor() {}

// ManualPoint centres the text box on a source-space point. A nil Center
// means no point was ever recorded.
type ManualPoint struct {
	Center *geom.Point
}

func (ManualPoint) isAnchor() {}

// AnchorFor builds the variant for a mode and an optional recorded point.
// The point is only carried by Manual.
func AnchorFor(p Position, center *geom.Point) Anchor {
	if p == Manual {
		return ManualPoint{Center: center}
	}
	return Preset(p)
}

// Resolve returns the top-left draw position of a box inside a w x h image.
// Manual anchors without a recorded point fall back to BottomRight.
func Resolve(a Anchor, w, h int, box image.Point, margin int) image.Point {
	switch a := a.(type) {
	case ManualPoint:
		if a.Center == nil {
			return resolvePreset(BottomRight, w, h, box, margin)
		}
		return image.Point{
			X: int(math.Floor(a.Center.X - float64(box.X)/2)),
			Y: int(math.Floor(a.Center.Y - float64(box.Y)/2)),
		}
	case Preset:
		return resolvePreset(Position(a), w, h, box, margin)
	default:
		return resolvePreset(BottomRight, w, h, box, margin)
	}
}

func resolvePreset(p Position, w, h int, box image.Point, m int) image.Point {
	left, centreX, right := m, floorDiv(w-box.X, 2), w-box.X-m
	top, middleY, bottom := m, floorDiv(h-box.Y, 2), h-box.Y-m

	switch p {
	case TopLeft:
		return image.Pt(left, top)
	case TopCenter:
		return image.Pt(centreX, top)
	case TopRight:
		return image.Pt(right, top)
	case MiddleLeft:
		return image.Pt(left, middleY)
	case Center:
		return image.Pt(centreX, middleY)
	case MiddleRight:
		return image.Pt(right, middleY)
	case BottomLeft:
		return image.Pt(left, bottom)
	case BottomCenter:
		return image.Pt(centreX, bottom)
	default:
		return image.Pt(right, bottom)
	}
}

// floorDiv rounds toward negative infinity so oversized text is placed
// consistently on both sides of zero.
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
