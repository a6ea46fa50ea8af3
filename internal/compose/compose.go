// Package compose renders watermark text onto images, both at full
// resolution for export and scaled for the interactive preview.
package compose

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"

	"photomark/internal/fonts"
	"photomark/internal/geom"
	"photomark/internal/placement"
	"photomark/internal/watermark"
)

// FaceSource hands out font faces. *fonts.Resolver satisfies it.
type FaceSource interface {
	Face(ref fonts.Ref, px int) font.Face
}

// Engine composites watermark text. It holds no per-render state and is
// safe for concurrent use.
type Engine struct {
	fonts  FaceSource
	margin int
}

// New creates an Engine. margin <= 0 selects placement.Margin.
func New(src FaceSource, margin int) *Engine {
	if margin <= 0 {
		margin = placement.Margin
	}
	return &Engine{fonts: src, margin: margin}
}

// Render returns a new image with the watermark applied. base is never
// modified. For formats without alpha the result is flattened to an opaque
// *image.RGBA after compositing; otherwise it is an *image.NRGBA.
func (e *Engine) Render(base image.Image, cfg watermark.Config, format watermark.Format) (image.Image, error) {
	working, err := normalize(base)
	if err != nil {
		return nil, err
	}
	b := working.Bounds()
	layer := image.NewNRGBA(b)

	face := e.fonts.Face(cfg.Font, cfg.FontSize)
	defer face.Close()
	w, h := fonts.MeasureFace(face, cfg.Text)
	pos := placement.Resolve(cfg.Anchor(), b.Dx(), b.Dy(), image.Pt(w, h), e.margin)

	drawText(layer, face, cfg.Text, b.Min.Add(pos), cfg.Color.NRGBA(cfg.Alpha()))
	over(working, layer)

	if !format.HasAlpha() {
		return flatten(working), nil
	}
	return working, nil
}

// Preview is a scaled render laid out on a display surface.
type Preview struct {
	Image    *image.NRGBA
	Viewport geom.Viewport
	TextRect image.Rectangle // display space
	FontPx   int
}

// RenderPreview fits base into a dstW x dstH surface and draws the text at
// the display size proportional to cfg.FontSize. Placement is resolved in
// source space and mapped, so the preview matches the export.
func (e *Engine) RenderPreview(base image.Image, cfg watermark.Config, dstW, dstH int) (Preview, error) {
	if _, err := normalize(base); err != nil {
		return Preview{}, err
	}
	sb := base.Bounds()
	vp := geom.Fit(sb.Dx(), sb.Dy(), dstW, dstH)
	if vp.Scale <= 0 {
		return Preview{}, fmt.Errorf("%w: preview surface %dx%d", watermark.ErrInvalidConfig, dstW, dstH)
	}

	surface := image.NewNRGBA(image.Rect(0, 0, dstW, dstH))
	area := vp.DisplayRect()
	scaled := imaging.Resize(base, vp.Display.X, vp.Display.Y, imaging.Linear)
	draw.Draw(surface, area, scaled, image.Point{}, draw.Src)

	srcFace := e.fonts.Face(cfg.Font, cfg.FontSize)
	sw, sh := fonts.MeasureFace(srcFace, cfg.Text)
	srcFace.Close()
	srcPos := placement.Resolve(cfg.Anchor(), sb.Dx(), sb.Dy(), image.Pt(sw, sh), e.margin)

	px := fonts.DisplaySize(cfg.FontSize, vp.Scale)
	face := e.fonts.Face(cfg.Font, px)
	defer face.Close()
	dw, dh := fonts.MeasureFace(face, cfg.Text)
	topLeft := vp.ToDisplay(geom.FromImage(srcPos)).Round()

	layer := image.NewNRGBA(surface.Bounds())
	clip := layer.SubImage(area).(*image.NRGBA)
	drawText(clip, face, cfg.Text, topLeft, cfg.Color.NRGBA(cfg.Alpha()))
	over(surface, layer)

	return Preview{
		Image:    surface,
		Viewport: vp,
		TextRect: image.Rectangle{Min: topLeft, Max: topLeft.Add(image.Pt(dw, dh))},
		FontPx:   px,
	}, nil
}

// normalize produces the 4-channel working copy.
func normalize(base image.Image) (*image.NRGBA, error) {
	if base == nil {
		return nil, fmt.Errorf("%w: nil image", watermark.ErrUnsupportedColorMode)
	}
	if base.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", watermark.ErrUnsupportedColorMode)
	}
	if p, ok := base.(*image.Paletted); ok && len(p.Palette) == 0 {
		return nil, fmt.Errorf("%w: paletted image without palette", watermark.ErrUnsupportedColorMode)
	}
	if base.ColorModel() == nil {
		return nil, fmt.Errorf("%w: no colour model", watermark.ErrUnsupportedColorMode)
	}
	return imaging.Clone(base), nil
}

// drawText rasterises text with its box's top-left at pos.
func drawText(dst *image.NRGBA, face font.Face, text string, pos image.Point, fill color.NRGBA) {
	if fill.A == 0 || text == "" {
		return
	}
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(fill),
		Face: face,
		Dot:  fixed.P(pos.X, pos.Y+face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(text)
}

// over blends src onto dst in place with non-premultiplied "over", using
// integer arithmetic so results are reproducible.
func over(dst, src *image.NRGBA) {
	r := dst.Bounds().Intersect(src.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		si := src.PixOffset(r.Min.X, y)
		di := dst.PixOffset(r.Min.X, y)
		for x := r.Min.X; x < r.Max.X; x, si, di = x+1, si+4, di+4 {
			s := src.Pix[si : si+4 : si+4]
			sa := uint32(s[3])
			if sa == 0 {
				continue
			}
			d := dst.Pix[di : di+4 : di+4]
			if sa == 255 {
				copy(d, s)
				continue
			}
			da := uint32(d[3])
			num := sa*255 + da*(255-sa)
			for c := 0; c < 3; c++ {
				v := uint32(s[c])*sa*255 + uint32(d[c])*da*(255-sa)
				d[c] = uint8((v + num/2) / num)
			}
			d[3] = uint8((num + 127) / 255)
		}
	}
}

// flatten drops alpha, keeping the composited colour values.
func flatten(src *image.NRGBA) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		si := src.PixOffset(b.Min.X, y)
		di := dst.PixOffset(b.Min.X, y)
		for x := b.Min.X; x < b.Max.X; x, si, di = x+1, si+4, di+4 {
			dst.Pix[di+0] = src.Pix[si+0]
			dst.Pix[di+1] = src.Pix[si+1]
			dst.Pix[di+2] = src.Pix[si+2]
			dst.Pix[di+3] = 0xff
		}
	}
	return dst
}
