package compose

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"testing"

	"photomark/internal/fonts"
	"photomark/internal/geom"
	"photomark/internal/placement"
	"photomark/internal/watermark"
)

func newTestEngine() *Engine {
	r := fonts.NewResolver([]string{}, 4, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return New(r, placement.Margin)
}

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func testConfig() watermark.Config {
	cfg := watermark.Defaults().Watermark
	cfg.Text = "HH"
	cfg.FontSize = 120
	cfg.Position = placement.Center
	cfg.Opacity = 100
	return cfg
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestAlphaForOpacity(t *testing.T) {
	cases := map[int]uint8{0: 0, 50: 128, 100: 255, 1: 3, 99: 252}
	for pct, want := range cases {
		if got := watermark.AlphaFor(pct); got != want {
			t.Fatalf("AlphaFor(%d) = %d, want %d", pct, got, want)
		}
	}
}

func TestTextLayerUsesOpacityAlpha(t *testing.T) {
	e := newTestEngine()
	for _, pct := range []int{0, 50, 100} {
		layer := image.NewNRGBA(image.Rect(0, 0, 400, 200))
		face := e.fonts.Face(fonts.Ref{}, 150)
		fill := watermark.RGB(10, 20, 30).NRGBA(watermark.AlphaFor(pct))
		drawText(layer, face, "H", image.Pt(20, 10), fill)
		face.Close()

		var maxA uint8
		for i := 3; i < len(layer.Pix); i += 4 {
			maxA = max(maxA, layer.Pix[i])
		}
		if maxA != watermark.AlphaFor(pct) {
			t.Fatalf("opacity %d: expected max alpha %d, got %d", pct, watermark.AlphaFor(pct), maxA)
		}
	}
}

func TestOverBlendsNonPremultiplied(t *testing.T) {
	dst := solid(1, 1, color.NRGBA{255, 255, 255, 255})
	src := solid(1, 1, color.NRGBA{0, 0, 0, 128})
	over(dst, src)
	if got := dst.NRGBAAt(0, 0); got != (color.NRGBA{127, 127, 127, 255}) {
		t.Fatalf("unexpected blend %v", got)
	}

	dst = solid(1, 1, color.NRGBA{0, 0, 0, 0})
	src = solid(1, 1, color.NRGBA{200, 100, 50, 128})
	over(dst, src)
	if got := dst.NRGBAAt(0, 0); got != (color.NRGBA{200, 100, 50, 128}) {
		t.Fatalf("over transparent should keep source colour, got %v", got)
	}
}

func TestRenderDoesNotMutateInput(t *testing.T) {
	base := solid(320, 240, color.NRGBA{240, 240, 240, 255})
	before := append([]uint8(nil), base.Pix...)
	if _, err := newTestEngine().Render(base, testConfig(), watermark.PNG); err != nil {
		t.Fatalf("render: %v", err)
	}
	if !bytes.Equal(before, base.Pix) {
		t.Fatalf("render modified the base image")
	}
}

func TestRenderIsDeterministic(t *testing.T) {
	e := newTestEngine()
	base := solid(320, 240, color.NRGBA{30, 90, 200, 255})
	cfg := testConfig()
	cfg.Opacity = 37
	a, err := e.Render(base, cfg, watermark.PNG)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	b, err := e.Render(base, cfg, watermark.PNG)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !bytes.Equal(encodePNG(t, a), encodePNG(t, b)) {
		t.Fatalf("renders differ")
	}
}

func TestRenderPlacesTextInsideResolvedBox(t *testing.T) {
	e := newTestEngine()
	cfg := testConfig()
	cfg.Color = watermark.RGB(0, 0, 0)
	cfg.Position = placement.BottomRight
	base := solid(800, 600, color.NRGBA{255, 255, 255, 255})

	out, err := e.Render(base, cfg, watermark.PNG)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	w, h := fonts.NewResolver([]string{}, 1, nil).Measure(cfg.Text, cfg.Font, cfg.FontSize)
	box := image.Rect(800-w-placement.Margin, 600-h-placement.Margin, 800-placement.Margin, 600-placement.Margin)

	changedInside := 0
	img := out.(*image.NRGBA)
	for y := 0; y < 600; y++ {
		for x := 0; x < 800; x++ {
			if img.NRGBAAt(x, y) == (color.NRGBA{255, 255, 255, 255}) {
				continue
			}
			if !image.Pt(x, y).In(box) {
				t.Fatalf("pixel (%d,%d) changed outside text box %v", x, y, box)
			}
			changedInside++
		}
	}
	if changedInside == 0 {
		t.Fatalf("expected text pixels inside %v", box)
	}
}

func TestRenderFlattensJPEGAfterCompositing(t *testing.T) {
	base := image.NewGray(image.Rect(0, 0, 200, 100))
	for i := range base.Pix {
		base.Pix[i] = 200
	}
	out, err := newTestEngine().Render(base, testConfig(), watermark.JPEG)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	rgba, ok := out.(*image.RGBA)
	if !ok {
		t.Fatalf("expected *image.RGBA for JPEG, got %T", out)
	}
	for i := 3; i < len(rgba.Pix); i += 4 {
		if rgba.Pix[i] != 0xff {
			t.Fatalf("expected opaque output")
		}
	}
}

func TestRenderRejectsUnnormalizableImages(t *testing.T) {
	e := newTestEngine()
	cases := map[string]image.Image{
		"empty palette": image.NewPaletted(image.Rect(0, 0, 4, 4), color.Palette{}),
		"zero area":     image.NewNRGBA(image.Rect(0, 0, 0, 10)),
	}
	for name, img := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.Render(img, testConfig(), watermark.PNG)
			if !errors.Is(err, watermark.ErrUnsupportedColorMode) {
				t.Fatalf("expected ErrUnsupportedColorMode, got %v", err)
			}
		})
	}
}

func TestRenderPreviewMatchesExportProportions(t *testing.T) {
	e := newTestEngine()
	cfg := testConfig()
	cfg.FontSize = 80
	anchor := geom.Pt(1200, 900)
	cfg.Position = placement.Manual
	cfg.ManualAnchor = &anchor
	base := solid(1600, 1200, color.NRGBA{255, 255, 255, 255})

	pv, err := e.RenderPreview(base, cfg, 400, 400)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if pv.Viewport.Scale != 0.25 {
		t.Fatalf("unexpected scale %v", pv.Viewport.Scale)
	}
	if pv.FontPx != 20 {
		t.Fatalf("expected 20px preview font, got %d", pv.FontPx)
	}
	sum := geom.FromImage(pv.TextRect.Min.Add(pv.TextRect.Max))
	centre := geom.Pt(sum.X/2, sum.Y/2)
	back := pv.Viewport.ToSource(centre)
	if abs(back.X-anchor.X) > 12 || abs(back.Y-anchor.Y) > 12 {
		t.Fatalf("preview text centre maps to %v, want near %v", back, anchor)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
