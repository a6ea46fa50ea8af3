// Package watermark holds the watermark and output settings shared by the
// preview, export and persistence layers.
package watermark

import (
	"encoding/json"
	"fmt"
	"image/color"
	"strings"

	"photomark/internal/fonts"
	"photomark/internal/geom"
	"photomark/internal/placement"
)

const (
	DefaultText        = "Watermark"
	DefaultFontSize    = 32
	DefaultOpacity     = 50
	DefaultModifier    = "wm_"
	DefaultJPEGQuality = 95
)

// Color is an opaque RGB fill. It is persisted as [r,g,b].
type Color struct {
	R, G, B uint8
}

// RGB builds a Color.
func RGB(r, g, b uint8) Color {
	return Color{R: r, G: g, B: b}
}

// NRGBA returns the fill with the given alpha.
func (c Color) NRGBA(alpha uint8) color.NRGBA {
	return color.NRGBA{R: c.R, G: c.G, B: c.B, A: alpha}
}

// Hex renders the colour as #rrggbb.
func (c Color) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// ParseColor accepts "#rrggbb", "rrggbb" or "r,g,b".
func ParseColor(s string) (Color, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, ",") {
		var r, g, b int
		if _, err := fmt.Sscanf(strings.ReplaceAll(s, " ", ""), "%d,%d,%d", &r, &g, &b); err != nil {
			return Color{}, fmt.Errorf("parse color %q: %w", s, err)
		}
		return ColorFromInts(r, g, b)
	}
	s = strings.TrimPrefix(s, "#")
	if len(s) != 6 {
		return Color{}, fmt.Errorf("parse color %q: want #rrggbb", s)
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(s, "%02x%02x%02x", &r, &g, &b); err != nil {
		return Color{}, fmt.Errorf("parse color %q: %w", s, err)
	}
	return Color{R: r, G: g, B: b}, nil
}

// ColorFromInts range-checks each channel.
func ColorFromInts(r, g, b int) (Color, error) {
	for _, v := range []int{r, g, b} {
		if v < 0 || v > 255 {
			return Color{}, fmt.Errorf("%w: color channel %d out of range", ErrInvalidConfig, v)
		}
	}
	return Color{R: uint8(r), G: uint8(g), B: uint8(b)}, nil
}

func (c Color) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]int{int(c.R), int(c.G), int(c.B)})
}

func (c *Color) UnmarshalJSON(b []byte) error {
	var v []int
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if len(v) != 3 {
		return fmt.Errorf("color wants 3 channels, got %d", len(v))
	}
	parsed, err := ColorFromInts(v[0], v[1], v[2])
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Config describes the text watermark. FontSize and ManualAnchor are in
// source-image pixels; ManualAnchor is the centre of the text box.
type Config struct {
	Text         string
	Font         fonts.Ref
	FontSize     int
	Color        Color
	Opacity      int
	Position     placement.Position
	ManualAnchor *geom.Point
}

// Anchor returns the placement variant for the current mode.
func (c Config) Anchor() placement.Anchor {
	return placement.AnchorFor(c.Position, c.ManualAnchor)
}

// Alpha is the fill alpha for the configured opacity.
func (c Config) Alpha() uint8 {
	return AlphaFor(c.Opacity)
}

// AlphaFor maps an opacity percentage to round(255*pct/100).
func AlphaFor(pct int) uint8 {
	pct = max(0, min(pct, 100))
	return uint8((255*pct + 50) / 100)
}

// Validate enforces the ranges the engine relies on.
func (c Config) Validate() error {
	switch {
	case c.FontSize <= 0:
		return fmt.Errorf("%w: font size must be positive, got %d", ErrInvalidConfig, c.FontSize)
	case c.Opacity < 0 || c.Opacity > 100:
		return fmt.Errorf("%w: opacity must be within 0..100, got %d", ErrInvalidConfig, c.Opacity)
	case !c.Position.Valid():
		return fmt.Errorf("%w: unknown position %q", ErrInvalidConfig, c.Position)
	}
	return nil
}

// Clone deep-copies the anchor so the result shares no state with c.
func (c Config) Clone() Config {
	if c.ManualAnchor != nil {
		p := *c.ManualAnchor
		c.ManualAnchor = &p
	}
	return c
}

// Format is an export encoding.
type Format string

const (
	JPEG Format = "JPEG"
	PNG  Format = "PNG"
)

// ParseFormat accepts jpeg, jpg or png in any case.
func ParseFormat(s string) (Format, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "JPEG", "JPG":
		return JPEG, nil
	case "PNG":
		return PNG, nil
	}
	return "", fmt.Errorf("%w: unsupported output format %q", ErrInvalidConfig, s)
}

// Ext is the file extension written for the format, without the dot.
func (f Format) Ext() string {
	return strings.ToLower(string(f))
}

// HasAlpha reports whether the encoding keeps an alpha channel.
func (f Format) HasAlpha() bool {
	return f == PNG
}

// NamingRule selects how output names derive from source names.
type NamingRule int

const (
	KeepName NamingRule = iota
	PrefixName
	SuffixName
)

func (n NamingRule) String() string {
	switch n {
	case PrefixName:
		return "prefix"
	case SuffixName:
		return "suffix"
	default:
		return "keep"
	}
}

// ParseNamingRule accepts keep, prefix, suffix or 0, 1, 2.
func ParseNamingRule(s string) (NamingRule, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "keep", "0", "":
		return KeepName, nil
	case "prefix", "1":
		return PrefixName, nil
	case "suffix", "2":
		return SuffixName, nil
	}
	return 0, fmt.Errorf("%w: unknown naming rule %q", ErrInvalidConfig, s)
}

// OutputSettings controls how exported files are named and encoded.
type OutputSettings struct {
	Format   Format
	Naming   NamingRule
	Modifier string
	Folder   string
	Quality  int
}

// FileName builds {prefix}{base}{suffix}.{ext} for a source base name
// without extension.
func (o OutputSettings) FileName(base string) string {
	switch o.Naming {
	case PrefixName:
		base = o.Modifier + base
	case SuffixName:
		base = base + o.Modifier
	}
	return base + "." + o.Format.Ext()
}

// Validate checks format, naming rule and quality.
func (o OutputSettings) Validate() error {
	if o.Format != JPEG && o.Format != PNG {
		return fmt.Errorf("%w: unsupported output format %q", ErrInvalidConfig, o.Format)
	}
	if o.Naming < KeepName || o.Naming > SuffixName {
		return fmt.Errorf("%w: unknown naming rule %d", ErrInvalidConfig, o.Naming)
	}
	if o.Quality < 0 || o.Quality > 100 {
		return fmt.Errorf("%w: jpeg quality must be within 0..100, got %d", ErrInvalidConfig, o.Quality)
	}
	return nil
}

// Settings is the full editable state: watermark plus output.
type Settings struct {
	Watermark Config
	Output    OutputSettings
}

// Defaults returns the settings of a fresh session.
func Defaults() Settings {
	return Settings{
		Watermark: Config{
			Text:     DefaultText,
			FontSize: DefaultFontSize,
			Color:    RGB(0, 0, 0),
			Opacity:  DefaultOpacity,
			Position: placement.TopLeft,
		},
		Output: OutputSettings{
			Format:   JPEG,
			Naming:   KeepName,
			Modifier: DefaultModifier,
			Quality:  DefaultJPEGQuality,
		},
	}
}

// Validate checks both halves.
func (s Settings) Validate() error {
	if err := s.Watermark.Validate(); err != nil {
		return err
	}
	return s.Output.Validate()
}

// Clone returns a deep copy suitable as an immutable snapshot.
func (s Settings) Clone() Settings {
	s.Watermark = s.Watermark.Clone()
	return s
}

// Template is a named, persisted Settings value.
type Template struct {
	Name string
	Settings
}
