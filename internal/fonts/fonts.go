// Package fonts resolves font identities to faces through an ordered
// fallback chain and measures text in pixel units.
package fonts

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
)

// ErrUnavailable marks a font that could not be loaded. It is only logged;
// resolution always continues down the chain.
var ErrUnavailable = errors.New("font unavailable")

// DefaultCandidates is the platform font search order.
var DefaultCandidates = []string{
	`C:\Windows\Fonts\arial.ttf`,
	`C:\Windows\Fonts\ARIAL.TTF`,
	`C:\Windows\Fonts\msyh.ttf`,
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/truetype/freefont/FreeSans.ttf",
	"/Library/Fonts/Arial.ttf",
	"/System/Library/Fonts/SFNSText.ttf",
	"/System/Library/Fonts/Helvetica.ttc",
}

const defaultCacheSize = 16

// Ref identifies a font by explicit path or by family name. The zero value
// selects the first available candidate.
type Ref struct {
	Family string `json:"family,omitempty"`
	Path   string `json:"path,omitempty"`
}

func (r Ref) String() string {
	switch {
	case r.Path != "":
		return r.Path
	case r.Family != "":
		return r.Family
	default:
		return "default"
	}
}

// Resolver loads fonts and hands out faces. It is safe for concurrent use;
// the faces it returns are not.
type Resolver struct {
	candidates []string
	cache      *lru.Cache[string, *opentype.Font]
	log        *slog.Logger
	readFile   func(string) ([]byte, error)

	builtinOnce sync.Once
	builtin     *opentype.Font
}

// NewResolver creates a resolver over candidates, caching up to cacheSize
// parsed fonts. A nil candidates slice means DefaultCandidates.
func NewResolver(candidates []string, cacheSize int, log *slog.Logger) *Resolver {
	if candidates == nil {
		candidates = DefaultCandidates
	}
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	if log == nil {
		log = slog.Default()
	}
	cache, _ := lru.New[string, *opentype.Font](cacheSize)
	return &Resolver{
		candidates: candidates,
		cache:      cache,
		log:        log,
		readFile:   os.ReadFile,
	}
}

// Face returns a new face for ref at px pixels per em. It never fails: when
// nothing in the chain loads, the built-in fixed-size face is returned.
func (r *Resolver) Face(ref Ref, px int) font.Face {
	px = max(px, 1)
	if f := r.resolve(ref); f != nil {
		face, err := opentype.NewFace(f, &opentype.FaceOptions{
			Size:    float64(px),
			DPI:     72,
			Hinting: font.HintingNone,
		})
		if err == nil {
			return face
		}
		r.log.Debug("font face creation failed", "font", ref.String(), "px", px, "error", err)
	}
	return basicfont.Face7x13
}

// Measure returns the text box in the same pixel space as px: the advance
// width and ascent+descent, both rounded up.
func (r *Resolver) Measure(text string, ref Ref, px int) (w, h int) {
	face := r.Face(ref, px)
	defer face.Close()
	return MeasureFace(face, text)
}

// MeasureFace measures text with an existing face.
func MeasureFace(face font.Face, text string) (w, h int) {
	m := face.Metrics()
	return font.MeasureString(face, text).Ceil(), (m.Ascent + m.Descent).Ceil()
}

// DisplaySize converts a source-space font size to the preview size at
// scale, never below one pixel.
func DisplaySize(fontSizePx int, scale float64) int {
	return max(1, int(math.Round(float64(fontSizePx)*scale)))
}

func (r *Resolver) resolve(ref Ref) *opentype.Font {
	if ref.Path != "" {
		if f := r.load(ref.Path); f != nil {
			return f
		}
	}
	if ref.Family != "" {
		want := normalizeFamily(ref.Family)
		for _, c := range r.candidates {
			if normalizeFamily(strings.TrimSuffix(filepath.Base(c), filepath.Ext(c))) != want {
				continue
			}
			if f := r.load(c); f != nil {
				return f
			}
		}
	}
	for _, c := range r.candidates {
		if f := r.load(c); f != nil {
			return f
		}
	}
	return r.builtinFont()
}

// load parses and caches a font file. Failures are cached as nil so a
// missing candidate is only probed once.
func (r *Resolver) load(path string) *opentype.Font {
	if f, ok := r.cache.Get(path); ok {
		return f
	}
	f, err := r.parseFile(path)
	if err != nil {
		r.log.Debug("font candidate skipped", "path", path, "error", fmt.Errorf("%w: %v", ErrUnavailable, err))
		f = nil
	}
	r.cache.Add(path, f)
	return f
}

func (r *Resolver) parseFile(path string) (*opentype.Font, error) {
	data, err := r.readFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ttc", ".otc":
		coll, err := opentype.ParseCollection(data)
		if err != nil {
			return nil, err
		}
		return coll.Font(0)
	default:
		return opentype.Parse(data)
	}
}

func (r *Resolver) builtinFont() *opentype.Font {
	r.builtinOnce.Do(func() {
		f, err := opentype.Parse(goregular.TTF)
		if err != nil {
			r.log.Warn("built-in font unavailable, using fixed bitmap face", "error", err)
			return
		}
		r.builtin = f
	})
	return r.builtin
}

func normalizeFamily(s string) string {
	s = strings.ToLower(s)
	return strings.NewReplacer(" ", "", "-", "", "_", "").Replace(s)
}
