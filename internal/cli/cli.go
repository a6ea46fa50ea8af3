package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"photomark/internal/config"
	"photomark/internal/editor"
	"photomark/internal/fonts"
	"photomark/internal/geom"
	"photomark/internal/imageio"
	"photomark/internal/pipeline"
	"photomark/internal/placement"
	"photomark/internal/server"
	"photomark/internal/storage"
	"photomark/internal/templates"
	"photomark/internal/watermark"
)

type exporter interface {
	Run(ctx context.Context, b pipeline.Batch) (pipeline.Result, error)
	Subscribe() (<-chan pipeline.Progress, func())
}

type serverFunc func(ctx context.Context, addr string, deps server.Deps) error

func defaultServe(ctx context.Context, addr string, deps server.Deps) error {
	return server.New(addr, deps).Start(ctx)
}

// Root wires CLI commands to the editor session and the exporter.
type Root struct {
	cfg       *config.Config
	log       *slog.Logger
	session   *editor.Session
	templates templates.Store
	pipeline  exporter
	codec     imageio.Codec
	history   *storage.Store
	serveFn   serverFunc
}

// NewRoot constructs the CLI root.
func NewRoot(cfg *config.Config, logger *slog.Logger, session *editor.Session, store templates.Store, pipe exporter, history *storage.Store) *Root {
	return &Root{
		cfg:       cfg,
		log:       logger,
		session:   session,
		templates: store,
		pipeline:  pipe,
		codec:     imageio.FileCodec{},
		history:   history,
		serveFn:   defaultServe,
	}
}

// watermarkFlags are the editing flags shared by export and set.
type watermarkFlags struct {
	text     string
	fontSize int
	opacity  int
	color    string
	position string
	anchor   string
	family   string
	fontPath string

	format   string
	naming   string
	modifier string
	output   string
	quality  int
}

func (f *watermarkFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.text, "text", "", "Watermark text")
	fl.IntVar(&f.fontSize, "font-size", 0, "Font size in source pixels")
	fl.IntVar(&f.opacity, "opacity", 0, "Opacity percentage (0-100)")
	fl.StringVar(&f.color, "color", "", "Text color as #rrggbb or r,g,b")
	fl.StringVar(&f.position, "position", "", "Anchor: TopLeft, TopCenter, TopRight, MiddleLeft, Center, MiddleRight, BottomLeft, BottomCenter, BottomRight, Manual")
	fl.StringVar(&f.anchor, "anchor", "", "Manual text centre in source pixels as x,y")
	fl.StringVar(&f.family, "font", "", "Font family name")
	fl.StringVar(&f.fontPath, "font-path", "", "Font file path")

	fl.StringVar(&f.format, "format", "", "Output format (jpeg, png)")
	fl.StringVar(&f.naming, "naming", "", "Naming rule (keep, prefix, suffix)")
	fl.StringVar(&f.modifier, "modifier", "", "Prefix or suffix text")
	fl.StringVarP(&f.output, "output", "o", "", "Output folder")
	fl.IntVar(&f.quality, "quality", 0, "JPEG quality (1-100)")
}

// apply copies the flags the user actually set onto s.
func (f *watermarkFlags) apply(cmd *cobra.Command, s *watermark.Settings) error {
	changed := cmd.Flags().Changed
	if changed("text") {
		s.Watermark.Text = f.text
	}
	if changed("font-size") {
		s.Watermark.FontSize = f.fontSize
	}
	if changed("opacity") {
		s.Watermark.Opacity = f.opacity
	}
	if changed("color") {
		c, err := watermark.ParseColor(f.color)
		if err != nil {
			return err
		}
		s.Watermark.Color = c
	}
	if changed("font") || changed("font-path") {
		s.Watermark.Font = fonts.Ref{Family: f.family, Path: f.fontPath}
	}
	if changed("position") {
		p, err := placement.ParsePosition(f.position)
		if err != nil {
			return fmt.Errorf("%w: %v", watermark.ErrInvalidConfig, err)
		}
		s.Watermark.Position = p
	}
	if changed("anchor") {
		p, err := parsePoint(f.anchor)
		if err != nil {
			return err
		}
		s.Watermark.Position = placement.Manual
		s.Watermark.ManualAnchor = &p
	}
	if changed("format") {
		format, err := watermark.ParseFormat(f.format)
		if err != nil {
			return err
		}
		s.Output.Format = format
	}
	if changed("naming") {
		n, err := watermark.ParseNamingRule(f.naming)
		if err != nil {
			return err
		}
		s.Output.Naming = n
	}
	if changed("modifier") {
		s.Output.Modifier = f.modifier
	}
	if changed("output") {
		s.Output.Folder = f.output
	}
	if changed("quality") {
		s.Output.Quality = f.quality
	}
	return nil
}

// parsePoint reads "x,y".
func parsePoint(s string) (geom.Point, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return geom.Point{}, fmt.Errorf("%w: point %q must be x,y", watermark.ErrInvalidConfig, s)
	}
	x, errX := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	y, errY := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if errX != nil || errY != nil {
		return geom.Point{}, fmt.Errorf("%w: point %q must be numeric", watermark.ErrInvalidConfig, s)
	}
	return geom.Pt(x, y), nil
}

// previewSize falls back to the configured surface.
func (r *Root) previewSize(w, h int) (int, int) {
	if w <= 0 {
		w = r.cfg.Preview.Width
	}
	if h <= 0 {
		h = r.cfg.Preview.Height
	}
	return w, h
}
