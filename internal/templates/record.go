package templates

import (
	"bytes"
	"encoding/json"
	"fmt"

	"photomark/internal/fonts"
	"photomark/internal/geom"
	"photomark/internal/placement"
	"photomark/internal/watermark"
)

// record is the on-disk shape of a template.
type record struct {
	Text         string             `json:"text"`
	FontSize     int                `json:"font_size"`
	Opacity      int                `json:"opacity"`
	Color        watermark.Color    `json:"color"`
	Position     placement.Position `json:"position"`
	OutputFormat string             `json:"output_format"`
	NamingRule   int                `json:"naming_rule"`
	NameModifier string             `json:"name_modifier"`
	OutputFolder string             `json:"output_folder"`
	CustomPos    *[2]float64        `json:"custom_pos"`
	FontFamily   string             `json:"font_family,omitempty"`
	FontPath     string             `json:"font_path,omitempty"`
	JPEGQuality  int                `json:"jpeg_quality,omitempty"`
}

// Marshal encodes settings as an indented template record.
func Marshal(s watermark.Settings) ([]byte, error) {
	rec := record{
		Text:         s.Watermark.Text,
		FontSize:     s.Watermark.FontSize,
		Opacity:      s.Watermark.Opacity,
		Color:        s.Watermark.Color,
		Position:     s.Watermark.Position,
		OutputFormat: string(s.Output.Format),
		NamingRule:   int(s.Output.Naming),
		NameModifier: s.Output.Modifier,
		OutputFolder: s.Output.Folder,
		FontFamily:   s.Watermark.Font.Family,
		FontPath:     s.Watermark.Font.Path,
		JPEGQuality:  s.Output.Quality,
	}
	if p := s.Watermark.ManualAnchor; p != nil {
		rec.CustomPos = &[2]float64{p.X, p.Y}
	}
	return json.MarshalIndent(rec, "", "  ")
}

// Unmarshal decodes and validates a template record. Every failure is a
// *watermark.ParseError.
func Unmarshal(name string, data []byte) (watermark.Settings, error) {
	var rec record
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&rec); err != nil {
		return watermark.Settings{}, &watermark.ParseError{Name: name, Err: err}
	}

	format, err := watermark.ParseFormat(rec.OutputFormat)
	if err != nil {
		return watermark.Settings{}, &watermark.ParseError{Name: name, Err: err}
	}
	if rec.NamingRule < int(watermark.KeepName) || rec.NamingRule > int(watermark.SuffixName) {
		return watermark.Settings{}, &watermark.ParseError{Name: name, Err: fmt.Errorf("naming_rule %d out of range", rec.NamingRule)}
	}

	s := watermark.Settings{
		Watermark: watermark.Config{
			Text:     rec.Text,
			Font:     fonts.Ref{Family: rec.FontFamily, Path: rec.FontPath},
			FontSize: rec.FontSize,
			Color:    rec.Color,
			Opacity:  rec.Opacity,
			Position: rec.Position,
		},
		Output: watermark.OutputSettings{
			Format:   format,
			Naming:   watermark.NamingRule(rec.NamingRule),
			Modifier: rec.NameModifier,
			Folder:   rec.OutputFolder,
			Quality:  rec.JPEGQuality,
		},
	}
	if rec.CustomPos != nil {
		p := geom.Pt(rec.CustomPos[0], rec.CustomPos[1])
		s.Watermark.ManualAnchor = &p
	}
	if err := s.Validate(); err != nil {
		return watermark.Settings{}, &watermark.ParseError{Name: name, Err: err}
	}
	return s, nil
}
