package watermark

import (
	"errors"
	"fmt"

	"photomark/internal/fonts"
)

var (
	ErrConfigParse          = errors.New("malformed watermark record")
	ErrTemplateNotFound     = errors.New("template not found")
	ErrInvalidName          = errors.New("invalid template name")
	ErrInvalidConfig        = errors.New("invalid watermark configuration")
	ErrMissingAsset         = errors.New("source image unreadable")
	ErrUnsupportedColorMode = errors.New("unsupported color mode")
	ErrFontUnavailable      = fonts.ErrUnavailable
	ErrOutputConflict       = errors.New("output folder collides with a source folder")
	ErrEncode               = errors.New("encode failed")
)

// ParseError reports a persisted record that could not be decoded.
type ParseError struct {
	Name string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse template %q: %v", e.Name, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrConfigParse }

// ConflictError rejects a batch whose destination is the folder of one of
// its own assets.
type ConflictError struct {
	Folder string
	Asset  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("output folder %s is the source folder of %s", e.Folder, e.Asset)
}

func (e *ConflictError) Is(target error) bool { return target == ErrOutputConflict }
