// Package imageio opens source images and writes exported ones.
package imageio

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"photomark/internal/watermark"
)

// Asset describes a source image as the engine sees it.
type Asset struct {
	Path   string `json:"path"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Mode   string `json:"mode"`
}

// Codec opens and saves images.
type Codec interface {
	Open(path string) (image.Image, Asset, error)
	Save(img image.Image, path string, format watermark.Format, quality int) error
}

// FileCodec reads and writes the local filesystem.
type FileCodec struct{}

// Open decodes path. Unreadable or undecodable files wrap ErrMissingAsset.
func (FileCodec) Open(path string) (image.Image, Asset, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, Asset{Path: path}, fmt.Errorf("%w: %s: %v", watermark.ErrMissingAsset, path, err)
	}
	return img, Describe(path, img), nil
}

// Save encodes img to path. A partially written file is removed on failure.
func (FileCodec) Save(img image.Image, path string, format watermark.Format, quality int) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", watermark.ErrEncode, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %v", watermark.ErrEncode, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("%w: %v", watermark.ErrEncode, cerr)
		}
		if err != nil {
			os.Remove(path)
		}
	}()

	var ifmt imaging.Format
	var opts []imaging.EncodeOption
	switch format {
	case watermark.JPEG:
		ifmt = imaging.JPEG
		if quality <= 0 {
			quality = watermark.DefaultJPEGQuality
		}
		opts = append(opts, imaging.JPEGQuality(quality))
	case watermark.PNG:
		ifmt = imaging.PNG
		opts = append(opts, imaging.PNGCompressionLevel(png.DefaultCompression))
	default:
		return fmt.Errorf("%w: unsupported target encoding %q", watermark.ErrEncode, format)
	}
	if err := imaging.Encode(f, img, ifmt, opts...); err != nil {
		return fmt.Errorf("%w: %v", watermark.ErrEncode, err)
	}
	return nil
}

// Describe builds the Asset for an already decoded image.
func Describe(path string, img image.Image) Asset {
	b := img.Bounds()
	return Asset{Path: path, Width: b.Dx(), Height: b.Dy(), Mode: ModeName(img.ColorModel())}
}

// ModeName names a colour model the way the export log reports it.
func ModeName(m color.Model) string {
	switch m {
	case color.RGBAModel:
		return "RGBA"
	case color.RGBA64Model:
		return "RGBA64"
	case color.NRGBAModel:
		return "NRGBA"
	case color.NRGBA64Model:
		return "NRGBA64"
	case color.GrayModel:
		return "Gray"
	case color.Gray16Model:
		return "Gray16"
	case color.AlphaModel:
		return "Alpha"
	case color.Alpha16Model:
		return "Alpha16"
	case color.YCbCrModel:
		return "YCbCr"
	case color.NYCbCrAModel:
		return "NYCbCrA"
	case color.CMYKModel:
		return "CMYK"
	}
	if _, ok := m.(color.Palette); ok {
		return "Paletted"
	}
	return "unknown"
}

// Exists reports whether path names a regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}
