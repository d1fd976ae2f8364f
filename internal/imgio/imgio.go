// Package imgio reads source images for the prediction pipeline.
//
// Image bytes and dimensions are split from full decoding so cache hits can
// be served without touching OpenCV: the raw bytes feed the cache key and a
// header-only decode yields the dimensions.
package imgio

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"gocv.io/x/gocv"

	_ "golang.org/x/image/tiff"
)

// Image is a source image loaded for prediction. Mat is only populated by
// Decode; callers that never need pixel data can work from Bytes alone.
type Image struct {
	Path   string
	Bytes  []byte
	Width  int
	Height int
	Mat    gocv.Mat
	opened bool
}

// Read loads the raw bytes and dimensions of an image without decoding pixel
// data. Returns an error for missing files and unparseable headers.
func Read(path string) (*Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image header %s: %w", path, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%d in %s", cfg.Width, cfg.Height, path)
	}

	return &Image{
		Path:   path,
		Bytes:  raw,
		Width:  cfg.Width,
		Height: cfg.Height,
	}, nil
}

// Decode materializes the pixel data as a BGR Mat. Idempotent.
func (img *Image) Decode() error {
	if img.opened {
		return nil
	}
	mat, err := gocv.IMDecode(img.Bytes, gocv.IMReadColor)
	if err != nil {
		return fmt.Errorf("decode image %s: %w", img.Path, err)
	}
	if mat.Empty() {
		return fmt.Errorf("decode image %s: empty result", img.Path)
	}
	img.Mat = mat
	img.opened = true
	return nil
}

// Close releases the decoded pixel data, if any.
func (img *Image) Close() {
	if img != nil && img.opened {
		img.Mat.Close()
		img.opened = false
	}
}
