// Package template loads the canonical reference image and its keypoints used
// as the homography target.
package template

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"

	"watch-tagger/internal/keypoint"
)

// Template holds a reference image with known ground-truth keypoints.
// Read-only after Load.
type Template struct {
	Model     string
	Keypoints keypoint.Set // unit-normalized
	Width     int          // reference image width in pixels
	Height    int          // reference image height in pixels
	Image     gocv.Mat
}

// Close releases the template image.
func (t *Template) Close() {
	if t != nil && !t.Image.Empty() {
		t.Image.Close()
	}
}

// annotations is the on-disk annotations.json schema:
// {"image_size": [w, h], "coords_norm": {"top": [x, y], ...}}
type annotations struct {
	ImageSize  [2]int       `json:"image_size"`
	CoordsNorm keypoint.Set `json:"coords_norm"`
}

// Load reads templates/<model>/annotations.json and the matching template
// image (template.jpeg, falling back to template.jpg).
func Load(templatesDir, model string) (*Template, error) {
	modelDir := filepath.Join(templatesDir, model)
	if _, err := os.Stat(modelDir); err != nil {
		return nil, fmt.Errorf("template directory %s: %w", modelDir, err)
	}

	ann, err := loadAnnotations(filepath.Join(modelDir, "annotations.json"))
	if err != nil {
		return nil, err
	}

	imagePath := filepath.Join(modelDir, "template.jpeg")
	if _, err := os.Stat(imagePath); err != nil {
		imagePath = filepath.Join(modelDir, "template.jpg")
		if _, err := os.Stat(imagePath); err != nil {
			return nil, fmt.Errorf("template image not found in %s", modelDir)
		}
	}

	img := gocv.IMRead(imagePath, gocv.IMReadColor)
	if img.Empty() {
		return nil, fmt.Errorf("failed to decode template image %s", imagePath)
	}

	// The annotated size converts normalized keypoints to pixels; a replaced
	// or resized image would silently skew every projection.
	if w, h := img.Cols(), img.Rows(); w != ann.ImageSize[0] || h != ann.ImageSize[1] {
		img.Close()
		return nil, fmt.Errorf("template image %s is %dx%d but annotations say %dx%d",
			imagePath, w, h, ann.ImageSize[0], ann.ImageSize[1])
	}

	return &Template{
		Model:     model,
		Keypoints: ann.CoordsNorm,
		Width:     ann.ImageSize[0],
		Height:    ann.ImageSize[1],
		Image:     img,
	}, nil
}

func loadAnnotations(path string) (*annotations, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read annotations: %w", err)
	}

	var ann annotations
	if err := json.Unmarshal(data, &ann); err != nil {
		return nil, fmt.Errorf("parse annotations %s: %w", path, err)
	}
	if ann.ImageSize[0] <= 0 || ann.ImageSize[1] <= 0 {
		return nil, fmt.Errorf("invalid image_size %v in %s", ann.ImageSize, path)
	}
	if !ann.CoordsNorm.IsFinite() {
		return nil, fmt.Errorf("non-finite keypoint in %s", path)
	}
	return &ann, nil
}

// Available lists the model names under templatesDir that have annotations.
func Available(templatesDir string) []string {
	entries, err := os.ReadDir(templatesDir)
	if err != nil {
		return nil
	}
	var models []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(templatesDir, e.Name(), "annotations.json")); err == nil {
			models = append(models, e.Name())
		}
	}
	return models
}
