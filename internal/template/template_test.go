package template

import (
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validAnnotations = `{
  "image_size": [1024, 1024],
  "coords_norm": {
    "top": [0.5, 0.08],
    "bottom": [0.5, 0.92],
    "left": [0.07, 0.5],
    "right": [0.93, 0.5],
    "center": [0.5, 0.5]
  }
}`

func writeAnnotations(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "annotations.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadAnnotations(t *testing.T) {
	dir := t.TempDir()
	path := writeAnnotations(t, dir, validAnnotations)

	ann, err := loadAnnotations(path)
	require.NoError(t, err)
	assert.Equal(t, [2]int{1024, 1024}, ann.ImageSize)
	assert.InDelta(t, 0.08, ann.CoordsNorm.Top.Y, 1e-9)
	assert.InDelta(t, 0.5, ann.CoordsNorm.Center.X, 1e-9)
}

func TestLoadAnnotationsRejectsMissingKeypoint(t *testing.T) {
	dir := t.TempDir()
	path := writeAnnotations(t, dir, `{
	  "image_size": [1024, 1024],
	  "coords_norm": {"top": [0.5, 0.1], "bottom": [0.5, 0.9], "left": [0.1, 0.5], "right": [0.9, 0.5]}
	}`)

	_, err := loadAnnotations(path)
	assert.Error(t, err)
}

func TestLoadAnnotationsRejectsBadImageSize(t *testing.T) {
	dir := t.TempDir()
	path := writeAnnotations(t, dir, `{
	  "image_size": [0, 1024],
	  "coords_norm": {"top": [0.5, 0.1], "bottom": [0.5, 0.9], "left": [0.1, 0.5], "right": [0.9, 0.5], "center": [0.5, 0.5]}
	}`)

	_, err := loadAnnotations(path)
	assert.Error(t, err)
}

// writeTemplateImage writes a w x h image as template.jpg (decoded by
// content, not extension).
func writeTemplateImage(t *testing.T, dir string, w, h int) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, "template.jpg"))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, w, h))))
}

func TestLoadChecksImageAgainstAnnotatedSize(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "nab")
	require.NoError(t, os.MkdirAll(dir, 0755))
	writeAnnotations(t, dir, validAnnotations) // claims 1024x1024
	writeTemplateImage(t, dir, 8, 8)

	_, err := Load(root, "nab")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "annotations say")
}

func TestLoadAcceptsMatchingImageSize(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "nab")
	require.NoError(t, os.MkdirAll(dir, 0755))
	writeAnnotations(t, dir, `{
	  "image_size": [8, 8],
	  "coords_norm": {"top": [0.5, 0.1], "bottom": [0.5, 0.9], "left": [0.1, 0.5], "right": [0.9, 0.5], "center": [0.5, 0.5]}
	}`)
	writeTemplateImage(t, dir, 8, 8)

	tmpl, err := Load(root, "nab")
	require.NoError(t, err)
	defer tmpl.Close()
	assert.Equal(t, 8, tmpl.Width)
	assert.Equal(t, 8, tmpl.Height)
	assert.Equal(t, "nab", tmpl.Model)
}

func TestLoadMissingModelDir(t *testing.T) {
	_, err := Load(t.TempDir(), "nope")
	assert.Error(t, err)
}

func TestAvailable(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "nab"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "incomplete"), 0755))
	writeAnnotations(t, filepath.Join(root, "nab"), validAnnotations)

	assert.Equal(t, []string{"nab"}, Available(root))
}
