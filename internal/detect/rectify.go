package detect

import (
	"math"

	"watch-tagger/pkg/geometry"
)

// RectifyKind identifies how a source image was mapped onto the canonical
// rectified canvas.
type RectifyKind string

const (
	// RectifyResizeOnly means the whole image was resized onto the canvas.
	RectifyResizeOnly RectifyKind = "resize_only"
	// RectifyCropRotateResize means a region was cropped, de-rotated around
	// the crop center, then resized onto the canvas.
	RectifyCropRotateResize RectifyKind = "crop_rotate_resize"
)

// RectifyTransform records the forward mapping original → rectified so that
// rectified-space coordinates can be mapped back.
type RectifyTransform struct {
	Kind RectifyKind

	// Scale from pre-resize space to the rectified canvas.
	ScaleX float64
	ScaleY float64

	// Crop origin in original image pixels (crop_rotate_resize only).
	CropX float64
	CropY float64

	// Rotation center in cropped space and the de-rotation angle applied
	// (crop_rotate_resize only).
	CropCenter  geometry.Point2D
	RotationDeg float64
}

// ToOriginal maps a point on the rectified canvas back to original image
// pixels by undoing resize, rotation and crop in reverse order.
func (t RectifyTransform) ToOriginal(p geometry.Point2D) geometry.Point2D {
	// Undo resize.
	x := p.X / t.ScaleX
	y := p.Y / t.ScaleY

	if t.Kind == RectifyResizeOnly {
		return geometry.Point2D{X: x, Y: y}
	}

	// Undo rotation. The forward warp used getRotationMatrix2D(center,
	// -RotationDeg), whose linear part is [[cos,-sin],[sin,cos]] for
	// RotationDeg, so the inverse is its transpose.
	rad := t.RotationDeg * math.Pi / 180
	cos, sin := math.Cos(rad), math.Sin(rad)
	cx := x - t.CropCenter.X
	cy := y - t.CropCenter.Y
	rx := cos*cx + sin*cy + t.CropCenter.X
	ry := -sin*cx + cos*cy + t.CropCenter.Y

	// Undo crop.
	return geometry.Point2D{X: rx + t.CropX, Y: ry + t.CropY}
}
