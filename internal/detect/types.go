// Package detect locates an oriented bounding region of the watch face and
// rectifies it to a canonical square crop.
package detect

import (
	"gocv.io/x/gocv"

	"watch-tagger/pkg/geometry"
)

// OrientedBox is an oriented bounding region in original image pixels.
type OrientedBox struct {
	Center      geometry.Point2D
	Width       float64
	Height      float64
	RotationDeg float64
}

// Result holds the outcome of a detection pass. Rectified is owned by the
// caller and must be Closed.
type Result struct {
	Box            OrientedBox
	Confidence     float64
	Detections     int
	UsedWholeImage bool
	BoxHeightRatio float64
	ImageWidth     int
	ImageHeight    int
	Rectified      gocv.Mat
	Transform      RectifyTransform
}

// Close releases the rectified crop.
func (r *Result) Close() {
	if r != nil && r.Rectified.Ptr() != nil {
		r.Rectified.Close()
	}
}

// Params configures the contour-based watch face detector.
type Params struct {
	// Detected boxes smaller than this fraction of image height are treated
	// as false detections; the whole image is used instead.
	MinBoxRatio float64

	// Margin applied around the oriented box when cropping.
	CropMargin float64

	// Canonical rectified output is RectifySize*PaddingFactor square.
	RectifySize   int
	PaddingFactor float64

	// Gaussian blur kernel applied before thresholding.
	BlurKernel int
}

// DefaultParams returns detection parameters tuned for studio photographs of
// watch faces against plain backgrounds.
func DefaultParams() Params {
	return Params{
		MinBoxRatio:   0.10, // tiny boxes are reflections or straps, not faces
		CropMargin:    1.3,
		RectifySize:   1024,
		PaddingFactor: 1.5,
		BlurKernel:    5,
	}
}

// WithRectifySize returns a copy of params with a custom canonical size.
func (p Params) WithRectifySize(size int, padding float64) Params {
	p.RectifySize = size
	p.PaddingFactor = padding
	return p
}

// PaddedSize returns the side length of the rectified output canvas.
func (p Params) PaddedSize() int {
	return int(float64(p.RectifySize) * p.PaddingFactor)
}
