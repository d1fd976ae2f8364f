package detect

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"watch-tagger/pkg/geometry"
)

func TestResizeOnlyToOriginal(t *testing.T) {
	tr := RectifyTransform{
		Kind:   RectifyResizeOnly,
		ScaleX: 1536.0 / 2048.0,
		ScaleY: 1536.0 / 1024.0,
	}

	got := tr.ToOriginal(geometry.NewPoint2D(768, 768))
	assert.InDelta(t, 1024, got.X, 1e-9)
	assert.InDelta(t, 512, got.Y, 1e-9)
}

func TestCropRotateResizeToOriginalNoRotation(t *testing.T) {
	// Crop at (100, 200), no rotation, 2x upscale.
	tr := RectifyTransform{
		Kind:       RectifyCropRotateResize,
		ScaleX:     2,
		ScaleY:     2,
		CropX:      100,
		CropY:      200,
		CropCenter: geometry.NewPoint2D(250, 250),
	}

	got := tr.ToOriginal(geometry.NewPoint2D(100, 60))
	assert.InDelta(t, 150, got.X, 1e-9)
	assert.InDelta(t, 230, got.Y, 1e-9)
}

// warpForward applies the same mapping as the rectification warp: the
// getRotationMatrix2D(center, -deg) matrix, alpha = cos(-deg),
// beta = sin(-deg), rows [[alpha, beta], [-beta, alpha]].
func warpForward(p, center geometry.Point2D, deg float64) geometry.Point2D {
	rad := -deg * math.Pi / 180
	alpha, beta := math.Cos(rad), math.Sin(rad)
	cx := p.X - center.X
	cy := p.Y - center.Y
	return geometry.NewPoint2D(
		alpha*cx+beta*cy+center.X,
		-beta*cx+alpha*cy+center.Y,
	)
}

func TestCropRotateResizeToOriginalUndoesRotation(t *testing.T) {
	const deg = 30.0
	center := geometry.NewPoint2D(200, 200)
	tr := RectifyTransform{
		Kind:        RectifyCropRotateResize,
		ScaleX:      1,
		ScaleY:      1,
		CropCenter:  center,
		RotationDeg: deg,
	}

	// Push a source point through the forward warp, then invert it.
	src := geometry.NewPoint2D(260, 170)
	back := tr.ToOriginal(warpForward(src, center, deg))
	assert.InDelta(t, src.X, back.X, 1e-9)
	assert.InDelta(t, src.Y, back.Y, 1e-9)
}

func TestCropRotateResizeToOriginalQuarterTurn(t *testing.T) {
	// A quarter-turn de-rotation must invert exactly, not reflect points
	// through the crop center.
	center := geometry.NewPoint2D(400, 450)
	tr := RectifyTransform{
		Kind:        RectifyCropRotateResize,
		ScaleX:      1,
		ScaleY:      1,
		CropCenter:  center,
		RotationDeg: 90,
	}

	src := geometry.NewPoint2D(400, 350)
	back := tr.ToOriginal(warpForward(src, center, 90))
	assert.InDelta(t, src.X, back.X, 1e-9)
	assert.InDelta(t, src.Y, back.Y, 1e-9)
}

func TestNormalizedBoxFoldsQuarterTurn(t *testing.T) {
	// Axis-aligned contours come back from MinAreaRect at 90 degrees with the
	// vertical extent reported as Width.
	box := normalizedBox(500, 500, 400, 200, 90)
	assert.InDelta(t, 0, box.RotationDeg, 1e-9)
	assert.InDelta(t, 200, box.Width, 1e-9)
	assert.InDelta(t, 400, box.Height, 1e-9)

	box = normalizedBox(500, 500, 300, 100, 60)
	assert.InDelta(t, -30, box.RotationDeg, 1e-9)
	assert.InDelta(t, 100, box.Width, 1e-9)
	assert.InDelta(t, 300, box.Height, 1e-9)
}

func TestNormalizedBoxKeepsSmallAngles(t *testing.T) {
	box := normalizedBox(320, 240, 120, 180, 30)
	assert.InDelta(t, 30, box.RotationDeg, 1e-9)
	assert.InDelta(t, 120, box.Width, 1e-9)
	assert.InDelta(t, 180, box.Height, 1e-9)
}

func TestDefaultParamsPaddedSize(t *testing.T) {
	p := DefaultParams()
	assert.Equal(t, 1536, p.PaddedSize())

	p = p.WithRectifySize(640, 1.0)
	assert.Equal(t, 640, p.PaddedSize())
}
