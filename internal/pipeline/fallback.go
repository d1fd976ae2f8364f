package pipeline

import (
	"math"
	"time"

	"watch-tagger/internal/config"
	"watch-tagger/internal/detect"
	"watch-tagger/internal/keypoint"
	"watch-tagger/pkg/geometry"
)

// Detected boxes carry padding on every side; remove it before reading
// keypoint positions off the box axes.
const boxPadding = 0.15

// keypointsFromBox derives the five keypoints from the oriented box geometry
// alone, in original image pixels. Top and bottom sit on the box primary axis,
// left and right on the secondary axis.
func keypointsFromBox(box detect.OrientedBox) keypoint.Set {
	shrink := 1 + 2*boxPadding
	w := box.Width / shrink
	h := box.Height / shrink

	rad := box.RotationDeg * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)

	primary := geometry.Point2D{X: sin, Y: cos}
	secondary := geometry.Point2D{X: cos, Y: -sin}

	c := box.Center
	return keypoint.Set{
		Center: c,
		Top:    c.Sub(primary.Scale(h / 2)),
		Bottom: c.Add(primary.Scale(h / 2)),
		Left:   c.Sub(secondary.Scale(w / 2)),
		Right:  c.Add(secondary.Scale(w / 2)),
	}
}

// DefaultResult builds the fixed-layout prediction directly, for images that
// never reach the pipeline because their pixel data could not be decoded.
func DefaultResult(width, height int) *Result {
	return &Result{
		Keypoints:   defaultKeypoints(),
		Confidence:  config.Tier3Confidence,
		Tier:        TierCenterDefault,
		ImageWidth:  width,
		ImageHeight: height,
		CreatedAt:   time.Now().UTC(),
	}
}

// defaultKeypoints is the fixed unit-normalized layout used when nothing can
// be derived from the image: a centered dial with hands at the cardinal
// positions.
func defaultKeypoints() keypoint.Set {
	return keypoint.Set{
		Center: geometry.Point2D{X: 0.5, Y: 0.5},
		Top:    geometry.Point2D{X: 0.5, Y: 0.1},
		Bottom: geometry.Point2D{X: 0.5, Y: 0.9},
		Left:   geometry.Point2D{X: 0.1, Y: 0.5},
		Right:  geometry.Point2D{X: 0.9, Y: 0.5},
	}
}
