package detect

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"gocv.io/x/gocv"

	"watch-tagger/pkg/geometry"
)

// Detector locates the watch face in a source image and produces a rectified
// canonical crop. Implementations wrap whatever model or algorithm does the
// actual localization.
type Detector interface {
	Detect(img gocv.Mat) (*Result, error)
}

// ContourDetector finds the watch face as the dominant foreground contour:
// Otsu threshold, external contours, oriented minimum-area rectangle.
type ContourDetector struct {
	params Params
}

// NewContourDetector creates a detector with the given parameters.
func NewContourDetector(params Params) *ContourDetector {
	return &ContourDetector{params: params}
}

// Detect runs detection and rectification. On a miss (no usable contour, or a
// box too small to be a face) the whole image is rectified instead and the
// result is marked UsedWholeImage with zero confidence.
func (d *ContourDetector) Detect(src gocv.Mat) (*Result, error) {
	if src.Empty() {
		return nil, fmt.Errorf("empty input image")
	}

	imgW, imgH := src.Cols(), src.Rows()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)

	blurred := gocv.NewMat()
	defer blurred.Close()
	k := d.params.BlurKernel
	gocv.GaussianBlur(gray, &blurred, image.Pt(k, k), 0, 0, gocv.BorderDefault)

	bin := gocv.NewMat()
	defer bin.Close()
	gocv.Threshold(blurred, &bin, 0, 255, gocv.ThresholdBinaryInv|gocv.ThresholdOtsu)

	contours := gocv.FindContours(bin, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	best := -1
	bestArea := 0.0
	detections := 0
	minArea := 0.001 * float64(imgW) * float64(imgH)
	for i := 0; i < contours.Size(); i++ {
		area := gocv.ContourArea(contours.At(i))
		if area < minArea {
			continue
		}
		detections++
		if area > bestArea {
			bestArea = area
			best = i
		}
	}

	if best < 0 {
		return d.wholeImage(src, 0, 0, 1.0)
	}

	rot := gocv.MinAreaRect(contours.At(best))
	box := normalizedBox(float64(rot.Center.X), float64(rot.Center.Y),
		float64(rot.Width), float64(rot.Height), rot.Angle)

	boxArea := box.Width * box.Height
	conf := 0.0
	if boxArea > 0 {
		// Fill ratio of the contour inside its oriented box. A watch face is
		// near-convex, so a clean detection fills most of the box.
		conf = math.Min(1.0, bestArea/boxArea)
	}

	ratio := math.Max(box.Width, box.Height) / float64(imgH)
	if ratio < d.params.MinBoxRatio {
		return d.wholeImage(src, detections, conf, ratio)
	}

	rectified, transform, err := d.rectify(src, box)
	if err != nil {
		return nil, err
	}

	return &Result{
		Box:            box,
		Confidence:     conf,
		Detections:     detections,
		BoxHeightRatio: ratio,
		ImageWidth:     imgW,
		ImageHeight:    imgH,
		Rectified:      rectified,
		Transform:      transform,
	}, nil
}

// normalizedBox maps a min-area rectangle into a box whose rotation is the
// smallest deviation from upright. MinAreaRect reports angles in (0, 90] with
// 90 for an axis-aligned box; angles above 45 are folded back by a quarter
// turn, swapping the side lengths, so RotationDeg ends up in (-45, 45] and
// Height is the near-vertical extent.
func normalizedBox(cx, cy, w, h, angleDeg float64) OrientedBox {
	if angleDeg > 45 {
		angleDeg -= 90
		w, h = h, w
	}
	return OrientedBox{
		Center:      geometry.NewPoint2D(cx, cy),
		Width:       w,
		Height:      h,
		RotationDeg: angleDeg,
	}
}

// wholeImage resizes the full frame onto the canonical canvas. Used when
// nothing plausible was detected; the box covers the entire image so the
// geometric fallback still has usable geometry.
func (d *ContourDetector) wholeImage(src gocv.Mat, detections int, conf, ratio float64) (*Result, error) {
	imgW, imgH := src.Cols(), src.Rows()
	padded := d.params.PaddedSize()

	out := gocv.NewMat()
	gocv.Resize(src, &out, image.Pt(padded, padded), 0, 0, gocv.InterpolationLinear)

	return &Result{
		Box: OrientedBox{
			Center: geometry.NewPoint2D(float64(imgW)/2, float64(imgH)/2),
			Width:  float64(imgW),
			Height: float64(imgH),
		},
		Confidence:     conf,
		Detections:     detections,
		UsedWholeImage: true,
		BoxHeightRatio: ratio,
		ImageWidth:     imgW,
		ImageHeight:    imgH,
		Rectified:      out,
		Transform: RectifyTransform{
			Kind:   RectifyResizeOnly,
			ScaleX: float64(padded) / float64(imgW),
			ScaleY: float64(padded) / float64(imgH),
		},
	}, nil
}

// rectify crops around the oriented box with margin, de-rotates the crop to
// canonical orientation, and resizes onto the padded canvas.
func (d *ContourDetector) rectify(src gocv.Mat, box OrientedBox) (gocv.Mat, RectifyTransform, error) {
	imgW, imgH := src.Cols(), src.Rows()

	side := math.Max(box.Width, box.Height) * d.params.CropMargin
	x1 := int(math.Max(0, box.Center.X-side/2))
	y1 := int(math.Max(0, box.Center.Y-side/2))
	x2 := int(math.Min(float64(imgW), box.Center.X+side/2))
	y2 := int(math.Min(float64(imgH), box.Center.Y+side/2))
	if x2-x1 < 2 || y2-y1 < 2 {
		return gocv.Mat{}, RectifyTransform{}, fmt.Errorf("degenerate crop %dx%d", x2-x1, y2-y1)
	}

	region := src.Region(image.Rect(x1, y1, x2, y2))
	cropped := region.Clone()
	region.Close()
	defer cropped.Close()

	cropCenter := geometry.NewPoint2D(box.Center.X-float64(x1), box.Center.Y-float64(y1))

	rotM := gocv.GetRotationMatrix2D(image.Pt(int(cropCenter.X), int(cropCenter.Y)), -box.RotationDeg, 1.0)
	defer rotM.Close()

	rotated := gocv.NewMat()
	defer rotated.Close()
	gocv.WarpAffineWithParams(cropped, &rotated, rotM,
		image.Pt(cropped.Cols(), cropped.Rows()),
		gocv.InterpolationLinear, gocv.BorderConstant, color.RGBA{})

	padded := d.params.PaddedSize()
	out := gocv.NewMat()
	gocv.Resize(rotated, &out, image.Pt(padded, padded), 0, 0, gocv.InterpolationLinear)

	return out, RectifyTransform{
		Kind:        RectifyCropRotateResize,
		ScaleX:      float64(padded) / float64(rotated.Cols()),
		ScaleY:      float64(padded) / float64(rotated.Rows()),
		CropX:       float64(x1),
		CropY:       float64(y1),
		CropCenter:  cropCenter,
		RotationDeg: box.RotationDeg,
	}, nil
}
