// Package homography fits a projective transform to point correspondences,
// rejecting outliers with RANSAC.
package homography

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"watch-tagger/pkg/geometry"
)

// Fit is the result of a successful homography estimation.
type Fit struct {
	Transform   geometry.ProjectiveTransform
	Inliers     int
	InlierRatio float64
}

// Estimate fits a homography mapping srcPoints to dstPoints using RANSAC.
// Fails when fewer than 4 correspondences exist, when no sample yields a
// usable model, or when the best model has fewer than minInliers inliers.
func Estimate(srcPoints, dstPoints []geometry.Point2D, iterations int, threshold float64, minInliers int) (*Fit, error) {
	if len(srcPoints) != len(dstPoints) {
		return nil, fmt.Errorf("point count mismatch: %d vs %d", len(srcPoints), len(dstPoints))
	}
	if len(srcPoints) < 4 {
		return nil, fmt.Errorf("need at least 4 points, got %d", len(srcPoints))
	}
	if minInliers < 4 {
		minInliers = 4
	}

	n := len(srcPoints)
	bestInliers := []int{}
	var bestTransform geometry.ProjectiveTransform

	// Locally seeded so identical correspondences always produce the same
	// fit; predictions must be reproducible for caching.
	rng := rand.New(rand.NewSource(int64(n)))

	for iter := 0; iter < iterations; iter++ {
		// Randomly sample 4 points
		indices := rng.Perm(n)[:4]

		sample := make([]geometry.Point2D, 4)
		target := make([]geometry.Point2D, 4)
		for i, idx := range indices {
			sample[i] = srcPoints[idx]
			target[i] = dstPoints[idx]
		}

		transform, err := computeFromPoints(sample, target)
		if err != nil {
			continue
		}

		// Count inliers
		var inliers []int
		for i := range srcPoints {
			transformed := transform.Apply(srcPoints[i])
			if !transformed.IsFinite() {
				continue
			}
			if transformed.Distance(dstPoints[i]) < threshold {
				inliers = append(inliers, i)
			}
		}

		if len(inliers) > len(bestInliers) {
			bestInliers = inliers
			bestTransform = transform
		}
	}

	if len(bestInliers) < minInliers {
		return nil, fmt.Errorf("RANSAC found %d inliers, need %d", len(bestInliers), minInliers)
	}

	// Recompute transform using all inliers
	inlierSrc := make([]geometry.Point2D, len(bestInliers))
	inlierDst := make([]geometry.Point2D, len(bestInliers))
	for i, idx := range bestInliers {
		inlierSrc[i] = srcPoints[idx]
		inlierDst[i] = dstPoints[idx]
	}

	final, err := computeLeastSquares(inlierSrc, inlierDst)
	if err != nil {
		final = bestTransform
	}

	return &Fit{
		Transform:   final,
		Inliers:     len(bestInliers),
		InlierRatio: float64(len(bestInliers)) / float64(n),
	}, nil
}

// computeFromPoints computes a homography from exactly 4 point pairs using
// the direct linear transform with h33 fixed to 1.
func computeFromPoints(src, dst []geometry.Point2D) (geometry.ProjectiveTransform, error) {
	if len(src) != 4 || len(dst) != 4 {
		return geometry.ProjectiveTransform{}, fmt.Errorf("need exactly 4 points")
	}
	return solveDLT(src, dst, 4)
}

// computeLeastSquares computes a homography from N point pairs by least
// squares over the overdetermined DLT system.
func computeLeastSquares(src, dst []geometry.Point2D) (geometry.ProjectiveTransform, error) {
	n := len(src)
	if n < 4 {
		return geometry.ProjectiveTransform{}, fmt.Errorf("need at least 4 points")
	}
	return solveDLT(src, dst, n)
}

// solveDLT builds the 2n x 8 system for h = (h11..h32) with h33 = 1:
//
//	x' = (h11 x + h12 y + h13) / (h31 x + h32 y + 1)
//	y' = (h21 x + h22 y + h23) / (h31 x + h32 y + 1)
//
// and solves it with QR.
func solveDLT(src, dst []geometry.Point2D, n int) (geometry.ProjectiveTransform, error) {
	A := mat.NewDense(n*2, 8, nil)
	B := mat.NewVecDense(n*2, nil)

	for i := 0; i < n; i++ {
		x, y := src[i].X, src[i].Y
		xp, yp := dst[i].X, dst[i].Y

		A.Set(i*2, 0, x)
		A.Set(i*2, 1, y)
		A.Set(i*2, 2, 1)
		A.Set(i*2, 6, -x*xp)
		A.Set(i*2, 7, -y*xp)
		B.SetVec(i*2, xp)

		A.Set(i*2+1, 3, x)
		A.Set(i*2+1, 4, y)
		A.Set(i*2+1, 5, 1)
		A.Set(i*2+1, 6, -x*yp)
		A.Set(i*2+1, 7, -y*yp)
		B.SetVec(i*2+1, yp)
	}

	var qr mat.QR
	qr.Factorize(A)

	var params mat.VecDense
	if err := qr.SolveVecTo(&params, false, B); err != nil {
		return geometry.ProjectiveTransform{}, err
	}

	return geometry.ProjectiveTransform{M: [3][3]float64{
		{params.AtVec(0), params.AtVec(1), params.AtVec(2)},
		{params.AtVec(3), params.AtVec(4), params.AtVec(5)},
		{params.AtVec(6), params.AtVec(7), 1},
	}}, nil
}
