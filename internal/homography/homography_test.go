package homography

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watch-tagger/pkg/geometry"
)

// makeCorrespondences generates n points mapped through h, replacing the
// first outliers of them with gross errors.
func makeCorrespondences(h geometry.ProjectiveTransform, n, outliers int, rng *rand.Rand) ([]geometry.Point2D, []geometry.Point2D) {
	src := make([]geometry.Point2D, n)
	dst := make([]geometry.Point2D, n)
	for i := 0; i < n; i++ {
		p := geometry.NewPoint2D(rng.Float64()*1000, rng.Float64()*1000)
		src[i] = p
		dst[i] = h.Apply(p)
	}
	for i := 0; i < outliers; i++ {
		dst[i].X += 200 + rng.Float64()*300
		dst[i].Y -= 200 + rng.Float64()*300
	}
	return src, dst
}

func testHomography() geometry.ProjectiveTransform {
	return geometry.ProjectiveTransform{M: [3][3]float64{
		{0.95, -0.1, 40},
		{0.12, 1.05, -25},
		{2e-5, -1e-5, 1},
	}}
}

func TestEstimateRecoversKnownTransform(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	h := testHomography()
	src, dst := makeCorrespondences(h, 60, 12, rng)

	fit, err := Estimate(src, dst, 2000, 2.0, 10)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, fit.Inliers, 40)
	assert.Greater(t, fit.InlierRatio, 0.6)

	// The recovered transform must reproject clean points accurately.
	for i := 12; i < len(src); i += 7 {
		got := fit.Transform.Apply(src[i])
		assert.InDelta(t, dst[i].X, got.X, 1.0)
		assert.InDelta(t, dst[i].Y, got.Y, 1.0)
	}
}

func TestEstimateIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	h := testHomography()
	src, dst := makeCorrespondences(h, 60, 12, rng)

	first, err := Estimate(src, dst, 2000, 2.0, 10)
	require.NoError(t, err)

	// Identical input must yield the identical fit every time.
	for i := 0; i < 5; i++ {
		again, err := Estimate(src, dst, 2000, 2.0, 10)
		require.NoError(t, err)
		assert.Equal(t, first.Inliers, again.Inliers)
		assert.Equal(t, first.InlierRatio, again.InlierRatio)
		assert.Equal(t, first.Transform, again.Transform)
	}
}

func TestEstimateRejectsTooFewPoints(t *testing.T) {
	pts := []geometry.Point2D{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 1}}
	_, err := Estimate(pts, pts, 100, 2.0, 4)
	assert.Error(t, err)
}

func TestEstimateRejectsMismatchedLengths(t *testing.T) {
	a := make([]geometry.Point2D, 10)
	b := make([]geometry.Point2D, 9)
	_, err := Estimate(a, b, 100, 2.0, 4)
	assert.Error(t, err)
}

func TestEstimateFailsBelowMinInliers(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	h := testHomography()
	// Only 5 clean points but 30 required inliers.
	src, dst := makeCorrespondences(h, 25, 20, rng)

	_, err := Estimate(src, dst, 500, 2.0, 30)
	assert.Error(t, err)
}

func TestSolveDLTExactFourPoints(t *testing.T) {
	h := testHomography()
	src := []geometry.Point2D{{X: 0, Y: 0}, {X: 400, Y: 0}, {X: 0, Y: 400}, {X: 400, Y: 400}}
	dst := make([]geometry.Point2D, 4)
	for i, p := range src {
		dst[i] = h.Apply(p)
	}

	got, err := computeFromPoints(src, dst)
	require.NoError(t, err)

	probe := geometry.NewPoint2D(123, 321)
	want := h.Apply(probe)
	have := got.Apply(probe)
	assert.True(t, math.Abs(want.X-have.X) < 1e-6, "x: want %f have %f", want.X, have.X)
	assert.True(t, math.Abs(want.Y-have.Y) < 1e-6, "y: want %f have %f", want.Y, have.Y)
}
