// Package match finds dense point correspondences between a rectified crop
// and the template image.
package match

import (
	"fmt"
	"math"

	"gocv.io/x/gocv"

	"watch-tagger/pkg/geometry"
)

// Result holds filtered correspondences. Query[i] corresponds to Template[i]
// with score Scores[i] in [0,1].
type Result struct {
	Query     []geometry.Point2D
	Template  []geometry.Point2D
	Scores    []float64
	MeanScore float64
}

// Count returns the number of correspondences.
func (r *Result) Count() int {
	if r == nil {
		return 0
	}
	return len(r.Query)
}

// Matcher finds correspondences between two images.
type Matcher interface {
	Match(query, template gocv.Mat) (*Result, error)
}

// Params configures the feature matcher.
type Params struct {
	// RatioTest is Lowe's ratio for rejecting ambiguous descriptor matches.
	RatioTest float64
	// ScoreFloor drops matches whose distinctiveness score is below it.
	ScoreFloor float64
}

// DefaultParams returns matcher parameters that work well for the high-detail
// dials this pipeline sees.
func DefaultParams() Params {
	return Params{
		RatioTest:  0.8,
		ScoreFloor: 0.2,
	}
}

// AKAZEMatcher matches AKAZE descriptors with a brute-force Hamming matcher
// and Lowe's ratio test.
type AKAZEMatcher struct {
	params Params
}

// NewAKAZEMatcher creates a matcher with the given parameters.
func NewAKAZEMatcher(params Params) *AKAZEMatcher {
	return &AKAZEMatcher{params: params}
}

// Match extracts features from both images and returns ratio-test-filtered
// correspondences. Query and template points are in their respective pixel
// spaces.
func (m *AKAZEMatcher) Match(query, template gocv.Mat) (*Result, error) {
	if query.Empty() || template.Empty() {
		return nil, fmt.Errorf("empty input image")
	}

	qGray := toGray(query)
	defer qGray.Close()
	tGray := toGray(template)
	defer tGray.Close()

	akaze := gocv.NewAKAZE()
	defer akaze.Close()

	mask := gocv.NewMat()
	defer mask.Close()

	qKps, qDesc := akaze.DetectAndCompute(qGray, mask)
	defer qDesc.Close()
	tKps, tDesc := akaze.DetectAndCompute(tGray, mask)
	defer tDesc.Close()

	if len(qKps) < 2 || len(tKps) < 2 {
		return &Result{}, nil
	}

	bf := gocv.NewBFMatcherWithParams(gocv.NormHamming, false)
	defer bf.Close()

	knn := bf.KnnMatch(qDesc, tDesc, 2)

	res := &Result{}
	var scoreSum float64
	for _, pair := range knn {
		if len(pair) < 2 {
			continue
		}
		best, second := pair[0], pair[1]
		if second.Distance <= 0 {
			continue
		}
		if best.Distance >= m.params.RatioTest*second.Distance {
			continue
		}
		// Distinctiveness of the match: 1 for a unique descriptor, 0 for an
		// ambiguous one.
		score := 1 - best.Distance/second.Distance
		if score < m.params.ScoreFloor {
			continue
		}
		q := qKps[best.QueryIdx]
		t := tKps[best.TrainIdx]
		res.Query = append(res.Query, geometry.NewPoint2D(q.X, q.Y))
		res.Template = append(res.Template, geometry.NewPoint2D(t.X, t.Y))
		res.Scores = append(res.Scores, score)
		scoreSum += score
	}

	if len(res.Scores) > 0 {
		res.MeanScore = scoreSum / float64(len(res.Scores))
		res.MeanScore = math.Min(1, res.MeanScore)
	}
	return res, nil
}

func toGray(src gocv.Mat) gocv.Mat {
	if src.Channels() == 1 {
		return src.Clone()
	}
	gray := gocv.NewMat()
	gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	return gray
}
