// Package pipeline sequences detection, feature matching and homography
// estimation into a graded prediction that always yields five keypoints.
package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"watch-tagger/internal/config"
	"watch-tagger/internal/detect"
	"watch-tagger/internal/homography"
	"watch-tagger/internal/keypoint"
	"watch-tagger/internal/match"
	"watch-tagger/internal/template"
)

// Options holds the thresholds governing tier transitions and confidence
// scoring.
type Options struct {
	// Tier1Floor is the minimum confidence of any primary-tier result.
	Tier1Floor float64

	// Tier2Cap is the maximum confidence of any geometric-tier result.
	Tier2Cap float64

	// DetectionFloor gates entry into the matching stages.
	DetectionFloor float64

	// MinMatches is the minimum surviving match count to attempt homography.
	MinMatches int

	RANSACThreshold float64
	MinInliers      int
	Iterations      int
}

// OptionsFrom derives pipeline options from validated configuration.
func OptionsFrom(cfg config.PipelineConfig) Options {
	return Options{
		Tier1Floor:      cfg.ConfidenceFloor,
		Tier2Cap:        cfg.Tier2Cap,
		DetectionFloor:  cfg.Detection.ConfidenceFloor,
		MinMatches:      cfg.Matching.MinMatches,
		RANSACThreshold: cfg.Homography.RANSACThreshold,
		MinInliers:      cfg.Homography.MinInliers,
		Iterations:      cfg.Homography.Iterations,
	}
}

// Pipeline runs the graded prediction chain against a fixed template.
type Pipeline struct {
	detector detect.Detector
	matcher  match.Matcher
	tmpl     *template.Template
	opts     Options
	log      zerolog.Logger
}

// New assembles a pipeline. The template is borrowed, not owned.
func New(detector detect.Detector, matcher match.Matcher, tmpl *template.Template, opts Options, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		detector: detector,
		matcher:  matcher,
		tmpl:     tmpl,
		opts:     opts,
		log:      log,
	}
}

// Predict produces keypoints for one decoded image. It never fails: every
// stage error degrades to the next tier, ending at the fixed default layout.
// Image dimensions are passed explicitly so the default tier works even when
// decoding never happened.
func (p *Pipeline) Predict(ctx context.Context, img gocv.Mat, width, height int) *Result {
	res := &Result{
		ImageWidth:  width,
		ImageHeight: height,
		CreatedAt:   time.Now().UTC(),
	}

	if err := ctx.Err(); err != nil {
		p.log.Warn().Err(err).Msg("context done before detection, using default layout")
		return p.centerDefault(res)
	}

	det, err := p.detector.Detect(img)
	if err != nil {
		p.log.Warn().Err(err).Msg("detection failed, using default layout")
		res.Diagnostics.Detection = &DetectionStats{Error: err.Error()}
		return p.centerDefault(res)
	}
	defer det.Close()

	res.Diagnostics.Detection = &DetectionStats{
		Confidence:     det.Confidence,
		Detections:     det.Detections,
		UsedWholeImage: det.UsedWholeImage,
		BoxHeightRatio: det.BoxHeightRatio,
	}

	if det.Confidence >= p.opts.DetectionFloor {
		if done := p.tryPrimary(ctx, det, res); done {
			return res
		}
	}

	// A weak or failed primary chain still has a usable box unless detection
	// fell back to the whole image.
	if !det.UsedWholeImage {
		return p.geometric(det, res)
	}
	return p.centerDefault(res)
}

// tryPrimary attempts the full matching chain. It returns true when res has
// been filled with a primary-tier prediction.
func (p *Pipeline) tryPrimary(ctx context.Context, det *detect.Result, res *Result) bool {
	if err := ctx.Err(); err != nil {
		res.Diagnostics.Matching = &MatchingStats{Error: err.Error()}
		return false
	}

	matched, err := p.matcher.Match(det.Rectified, p.tmpl.Image)
	if err != nil {
		p.log.Debug().Err(err).Msg("matching failed")
		res.Diagnostics.Matching = &MatchingStats{Error: err.Error()}
		return false
	}
	res.Diagnostics.Matching = &MatchingStats{
		Matches:   matched.Count(),
		MeanScore: matched.MeanScore,
	}
	if matched.Count() < p.opts.MinMatches {
		p.log.Debug().Int("matches", matched.Count()).Int("min", p.opts.MinMatches).
			Msg("too few matches")
		return false
	}

	if err := ctx.Err(); err != nil {
		res.Diagnostics.Homography = &HomographyStats{Error: err.Error()}
		return false
	}

	fit, err := homography.Estimate(matched.Template, matched.Query,
		p.opts.Iterations, p.opts.RANSACThreshold, p.opts.MinInliers)
	if err != nil {
		p.log.Debug().Err(err).Msg("homography estimation failed")
		res.Diagnostics.Homography = &HomographyStats{Error: err.Error()}
		return false
	}
	res.Diagnostics.Homography = &HomographyStats{
		Inliers:     fit.Inliers,
		InlierRatio: fit.InlierRatio,
	}

	tmplPx, err := keypoint.NormToPixel(p.tmpl.Keypoints, p.tmpl.Width, p.tmpl.Height)
	if err != nil {
		res.Diagnostics.Homography.Error = err.Error()
		return false
	}

	// Template pixels → rectified canvas → original pixels → normalized.
	projected := tmplPx.Map(fit.Transform.Apply).Map(det.Transform.ToOriginal)
	if !projected.IsFinite() {
		res.Diagnostics.Homography.Error = "projection produced non-finite coordinates"
		return false
	}
	norm, err := keypoint.PixelToNorm(projected, res.ImageWidth, res.ImageHeight)
	if err != nil {
		res.Diagnostics.Homography.Error = err.Error()
		return false
	}

	res.Keypoints = norm
	res.Diagnostics.OutOfBounds = norm.OutOfBounds()
	res.Tier = TierPrimary
	res.Confidence = p.primaryConfidence(fit.InlierRatio, matched.MeanScore)
	return true
}

// geometric fills res with the box-geometry fallback.
func (p *Pipeline) geometric(det *detect.Result, res *Result) *Result {
	px := keypointsFromBox(det.Box)
	norm, err := keypoint.PixelToNorm(px, res.ImageWidth, res.ImageHeight)
	if err != nil {
		return p.centerDefault(res)
	}
	res.Keypoints = norm
	res.Diagnostics.OutOfBounds = norm.OutOfBounds()
	res.Tier = TierGeometric
	res.Confidence = p.geometricConfidence(det.Confidence)
	return res
}

// geometricConfidence scales detection confidence into the band between the
// default tier and the primary floor. The lower clamp keeps even the weakest
// detection-backed result above the no-information default.
func (p *Pipeline) geometricConfidence(detConfidence float64) float64 {
	conf := p.opts.Tier2Cap * detConfidence
	if floor := 2 * config.Tier3Confidence; conf < floor {
		conf = floor
	}
	if conf > p.opts.Tier2Cap {
		conf = p.opts.Tier2Cap
	}
	return conf
}

// centerDefault fills res with the fixed layout.
func (p *Pipeline) centerDefault(res *Result) *Result {
	res.Keypoints = defaultKeypoints()
	res.Tier = TierCenterDefault
	res.Confidence = config.Tier3Confidence
	return res
}

// primaryConfidence maps homography and matching quality into the band above
// Tier1Floor, so every primary result outranks every fallback result.
func (p *Pipeline) primaryConfidence(inlierRatio, meanScore float64) float64 {
	quality := 0.5*inlierRatio + 0.5*meanScore
	if quality < 0 {
		quality = 0
	}
	if quality > 1 {
		quality = 1
	}
	return p.opts.Tier1Floor + (1-p.opts.Tier1Floor)*quality
}
