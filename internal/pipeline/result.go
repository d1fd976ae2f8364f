package pipeline

import (
	"time"

	"watch-tagger/internal/config"
	"watch-tagger/internal/keypoint"
)

// Tier identifies which stage of the graded fallback produced a result.
type Tier string

const (
	// TierPrimary means the full detect-match-homography chain succeeded.
	TierPrimary Tier = "primary"
	// TierGeometric means keypoints were derived from the detected box
	// geometry after matching or homography failed.
	TierGeometric Tier = "geometric-from-detection"
	// TierCenterDefault means the fixed default layout was used.
	TierCenterDefault Tier = "center-default"
)

// DetectionStats records the detection stage outcome.
type DetectionStats struct {
	Confidence     float64 `json:"confidence"`
	Detections     int     `json:"detections"`
	UsedWholeImage bool    `json:"used_whole_image"`
	BoxHeightRatio float64 `json:"box_height_ratio"`
	Error          string  `json:"error,omitempty"`
}

// MatchingStats records the feature matching stage outcome.
type MatchingStats struct {
	Matches   int     `json:"matches"`
	MeanScore float64 `json:"mean_score"`
	Error     string  `json:"error,omitempty"`
}

// HomographyStats records the homography estimation outcome.
type HomographyStats struct {
	Inliers     int     `json:"inliers"`
	InlierRatio float64 `json:"inlier_ratio"`
	Error       string  `json:"error,omitempty"`
}

// Diagnostics carries per-stage metrics. A nil stage record means that stage
// never ran for this image.
type Diagnostics struct {
	Detection   *DetectionStats  `json:"detection,omitempty"`
	Matching    *MatchingStats   `json:"matching,omitempty"`
	Homography  *HomographyStats `json:"homography,omitempty"`
	OutOfBounds []string         `json:"out_of_bounds,omitempty"`
}

// Result is a complete prediction for one image. Keypoints are unit-normalized
// against the recorded image dimensions.
type Result struct {
	Keypoints   keypoint.Set `json:"coords_norm"`
	Confidence  float64      `json:"confidence"`
	Tier        Tier         `json:"tier"`
	ImageWidth  int          `json:"image_width"`
	ImageHeight int          `json:"image_height"`
	CreatedAt   time.Time    `json:"created_at"`
	Diagnostics Diagnostics  `json:"diagnostics"`
}

// Annotator returns the provenance string recorded alongside predictions.
func (r *Result) Annotator() string {
	switch r.Tier {
	case TierGeometric:
		return config.PipelineVersion + "-geometric-fallback"
	case TierCenterDefault:
		return config.PipelineVersion + "-center-default"
	default:
		return config.PipelineVersion
	}
}
