// Package config loads and validates the process configuration. Configuration
// is read once at startup; threshold errors are fatal before any image is
// processed.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PipelineVersion identifies the prediction pipeline implementation. Bumping
// it invalidates every cached result.
const PipelineVersion = "contour-akaze-homography-v1.0"

// Tier3Confidence is the fixed confidence of the unconditional default tier.
const Tier3Confidence = 0.05

// DetectionConfig holds detection stage thresholds.
type DetectionConfig struct {
	ConfidenceFloor float64 `yaml:"confidence_floor" json:"confidence_floor"`
	MinBoxRatio     float64 `yaml:"min_box_ratio" json:"min_box_ratio"`
	RectifySize     int     `yaml:"rectify_size" json:"rectify_size"`
	PaddingFactor   float64 `yaml:"padding_factor" json:"padding_factor"`
}

// MatchingConfig holds matching stage thresholds.
type MatchingConfig struct {
	RatioTest  float64 `yaml:"ratio_test" json:"ratio_test"`
	ScoreFloor float64 `yaml:"score_floor" json:"score_floor"`
	MinMatches int     `yaml:"min_matches" json:"min_matches"`
}

// HomographyConfig holds homography stage thresholds.
type HomographyConfig struct {
	RANSACThreshold float64 `yaml:"ransac_threshold" json:"ransac_threshold"`
	MinInliers      int     `yaml:"min_inliers" json:"min_inliers"`
	Iterations      int     `yaml:"iterations" json:"iterations"`
}

// TemplateConfig selects the reference template.
type TemplateConfig struct {
	Dir   string `yaml:"dir" json:"dir"`
	Model string `yaml:"model" json:"model"`
}

// PipelineConfig groups everything that affects prediction output. Its
// canonical JSON form participates in the cache key, so any change here
// invalidates prior cache entries globally.
type PipelineConfig struct {
	ConfidenceFloor float64          `yaml:"confidence_floor" json:"confidence_floor"`
	Tier2Cap        float64          `yaml:"tier2_cap" json:"tier2_cap"`
	Detection       DetectionConfig  `yaml:"detection" json:"detection"`
	Matching        MatchingConfig   `yaml:"matching" json:"matching"`
	Homography      HomographyConfig `yaml:"homography" json:"homography"`
	Template        TemplateConfig   `yaml:"template" json:"template"`
	Device          string           `yaml:"device" json:"device"`
}

// CacheConfig controls the result cache.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// BatchConfig controls the batch runner.
type BatchConfig struct {
	CheckpointEvery int    `yaml:"checkpoint_every"`
	ProgressFile    string `yaml:"progress_file"`
	OutputDir       string `yaml:"output_dir"`
}

// ServerConfig controls the prediction HTTP service.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// PathsConfig maps externally supplied image references to local paths.
type PathsConfig struct {
	MediaMount string `yaml:"media_mount"`
	LocalMedia string `yaml:"local_media"`
}

// Config is the complete process configuration.
type Config struct {
	Pipeline PipelineConfig `yaml:"pipeline"`
	Cache    CacheConfig    `yaml:"cache"`
	Batch    BatchConfig    `yaml:"batch"`
	Server   ServerConfig   `yaml:"server"`
	Paths    PathsConfig    `yaml:"paths"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Pipeline: PipelineConfig{
			ConfidenceFloor: 0.70,
			Tier2Cap:        0.60,
			Detection: DetectionConfig{
				ConfidenceFloor: 0.25,
				MinBoxRatio:     0.10,
				RectifySize:     1024,
				PaddingFactor:   1.5,
			},
			Matching: MatchingConfig{
				RatioTest:  0.8,
				ScoreFloor: 0.2,
				MinMatches: 10,
			},
			Homography: HomographyConfig{
				RANSACThreshold: 5.0,
				MinInliers:      10,
				Iterations:      2000,
			},
			Template: TemplateConfig{
				Dir:   "templates",
				Model: "nab",
			},
			Device: "auto",
		},
		Cache: CacheConfig{
			Enabled: true,
			Dir:     "cache",
		},
		Batch: BatchConfig{
			CheckpointEvery: 10,
			ProgressFile:    ".batch_predict_progress.json",
			OutputDir:       "alignment_labels_predicted",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 9090,
		},
		Paths: PathsConfig{
			MediaMount: "/label-studio/media",
			LocalMedia: "downloaded_images",
		},
	}
}

// Load reads a YAML config file over the defaults, applies environment
// overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv applies the environment overrides used in deployment.
func (c *Config) applyEnv() {
	if v := os.Getenv("WT_CACHE_DIR"); v != "" {
		c.Cache.Dir = v
	}
	if v := os.Getenv("WT_TEMPLATES_DIR"); v != "" {
		c.Pipeline.Template.Dir = v
	}
	if v := os.Getenv("WT_DEVICE"); v != "" {
		c.Pipeline.Device = v
	}
}

// Validate checks threshold sanity. Called before any image is processed.
func (c Config) Validate() error {
	p := c.Pipeline
	if p.ConfidenceFloor <= 0 || p.ConfidenceFloor >= 1 {
		return fmt.Errorf("pipeline.confidence_floor must be in (0,1), got %v", p.ConfidenceFloor)
	}
	if p.Tier2Cap <= Tier3Confidence || p.Tier2Cap >= p.ConfidenceFloor {
		return fmt.Errorf("pipeline.tier2_cap must be in (%v, %v), got %v",
			Tier3Confidence, p.ConfidenceFloor, p.Tier2Cap)
	}
	if p.Detection.ConfidenceFloor <= 0 || p.Detection.ConfidenceFloor >= 1 {
		return fmt.Errorf("detection.confidence_floor must be in (0,1), got %v", p.Detection.ConfidenceFloor)
	}
	if p.Detection.MinBoxRatio < 0 || p.Detection.MinBoxRatio >= 1 {
		return fmt.Errorf("detection.min_box_ratio must be in [0,1), got %v", p.Detection.MinBoxRatio)
	}
	if p.Detection.RectifySize < 64 {
		return fmt.Errorf("detection.rectify_size too small: %d", p.Detection.RectifySize)
	}
	if p.Detection.PaddingFactor < 1 {
		return fmt.Errorf("detection.padding_factor must be >= 1, got %v", p.Detection.PaddingFactor)
	}
	if p.Matching.MinMatches < 4 {
		return fmt.Errorf("matching.min_matches must be >= 4, got %d", p.Matching.MinMatches)
	}
	if p.Homography.MinInliers < 4 {
		return fmt.Errorf("homography.min_inliers must be >= 4, got %d", p.Homography.MinInliers)
	}
	if p.Homography.RANSACThreshold <= 0 {
		return fmt.Errorf("homography.ransac_threshold must be > 0, got %v", p.Homography.RANSACThreshold)
	}
	if p.Homography.Iterations < 100 {
		return fmt.Errorf("homography.iterations must be >= 100, got %d", p.Homography.Iterations)
	}
	if p.Template.Model == "" {
		return fmt.Errorf("pipeline.template.model is required")
	}
	switch p.Device {
	case "auto", "cpu":
	default:
		return fmt.Errorf("pipeline.device must be auto or cpu, got %q", p.Device)
	}
	if c.Batch.CheckpointEvery < 1 {
		return fmt.Errorf("batch.checkpoint_every must be >= 1, got %d", c.Batch.CheckpointEvery)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

// Fingerprint returns the canonical serialized form of everything that
// affects prediction output, for use in cache keys.
func (c Config) Fingerprint() []byte {
	data, err := json.Marshal(c.Pipeline)
	if err != nil {
		// PipelineConfig contains only plain values; this cannot happen.
		panic(err)
	}
	return data
}
