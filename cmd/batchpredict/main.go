// Command batchpredict runs keypoint prediction over a directory tree of
// watch images, writing merged per-group label files and checkpointing
// progress so interrupted runs resume where they left off.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"watch-tagger/internal/batch"
	"watch-tagger/internal/cache"
	"watch-tagger/internal/config"
	"watch-tagger/internal/detect"
	"watch-tagger/internal/match"
	"watch-tagger/internal/pipeline"
	"watch-tagger/internal/template"
	"watch-tagger/internal/version"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config (optional)")
	imagesDir := flag.String("images", "", "Root directory of images; subdirectories become output groups")
	outDir := flag.String("out", "", "Output directory (overrides config)")
	force := flag.Bool("force", false, "Reprocess images that already have outputs")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	godotenv.Load()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	if *imagesDir == "" {
		fmt.Fprintln(os.Stderr, "Usage: batchpredict -images <dir> [-config <file>] [-out <dir>] [-force]")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if *outDir != "" {
		cfg.Batch.OutputDir = *outDir
	}

	log.Info().Str("version", version.Version).Str("commit", version.GitCommit).
		Str("pipeline", config.PipelineVersion).Msg("batchpredict starting")

	tmpl, err := template.Load(cfg.Pipeline.Template.Dir, cfg.Pipeline.Template.Model)
	if err != nil {
		log.Fatal().Err(err).Str("model", cfg.Pipeline.Template.Model).Msg("template load failed")
	}
	defer tmpl.Close()

	pipe := buildPipeline(cfg, tmpl, log)

	var store *cache.Store
	if cfg.Cache.Enabled {
		store, err = cache.New(cfg.Cache.Dir, 256, log)
		if err != nil {
			log.Fatal().Err(err).Msg("cache open failed")
		}
	}

	saver, err := batch.NewSaver(cfg.Batch.OutputDir)
	if err != nil {
		log.Fatal().Err(err).Msg("output dir open failed")
	}

	items, err := collectItems(*imagesDir)
	if err != nil {
		log.Fatal().Err(err).Msg("image scan failed")
	}
	if len(items) == 0 {
		log.Warn().Str("dir", *imagesDir).Msg("no images found")
		return
	}
	log.Info().Int("images", len(items)).Msg("images collected")

	runner := batch.NewRunner(pipe, batch.Options{
		Saver:           saver,
		Cache:           store,
		Version:         config.PipelineVersion,
		Fingerprint:     cfg.Fingerprint(),
		ProgressPath:    cfg.Batch.ProgressFile,
		CheckpointEvery: cfg.Batch.CheckpointEvery,
		Force:           *force,
		Log:             log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prog, err := runner.Run(ctx, items)
	switch {
	case errors.Is(err, context.Canceled):
		log.Info().Int("processed", prog.Processed).Msg("interrupted, rerun to resume")
		os.Exit(130)
	case err != nil:
		log.Fatal().Err(err).Msg("batch run failed")
	}
}

func buildPipeline(cfg config.Config, tmpl *template.Template, log zerolog.Logger) *pipeline.Pipeline {
	dp := detect.DefaultParams().
		WithRectifySize(cfg.Pipeline.Detection.RectifySize, cfg.Pipeline.Detection.PaddingFactor)
	dp.MinBoxRatio = cfg.Pipeline.Detection.MinBoxRatio

	mp := match.DefaultParams()
	mp.RatioTest = cfg.Pipeline.Matching.RatioTest
	mp.ScoreFloor = cfg.Pipeline.Matching.ScoreFloor

	detector := detect.NewContourDetector(dp)
	matcher := match.NewAKAZEMatcher(mp)
	return pipeline.New(detector, matcher, tmpl, pipeline.OptionsFrom(cfg.Pipeline), log)
}

// collectItems walks root for images. Images inside a subdirectory join that
// directory's group; images directly under root join a group named after it.
func collectItems(root string) ([]batch.Item, error) {
	var items []batch.Item
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isImage(path) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		group := filepath.Base(root)
		if dir := filepath.Dir(rel); dir != "." {
			group = strings.ReplaceAll(dir, string(filepath.Separator), "_")
		}
		name := filepath.Base(path)
		items = append(items, batch.Item{
			Path:    path,
			ImageID: strings.TrimSuffix(name, filepath.Ext(name)),
			GroupID: group,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	return items, nil
}

func isImage(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".tif", ".tiff":
		return true
	}
	return false
}
