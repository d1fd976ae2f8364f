// Command predictd serves keypoint predictions over HTTP for annotation
// frontends: POST /predict, GET /health, GET /version.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"watch-tagger/internal/cache"
	"watch-tagger/internal/config"
	"watch-tagger/internal/detect"
	"watch-tagger/internal/match"
	"watch-tagger/internal/pipeline"
	"watch-tagger/internal/server"
	"watch-tagger/internal/template"
	"watch-tagger/internal/version"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config (optional)")
	host := flag.String("host", "", "Listen host (overrides config)")
	port := flag.Int("port", 0, "Listen port (overrides config)")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	godotenv.Load()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	log.Info().Str("version", version.Version).Str("commit", version.GitCommit).
		Str("pipeline", config.PipelineVersion).Msg("predictd starting")

	tmpl, err := template.Load(cfg.Pipeline.Template.Dir, cfg.Pipeline.Template.Model)
	if err != nil {
		log.Fatal().Err(err).Str("model", cfg.Pipeline.Template.Model).Msg("template load failed")
	}
	defer tmpl.Close()

	mp := match.DefaultParams()
	mp.RatioTest = cfg.Pipeline.Matching.RatioTest
	mp.ScoreFloor = cfg.Pipeline.Matching.ScoreFloor

	detector := detect.NewContourDetector(detectParams(cfg))
	matcher := match.NewAKAZEMatcher(mp)
	pipe := pipeline.New(detector, matcher, tmpl, pipeline.OptionsFrom(cfg.Pipeline), log)

	var store *cache.Store
	if cfg.Cache.Enabled {
		store, err = cache.New(cfg.Cache.Dir, 256, log)
		if err != nil {
			log.Fatal().Err(err).Msg("cache open failed")
		}
	}

	handler := server.NewHandler(pipe, store, cfg.Fingerprint(), cfg.Paths,
		cfg.Pipeline.Template.Model, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler.Mux(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Str("model", tmpl.Model).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("shut down")
}

func detectParams(cfg config.Config) detect.Params {
	p := detect.DefaultParams().
		WithRectifySize(cfg.Pipeline.Detection.RectifySize, cfg.Pipeline.Detection.PaddingFactor)
	p.MinBoxRatio = cfg.Pipeline.Detection.MinBoxRatio
	return p
}
