package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"watch-tagger/internal/cache"
	"watch-tagger/internal/imgio"
	"watch-tagger/internal/pipeline"
)

// Item is one image to process. GroupID selects the output file the
// prediction is merged into.
type Item struct {
	Path    string
	ImageID string
	GroupID string
}

// Predictor produces a prediction for one decoded image. It never fails.
type Predictor interface {
	Predict(ctx context.Context, img gocv.Mat, width, height int) *pipeline.Result
}

// Options configures a Runner.
type Options struct {
	Saver *Saver

	// Cache may be nil to disable result caching.
	Cache       *cache.Store
	Version     string
	Fingerprint []byte

	ProgressPath    string
	CheckpointEvery int

	// Force reprocesses images that already have outputs or checkpoint
	// entries.
	Force bool

	Log zerolog.Logger
}

// Runner walks a list of items through the predictor, merging outputs per
// group and checkpointing progress so an interrupted run resumes without
// repeating work.
type Runner struct {
	predictor Predictor
	opts      Options

	// loadImage and decodeImage are swappable in tests.
	loadImage   func(path string) (*imgio.Image, error)
	decodeImage func(img *imgio.Image) error
}

// NewRunner assembles a runner.
func NewRunner(p Predictor, opts Options) *Runner {
	if opts.CheckpointEvery < 1 {
		opts.CheckpointEvery = 10
	}
	return &Runner{
		predictor:   p,
		opts:        opts,
		loadImage:   imgio.Read,
		decodeImage: (*imgio.Image).Decode,
	}
}

// Run processes items in order. It returns the final progress state and a
// non-nil error only when the run cannot safely continue: a checkpoint or
// output write failure, or a cancelled context. Progress is checkpointed
// before returning in every case.
func (r *Runner) Run(ctx context.Context, items []Item) (*Progress, error) {
	prog, err := r.initProgress(len(items))
	if err != nil {
		return nil, err
	}

	start := time.Now()
	sinceCheckpoint := 0
	handled := 0

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			if saveErr := prog.Save(r.opts.ProgressPath); saveErr != nil {
				return prog, saveErr
			}
			r.opts.Log.Info().Int("processed", prog.Processed).Int("total", prog.Total).
				Msg("run interrupted, progress checkpointed")
			return prog, err
		}

		handled++
		if !r.opts.Force && (prog.IsDone(item.ImageID) || r.opts.Saver.Has(item.GroupID, item.ImageID)) {
			continue
		}

		res, err := r.processOne(ctx, item, prog)
		if err != nil {
			if saveErr := prog.Save(r.opts.ProgressPath); saveErr != nil {
				return prog, saveErr
			}
			return prog, err
		}
		if res == nil {
			continue // unreadable image, recorded in prog.Failed
		}

		prog.Mark(item.ImageID, res.Tier)
		sinceCheckpoint++
		if sinceCheckpoint >= r.opts.CheckpointEvery {
			if err := prog.Save(r.opts.ProgressPath); err != nil {
				return prog, err
			}
			sinceCheckpoint = 0
			r.logETA(prog, start, handled, len(items))
		}
	}

	if err := prog.Save(r.opts.ProgressPath); err != nil {
		return prog, err
	}
	r.logSummary(prog, start)
	return prog, nil
}

// processOne predicts one image, consulting the cache first. A nil result
// with nil error means the image was unreadable and skipped.
func (r *Runner) processOne(ctx context.Context, item Item, prog *Progress) (*pipeline.Result, error) {
	img, err := r.loadImage(item.Path)
	if err != nil {
		r.opts.Log.Warn().Str("image", item.ImageID).Err(err).Msg("skipping unreadable image")
		prog.MarkFailed(item.ImageID, err.Error())
		return nil, nil
	}
	defer img.Close()

	var key string
	if r.opts.Cache != nil {
		key = cache.Key(img.Bytes, r.opts.Version, r.opts.Fingerprint)
	}
	// A forced run recomputes; cached entries are only overwritten.
	if key != "" && !r.opts.Force {
		if res, ok := r.opts.Cache.Get(key); ok {
			r.opts.Log.Debug().Str("image", item.ImageID).Msg("cache hit")
			if err := r.opts.Saver.Save(item.GroupID, item.ImageID, res); err != nil {
				return nil, err
			}
			return res, nil
		}
	}

	res := r.predict(ctx, img, item.ImageID)

	if r.opts.Cache != nil {
		if err := r.opts.Cache.Put(key, res); err != nil {
			r.opts.Log.Warn().Str("image", item.ImageID).Err(err).Msg("cache write failed")
		}
	}
	if err := r.opts.Saver.Save(item.GroupID, item.ImageID, res); err != nil {
		return nil, err
	}
	return res, nil
}

// predict runs the pipeline on one image. Decode failures and panics from
// the prediction chain degrade to the default layout; a single bad image
// never aborts the run.
func (r *Runner) predict(ctx context.Context, img *imgio.Image, imageID string) (res *pipeline.Result) {
	defer func() {
		if p := recover(); p != nil {
			r.opts.Log.Error().Str("image", imageID).Interface("panic", p).
				Msg("prediction panicked, using default layout")
			res = pipeline.DefaultResult(img.Width, img.Height)
		}
	}()

	if err := r.decodeImage(img); err != nil {
		r.opts.Log.Warn().Str("image", imageID).Err(err).Msg("decode failed, using default layout")
		return pipeline.DefaultResult(img.Width, img.Height)
	}
	return r.predictor.Predict(ctx, img.Mat, img.Width, img.Height)
}

func (r *Runner) initProgress(total int) (*Progress, error) {
	if r.opts.Force {
		return NewProgress(total), nil
	}
	prog, err := LoadProgress(r.opts.ProgressPath)
	if err != nil {
		return nil, err
	}
	if prog == nil {
		return NewProgress(total), nil
	}
	r.opts.Log.Info().Str("run_id", prog.RunID).Int("processed", prog.Processed).
		Msg("resuming from checkpoint")
	prog.Total = total
	return prog, nil
}

func (r *Runner) logETA(prog *Progress, start time.Time, handled, total int) {
	elapsed := time.Since(start)
	if handled == 0 {
		return
	}
	perItem := elapsed / time.Duration(handled)
	remaining := time.Duration(total-handled) * perItem
	r.opts.Log.Info().
		Int("processed", prog.Processed).
		Int("total", prog.Total).
		Str("elapsed", elapsed.Round(time.Second).String()).
		Str("eta", remaining.Round(time.Second).String()).
		Msg("batch progress")
}

func (r *Runner) logSummary(prog *Progress, start time.Time) {
	ev := r.opts.Log.Info().
		Int("processed", prog.Processed).
		Int("failed", len(prog.Failed)).
		Str("elapsed", time.Since(start).Round(time.Second).String())
	for tier, n := range prog.TierCounts {
		ev = ev.Int(fmt.Sprintf("tier_%s", tier), n)
	}
	ev.Msg("batch complete")
}
