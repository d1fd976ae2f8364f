package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"watch-tagger/internal/cache"
	"watch-tagger/internal/imgio"
	"watch-tagger/internal/pipeline"
	"watch-tagger/pkg/geometry"
)

type countingPredictor struct {
	calls int
	tier  pipeline.Tier
}

func (p *countingPredictor) Predict(ctx context.Context, img gocv.Mat, width, height int) *pipeline.Result {
	p.calls++
	res := &pipeline.Result{
		Confidence:  0.8,
		Tier:        p.tier,
		ImageWidth:  width,
		ImageHeight: height,
		CreatedAt:   time.Now().UTC(),
	}
	res.Keypoints.Center = geometry.Point2D{X: 0.5, Y: 0.5}
	res.Keypoints.Top = geometry.Point2D{X: 0.5, Y: 0.2}
	res.Keypoints.Bottom = geometry.Point2D{X: 0.5, Y: 0.8}
	res.Keypoints.Left = geometry.Point2D{X: 0.2, Y: 0.5}
	res.Keypoints.Right = geometry.Point2D{X: 0.8, Y: 0.5}
	return res
}

// stubLoad avoids touching the filesystem or OpenCV; image bytes derive from
// the path so each item gets a distinct cache key.
func stubLoad(path string) (*imgio.Image, error) {
	return &imgio.Image{
		Path:   path,
		Bytes:  []byte("img:" + path),
		Width:  640,
		Height: 480,
	}, nil
}

func newTestRunner(t *testing.T, p Predictor, opts Options) *Runner {
	t.Helper()
	if opts.Saver == nil {
		saver, err := NewSaver(t.TempDir())
		require.NoError(t, err)
		opts.Saver = saver
	}
	if opts.ProgressPath == "" {
		opts.ProgressPath = filepath.Join(t.TempDir(), "progress.json")
	}
	if opts.CheckpointEvery == 0 {
		opts.CheckpointEvery = 2
	}
	opts.Log = zerolog.Nop()
	r := NewRunner(p, opts)
	r.loadImage = stubLoad
	r.decodeImage = func(img *imgio.Image) error { return nil }
	return r
}

func makeItems(n int, group string) []Item {
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{
			Path:    fmt.Sprintf("/images/%s/%03d.jpg", group, i),
			ImageID: fmt.Sprintf("%03d", i),
			GroupID: group,
		}
	}
	return items
}

func TestRunnerProcessesAll(t *testing.T) {
	pred := &countingPredictor{tier: pipeline.TierPrimary}
	r := newTestRunner(t, pred, Options{})
	items := makeItems(5, "g1")

	prog, err := r.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, 5, pred.calls)
	assert.Equal(t, 5, prog.Processed)
	assert.Equal(t, 5, prog.TierCounts[pipeline.TierPrimary])
	assert.Empty(t, prog.Failed)

	entries, err := r.opts.Saver.Load("g1")
	require.NoError(t, err)
	require.Len(t, entries, 5)
	e := entries["002"]
	assert.Equal(t, [2]int{640, 480}, e.ImageSize)
	assert.Equal(t, pipeline.TierPrimary, e.Tier)
	assert.NotEmpty(t, e.Annotator)
	_, perr := time.Parse(time.RFC3339, e.CreatedAt)
	assert.NoError(t, perr)

	// The final checkpoint exists and matches.
	saved, err := LoadProgress(r.opts.ProgressPath)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, 5, saved.Processed)
}

func TestRunnerResumeSkipsDone(t *testing.T) {
	saver, err := NewSaver(t.TempDir())
	require.NoError(t, err)
	progressPath := filepath.Join(t.TempDir(), "progress.json")

	items := makeItems(5, "g1")

	first := &countingPredictor{tier: pipeline.TierPrimary}
	r1 := newTestRunner(t, first, Options{Saver: saver, ProgressPath: progressPath})
	_, err = r1.Run(context.Background(), items[:3])
	require.NoError(t, err)
	require.Equal(t, 3, first.calls)

	second := &countingPredictor{tier: pipeline.TierPrimary}
	r2 := newTestRunner(t, second, Options{Saver: saver, ProgressPath: progressPath})
	prog, err := r2.Run(context.Background(), items)
	require.NoError(t, err)

	// Only the two remaining images were processed; nothing ran twice.
	assert.Equal(t, 2, second.calls)
	assert.Equal(t, 5, prog.Processed)

	entries, err := saver.Load("g1")
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestRunnerInterruptCheckpointsAndResumes(t *testing.T) {
	saver, err := NewSaver(t.TempDir())
	require.NoError(t, err)
	progressPath := filepath.Join(t.TempDir(), "progress.json")
	items := makeItems(6, "g1")

	ctx, cancel := context.WithCancel(context.Background())
	pred := &countingPredictor{tier: pipeline.TierGeometric}
	r := newTestRunner(t, pred, Options{Saver: saver, ProgressPath: progressPath})

	// Cancel after the third image by wrapping the load hook.
	r.loadImage = func(path string) (*imgio.Image, error) {
		if pred.calls == 3 {
			cancel()
		}
		return stubLoad(path)
	}

	_, err = r.Run(ctx, items)
	require.ErrorIs(t, err, context.Canceled)

	prog, err := LoadProgress(progressPath)
	require.NoError(t, err)
	require.NotNil(t, prog)
	assert.Equal(t, pred.calls, prog.Processed)
	assert.Less(t, prog.Processed, 6)

	// Resume completes the rest exactly once.
	resumed := &countingPredictor{tier: pipeline.TierGeometric}
	r2 := newTestRunner(t, resumed, Options{Saver: saver, ProgressPath: progressPath})
	final, err := r2.Run(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, 6, final.Processed)
	assert.Equal(t, 6, pred.calls+resumed.calls)

	entries, err := saver.Load("g1")
	require.NoError(t, err)
	assert.Len(t, entries, 6)
}

func TestRunnerCacheHitSkipsPrediction(t *testing.T) {
	store, err := cache.New(t.TempDir(), 16, zerolog.Nop())
	require.NoError(t, err)

	fingerprint := []byte(`{"v":1}`)
	items := makeItems(1, "g1")

	img, _ := stubLoad(items[0].Path)
	cached := (&countingPredictor{tier: pipeline.TierPrimary}).Predict(context.Background(), gocv.Mat{}, 640, 480)
	require.NoError(t, store.Put(cache.Key(img.Bytes, "v1", fingerprint), cached))

	pred := &countingPredictor{tier: pipeline.TierPrimary}
	r := newTestRunner(t, pred, Options{
		Cache:       store,
		Version:     "v1",
		Fingerprint: fingerprint,
	})

	prog, err := r.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, 0, pred.calls)
	assert.Equal(t, 1, prog.Processed)

	entries, err := r.opts.Saver.Load("g1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRunnerCachePopulatedOnMiss(t *testing.T) {
	store, err := cache.New(t.TempDir(), 16, zerolog.Nop())
	require.NoError(t, err)

	pred := &countingPredictor{tier: pipeline.TierPrimary}
	r := newTestRunner(t, pred, Options{
		Cache:       store,
		Version:     "v1",
		Fingerprint: []byte("{}"),
	})
	items := makeItems(1, "g1")

	_, err = r.Run(context.Background(), items)
	require.NoError(t, err)
	require.Equal(t, 1, pred.calls)

	img, _ := stubLoad(items[0].Path)
	_, ok := store.Get(cache.Key(img.Bytes, "v1", []byte("{}")))
	assert.True(t, ok)
}

func TestRunnerForceBypassesCache(t *testing.T) {
	store, err := cache.New(t.TempDir(), 16, zerolog.Nop())
	require.NoError(t, err)

	fingerprint := []byte("{}")
	items := makeItems(1, "g1")

	// A stale entry from an earlier run.
	img, _ := stubLoad(items[0].Path)
	key := cache.Key(img.Bytes, "v1", fingerprint)
	stale := (&countingPredictor{tier: pipeline.TierCenterDefault}).Predict(context.Background(), gocv.Mat{}, 640, 480)
	require.NoError(t, store.Put(key, stale))

	pred := &countingPredictor{tier: pipeline.TierPrimary}
	r := newTestRunner(t, pred, Options{
		Cache:       store,
		Version:     "v1",
		Fingerprint: fingerprint,
		Force:       true,
	})

	_, err = r.Run(context.Background(), items)
	require.NoError(t, err)

	// Recomputed, not served stale; the cache entry is refreshed.
	assert.Equal(t, 1, pred.calls)
	entries, err := r.opts.Saver.Load("g1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.TierPrimary, entries["000"].Tier)

	refreshed, ok := store.Get(key)
	require.True(t, ok)
	assert.Equal(t, pipeline.TierPrimary, refreshed.Tier)
}

type panickyPredictor struct {
	countingPredictor
	panicOn int
}

func (p *panickyPredictor) Predict(ctx context.Context, img gocv.Mat, width, height int) *pipeline.Result {
	if p.calls == p.panicOn {
		p.calls++
		panic("mat has been closed")
	}
	return p.countingPredictor.Predict(ctx, img, width, height)
}

func TestRunnerSurvivesPredictorPanic(t *testing.T) {
	pred := &panickyPredictor{countingPredictor: countingPredictor{tier: pipeline.TierPrimary}, panicOn: 1}
	r := newTestRunner(t, pred, Options{})
	items := makeItems(3, "g1")

	prog, err := r.Run(context.Background(), items)
	require.NoError(t, err)

	// The panicking image degrades to the default layout; the run finishes.
	assert.Equal(t, 3, prog.Processed)
	assert.Equal(t, 1, prog.TierCounts[pipeline.TierCenterDefault])
	assert.Equal(t, 2, prog.TierCounts[pipeline.TierPrimary])

	entries, err := r.opts.Saver.Load("g1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, pipeline.TierCenterDefault, entries["001"].Tier)
}

func TestRunnerUnreadableImageSkipped(t *testing.T) {
	pred := &countingPredictor{tier: pipeline.TierPrimary}
	r := newTestRunner(t, pred, Options{})
	r.loadImage = func(path string) (*imgio.Image, error) {
		if filepath.Base(path) == "001.jpg" {
			return nil, os.ErrPermission
		}
		return stubLoad(path)
	}
	items := makeItems(3, "g1")

	prog, err := r.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, 2, pred.calls)
	assert.Equal(t, 2, prog.Processed)
	require.Contains(t, prog.Failed, "001")

	entries, err := r.opts.Saver.Load("g1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.NotContains(t, entries, "001")
}

func TestRunnerUndecodableImageGetsDefaultLayout(t *testing.T) {
	pred := &countingPredictor{tier: pipeline.TierPrimary}
	r := newTestRunner(t, pred, Options{})
	r.decodeImage = func(img *imgio.Image) error {
		if filepath.Base(img.Path) == "001.jpg" {
			return fmt.Errorf("truncated data")
		}
		return nil
	}
	items := makeItems(3, "g1")

	prog, err := r.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, 2, pred.calls)
	assert.Equal(t, 3, prog.Processed)
	assert.Equal(t, 1, prog.TierCounts[pipeline.TierCenterDefault])

	entries, err := r.opts.Saver.Load("g1")
	require.NoError(t, err)
	require.Contains(t, entries, "001")
	assert.Equal(t, pipeline.TierCenterDefault, entries["001"].Tier)
}

func TestRunnerForceReprocesses(t *testing.T) {
	saver, err := NewSaver(t.TempDir())
	require.NoError(t, err)
	progressPath := filepath.Join(t.TempDir(), "progress.json")
	items := makeItems(3, "g1")

	first := &countingPredictor{tier: pipeline.TierPrimary}
	r1 := newTestRunner(t, first, Options{Saver: saver, ProgressPath: progressPath})
	_, err = r1.Run(context.Background(), items)
	require.NoError(t, err)

	second := &countingPredictor{tier: pipeline.TierPrimary}
	r2 := newTestRunner(t, second, Options{Saver: saver, ProgressPath: progressPath, Force: true})
	prog, err := r2.Run(context.Background(), items)
	require.NoError(t, err)

	assert.Equal(t, 3, second.calls)
	assert.Equal(t, 3, prog.Processed)
}

func TestProgressRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")

	p := NewProgress(10)
	p.Mark("a", pipeline.TierPrimary)
	p.Mark("b", pipeline.TierCenterDefault)
	p.MarkFailed("c", "unreadable")
	require.NoError(t, p.Save(path))

	got, err := LoadProgress(path)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.RunID, got.RunID)
	assert.Equal(t, 2, got.Processed)
	assert.True(t, got.IsDone("a"))
	assert.False(t, got.IsDone("c"))
	assert.Equal(t, 1, got.TierCounts[pipeline.TierPrimary])
	assert.Equal(t, "unreadable", got.Failed["c"])
}

func TestLoadProgressMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()

	got, err := LoadProgress(filepath.Join(dir, "absent.json"))
	require.NoError(t, err)
	assert.Nil(t, got)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{truncated"), 0o644))
	_, err = LoadProgress(bad)
	assert.Error(t, err)
}

func TestProgressMarkIsIdempotent(t *testing.T) {
	p := NewProgress(2)
	p.Mark("a", pipeline.TierPrimary)
	p.Mark("a", pipeline.TierPrimary)
	assert.Equal(t, 1, p.Processed)
	assert.Equal(t, 1, p.TierCounts[pipeline.TierPrimary])
}
