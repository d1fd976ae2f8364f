// Package server exposes the prediction pipeline over HTTP for annotation
// frontends. Responses use percentage coordinates, the convention of the
// labeling tools this service feeds.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"watch-tagger/internal/cache"
	"watch-tagger/internal/config"
	"watch-tagger/internal/imgio"
	"watch-tagger/internal/keypoint"
	"watch-tagger/internal/pipeline"
)

// Predictor produces a prediction for one decoded image.
type Predictor interface {
	Predict(ctx context.Context, img gocv.Mat, width, height int) *pipeline.Result
}

// PredictRequest is the POST /predict body. Image is a path or a media
// reference like /label-studio/media/upload/1/abc.jpg.
type PredictRequest struct {
	Image  string `json:"image"`
	TaskID string `json:"task_id"`
}

// Keypoint is one named point in percentage coordinates.
type Keypoint struct {
	ID    string  `json:"id"`
	Label string  `json:"label"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

// PredictResponse is the POST /predict reply.
type PredictResponse struct {
	TaskID      string        `json:"task_id,omitempty"`
	Annotator   string        `json:"annotator"`
	Confidence  float64       `json:"confidence"`
	Tier        pipeline.Tier `json:"tier"`
	Keypoints   []Keypoint    `json:"keypoints"`
	ImageWidth  int           `json:"image_width"`
	ImageHeight int           `json:"image_height"`
}

// Handler serves prediction requests.
type Handler struct {
	predictor   Predictor
	store       *cache.Store
	fingerprint []byte
	paths       config.PathsConfig
	model       string
	log         zerolog.Logger

	// loadImage and decodeImage are swappable in tests.
	loadImage   func(path string) (*imgio.Image, error)
	decodeImage func(img *imgio.Image) error
}

// NewHandler assembles a handler. store may be nil to disable caching.
func NewHandler(predictor Predictor, store *cache.Store, fingerprint []byte, paths config.PathsConfig, model string, log zerolog.Logger) *Handler {
	return &Handler{
		predictor:   predictor,
		store:       store,
		fingerprint: fingerprint,
		paths:       paths,
		model:       model,
		log:         log,
		loadImage:   imgio.Read,
		decodeImage: (*imgio.Image).Decode,
	}
}

// Mux returns the route table.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/predict", h.PredictHandler)
	mux.HandleFunc("/health", h.HealthHandler)
	mux.HandleFunc("/version", h.VersionHandler)
	return mux
}

// PredictHandler handles POST /predict.
func (h *Handler) PredictHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req PredictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Image == "" {
		respondError(w, "image is required", http.StatusBadRequest)
		return
	}

	path := h.resolvePath(req.Image)
	img, err := h.loadImage(path)
	if err != nil {
		h.log.Warn().Str("image", req.Image).Err(err).Msg("image not readable")
		respondError(w, "image not found", http.StatusNotFound)
		return
	}
	defer img.Close()

	res := h.predict(r.Context(), img)

	resp := PredictResponse{
		TaskID:      req.TaskID,
		Annotator:   res.Annotator(),
		Confidence:  res.Confidence,
		Tier:        res.Tier,
		Keypoints:   percentKeypoints(res.Keypoints),
		ImageWidth:  res.ImageWidth,
		ImageHeight: res.ImageHeight,
	}
	h.log.Info().Str("task", req.TaskID).Str("tier", string(res.Tier)).
		Float64("confidence", res.Confidence).Msg("prediction served")
	respondJSON(w, resp, http.StatusOK)
}

// predict consults the cache, then runs the pipeline. Decode failures yield
// the default layout, so the endpoint still answers with five keypoints.
func (h *Handler) predict(ctx context.Context, img *imgio.Image) *pipeline.Result {
	var key string
	if h.store != nil {
		key = cache.Key(img.Bytes, config.PipelineVersion, h.fingerprint)
		if res, ok := h.store.Get(key); ok {
			return res
		}
	}

	res := h.safePredict(ctx, img)

	if h.store != nil {
		if err := h.store.Put(key, res); err != nil {
			h.log.Warn().Err(err).Msg("cache write failed")
		}
	}
	return res
}

// safePredict runs the pipeline on one image. Decode failures and panics
// from the prediction chain degrade to the default layout so the endpoint
// always answers.
func (h *Handler) safePredict(ctx context.Context, img *imgio.Image) (res *pipeline.Result) {
	defer func() {
		if p := recover(); p != nil {
			h.log.Error().Str("path", img.Path).Interface("panic", p).
				Msg("prediction panicked, using default layout")
			res = pipeline.DefaultResult(img.Width, img.Height)
		}
	}()

	if err := h.decodeImage(img); err != nil {
		h.log.Warn().Str("path", img.Path).Err(err).Msg("decode failed, using default layout")
		return pipeline.DefaultResult(img.Width, img.Height)
	}
	return h.predictor.Predict(ctx, img.Mat, img.Width, img.Height)
}

// HealthHandler handles GET /health.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "UP"}, http.StatusOK)
}

// VersionHandler handles GET /version.
func (h *Handler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{
		"version": config.PipelineVersion,
		"model":   h.model,
	}, http.StatusOK)
}

// resolvePath maps an external image reference onto the local filesystem.
// Media-mount references are rebased onto the local media directory; bare
// names resolve relative to it; absolute paths pass through.
func (h *Handler) resolvePath(ref string) string {
	if h.paths.MediaMount != "" && strings.HasPrefix(ref, h.paths.MediaMount+"/") {
		rel := strings.TrimPrefix(ref, h.paths.MediaMount+"/")
		return filepath.Join(h.paths.LocalMedia, filepath.FromSlash(rel))
	}
	if filepath.IsAbs(ref) {
		if _, err := os.Stat(ref); err == nil {
			return ref
		}
		return filepath.Join(h.paths.LocalMedia, filepath.Base(ref))
	}
	return filepath.Join(h.paths.LocalMedia, filepath.FromSlash(ref))
}

func percentKeypoints(set keypoint.Set) []Keypoint {
	pct := keypoint.NormToPercent(set)
	out := make([]Keypoint, 0, len(keypoint.Names))
	for _, name := range keypoint.Names {
		p, _ := pct.Get(name)
		out = append(out, Keypoint{
			ID:    uuid.NewString(),
			Label: name,
			X:     p.X,
			Y:     p.Y,
		})
	}
	return out
}

func respondJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, map[string]string{"error": message}, status)
}
