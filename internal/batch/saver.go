package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"watch-tagger/internal/keypoint"
	"watch-tagger/internal/pipeline"
)

// Entry is one saved prediction inside a group output file. Coordinates are
// unit-normalized against the recorded image size.
type Entry struct {
	ImageSize   [2]int               `json:"image_size"`
	CoordsNorm  keypoint.Set         `json:"coords_norm"`
	Annotator   string               `json:"annotator"`
	Confidence  float64              `json:"confidence"`
	Tier        pipeline.Tier        `json:"tier"`
	CreatedAt   string               `json:"created_at"`
	Diagnostics pipeline.Diagnostics `json:"diagnostics"`
}

// Saver merges predictions into one JSON file per group, keyed by image ID.
// Existing entries from earlier runs are preserved.
type Saver struct {
	dir string
}

// NewSaver opens an output directory, creating it if needed.
func NewSaver(dir string) (*Saver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Saver{dir: dir}, nil
}

func (s *Saver) groupPath(groupID string) string {
	return filepath.Join(s.dir, groupID+".json")
}

// Load returns the entries of one group file. A missing file returns an
// empty map.
func (s *Saver) Load(groupID string) (map[string]Entry, error) {
	data, err := os.ReadFile(s.groupPath(groupID))
	if os.IsNotExist(err) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read group output: %w", err)
	}
	entries := map[string]Entry{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse group output %s: %w", s.groupPath(groupID), err)
	}
	return entries, nil
}

// Has reports whether an output already exists for imageID in its group.
func (s *Saver) Has(groupID, imageID string) bool {
	entries, err := s.Load(groupID)
	if err != nil {
		return false
	}
	_, ok := entries[imageID]
	return ok
}

// Save merges one prediction into its group file via read-modify-write and
// an atomic rename.
func (s *Saver) Save(groupID, imageID string, res *pipeline.Result) error {
	entries, err := s.Load(groupID)
	if err != nil {
		return err
	}

	entries[imageID] = Entry{
		ImageSize:   [2]int{res.ImageWidth, res.ImageHeight},
		CoordsNorm:  res.Keypoints,
		Annotator:   res.Annotator(),
		Confidence:  res.Confidence,
		Tier:        res.Tier,
		CreatedAt:   res.CreatedAt.UTC().Format(time.RFC3339),
		Diagnostics: res.Diagnostics,
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode group output: %w", err)
	}
	path := s.groupPath(groupID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write group output: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace group output: %w", err)
	}
	return nil
}

// Groups lists the group IDs with existing output files.
func (s *Saver) Groups() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read output dir: %w", err)
	}
	var groups []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) == ".json" {
			groups = append(groups, name[:len(name)-len(".json")])
		}
	}
	sort.Strings(groups)
	return groups, nil
}
