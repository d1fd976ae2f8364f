// Package batch runs the prediction pipeline over image collections with
// resumable, interrupt-safe progress tracking.
package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"watch-tagger/internal/pipeline"
)

// Progress is the checkpoint state of a batch run. It is written atomically
// so an interrupt never leaves a truncated checkpoint behind.
type Progress struct {
	RunID      string                `json:"run_id"`
	StartedAt  time.Time             `json:"started_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
	Total      int                   `json:"total"`
	Processed  int                   `json:"processed"`
	TierCounts map[pipeline.Tier]int `json:"tier_counts"`
	Done       map[string]bool       `json:"done"`
	Failed     map[string]string     `json:"failed"`
}

// NewProgress starts fresh checkpoint state for total items.
func NewProgress(total int) *Progress {
	now := time.Now().UTC()
	return &Progress{
		RunID:      uuid.NewString(),
		StartedAt:  now,
		UpdatedAt:  now,
		Total:      total,
		TierCounts: make(map[pipeline.Tier]int),
		Done:       make(map[string]bool),
		Failed:     make(map[string]string),
	}
}

// LoadProgress reads checkpoint state from path. A missing file returns
// (nil, nil); a corrupt file is an error so a bad checkpoint is never
// silently discarded.
func LoadProgress(path string) (*Progress, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read progress file: %w", err)
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse progress file %s: %w", path, err)
	}
	if p.TierCounts == nil {
		p.TierCounts = make(map[pipeline.Tier]int)
	}
	if p.Done == nil {
		p.Done = make(map[string]bool)
	}
	if p.Failed == nil {
		p.Failed = make(map[string]string)
	}
	return &p, nil
}

// Save writes the checkpoint via a temp file and rename.
func (p *Progress) Save(path string) error {
	p.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write progress: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace progress file: %w", err)
	}
	return nil
}

// IsDone reports whether an image was already processed in this or an
// earlier run.
func (p *Progress) IsDone(imageID string) bool {
	return p.Done[imageID]
}

// Mark records one processed image and its producing tier.
func (p *Progress) Mark(imageID string, tier pipeline.Tier) {
	if p.Done[imageID] {
		return
	}
	p.Done[imageID] = true
	p.Processed++
	p.TierCounts[tier]++
}

// MarkFailed records an image that could not be read. Failed images are not
// counted as processed and produce no output.
func (p *Progress) MarkFailed(imageID, reason string) {
	p.Failed[imageID] = reason
}
