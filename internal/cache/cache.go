// Package cache stores prediction results keyed by image content and
// pipeline configuration, so reruns skip already-computed images and any
// change to the pipeline invalidates prior entries.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"watch-tagger/internal/pipeline"
)

// Key derives the cache key for one image under one pipeline configuration.
// The key changes when the image bytes, the pipeline version, or any
// output-affecting configuration value changes.
func Key(image []byte, version string, fingerprint []byte) string {
	img := sha256.Sum256(image)
	cfg := sha256.Sum256(fingerprint)
	return hex.EncodeToString(img[:]) + "_" + version + "_" + hex.EncodeToString(cfg[:])
}

// Store is a file-per-entry result cache with an in-memory front.
type Store struct {
	dir string
	mem *lru.Cache[string, *pipeline.Result]
	log zerolog.Logger
}

// New opens a cache rooted at dir, creating it if needed. memSize bounds the
// in-memory front.
func New(dir string, memSize int, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	mem, err := lru.New[string, *pipeline.Result](memSize)
	if err != nil {
		return nil, fmt.Errorf("create memory cache: %w", err)
	}
	return &Store{dir: dir, mem: mem, log: log}, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Get returns the cached result for key. A missing, unreadable or corrupt
// entry is a miss, never an error.
func (s *Store) Get(key string) (*pipeline.Result, bool) {
	if res, ok := s.mem.Get(key); ok {
		return res, true
	}

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, false
	}
	var res pipeline.Result
	if err := json.Unmarshal(data, &res); err != nil {
		s.log.Debug().Str("key", key).Err(err).Msg("discarding corrupt cache entry")
		os.Remove(s.path(key))
		return nil, false
	}
	s.mem.Add(key, &res)
	return &res, true
}

// Put stores a result under key.
func (s *Store) Put(key string, res *pipeline.Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := os.WriteFile(s.path(key), data, 0o644); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	s.mem.Add(key, res)
	return nil
}

// Size returns the number of entries on disk.
func (s *Store) Size() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read cache dir: %w", err)
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			n++
		}
	}
	return n, nil
}

// Clear removes every entry.
func (s *Store) Clear() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read cache dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			return fmt.Errorf("remove cache entry: %w", err)
		}
	}
	s.mem.Purge()
	return nil
}
