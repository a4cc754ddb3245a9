package models

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
)

// FileStore persists artifacts as one JSON file per version under a
// directory. Writes go through a temp file and rename so a crashed run
// never leaves a half-written artifact behind.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (fs *FileStore) path(strategyID string, foldID, version int) string {
	return filepath.Join(fs.dir, fmt.Sprintf("%s_fold%d_v%d.json", strategyID, foldID, version))
}

// Put writes the artifact. An existing version is never overwritten.
func (fs *FileStore) Put(a Artifact) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	path := fs.path(a.StrategyID, a.FoldID, a.Version)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("artifact %s already exists; versions are immutable", path)
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit artifact: %w", err)
	}
	return nil
}

// Get loads one artifact version.
func (fs *FileStore) Get(strategyID string, foldID, version int) (Artifact, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.path(strategyID, foldID, version))
	if os.IsNotExist(err) {
		return Artifact{}, ErrNotFound
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("read artifact: %w", err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return Artifact{}, fmt.Errorf("decode artifact: %w", err)
	}
	return a, nil
}

// ListVersions returns all stored versions for a key, unsorted.
func (fs *FileStore) ListVersions(strategyID string, foldID int) ([]int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	pattern := regexp.MustCompile("^" + regexp.QuoteMeta(strategyID) +
		"_fold" + strconv.Itoa(foldID) + `_v(\d+)\.json$`)
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("scan registry dir: %w", err)
	}
	var versions []int
	for _, e := range entries {
		m := pattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		v, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	return versions, nil
}
