package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"DistMR/internal/types"
)

// FileStore persists map results as JSON objects in one directory. Result
// locations are plain file paths so any worker sharing the filesystem can
// read them back during reduce.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create result directory: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve result directory: %w", err)
	}
	return &FileStore{dir: abs}, nil
}

func (s *FileStore) Dir() string {
	return s.dir
}

// SaveMapResult writes o to a fresh <uuid>.json file and returns its path.
func (s *FileStore) SaveMapResult(o types.Occurrences) (string, error) {
	path := filepath.Join(s.dir, uuid.New().String()+".json")
	if err := WriteJSON(path, o); err != nil {
		return "", err
	}
	return path, nil
}

// Load reads a result written by SaveMapResult or WriteJSON.
func (s *FileStore) Load(location string) (types.Occurrences, error) {
	data, err := os.ReadFile(location)
	if err != nil {
		return nil, fmt.Errorf("failed to read result %s: %w", location, err)
	}

	var o types.Occurrences
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to decode result %s: %w", location, err)
	}
	if o == nil {
		o = types.Occurrences{}
	}
	return o, nil
}

// WriteJSON writes o to path through a temporary file and a rename, so a
// reader never sees a half-written result.
func WriteJSON(path string, o types.Occurrences) error {
	if o == nil {
		o = types.Occurrences{}
	}
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
