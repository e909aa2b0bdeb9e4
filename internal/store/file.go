package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lukasbauer/parley/internal/dialogue"
	"gopkg.in/yaml.v3"
)

// FileStore keeps the dialogue in a single JSON or YAML file, chosen by extension.
// Writes go to a temporary file that is renamed over the target, so a crash leaves
// either the previous or the new snapshot on disk.
type FileStore struct {
	path string
	yaml bool
	mu   sync.Mutex
}

// NewFile returns a store writing to path. Files ending in .yaml or .yml are YAML;
// everything else is indented JSON.
func NewFile(path string) *FileStore {
	ext := strings.ToLower(filepath.Ext(path))
	return &FileStore{path: path, yaml: ext == ".yaml" || ext == ".yml"}
}

// Path returns the file the store writes to.
func (s *FileStore) Path() string {
	return s.path
}

// Save writes records to the file.
func (s *FileStore) Save(ctx context.Context, records []dialogue.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if records == nil {
		records = []dialogue.Record{}
	}

	data, err := s.encode(records)
	if err != nil {
		return fmt.Errorf("encode dialogue: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Load reads the file. A missing file is an empty dialogue.
func (s *FileStore) Load(ctx context.Context) ([]dialogue.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	data, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var records []dialogue.Record
	if s.yaml {
		err = yaml.Unmarshal(data, &records)
	} else {
		err = json.Unmarshal(data, &records)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return records, nil
}

func (s *FileStore) encode(records []dialogue.Record) ([]byte, error) {
	if s.yaml {
		return yaml.Marshal(records)
	}
	return json.MarshalIndent(records, "", "  ")
}
