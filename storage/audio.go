// Package storage holds the on-disk audio blob store. Relational rows only
// keep the generated file name as a back-reference.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chat-relay/errors"
)

type AudioStore struct {
	dir string
}

// NewAudioStore creates the backing directory if needed.
func NewAudioStore(dir string) (*AudioStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating audio dir: %w", err)
	}
	return &AudioStore{dir: dir}, nil
}

// Save writes one blob under a collision-resistant name derived from the
// capture timestamp and the original file name, and returns that name.
func (s *AudioStore) Save(content []byte, originalName string, ts time.Time) (string, error) {
	name := StoredName(originalName, ts)
	if err := os.WriteFile(filepath.Join(s.dir, name), content, 0o644); err != nil {
		return "", fmt.Errorf("writing audio blob: %w", err)
	}
	return name, nil
}

// Load reads a blob back by stored name. Names carrying path separators are
// rejected so a caller can never escape the store directory.
func (s *AudioStore) Load(name string) ([]byte, error) {
	if name == "" || filepath.Base(name) != name {
		return nil, errors.ErrUnsafeFileName
	}
	content, err := os.ReadFile(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return nil, errors.ErrAudioNotFound
	}
	if err != nil {
		return nil, err
	}
	return content, nil
}

// StoredName builds the on-disk name: the RFC3339 UTC timestamp with ':'
// replaced (Windows-safe) joined to the sanitized original name.
func StoredName(originalName string, ts time.Time) string {
	stamp := strings.ReplaceAll(ts.UTC().Format(time.RFC3339), ":", "-")
	return stamp + "_" + filepath.Base(originalName)
}
