package policycache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoCache is returned when no bundle has ever been cached.
var ErrNoCache = errors.New("policycache: no cached bundle")

const (
	bundleFile   = "bundle.json"
	metadataFile = "metadata.json"
)

// FileStore persists bundles under a local directory. Writes go through a
// temp file and rename so a crash mid-write never leaves a torn bundle.
type FileStore struct {
	dir string
}

// NewFileStore creates the cache directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create policy cache dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Save(b *Bundle, meta *CacheMetadata) error {
	if err := s.writeJSON(bundleFile, b); err != nil {
		return err
	}
	return s.writeJSON(metadataFile, meta)
}

func (s *FileStore) Load() (*Bundle, *CacheMetadata, error) {
	var b Bundle
	if err := s.readJSON(bundleFile, &b); err != nil {
		return nil, nil, err
	}
	var meta CacheMetadata
	if err := s.readJSON(metadataFile, &meta); err != nil {
		return nil, nil, err
	}
	return &b, &meta, nil
}

func (s *FileStore) Clear() error {
	for _, name := range []string{bundleFile, metadataFile} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}
	return nil
}

func (s *FileStore) writeJSON(name string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	target := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", name, err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) readJSON(name string, v any) error {
	raw, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNoCache
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}
