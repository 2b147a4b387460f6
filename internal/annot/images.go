package annot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DirImageStore keeps annotation images as PNG files under a base
// directory, one subdirectory per library.
type DirImageStore struct {
	dir string
}

// NewDirImageStore creates an image store rooted at dir.
func NewDirImageStore(dir string) *DirImageStore {
	return &DirImageStore{dir: dir}
}

func (s *DirImageStore) path(libraryID int64, key string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d", libraryID), key+".png")
}

func (s *DirImageStore) SaveAnnotationImage(_ context.Context, libraryID int64, key string, data []byte) error {
	p := s.path(libraryID, key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating image directory: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("writing annotation image %s: %w", key, err)
	}
	return nil
}

func (s *DirImageStore) DeleteAnnotationImage(_ context.Context, libraryID int64, key string) error {
	err := os.Remove(s.path(libraryID, key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing annotation image %s: %w", key, err)
	}
	return nil
}
