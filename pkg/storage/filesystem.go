package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cyclopcam/logs"
)

// StorageFS keeps blobs as files below Root
type StorageFS struct {
	Root string
	log  logs.Log
}

func NewStorageFS(log logs.Log, root string) (*StorageFS, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("Failed to create blob directory %v: %w", absRoot, err)
	}
	return &StorageFS{
		Root: absRoot,
		log:  log,
	}, nil
}

func (s *StorageFS) fullPath(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", fmt.Errorf("%w '%v'", err, name)
	}
	return filepath.Join(s.Root, filepath.FromSlash(name)), nil
}

// The filesystem has nowhere to keep the content type, so we infer it from the extension
func contentTypeOf(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func notFound(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// Put writes to a temporary file and renames it, so that readers never see a partial blob
func (s *StorageFS) Put(ctx context.Context, name, contentType string, data []byte) error {
	full, err := s.fullPath(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return err
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return err
	}
	s.log.Debugf("Wrote %v (%v bytes)", name, len(data))
	return nil
}

func (s *StorageFS) Get(ctx context.Context, name string) ([]byte, *Blob, error) {
	full, err := s.fullPath(name)
	if err != nil {
		return nil, nil, err
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, nil, notFound(err)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, nil, notFound(err)
	}
	return data, &Blob{
		Name:        name,
		ContentType: contentTypeOf(name),
		Size:        int64(len(data)),
		ModifiedAt:  st.ModTime(),
	}, nil
}

func (s *StorageFS) Delete(ctx context.Context, name string) error {
	full, err := s.fullPath(name)
	if err != nil {
		return err
	}
	return notFound(os.Remove(full))
}

func (s *StorageFS) List(ctx context.Context, prefix string) ([]Blob, error) {
	blobs := []Blob{}
	err := filepath.WalkDir(s.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(s.Root, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// Deleted while we were walking
			return nil
		}
		blobs = append(blobs, Blob{
			Name:        name,
			ContentType: contentTypeOf(name),
			Size:        info.Size(),
			ModifiedAt:  info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(blobs, func(a, b Blob) int {
		return strings.Compare(a.Name, b.Name)
	})
	return blobs, nil
}

func (s *StorageFS) URL(name string) (string, error) {
	return "", ErrNoPublicUrl
}
