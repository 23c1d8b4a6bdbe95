package storage

// Package storage is a small blob store abstraction, with filesystem and
// Google Cloud Storage implementations. Names are slash separated, like object names in a bucket.

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
)

var (
	ErrNoPublicUrl = errors.New("Blob store has no public URL")
	ErrNotFound    = errors.New("Blob not found")
	ErrInvalidName = errors.New("Invalid blob name")
)

// Blob describes an object in the store
type Blob struct {
	Name        string
	ContentType string
	Size        int64
	ModifiedAt  time.Time
}

type Store interface {
	// Put creates or replaces the blob called name
	Put(ctx context.Context, name, contentType string, data []byte) error

	// Get returns ErrNotFound if the blob does not exist
	Get(ctx context.Context, name string) ([]byte, *Blob, error)

	// Delete returns ErrNotFound if the blob does not exist
	Delete(ctx context.Context, name string) error

	// List returns the blobs whose names start with prefix, sorted by name
	List(ctx context.Context, prefix string) ([]Blob, error)

	// Public URL of the blob, or ErrNoPublicUrl
	URL(name string) (string, error)
}

// ValidateName rejects names that could escape the root of a filesystem store
func ValidateName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return ErrInvalidName
	}
	if slices.Contains(strings.Split(name, "/"), "..") {
		return ErrInvalidName
	}
	return nil
}

// DeleteAllButNewest deletes the blobs in blobs that are not among the newest keep, judged by name.
// This is for names that start with a sortable timestamp. Blobs that have already vanished are ignored.
func DeleteAllButNewest(ctx context.Context, s Store, blobs []Blob, keep int) (int, error) {
	if len(blobs) <= keep {
		return 0, nil
	}
	sorted := slices.Clone(blobs)
	slices.SortFunc(sorted, func(a, b Blob) int {
		return strings.Compare(a.Name, b.Name)
	})
	nDeleted := 0
	for _, b := range sorted[:len(sorted)-keep] {
		if err := s.Delete(ctx, b.Name); err != nil && !errors.Is(err, ErrNotFound) {
			return nDeleted, err
		}
		nDeleted++
	}
	return nDeleted, nil
}
