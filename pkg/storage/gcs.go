package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	gcs "cloud.google.com/go/storage"
	"github.com/cyclopcam/logs"
	"google.golang.org/api/iterator"
)

// StorageGCS keeps blobs in a Google Cloud Storage bucket.
// Credentials come from the environment (GOOGLE_APPLICATION_CREDENTIALS, or the metadata server).
type StorageGCS struct {
	bucketName string
	client     *gcs.Client
	bucket     *gcs.BucketHandle
	isPublic   bool
	log        logs.Log
}

func NewStorageGCS(log logs.Log, bucketName string, isPublic bool) (*StorageGCS, error) {
	client, err := gcs.NewClient(context.Background())
	if err != nil {
		return nil, fmt.Errorf("Failed to create GCS client: %w", err)
	}
	return &StorageGCS{
		bucketName: bucketName,
		client:     client,
		bucket:     client.Bucket(bucketName),
		isPublic:   isPublic,
		log:        log,
	}, nil
}

func (s *StorageGCS) Close() error {
	return s.client.Close()
}

func gcsError(err error) error {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func (s *StorageGCS) Put(ctx context.Context, name, contentType string, data []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	w := s.bucket.Object(name).NewWriter(ctx)
	w.ContentType = contentType
	// Debug snapshots are overwritten in place, so don't let a CDN hold on to them
	w.CacheControl = "no-cache"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (s *StorageGCS) Get(ctx context.Context, name string) ([]byte, *Blob, error) {
	r, err := s.bucket.Object(name).NewReader(ctx)
	if err != nil {
		return nil, nil, gcsError(err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}
	return data, &Blob{
		Name:        name,
		ContentType: r.Attrs.ContentType,
		Size:        r.Attrs.Size,
		ModifiedAt:  r.Attrs.LastModified,
	}, nil
}

func (s *StorageGCS) Delete(ctx context.Context, name string) error {
	return gcsError(s.bucket.Object(name).Delete(ctx))
}

func (s *StorageGCS) List(ctx context.Context, prefix string) ([]Blob, error) {
	blobs := []Blob{}
	it := s.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		} else if err != nil {
			return nil, err
		}
		blobs = append(blobs, Blob{
			Name:        attrs.Name,
			ContentType: attrs.ContentType,
			Size:        attrs.Size,
			ModifiedAt:  attrs.Updated,
		})
	}
	return blobs, nil
}

func (s *StorageGCS) URL(name string) (string, error) {
	if !s.isPublic {
		return "", ErrNoPublicUrl
	}
	return "https://storage.googleapis.com/" + s.bucketName + "/" + (&url.URL{Path: name}).EscapedPath(), nil
}
