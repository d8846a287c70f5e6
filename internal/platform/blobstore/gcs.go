package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// uploadChunkSize is the resumable upload chunk size; archives are streamed
// through the writer in pieces of this size.
const uploadChunkSize = 10 << 20

// GCSBlobStore stores objects in a Google Cloud Storage bucket.
type GCSBlobStore struct {
	client    *storage.Client
	bucket    string
	projectID string
}

// NewGCSBlobStore wraps an existing storage client. projectID is only used
// when EnsureBucket has to create the bucket.
func NewGCSBlobStore(client *storage.Client, bucket, projectID string) *GCSBlobStore {
	return &GCSBlobStore{client: client, bucket: bucket, projectID: projectID}
}

func (s *GCSBlobStore) Bucket() string   { return s.bucket }
func (s *GCSBlobStore) Provider() string { return "gcs" }

func (s *GCSBlobStore) EnsureBucket(ctx context.Context) (bool, error) {
	b := s.client.Bucket(s.bucket)
	_, err := b.Attrs(ctx)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, storage.ErrBucketNotExist) {
		return false, fmt.Errorf("gcs bucket %s attrs: %w", s.bucket, err)
	}
	if s.projectID == "" {
		return false, fmt.Errorf("gcs bucket %s: %w and no project configured to create it", s.bucket, ErrBucketNotFound)
	}
	if err := b.Create(ctx, s.projectID, nil); err != nil {
		return false, fmt.Errorf("gcs create bucket %s: %w", s.bucket, err)
	}
	return true, nil
}

// Put streams the body through a resumable writer. A body that fails to read
// aborts the upload, so no partial object is committed.
func (s *GCSBlobStore) Put(ctx context.Context, in PutInput) (*ObjectInfo, error) {
	if in.Key == "" {
		return nil, ErrMissingKey
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(in.Key).NewWriter(ctx)
	w.ChunkSize = uploadChunkSize
	w.ContentType = in.ContentType
	w.ContentDisposition = in.ContentDisposition
	w.CacheControl = in.CacheControl
	w.Metadata = copyMeta(in.Metadata)

	if _, err := io.Copy(w, in.Body); err != nil {
		cancel()
		_ = w.Close()
		return nil, fmt.Errorf("gcs upload %s: %w", in.Key, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gcs finalize %s: %w", in.Key, err)
	}
	return fromAttrs(w.Attrs()), nil
}

func (s *GCSBlobStore) Open(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	obj := s.client.Bucket(s.bucket).Object(key)
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return nil, nil, mapGCSErr(key, err)
	}
	rc, err := obj.NewReader(ctx)
	if err != nil {
		return nil, nil, mapGCSErr(key, err)
	}
	return rc, fromAttrs(attrs), nil
}

func (s *GCSBlobStore) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	attrs, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err != nil {
		return nil, mapGCSErr(key, err)
	}
	return fromAttrs(attrs), nil
}

func (s *GCSBlobStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	out := make([]ObjectInfo, 0)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate gcs objects under %s: %w", prefix, err)
		}
		out = append(out, *fromAttrs(attrs))
	}
	return out, nil
}

func (s *GCSBlobStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Bucket(s.bucket).Object(key).Delete(ctx); err != nil {
		return mapGCSErr(key, err)
	}
	return nil
}

func mapGCSErr(key string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrBlobNotFound
	}
	return fmt.Errorf("gcs object %s: %w", key, err)
}

func fromAttrs(a *storage.ObjectAttrs) *ObjectInfo {
	if a == nil {
		return &ObjectInfo{}
	}
	return &ObjectInfo{
		Key:                a.Name,
		Size:               a.Size,
		ContentType:        a.ContentType,
		ContentDisposition: a.ContentDisposition,
		CacheControl:       a.CacheControl,
		ETag:               a.Etag,
		Metadata:           a.Metadata,
		LastModified:       a.Updated,
	}
}
