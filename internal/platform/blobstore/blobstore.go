// Package blobstore stores study archive objects. It defines the BlobStore
// interface, an in-memory implementation for tests and development, a Google
// Cloud Storage implementation, and Echo handlers for listing and reading
// objects.
package blobstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound   = errors.New("blob not found")
	ErrMissingKey     = errors.New("object key is required")
	ErrBucketNotFound = errors.New("bucket not found")
)

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// PutInput describes an object to upload. Body is streamed; the store never
// needs the full object in memory.
type PutInput struct {
	Key                string
	ContentType        string
	ContentDisposition string
	CacheControl       string
	Metadata           map[string]string
	Body               io.Reader
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key                string            `json:"key"`
	Size               int64             `json:"size"`
	ContentType        string            `json:"content_type,omitempty"`
	ContentDisposition string            `json:"content_disposition,omitempty"`
	CacheControl       string            `json:"cache_control,omitempty"`
	ETag               string            `json:"etag,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	LastModified       time.Time         `json:"last_modified"`
}

// ---------------------------------------------------------------------------
// BlobStore interface
// ---------------------------------------------------------------------------

// BlobStore defines the contract for archive storage backends.
type BlobStore interface {
	// EnsureBucket creates the bucket when it does not exist. It reports
	// whether a bucket was created.
	EnsureBucket(ctx context.Context) (bool, error)
	Put(ctx context.Context, in PutInput) (*ObjectInfo, error)
	Open(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error)
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	Bucket() string
	Provider() string
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	info    ObjectInfo
	content []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore for testing/dev.
type InMemoryBlobStore struct {
	bucket string
	now    func() time.Time

	mu      sync.RWMutex
	created bool
	blobs   map[string]*storedBlob
}

// NewInMemoryBlobStore returns a ready-to-use InMemoryBlobStore.
func NewInMemoryBlobStore(bucket string) *InMemoryBlobStore {
	return &InMemoryBlobStore{
		bucket: bucket,
		now:    time.Now,
		blobs:  make(map[string]*storedBlob),
	}
}

func (s *InMemoryBlobStore) Bucket() string   { return s.bucket }
func (s *InMemoryBlobStore) Provider() string { return "memory" }

func (s *InMemoryBlobStore) EnsureBucket(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.created {
		return false, nil
	}
	s.created = true
	return true, nil
}

// Put reads the body, computes an MD5 etag, and stores the object. Nothing
// is stored when the body fails to read.
func (s *InMemoryBlobStore) Put(_ context.Context, in PutInput) (*ObjectInfo, error) {
	if strings.TrimSpace(in.Key) == "" {
		return nil, ErrMissingKey
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	sum := md5.Sum(data)

	info := ObjectInfo{
		Key:                in.Key,
		Size:               int64(len(data)),
		ContentType:        in.ContentType,
		ContentDisposition: in.ContentDisposition,
		CacheControl:       in.CacheControl,
		ETag:               hex.EncodeToString(sum[:]),
		Metadata:           copyMeta(in.Metadata),
		LastModified:       s.now().UTC(),
	}

	s.mu.Lock()
	s.created = true
	s.blobs[in.Key] = &storedBlob{info: info, content: data}
	s.mu.Unlock()

	out := info
	return &out, nil
}

func (s *InMemoryBlobStore) Open(_ context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	info := blob.info
	return io.NopCloser(bytes.NewReader(blob.content)), &info, nil
}

func (s *InMemoryBlobStore) Stat(_ context.Context, key string) (*ObjectInfo, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}
	info := blob.info
	return &info, nil
}

// List returns objects whose key starts with prefix, ordered by key.
func (s *InMemoryBlobStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ObjectInfo, 0)
	for k, b := range s.blobs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, b.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}

func copyMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
