// Package blobstore abstracts the object store that holds shards, sidecars,
// BigFile objects and extended-retention copies. Keys are slash-separated
// and relative to a store-level prefix chosen by the caller.
package blobstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned for keys that do not exist in the store.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is the minimal object-store surface the archive needs. All methods
// honor context cancellation. Implementations retry transient failures
// internally; ErrNotFound is terminal and never retried.
type Store interface {
	// Head returns object metadata without fetching the body.
	Head(ctx context.Context, key string) (ObjectInfo, error)

	// Get fetches the full object body.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetRange fetches length bytes starting at off. A range that runs past
	// the end of the object returns the available suffix without error.
	GetRange(ctx context.Context, key string, off, length int64) ([]byte, error)

	// Put stores data under key, overwriting any existing object.
	Put(ctx context.Context, key string, data []byte) error

	// List returns all objects under prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// RetentionSetter is implemented by stores that support object-level
// retention locks (S3 Object Lock and compatibles).
type RetentionSetter interface {
	SetRetention(ctx context.Context, key string, until time.Time) error
}

// ObjectReaderAt adapts a stored object to io.ReaderAt using range requests.
// Each ReadAt issues one GetRange; callers that re-read the same regions
// should layer a cache on top.
type ObjectReaderAt struct {
	ctx   context.Context
	store Store
	key   string
	size  int64
}

// NewObjectReaderAt returns a range-request-backed reader over key.
func NewObjectReaderAt(ctx context.Context, store Store, key string, size int64) *ObjectReaderAt {
	return &ObjectReaderAt{ctx: ctx, store: store, key: key, size: size}
}

// Size returns the object size the reader was opened with.
func (r *ObjectReaderAt) Size() int64 { return r.size }

// ReadAt implements io.ReaderAt.
func (r *ObjectReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= r.size {
		return 0, io.EOF
	}
	data, err := r.store.GetRange(r.ctx, r.key, off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	n := copy(p, data)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Close implements io.Closer.
func (r *ObjectReaderAt) Close() error { return nil }
