package migrate

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/datavision/easystore/blobstore"
)

// SourceFileReader fetches and removes source payloads by their
// file_location value.
type SourceFileReader interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
	Remove(ctx context.Context, location string) error
}

// LocalFiles reads source payloads from the local filesystem.
type LocalFiles struct{}

func (LocalFiles) Fetch(ctx context.Context, location string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(location)
}

func (LocalFiles) Remove(ctx context.Context, location string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(location)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ParseS3URI splits an s3://bucket/key location.
func ParseS3URI(location string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(location, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 uri: %q", location)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed s3 uri: %q", location)
	}
	return bucket, key, nil
}

// S3Files reads source payloads from s3:// locations, sharing one client
// across buckets. Fetches inherit the blob store's retry policy.
type S3Files struct {
	client *s3.Client

	mu     sync.Mutex
	stores map[string]*blobstore.S3Store
}

// NewS3Files returns an S3Files over the given client.
func NewS3Files(client *s3.Client) *S3Files {
	return &S3Files{
		client: client,
		stores: make(map[string]*blobstore.S3Store),
	}
}

func (s *S3Files) storeFor(bucket string) *blobstore.S3Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.stores[bucket]
	if !ok {
		store = blobstore.NewS3FromClient(s.client, bucket)
		s.stores[bucket] = store
	}
	return store
}

func (s *S3Files) Fetch(ctx context.Context, location string) ([]byte, error) {
	bucket, key, err := ParseS3URI(location)
	if err != nil {
		return nil, err
	}
	return s.storeFor(bucket).Get(ctx, key)
}

func (s *S3Files) Remove(ctx context.Context, location string) error {
	bucket, key, err := ParseS3URI(location)
	if err != nil {
		return err
	}
	return s.storeFor(bucket).Delete(ctx, key)
}

// Files dispatches between local and s3 source locations. S3 may be nil,
// in which case s3:// rows fail per-file instead of aborting the cycle.
type Files struct {
	Local SourceFileReader
	S3    SourceFileReader
}

func (f Files) readerFor(location string) (SourceFileReader, error) {
	if strings.HasPrefix(location, "s3://") {
		if f.S3 == nil {
			return nil, fmt.Errorf("s3 source location %q but no s3 reader configured", location)
		}
		return f.S3, nil
	}
	if f.Local == nil {
		return nil, fmt.Errorf("no local source reader configured")
	}
	return f.Local, nil
}

func (f Files) Fetch(ctx context.Context, location string) ([]byte, error) {
	r, err := f.readerFor(location)
	if err != nil {
		return nil, err
	}
	return r.Fetch(ctx, location)
}

func (f Files) Remove(ctx context.Context, location string) error {
	r, err := f.readerFor(location)
	if err != nil {
		return err
	}
	return r.Remove(ctx, location)
}
