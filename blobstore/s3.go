package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/datavision/easystore/metrics"
)

// S3Store implements Store against an S3 bucket (or any S3-compatible
// endpoint). Transient failures are retried with exponential backoff.
type S3Store struct {
	client *s3.Client
	bucket string

	startingBackoff time.Duration
	maxRetries      int
	retentionMode   types.ObjectLockRetentionMode
}

var _ Store = (*S3Store)(nil)
var _ RetentionSetter = (*S3Store)(nil)

// S3Option configures an S3Store.
type S3Option func(*S3Store)

// WithRetries overrides the retry schedule.
func WithRetries(startingBackoff time.Duration, maxRetries int) S3Option {
	return func(s *S3Store) {
		s.startingBackoff = startingBackoff
		s.maxRetries = maxRetries
	}
}

// WithRetentionMode sets the Object Lock mode used by SetRetention.
func WithRetentionMode(mode types.ObjectLockRetentionMode) S3Option {
	return func(s *S3Store) { s.retentionMode = mode }
}

// NewS3FromClient wraps an existing S3 client.
func NewS3FromClient(client *s3.Client, bucket string, opts ...S3Option) *S3Store {
	s := &S3Store{
		client:          client,
		bucket:          bucket,
		startingBackoff: defaultStartingBackoff,
		maxRetries:      defaultMaxRetries,
		retentionMode:   types.ObjectLockRetentionModeCompliance,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewS3 builds an S3Store from the ambient AWS configuration (environment,
// shared config files, instance metadata).
func NewS3(ctx context.Context, bucket string, opts ...S3Option) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return NewS3FromClient(s3.NewFromConfig(cfg), bucket, opts...), nil
}

// mapS3Error folds the SDK's assorted missing-key errors into ErrNotFound.
func mapS3Error(err error) error {
	if err == nil {
		return nil
	}
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %s", ErrNotFound, err)
		}
	}
	return err
}

func (s *S3Store) observe(op string, err error) {
	outcome := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		outcome = "not_found"
	case err != nil:
		outcome = "error"
	}
	metrics.BlobRequestsTotal.WithLabelValues(op, outcome).Inc()
}

func (s *S3Store) Head(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := retryExponentialBackoff(ctx, "head", func() (ObjectInfo, error) {
		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return ObjectInfo{}, mapS3Error(err)
		}
		return ObjectInfo{
			Key:          key,
			Size:         aws.ToInt64(out.ContentLength),
			LastModified: aws.ToTime(out.LastModified),
		}, nil
	}, s.startingBackoff, s.maxRetries)
	s.observe("head", err)
	return info, err
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := retryExponentialBackoff(ctx, "get", func() ([]byte, error) {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, mapS3Error(err)
		}
		defer out.Body.Close()
		return io.ReadAll(out.Body)
	}, s.startingBackoff, s.maxRetries)
	s.observe("get", err)
	return data, err
}

func (s *S3Store) GetRange(ctx context.Context, key string, off, length int64) ([]byte, error) {
	if off < 0 || length <= 0 {
		return nil, fmt.Errorf("invalid range %d+%d for %q", off, length, key)
	}
	// The Range header is inclusive on both ends.
	rng := fmt.Sprintf("bytes=%d-%d", off, off+length-1)
	data, err := retryExponentialBackoff(ctx, "get_range", func() ([]byte, error) {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Range:  aws.String(rng),
		})
		if err != nil {
			return nil, mapS3Error(err)
		}
		defer out.Body.Close()
		return io.ReadAll(out.Body)
	}, s.startingBackoff, s.maxRetries)
	s.observe("get_range", err)
	return data, err
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := retryExponentialBackoff(ctx, "put", func() (struct{}, error) {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		return struct{}{}, mapS3Error(err)
	}, s.startingBackoff, s.maxRetries)
	s.observe("put", err)
	return err
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := retryExponentialBackoff(ctx, "list", func() (*s3.ListObjectsV2Output, error) {
			out, err := paginator.NextPage(ctx)
			return out, mapS3Error(err)
		}, s.startingBackoff, s.maxRetries)
		if err != nil {
			s.observe("list", err)
			return nil, err
		}
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	s.observe("list", nil)
	return objects, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := retryExponentialBackoff(ctx, "delete", func() (struct{}, error) {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		return struct{}{}, mapS3Error(err)
	}, s.startingBackoff, s.maxRetries)
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	s.observe("delete", err)
	return err
}

// SetRetention places an Object Lock retention on key, extending any
// existing lock up to the given date.
func (s *S3Store) SetRetention(ctx context.Context, key string, until time.Time) error {
	_, err := retryExponentialBackoff(ctx, "set_retention", func() (struct{}, error) {
		_, err := s.client.PutObjectRetention(ctx, &s3.PutObjectRetentionInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Retention: &types.ObjectLockRetention{
				Mode:            s.retentionMode,
				RetainUntilDate: aws.Time(until),
			},
		})
		return struct{}{}, mapS3Error(err)
	}, s.startingBackoff, s.maxRetries)
	s.observe("set_retention", err)
	return err
}
